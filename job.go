// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
)

// A Job describes one unit of work: the computation is applied to the
// contents of InputPath and the result is written to OutputPath. Jobs
// are immutable once created.
type Job struct {
	// ID is the job's index in its batch. IDs are dense and follow
	// enumeration order.
	ID int
	// InputPath is the path of the job's input file.
	InputPath string
	// OutputPath is the path to which the job's output is written.
	OutputPath string
}

// String returns a short description of the job.
func (j Job) String() string {
	return fmt.Sprintf("job %d %s -> %s", j.ID, j.InputPath, j.OutputPath)
}

// A Filter reports whether a file, given by its base name, is excluded
// from a batch.
type Filter func(name string) bool

// SkipHidden is a Filter that excludes files whose names begin with ".".
func SkipHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Enumerate returns one job for each file in directory inDir, less
// those excluded by any of the provided filters. Jobs are ordered by
// input path; each job's output path is the input file's base name
// joined to outDir. Enumerate fails with an error satisfying IsDirectoryNotFound
// if inDir does not exist or cannot be read. An empty directory yields
// an empty batch.
//
// Enumerate is idempotent: it returns identical jobs for an unchanged
// directory.
func Enumerate(ctx context.Context, fs FS, inDir, outDir string, skip ...Filter) ([]Job, error) {
	paths, err := fs.List(ctx, inDir)
	if err != nil {
		if IsDirectoryNotFound(err) {
			return nil, err
		}
		return nil, directoryNotFound(inDir, err)
	}
	// Don't rely on the FS for ordering.
	paths = append([]string(nil), paths...)
	sort.Strings(paths)
	jobs := make([]Job, 0, len(paths))
paths:
	for _, input := range paths {
		base := path.Base(input)
		for _, f := range skip {
			if f(base) {
				continue paths
			}
		}
		jobs = append(jobs, Job{
			ID:         len(jobs),
			InputPath:  input,
			OutputPath: file.Join(outDir, base),
		})
	}
	return jobs, nil
}
