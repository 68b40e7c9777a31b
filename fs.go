// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FS is the filesystem collaborator used to enumerate inputs and to
// read and write job data. Implementations must be safe for concurrent
// use.
type FS interface {
	// List returns the paths of the files directly inside the
	// directory dir, in lexicographic order. List fails with an error
	// of kind errors.NotExist if the directory does not exist or cannot
	// be read.
	List(ctx context.Context, dir string) ([]string, error)
	// Read returns the full contents of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces the contents of the file at path with p.
	Write(ctx context.Context, path string, p []byte) error
}

// FileFS is an FS backed by github.com/grailbio/base/file. It accepts
// any path supported by the registered file implementations, for
// example local paths or, once s3file is registered, s3:// URLs.
var FileFS FS = fileFS{}

type fileFS struct{}

func (fileFS) List(ctx context.Context, dir string) ([]string, error) {
	scheme, _, err := file.ParsePath(dir)
	if err != nil {
		return nil, directoryNotFound(dir, err)
	}
	local := scheme == ""
	if local {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, directoryNotFound(dir, err)
		}
		if !info.IsDir() {
			return nil, directoryNotFound(dir, errors.New("not a directory"))
		}
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var (
		paths []string
		lst   = file.List(ctx, dir, false)
	)
	for lst.Scan() {
		path := lst.Path()
		name := strings.TrimPrefix(path, prefix)
		if name == path || name == "" || strings.Contains(name, "/") {
			continue
		}
		// Local listers may report subdirectories.
		if local {
			if info, err := os.Stat(path); err != nil || info.IsDir() {
				continue
			}
		}
		paths = append(paths, path)
	}
	if err := lst.Err(); err != nil {
		return nil, directoryNotFound(dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (fileFS) Read(ctx context.Context, path string) (p []byte, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return ioutil.ReadAll(f.Reader(ctx))
}

func (fileFS) Write(ctx context.Context, path string, p []byte) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// IsDirectoryNotFound tells whether err reports a missing or unreadable
// input directory.
func IsDirectoryNotFound(err error) bool {
	return err != nil && errors.Is(errors.NotExist, err)
}

// IsNotExist tells whether err reports a missing file.
func IsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(errors.NotExist, err))
}

// IsTransient tells whether err is an I/O error that may not recur
// when the operation is retried.
func IsTransient(err error) bool {
	return err != nil && (errors.IsTemporary(err) || errors.Is(errors.Net, err) || errors.Is(errors.Timeout, err))
}

func directoryNotFound(dir string, err error) error {
	return errors.E(errors.NotExist, fmt.Sprintf("directory not found: %s", dir), err)
}
