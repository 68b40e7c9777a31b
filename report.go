// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
)

// A Report partitions the jobs of a batch into those that succeeded
// and those that failed. Reports are built incrementally as results
// arrive, and Succeeded and Failed preserve the order in which results
// were added. Use Sorted for a deterministic view.
type Report struct {
	// Total is the number of jobs in the batch.
	Total int
	// Succeeded contains the IDs of jobs that succeeded.
	Succeeded []int
	// Failed contains the IDs of jobs that failed.
	Failed []int
	// Reasons holds the failure reason for each failed job.
	Reasons map[int]string
	// Jobs holds the batch's jobs, indexed by ID.
	Jobs []Job

	seen []bool
}

// NewReport returns an empty report for the provided jobs. The jobs'
// IDs must be their indices.
func NewReport(jobs []Job) *Report {
	return &Report{
		Total:   len(jobs),
		Reasons: make(map[int]string),
		Jobs:    jobs,
		seen:    make([]bool, len(jobs)),
	}
}

// Add records the terminal result of a job. Add returns an error if the
// result names an unknown job, or a job that already has a result.
func (r *Report) Add(res Result) error {
	if res.JobID < 0 || res.JobID >= r.Total {
		return errors.E(errors.Invalid, fmt.Sprintf("report: unknown job %d", res.JobID))
	}
	if r.seen[res.JobID] {
		return errors.E(errors.Invalid, fmt.Sprintf("report: job %d already has a result", res.JobID))
	}
	r.seen[res.JobID] = true
	if res.Ok() {
		r.Succeeded = append(r.Succeeded, res.JobID)
	} else {
		r.Failed = append(r.Failed, res.JobID)
		r.Reasons[res.JobID] = res.Reason
	}
	return nil
}

// Done returns the number of jobs with a result.
func (r *Report) Done() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Complete tells whether every job in the batch has a result.
func (r *Report) Complete() bool {
	return r.Done() == r.Total
}

// Ok tells whether no job failed.
func (r *Report) Ok() bool {
	return len(r.Failed) == 0
}

// FailedPaths returns the input paths of the failed jobs, in the order
// of r.Failed.
func (r *Report) FailedPaths() []string {
	paths := make([]string, len(r.Failed))
	for i, id := range r.Failed {
		paths[i] = r.Jobs[id].InputPath
	}
	return paths
}

// Sorted returns a copy of the report whose Succeeded and Failed
// sequences are in ascending job order.
func (r *Report) Sorted() *Report {
	s := &Report{
		Total:     r.Total,
		Succeeded: append([]int(nil), r.Succeeded...),
		Failed:    append([]int(nil), r.Failed...),
		Reasons:   make(map[int]string, len(r.Reasons)),
		Jobs:      r.Jobs,
		seen:      append([]bool(nil), r.seen...),
	}
	for id, reason := range r.Reasons {
		s.Reasons[id] = reason
	}
	sort.Ints(s.Succeeded)
	sort.Ints(s.Failed)
	return s
}

// String returns a one-line summary of the report.
func (r *Report) String() string {
	return fmt.Sprintf("%d jobs: %d succeeded, %d failed", r.Total, len(r.Succeeded), len(r.Failed))
}

// WriteTo writes a summary of the report to w, listing the input path
// and reason of every failed job.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	var tw tabwriter.Writer
	tw.Init(cw, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, r.String())
	if len(r.Failed) > 0 {
		fmt.Fprintln(&tw, "failed:")
		for _, id := range r.Failed {
			fmt.Fprintf(&tw, "\t%d\t%s\t%s\n", id, r.Jobs[id].InputPath, r.Reasons[id])
		}
	}
	err := tw.Flush()
	if err == nil {
		err = cw.err
	}
	return cw.n, err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
