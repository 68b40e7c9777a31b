// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"bytes"
	"fmt"
	"time"
)

// Outcome is the terminal outcome of a job.
type Outcome int

const (
	// Success indicates that the job's output was written.
	Success Outcome = iota
	// Failure indicates that the job failed; the accompanying reason
	// describes why.
	Failure
)

// String returns the outcome as an upper-case string.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "OK"
	case Failure:
		return "FAILED"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Failure reasons that are produced by the runtime rather than by
// the processing of a job's data.
const (
	// ReasonUnreachable is the reason given to a job that was in flight
	// on a worker that became unreachable.
	ReasonUnreachable = "worker unreachable"
	// ReasonCancelled is the reason given to jobs that were never
	// dispatched because the batch was aborted.
	ReasonCancelled = "cancelled"
	// ReasonNoWorkers is the reason given to jobs that could not be
	// dispatched because every worker in the pool was lost.
	ReasonNoWorkers = "no live workers"
)

// A Result is the outcome of running a single job.
type Result struct {
	// JobID is the ID of the job that produced this result.
	JobID int
	// Outcome is the job's outcome.
	Outcome Outcome
	// Reason describes the failure; it is empty on success.
	Reason string
	// Temporary is set for failures that may not recur if the job is
	// attempted again, for example when a worker was lost.
	Temporary bool

	// Worker is the ID of the worker that produced this result, or -1 if
	// the job never ran.
	Worker int
	// Attempts is the number of times the job was dispatched.
	Attempts int
	// Duration is the time taken by the final attempt.
	Duration time.Duration
}

// Succeeded returns a successful result for the provided job.
func Succeeded(job Job) Result {
	return Result{JobID: job.ID, Outcome: Success, Worker: -1}
}

// Failed returns a failed result for the provided job, formatting its
// reason from the provided arguments.
func Failed(job Job, format string, args ...interface{}) Result {
	return Result{
		JobID:   job.ID,
		Outcome: Failure,
		Reason:  fmt.Sprintf(format, args...),
		Worker:  -1,
	}
}

// Unreachable returns the (temporary) failure assigned to a job whose
// worker was lost while running it.
func Unreachable(job Job) Result {
	r := Failed(job, ReasonUnreachable)
	r.Temporary = true
	return r
}

// Ok tells whether the result represents a successful outcome.
func (r Result) Ok() bool {
	return r.Outcome == Success
}

// String returns a short, human-readable description of the result.
func (r Result) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "job %d %s", r.JobID, r.Outcome)
	if r.Reason != "" {
		fmt.Fprintf(&b, ": %s", r.Reason)
	}
	if r.Worker >= 0 {
		fmt.Fprintf(&b, " (worker %d", r.Worker)
		if r.Attempts > 1 {
			fmt.Fprintf(&b, ", %d attempts", r.Attempts)
		}
		b.WriteString(")")
	}
	return b.String()
}
