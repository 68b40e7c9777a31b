// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/stats"
)

// A Location describes where a worker runs.
type Location struct {
	// Remote is true for workers that run outside of the driver
	// process.
	Remote bool
	// Host is the worker's host or address; it is empty for local
	// workers.
	Host string
}

// String returns "local" for local workers and the worker's host
// otherwise.
func (l Location) String() string {
	if !l.Remote {
		return "local"
	}
	return l.Host
}

// A Handle identifies a worker in the pool. Handles are fixed for the
// duration of a batch.
type Handle struct {
	// ID is the worker's index in the pool.
	ID int
	// Location is where the worker runs.
	Location Location
}

// String returns a short description of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("worker %d (%s)", h.ID, h.Location)
}

// Config is the configuration shared with every worker when it joins
// the pool.
type Config struct {
	// Computation is the registered name of the computation that the
	// worker applies to each job's input.
	Computation string
	// Params are passed to the computation's Init method if it
	// implements bigbatch.Initializer.
	Params map[string]string
}

// A Worker executes jobs, one at a time. Workers are created by the
// session according to its options; the dispatcher only routes jobs to
// them.
type Worker interface {
	// Handle returns the worker's handle.
	Handle() Handle

	// Init prepares the worker to run jobs with the provided
	// configuration. Init is called exactly once, before any call to
	// Execute.
	Init(ctx context.Context, config Config) error

	// Execute runs the provided job and returns its result. Execute
	// never fails: errors encountered while running the job,
	// including panics, are reported as failed results.
	Execute(ctx context.Context, job bigbatch.Job) bigbatch.Result

	// Lost returns a channel that is closed when the worker becomes
	// permanently unreachable. Workers that cannot be lost return
	// nil.
	Lost() <-chan struct{}

	// Close releases the worker's resources.
	Close() error
}

// A computer applies a computation to jobs, reading and writing their
// data through a filesystem. It is the piece of every worker
// implementation that actually runs jobs, whether in the driver
// process or in a remote worker process.
type computer struct {
	fs    bigbatch.FS
	comp  bigbatch.Computation
	stats *stats.Map
}

// newComputer resolves the computation named by config and
// initializes it.
func newComputer(fs bigbatch.FS, config Config, st *stats.Map) (*computer, error) {
	if fs == nil {
		fs = bigbatch.FileFS
	}
	if st == nil {
		st = stats.NewMap()
	}
	comp, err := bigbatch.Lookup(config.Computation)
	if err != nil {
		return nil, err
	}
	if initer, ok := comp.(bigbatch.Initializer); ok {
		comp, err = initer.Init(config.Params)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("initializing computation %s", config.Computation), err)
		}
	}
	return &computer{fs: fs, comp: comp, stats: st}, nil
}

// Run runs the job, returning its result. Run never panics; panics in
// the computation are recovered and reported as computation errors.
func (c *computer) Run(ctx context.Context, job bigbatch.Job) (res bigbatch.Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if res.Ok() {
			c.stats.Int(stats.JobsSucceeded).Add(1)
		} else {
			c.stats.Int(stats.JobsFailed).Add(1)
		}
	}()
	in, err := c.fs.Read(ctx, job.InputPath)
	if err != nil {
		return ioFailure(job, job.InputPath, err)
	}
	c.stats.Int(stats.BytesRead).Add(int64(len(in)))
	out, err := c.compute(ctx, in)
	if err != nil {
		return bigbatch.Failed(job, "computation error: %v", err)
	}
	if err := c.fs.Write(ctx, job.OutputPath, out); err != nil {
		return ioFailure(job, job.OutputPath, err)
	}
	c.stats.Int(stats.BytesWritten).Add(int64(len(out)))
	log.Debug.Printf("%s: ok: read %s, wrote %s in %s", job, data.Size(len(in)), data.Size(len(out)), time.Since(start))
	return bigbatch.Succeeded(job)
}

func (c *computer) compute(ctx context.Context, in []byte) (out []byte, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			log.Error.Printf("panic in computation: %v\n%s", e, stack)
			err = fmt.Errorf("panic: %v", e)
		}
	}()
	return c.comp.Compute(ctx, in)
}

// ioFailure returns the failed result for a job whose I/O on path
// failed with err.
func ioFailure(job bigbatch.Job, path string, err error) bigbatch.Result {
	if bigbatch.IsNotExist(err) {
		return bigbatch.Failed(job, "file not found: %s", path)
	}
	res := bigbatch.Failed(job, "io error: %v", err)
	res.Temporary = bigbatch.IsTransient(err)
	return res
}
