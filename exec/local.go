// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/stats"
)

// localWorker is a worker that runs jobs in-process, in the caller's
// goroutine. A local pool of n workers thus runs up to n jobs
// concurrently.
type localWorker struct {
	handle Handle
	fs     bigbatch.FS
	stats  *stats.Map

	mu       sync.Mutex
	computer *computer
}

// newLocalWorkers returns n local workers that access data through the
// provided filesystem.
func newLocalWorkers(n int, fs bigbatch.FS) []Worker {
	workers := make([]Worker, n)
	for i := range workers {
		workers[i] = &localWorker{
			handle: Handle{ID: i},
			fs:     fs,
			stats:  stats.NewMap(),
		}
	}
	return workers
}

func (w *localWorker) Handle() Handle { return w.handle }

func (w *localWorker) Init(ctx context.Context, config Config) error {
	c, err := newComputer(w.fs, config, w.stats)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.computer != nil {
		return errors.E(errors.Exists, "worker already initialized")
	}
	w.computer = c
	return nil
}

func (w *localWorker) Execute(ctx context.Context, job bigbatch.Job) bigbatch.Result {
	w.mu.Lock()
	c := w.computer
	w.mu.Unlock()
	var res bigbatch.Result
	if c == nil {
		res = bigbatch.Failed(job, "worker not initialized")
	} else {
		res = c.Run(ctx, job)
	}
	res.Worker = w.handle.ID
	return res
}

func (*localWorker) Lost() <-chan struct{} { return nil }

func (*localWorker) Close() error { return nil }

// Stats returns the worker's counters.
func (w *localWorker) Stats() stats.Values {
	return w.stats.Snapshot()
}

// localExecutor runs jobs in the driver process.
type localExecutor struct {
	fs bigbatch.FS
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.fs = sess.fs
	return func() {}
}

// Workers returns n local workers; if n is zero, one worker per
// available proc.
func (l *localExecutor) Workers(ctx context.Context, n int) ([]Worker, error) {
	if n == 0 {
		n = defaultParallelism()
	}
	return newLocalWorkers(n, l.fs), nil
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
