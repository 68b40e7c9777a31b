// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batchtest

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigbatch"
)

// Sleep returns a computation that copies its input after sleeping for
// the provided duration, or until the context is done.
func Sleep(d time.Duration) bigbatch.Computation {
	return bigbatch.ComputationFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		select {
		case <-time.After(d):
			return in, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Panic returns a computation that panics with the provided message.
func Panic(msg string) bigbatch.Computation {
	return bigbatch.ComputationFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		log.Panicf("%s", msg)
		return nil, nil
	})
}

// Error returns a computation that always fails with the provided
// error.
func Error(err error) bigbatch.Computation {
	return bigbatch.ComputationFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		return nil, err
	})
}

// A Gate is a computation that blocks every invocation until the gate
// is opened. Invocations copy their input. Gates are used to control
// the interleaving of jobs in tests.
type Gate struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	started int
	open    bool
}

// NewGate returns a new, closed gate.
func NewGate() *Gate {
	g := new(Gate)
	g.cond = ctxsync.NewCond(&g.mu)
	return g
}

// Compute implements bigbatch.Computation.
func (g *Gate) Compute(ctx context.Context, in []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
	g.cond.Broadcast()
	for !g.open {
		if err := g.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// WaitStarted blocks until at least n invocations have started, or the
// context is done.
func (g *Gate) WaitStarted(ctx context.Context, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.started < n {
		if err := g.cond.Wait(ctx); err != nil {
			return errors.E(errors.Timeout, "gate: waiting for invocations", err)
		}
	}
	return nil
}

// Started returns the number of invocations that have started.
func (g *Gate) Started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Open opens the gate, releasing all blocked and future invocations.
func (g *Gate) Open() {
	g.mu.Lock()
	g.open = true
	g.cond.Broadcast()
	g.mu.Unlock()
}
