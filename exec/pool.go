// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
)

// workerHealth is the dispatcher's assessment of a worker's health.
type workerHealth int

const (
	workerOk workerHealth = iota
	workerLost
)

// poolWorker manages a single Worker in a pool.
type poolWorker struct {
	Worker

	Status *status.Task

	// health is managed by the pool.
	health workerHealth
	// busy is true when the worker has a job in flight.
	busy bool
	// index is the worker's index in the pool's idle queue, or -1 if the
	// worker is not idle.
	index int
}

// ID returns the worker's ID.
func (w *poolWorker) ID() int { return w.Handle().ID }

func (w *poolWorker) String() string {
	var health string
	switch w.health {
	case workerOk:
		health = "ok"
	case workerLost:
		health = "lost"
	}
	return fmt.Sprintf("%s (%s)", w.Handle(), health)
}

// IsLost tells whether the worker's Lost channel has been closed.
func (w *poolWorker) IsLost() bool {
	select {
	case <-w.Lost():
		return true
	default:
		return false
	}
}

// idleQ is a priority queue of idle workers, prioritized by worker ID,
// so that the lowest-numbered idle worker is always claimed first.
type idleQ []*poolWorker

func (h idleQ) Len() int           { return len(h) }
func (h idleQ) Less(i, j int) bool { return h[i].ID() < h[j].ID() }
func (h idleQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *idleQ) Push(x interface{}) {
	w := x.(*poolWorker)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *idleQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	x.index = -1
	return x
}

// A pool manages the set of workers available to a batch. The pool is
// fixed when it is created: workers may leave it (when they are lost)
// but never join it. Claiming and releasing workers are atomic with
// respect to each other.
type pool struct {
	mu      sync.Mutex
	workers []*poolWorker
	idle    idleQ
	live    int
}

// newPool returns a pool comprising the provided workers, all of
// which are idle. If group is non-nil, a status task is maintained for
// each worker.
func newPool(workers []Worker, group *status.Group) *pool {
	p := &pool{workers: make([]*poolWorker, len(workers))}
	for i, w := range workers {
		pw := &poolWorker{Worker: w, index: -1}
		pw.Status = group.Startf("%s", w.Handle())
		pw.Status.Print("idle")
		p.workers[i] = pw
		heap.Push(&p.idle, pw)
	}
	p.live = len(workers)
	return p
}

// Claim claims the idle worker with the lowest ID. Claim returns false
// if no worker is idle.
func (p *pool) Claim() (*poolWorker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	w := heap.Pop(&p.idle).(*poolWorker)
	w.busy = true
	return w, true
}

// Release returns a claimed worker to the pool, making it immediately
// eligible for another job. Lost workers are not returned.
func (p *pool) Release(w *poolWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.busy {
		log.Panicf("exec: release of unclaimed %s", w)
	}
	w.busy = false
	if w.health == workerLost {
		return
	}
	w.Status.Print("idle")
	heap.Push(&p.idle, w)
}

// Exclude marks the worker as lost and removes it from further
// assignment. Exclude is idempotent.
func (p *pool) Exclude(w *poolWorker, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.health == workerLost {
		return
	}
	log.Error.Printf("excluding %s: %s", w, reason)
	w.health = workerLost
	p.live--
	if w.index >= 0 {
		heap.Remove(&p.idle, w.index)
	}
	w.Status.Printf("lost: %s", reason)
	w.Status.Done()
}

// Live returns the number of workers that have not been lost.
func (p *pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle returns the number of idle workers.
func (p *pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Done marks the status of every remaining worker as done.
func (p *pool) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.health != workerLost {
			w.Status.Done()
		}
	}
}

// initWorkers initializes each of the provided workers concurrently
// with the provided configuration. It returns the workers whose
// initialization succeeded, in their original order. Workers that fail
// to initialize are closed and logged. initWorkers fails if no worker
// could be initialized.
func initWorkers(ctx context.Context, workers []Worker, config Config) ([]Worker, error) {
	errs := make([]error, len(workers))
	_ = traverse.Each(len(workers), func(i int) error {
		errs[i] = workers[i].Init(ctx, config)
		return nil
	})
	var (
		ok      []Worker
		lastErr error
	)
	for i, w := range workers {
		if errs[i] == nil {
			ok = append(ok, w)
			continue
		}
		lastErr = errs[i]
		log.Error.Printf("%s: failed to initialize: %v", w.Handle(), errs[i])
		if err := w.Close(); err != nil {
			log.Error.Printf("%s: close: %v", w.Handle(), err)
		}
	}
	if len(ok) == 0 {
		if lastErr == nil {
			return nil, errors.E(errors.Invalid, "no workers configured")
		}
		return nil, errors.E(errors.Invalid, "no worker could be initialized", lastErr)
	}
	return ok, nil
}
