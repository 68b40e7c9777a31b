// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
)

func TestPool(t *testing.T) {
	tws := newTestWorkers(3, succeed)
	p := newPool(asWorkers(tws), nil)
	defer p.Done()
	if got, want := p.Idle(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var claimed []*poolWorker
	for i := 0; i < 3; i++ {
		w, ok := p.Claim()
		if !ok {
			t.Fatal("expected idle worker")
		}
		if got, want := w.ID(), i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		claimed = append(claimed, w)
	}
	if _, ok := p.Claim(); ok {
		t.Error("unexpected idle worker")
	}
	// The lowest-numbered idle worker is claimed first, regardless of
	// the order of release.
	p.Release(claimed[2])
	p.Release(claimed[0])
	if w, _ := p.Claim(); w.ID() != 0 {
		t.Errorf("claimed %s, want worker 0", w)
	}
	p.Exclude(claimed[2], "lost")
	p.Exclude(claimed[2], "lost again")
	if got, want := p.Live(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Idle(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Lost workers are not returned to the pool.
	p.Release(claimed[1])
	p.Release(claimed[0])
	if got, want := p.Idle(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := claimed[2].String(), "worker 2 (local) (lost)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// failingWorker fails to initialize.
type failingWorker struct {
	*testWorker
	closed bool
}

func (w *failingWorker) Init(context.Context, Config) error {
	return errors.E(errors.Invalid, "bad config")
}

func (w *failingWorker) Close() error {
	w.closed = true
	return nil
}

func TestInitWorkers(t *testing.T) {
	tws := newTestWorkers(3, succeed)
	bad := &failingWorker{testWorker: tws[1]}
	workers := []Worker{tws[0], bad, tws[2]}
	ok, err := initWorkers(context.Background(), workers, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(ok), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if ok[0] != Worker(tws[0]) || ok[1] != Worker(tws[2]) {
		t.Error("workers out of order")
	}
	if !bad.closed {
		t.Error("failed worker was not closed")
	}

	_, err = initWorkers(context.Background(), []Worker{bad}, Config{})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	_, err = initWorkers(context.Background(), nil, Config{})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestLocalWorker(t *testing.T) {
	fs := csvFS()
	w := newLocalWorkers(1, fs)[0]
	job := bigbatch.Job{ID: 0, InputPath: "in/a.csv", OutputPath: "out/a.csv"}
	if res := w.Execute(context.Background(), job); res.Ok() {
		t.Error("uninitialized worker should fail")
	}
	ctx := context.Background()
	if err := w.Init(ctx, Config{Computation: "exec-test-upper"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Init(ctx, Config{Computation: "exec-test-upper"}); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if res := w.Execute(ctx, job); !res.Ok() {
		t.Fatalf("unexpected failure: %s", res)
	}
	vals := w.(*localWorker).Stats()
	if got, want := vals["jobs.succeeded"], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["bytes.read"], int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
