// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigbatch/internal/trace"
)

func jobEvent(pid int, ts, dur int64, input, outcome string) trace.Event {
	return trace.Event{
		Pid:  pid,
		Ts:   ts,
		Dur:  dur,
		Ph:   "X",
		Cat:  trace.CatJob,
		Name: "job",
		Args: map[string]interface{}{"input": input, "outcome": outcome},
	}
}

func TestTraceSummary(t *testing.T) {
	events := []trace.Event{
		{Pid: 1, Ph: "M", Name: "process_name", Args: map[string]interface{}{"name": "worker 0 (local)"}},
		{Pid: 2, Ph: "M", Name: "process_name", Args: map[string]interface{}{"name": "worker 1 (local)"}},
		{Pid: 0, Ph: "X", Cat: trace.CatBatch, Name: "enumerate", Dur: 10},
		jobEvent(1, 0, 1000, "in/a", "OK"),
		jobEvent(1, 1000, 3000, "in/b", "FAILED"),
		jobEvent(2, 0, 2000, "in/c", "OK"),
		jobEvent(3, 0, 500, "in/d", "OK"),
	}
	s := newTraceSummary(events)
	if got, want := len(s.attempts), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(s.workers), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Workers are sorted by name; unnamed processes are named by pid.
	if got, want := s.workers[0].worker, "pid 3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	w0 := s.workers[1]
	if got, want := w0.worker, "worker 0 (local)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w0.jobs, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w0.failed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w0.total, 4*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w0.lastDone, 4*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	slow := s.Slowest(2)
	if got, want := len(slow), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := slow[0].input, "in/b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := slow[1].input, "in/c"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	var b bytes.Buffer
	summarize(&b, s, 1)
	out := b.String()
	for _, want := range []string{"worker 0 (local)", "pid 3", "slowest", "in/b"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "in/c") {
		t.Errorf("summary lists more than one slow job:\n%s", out)
	}
}
