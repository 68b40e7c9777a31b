// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"testing"

	"github.com/grailbio/bigbatch/internal/trace"
)

func TestTracer(t *testing.T) {
	tr := newTracer()
	tasks := testTasks(3)
	tr.Process(Handle{ID: 0})
	tr.Event(-1, "enumerate", "B")
	tr.Event(-1, "enumerate", "E", "jobs", 3)
	tr.Event(0, tasks[0], "B")
	tr.Event(0, tasks[1], "B")
	tr.Event(0, tasks[0], "E")
	tr.Event(0, tasks[1], "E")
	// A retried job is shown once per attempt.
	tr.Event(0, tasks[0], "B")
	tr.Event(0, tasks[0], "E")
	// Unmatched begin events are dropped.
	tr.Event(0, tasks[2], "B")

	var b bytes.Buffer
	if err := tr.Marshal(&b); err != nil {
		t.Fatal(err)
	}
	var tr2 trace.T
	if err := tr2.Decode(&b); err != nil {
		t.Fatal(err)
	}
	counts := make(map[string]int)
	tids := make(map[string][]int)
	for _, event := range tr2.Events {
		counts[event.Ph+" "+event.Name]++
		tids[event.Name] = append(tids[event.Name], event.Tid)
	}
	for key, want := range map[string]int{
		"M process_name": 1,
		"X enumerate":    1,
		"X job 0":        2,
		"X job 1":        1,
		"B job 2":        0,
	} {
		if got := counts[key]; got != want {
			t.Errorf("%s: got %v, want %v", key, got, want)
		}
	}
	// Concurrent jobs on the same worker are shown on separate rows.
	if tids["job 0"][0] == tids["job 1"][0] {
		t.Errorf("concurrent jobs share tid %d", tids["job 0"][0])
	}
	var nilTracer *tracer
	nilTracer.Event(0, tasks[0], "B")
	nilTracer.Process(Handle{})
}
