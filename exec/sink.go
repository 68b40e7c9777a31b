// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
)

// A Sink receives progress updates and the final report of a batch.
// Sinks are purely observational: the outcome of a batch never
// depends on them. Sink methods are called from a single goroutine.
type Sink interface {
	// Progress is called whenever a job reaches a terminal state, with
	// the number of jobs done and the total number of jobs.
	Progress(done, total int)
	// Report is called once with the batch's final report.
	Report(report *bigbatch.Report)
}

// StatusSink is a Sink that reports to a status group.
type StatusSink struct {
	Group *status.Group
}

// Progress implements Sink.
func (s StatusSink) Progress(done, total int) {
	s.Group.Printf("jobs done: %d/%d", done, total)
}

// Report implements Sink.
func (s StatusSink) Report(report *bigbatch.Report) {
	s.Group.Printf("%s", report)
}

// LogSink is a Sink that logs progress at every Step percent of
// completion, and logs the final report.
type LogSink struct {
	// Step is the progress logging interval, in percent. If zero,
	// progress is logged every 10 percent.
	Step int

	mu   sync.Mutex
	last int
}

// Progress implements Sink.
func (s *LogSink) Progress(done, total int) {
	step := s.Step
	if step <= 0 {
		step = 10
	}
	pct := 100
	if total > 0 {
		pct = 100 * done / total
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct/step == s.last/step && done != total {
		return
	}
	s.last = pct
	log.Printf("jobs done: %d/%d (%d%%)", done, total, pct)
}

// Report implements Sink.
func (s *LogSink) Report(report *bigbatch.Report) {
	log.Print(report)
	if paths := report.FailedPaths(); len(paths) > 0 {
		log.Printf("failed inputs: %s", strings.Join(paths, ", "))
	}
}

// stateCounts is a snapshot of the counts of tasks in each state.
type stateCounts [maxState]int

// printTo prints the counts of c to t.
func (c stateCounts) printTo(t *status.Task) {
	t.Printf("jobs pending/inflight/succeeded/failed: %d/%d/%d/%d",
		c[TaskPending], c[TaskInFlight], c[TaskSucceeded], c[TaskFailed])
}

// maintainStatus maintains a status task that tracks the states of
// the provided tasks. It returns when every task has reached a terminal
// state, or when ctx is done.
func maintainStatus(ctx context.Context, tasks []*Task, statusTask *status.Task) {
	var (
		sub    = NewTaskSubscriber()
		counts stateCounts
		last   = make(map[*Task]TaskState)
	)
	for _, task := range tasks {
		// Subscribe to updates before we grab the initial state so that
		// we are guaranteed to see every subsequent update.
		task.Subscribe(sub)
		state := task.State()
		last[task] = state
		counts[state]++
	}
	defer func() {
		for _, task := range tasks {
			task.Unsubscribe(sub)
		}
		statusTask.Done()
	}()
	for {
		counts.printTo(statusTask)
		if counts[TaskSucceeded]+counts[TaskFailed] == len(tasks) {
			return
		}
		select {
		case <-sub.Ready():
			for _, task := range sub.Tasks() {
				state := task.State()
				counts[last[task]]--
				counts[state]++
				last[task] = state
			}
		case <-ctx.Done():
			return
		}
	}
}
