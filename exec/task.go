// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigbatch"
)

func init() {
	close(closedc)
}

// closedc is closed in init which can be used any time we just want a closed
// channel (i.e. a channel that is always ready and receives a zero value).
var closedc = make(chan struct{})

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskPending is the initial state of a task. Pending tasks are
	// waiting in the dispatcher's queue for an idle worker.
	TaskPending TaskState = iota
	// TaskInFlight is the state of a task that has been assigned to a
	// worker and whose result has not yet arrived.
	TaskInFlight

	// TaskSucceeded indicates that the task's job has completed
	// successfully. It is a terminal state.
	TaskSucceeded
	// TaskFailed indicates that the task's job has failed. It is a
	// terminal state.
	TaskFailed

	maxState
)

var states = [...]string{
	TaskPending:   "PENDING",
	TaskInFlight:  "INFLIGHT",
	TaskSucceeded: "SUCCEEDED",
	TaskFailed:    "FAILED",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	return states[s]
}

// Terminal tells whether the state is absorbing.
func (s TaskState) Terminal() bool {
	return s >= TaskSucceeded
}

// TaskSubscriber is subscribed to a Task using Subscribe. It is then notified
// whenever the Task state changes. This is useful for efficiently observing the
// state changes of many tasks.
type TaskSubscriber struct {
	sync.Mutex
	cond *ctxsync.Cond

	// tasks holds the set of tasks that has changed since the last call to
	// Tasks.
	tasks map[*Task]struct{}
}

// NewTaskSubscriber returns a new TaskSubscriber. It needs to be subscribed to
// a Task with Subscribe for it to be notified of task state changes.
func NewTaskSubscriber() *TaskSubscriber {
	s := &TaskSubscriber{tasks: make(map[*Task]struct{})}
	s.cond = ctxsync.NewCond(s)
	return s
}

// Notify notifies s of a task whose state has changed.
func (s *TaskSubscriber) Notify(task *Task) {
	s.Lock()
	defer s.Unlock()
	s.tasks[task] = struct{}{}
	s.cond.Broadcast()
}

// Ready returns a channel that is closed if a subsequent call to Tasks will
// return a non-nil slice.
func (s *TaskSubscriber) Ready() <-chan struct{} {
	s.Lock()
	if len(s.tasks) > 0 {
		s.Unlock()
		return closedc
	}
	return s.cond.Done()
}

// Tasks returns the tasks whose state has changed since the last call to Tasks.
func (s *TaskSubscriber) Tasks() []*Task {
	s.Lock()
	defer s.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.tasks = make(map[*Task]struct{})
	return tasks
}

// A Task tracks the runtime state of a single job. Tasks are created
// by the session, one for each enumerated job, and are driven through
// their states by the dispatcher:
//
//	TaskPending -> TaskInFlight -> TaskSucceeded
//	                            -> TaskFailed
//	TaskPending -> TaskFailed  (cancelled, or no workers remain)
//	TaskInFlight -> TaskPending (retry)
//
// Terminal states are absorbing; an attempt to move a task out of a
// terminal state panics. Tasks embed a mutex for coordination and
// provide a context-aware condition variable to coordinate runtime
// state changes.
type Task struct {
	// Job is the job tracked by this task.
	Job bigbatch.Job

	// Status is a status object to which task status is reported.
	Status *status.Task

	// subs is the set of subscribers to which this task will be sent whenever
	// its state changes.
	subs []*TaskSubscriber

	// The following are used to coordinate runtime execution.

	sync.Mutex
	waitc chan struct{}

	// state is the task's state. It is protected by the task's lock
	// and state changes are also broadcast on the task's condition
	// variable.
	state TaskState
	// result is the task's terminal result; defined when state is
	// terminal.
	result bigbatch.Result
	// attempts is the number of times the task has entered
	// TaskInFlight.
	attempts int
	// worker is the ID of the worker on which the task was last
	// placed, or -1.
	worker int
}

// NewTask returns a new pending task for the provided job.
func NewTask(job bigbatch.Job) *Task {
	return &Task{Job: job, worker: -1}
}

// NewTasks returns a pending task for each of the provided jobs.
func NewTasks(jobs []bigbatch.Job) []*Task {
	tasks := make([]*Task, len(jobs))
	for i, job := range jobs {
		tasks[i] = NewTask(job)
	}
	return tasks
}

// String returns a short, human-readable string describing the
// task's state.
func (t *Task) String() string {
	// We play fast-and-loose with concurrency here (we read state and
	// result without holding the task's mutex) so that it is safe to call
	// String even when the lock is held.
	var b bytes.Buffer
	fmt.Fprintf(&b, "task %d %s %s", t.Job.ID, t.Job.InputPath, t.state)
	if t.state == TaskFailed {
		fmt.Fprintf(&b, ": %s", t.result.Reason)
	}
	return b.String()
}

// Assign moves a pending task to TaskInFlight on the provided worker.
// Waiters are notified.
func (t *Task) Assign(worker int) {
	t.Lock()
	defer t.Unlock()
	if t.state != TaskPending {
		log.Panicf("exec: assign %v: task is not pending", t)
	}
	t.state = TaskInFlight
	t.worker = worker
	t.attempts++
	t.Status.Printf("running on worker %d (attempt %d)", worker, t.attempts)
	t.Broadcast()
}

// Requeue returns an in-flight task to TaskPending so that it may be
// attempted again. Waiters are notified.
func (t *Task) Requeue(reason string) {
	t.Lock()
	defer t.Unlock()
	if t.state != TaskInFlight {
		log.Panicf("exec: requeue %v: task is not in flight", t)
	}
	t.state = TaskPending
	t.Status.Printf("retrying: %s", reason)
	t.Broadcast()
}

// Complete sets the task's terminal state according to the provided
// result, which must be for the task's job. The result is annotated
// with the task's attempt count and worker. Complete panics if the task
// has already completed: every job has exactly one terminal result.
func (t *Task) Complete(res bigbatch.Result) {
	t.Lock()
	defer t.Unlock()
	if t.state.Terminal() {
		log.Panicf("exec: complete %v: task already has result %v", t, t.result)
	}
	if res.JobID != t.Job.ID {
		log.Panicf("exec: complete %v: result %v is for another job", t, res)
	}
	if res.Ok() && t.state != TaskInFlight {
		log.Panicf("exec: complete %v: task succeeded without running", t)
	}
	res.Attempts = t.attempts
	if res.Worker < 0 && t.state == TaskInFlight {
		res.Worker = t.worker
	}
	t.result = res
	if res.Ok() {
		t.state = TaskSucceeded
		t.Status.Done()
	} else {
		t.state = TaskFailed
		t.Status.Printf("failed: %s", res.Reason)
		t.Status.Done()
	}
	t.Broadcast()
}

// Result returns the task's terminal result. The second value is false
// if the task has not yet completed.
func (t *Task) Result() (bigbatch.Result, bool) {
	t.Lock()
	defer t.Unlock()
	return t.result, t.state.Terminal()
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Attempts returns the number of times the task has been dispatched.
func (t *Task) Attempts() int {
	t.Lock()
	defer t.Unlock()
	return t.attempts
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the task's lock is held.
func (t *Task) Broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
	for _, sub := range t.subs {
		sub.Notify(t)
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The task's lock must be held when calling Wait.
func (t *Task) Wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Lock()
	return err
}

// WaitState returns when the task's state is at least the provided state,
// or else when the context is done.
func (t *Task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}

// Subscribe subscribes s to be notified of any changes to t's state. If s has
// already been subscribed, no-op.
func (t *Task) Subscribe(s *TaskSubscriber) {
	t.Lock()
	defer t.Unlock()
	for _, sub := range t.subs {
		if s == sub {
			// It is already registered.
			return
		}
	}
	t.subs = append(t.subs, s)
}

// Unsubscribe unsubscribes previously subscribe s. s will on longer receive
// task state change notifications. No-op if s was never subscribed.
func (t *Task) Unsubscribe(s *TaskSubscriber) {
	t.Lock()
	defer t.Unlock()
	subs := t.subs[:0]
	for _, sub := range t.subs {
		if s == sub {
			continue
		}
		subs = append(subs, sub)
	}
	t.subs = subs
}

// WriteTasks writes a table of the provided tasks and their states
// into w.
func WriteTasks(w io.Writer, tasks []*Task) error {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "tasks:")
	for _, task := range tasks {
		task.Lock()
		state, res, attempts := task.state, task.result, task.attempts
		task.Unlock()
		fmt.Fprintf(&tw, "\t%d\t%s\t%s\t%d", task.Job.ID, task.Job.InputPath, state, attempts)
		if state == TaskFailed {
			fmt.Fprintf(&tw, "\t%s", res.Reason)
		}
		fmt.Fprintln(&tw)
	}
	return tw.Flush()
}
