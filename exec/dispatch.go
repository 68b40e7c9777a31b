// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
)

// retryPolicy is the default backoff policy applied before a job is
// attempted again.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// DispatchOptions parameterize Dispatch.
type DispatchOptions struct {
	// Retries is the number of additional attempts allowed for a job
	// whose failure is temporary. Failures that are not temporary are
	// never retried.
	Retries int
	// RetryPolicy determines the delay before a job is attempted
	// again. If nil, a default exponential backoff is used.
	RetryPolicy retry.Policy
	// JobTimeout, if nonzero, bounds the duration of each attempt. An
	// attempt that exceeds it fails when the timeout expires, even if
	// its computation ignores the context's cancellation; the worker
	// is not given another job until the computation returns.
	JobTimeout time.Duration
	// Status, if non-nil, receives dispatch progress and per-worker
	// status.
	Status *status.Group
	// Done, if non-nil, is called with each job's terminal result, in
	// completion order. Done is called from a single goroutine.
	Done func(bigbatch.Result)
	// Trace, if non-nil, records job attempts.
	Trace *tracer
}

// A queue is the dispatcher's queue of pending tasks. Tasks are served
// in first-come, first-served order, except that tasks to be retried
// are placed at the front.
type queue struct {
	mu    sync.Mutex
	tasks []*Task
}

func newQueue(tasks []*Task) *queue {
	return &queue{tasks: append([]*Task(nil), tasks...)}
}

// Pop removes and returns the task at the front of the queue.
func (q *queue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

// PushFront places the task at the front of the queue.
func (q *queue) PushFront(task *Task) {
	q.mu.Lock()
	q.tasks = append([]*Task{task}, q.tasks...)
	q.mu.Unlock()
}

// Drain removes and returns every task in the queue.
func (q *queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Len returns the number of tasks in the queue.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// An attempt is the outcome of running a task on a worker.
type attempt struct {
	task   *Task
	worker *poolWorker
	result bigbatch.Result
	// lost is true if the worker was lost while the task was in
	// flight.
	lost bool
	// retry is set when an attempt is returned after its backoff
	// delay, and it should be placed back in the queue.
	retry bool
	// busy, if non-nil, is closed when the worker's execution of a
	// timed out task returns.
	busy <-chan struct{}
}

// Dispatch runs the provided tasks on the provided workers, which must
// already be initialized, and returns when every task has reached a
// terminal state. The returned results are in completion order.
//
// Pending tasks are assigned in order to idle workers; when several
// workers are idle, the task at the front of the queue goes to the
// idle worker with the lowest ID. Each worker runs at most one task at
// a time and is eligible for another as soon as its task completes.
//
// A worker that is lost while running a task is excluded from the
// pool and the task fails with reason bigbatch.ReasonUnreachable. If
// every worker is lost, the remaining tasks fail with reason
// bigbatch.ReasonNoWorkers.
//
// When ctx is done, Dispatch stops assigning tasks: tasks that were
// never dispatched fail with reason bigbatch.ReasonCancelled, while
// tasks already in flight run to completion. Dispatch thus always
// returns a terminal result for every task.
func Dispatch(ctx context.Context, workers []Worker, tasks []*Task, opts DispatchOptions) []bigbatch.Result {
	policy := opts.RetryPolicy
	if policy == nil {
		policy = retryPolicy
	}
	var (
		q        = newQueue(tasks)
		p        = newPool(workers, opts.Status)
		attemptc = make(chan attempt)
		releasec = make(chan *poolWorker, len(workers))
		results  = make([]bigbatch.Result, 0, len(tasks))
		inflight int
		// draining counts the workers still running timed out tasks.
		draining int
		done     = ctx.Done()
		// In-flight jobs are not interrupted by cancellation of ctx,
		// so they are run in a context of their own.
		runCtx, cancelRun = context.WithCancel(context.Background())
	)
	defer cancelRun()
	defer p.Done()

	complete := func(task *Task, res bigbatch.Result) {
		task.Complete(res)
		res, _ = task.Result()
		if !res.Ok() {
			log.Error.Printf("%s failed: %s", task.Job, res.Reason)
		} else {
			log.Debug.Printf("%s succeeded", task.Job)
		}
		results = append(results, res)
		if opts.Done != nil {
			opts.Done(res)
		}
	}
	failAll := func(reason string) {
		for _, task := range q.Drain() {
			complete(task, bigbatch.Failed(task.Job, "%s", reason))
		}
	}

	for {
		// Assign as many pending tasks as there are idle workers.
		for ctx.Err() == nil && q.Len() > 0 {
			w, ok := p.Claim()
			if !ok {
				break
			}
			if w.IsLost() {
				p.Exclude(w, "lost while idle")
				p.Release(w)
				continue
			}
			task, _ := q.Pop()
			task.Assign(w.ID())
			w.Status.Printf("running %s", task.Job)
			opts.Trace.Event(w.ID(), task, "B")
			inflight++
			go run(runCtx, w, task, opts.JobTimeout, attemptc)
		}
		// Pending tasks may still wait on workers that are draining.
		if inflight == 0 && (q.Len() == 0 || draining == 0) {
			switch {
			case q.Len() == 0:
			case ctx.Err() != nil:
				failAll(bigbatch.ReasonCancelled)
			case p.Live() == 0:
				failAll(bigbatch.ReasonNoWorkers)
			default:
				log.Panicf("exec.Dispatch: %d tasks pending with no work in flight", q.Len())
			}
			break
		}
		updateStatus(opts.Status, len(tasks), len(results), inflight, q.Len(), p.Live())

		select {
		case <-done:
			log.Printf("dispatch cancelled: %d jobs pending, %d in flight", q.Len(), inflight)
			failAll(bigbatch.ReasonCancelled)
			// Only drain in-flight work from here on.
			done = nil
		case w := <-releasec:
			draining--
			p.Release(w)
		case a := <-attemptc:
			if a.retry {
				inflight--
				if ctx.Err() != nil {
					complete(a.task, a.result)
					break
				}
				a.task.Requeue(a.result.Reason)
				q.PushFront(a.task)
				break
			}
			opts.Trace.Event(a.worker.ID(), a.task, "E", "outcome", a.result.Outcome.String())
			if a.lost || a.worker.IsLost() {
				p.Exclude(a.worker, a.result.Reason)
			}
			if a.busy != nil {
				draining++
				go func(w *poolWorker, busy <-chan struct{}) {
					<-busy
					releasec <- w
				}(a.worker, a.busy)
			} else {
				p.Release(a.worker)
			}
			res := a.result
			if !res.Ok() && res.Temporary && a.task.Attempts() <= opts.Retries && ctx.Err() == nil && p.Live() > 0 {
				log.Printf("%s: attempt %d failed: %s; retrying", a.task.Job, a.task.Attempts(), res.Reason)
				// The task remains in flight through its backoff delay.
				go func(a attempt, retries int) {
					if err := retry.Wait(ctx, policy, retries); err != nil {
						log.Debug.Printf("%s: retry abandoned: %v", a.task.Job, err)
					}
					a.retry = true
					attemptc <- a
				}(a, a.task.Attempts()-1)
				break
			}
			inflight--
			complete(a.task, res)
		}
		// If every worker has been lost, nothing in the queue can
		// make progress.
		if p.Live() == 0 && q.Len() > 0 {
			failAll(bigbatch.ReasonNoWorkers)
		}
	}
	updateStatus(opts.Status, len(tasks), len(results), 0, 0, p.Live())
	return results
}

// run executes a task on a worker and sends the attempt on attemptc.
func run(ctx context.Context, w *poolWorker, task *Task, timeout time.Duration, attemptc chan<- attempt) {
	var cancel func()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	var (
		resc     = make(chan bigbatch.Result, 1)
		finished = make(chan struct{})
	)
	go func() {
		resc <- w.Execute(ctx, task.Job)
		close(finished)
	}()
	a := attempt{task: task, worker: w}
	select {
	case a.result = <-resc:
		if !a.result.Ok() && ctx.Err() == context.DeadlineExceeded {
			a.result = timedOut(task.Job, timeout, w.ID())
		}
	case <-ctx.Done():
		select {
		case a.result = <-resc:
			if !a.result.Ok() {
				a.result = timedOut(task.Job, timeout, w.ID())
			}
		default:
			// The computation did not return when its context expired.
			a.result = timedOut(task.Job, timeout, w.ID())
			a.busy = finished
		}
	case <-w.Lost():
		a.lost = true
		a.result = bigbatch.Unreachable(task.Job)
		a.result.Worker = w.ID()
	}
	attemptc <- a
}

func timedOut(job bigbatch.Job, timeout time.Duration, worker int) bigbatch.Result {
	res := bigbatch.Failed(job, "timeout after %s", timeout)
	res.Temporary = true
	res.Worker = worker
	return res
}

func updateStatus(group *status.Group, total, done, inflight, pending, live int) {
	if group == nil {
		return
	}
	states := []string{
		fmt.Sprintf("done=%d/%d", done, total),
		fmt.Sprintf("inflight=%d", inflight),
		fmt.Sprintf("pending=%d", pending),
		fmt.Sprintf("workers=%d", live),
	}
	group.Printf("jobs: %s", strings.Join(states, " "))
}
