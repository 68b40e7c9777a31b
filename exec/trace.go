// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/bigbatch/internal/trace"
)

// A tracer tracks a set of trace events associated with the jobs of a
// batch. Trace events are logged in the Chrome tracing format and can
// be visualized using its built-in visualization tool
// (chrome://tracing). Each worker is represented as a Chrome
// "process"; job attempts are tracked by the worker they run on, and
// batch phases (enumeration, initialization) by the driver, which is
// process 0.
//
// Events are coalesced into "complete events" (X) at the time of
// rendering. A job that is retried shows up once per attempt.
type tracer struct {
	mu sync.Mutex

	events      []trace.Event
	taskEvents  map[*Task][]trace.Event
	phaseEvents map[string][]trace.Event

	workerTidPools map[int]tidPool

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

// tidPool is a pool of (virtual) thread IDs that we use to assign Tids to
// events. This makes visualization with the Chrome tracing tool much nicer, as
// concurrent events are shown on their own rows. The length of the pool is the
// maximum number of B events without a matching E event. The indexes of the
// slices are the Tids that we allocate, their corresponding value indicating
// whether it is considered available for allocation.
type tidPool []bool

func newTracer() *tracer {
	return &tracer{
		taskEvents:     make(map[*Task][]trace.Event),
		phaseEvents:    make(map[string][]trace.Event),
		workerTidPools: make(map[int]tidPool),
	}
}

// Process names the trace process for the provided worker.
func (t *tracer) Process(h Handle) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trace.Event{
		Pid:  h.ID + 1,
		Ts:   t.now(),
		Ph:   "M",
		Name: "process_name",
		Args: map[string]interface{}{
			"name": h.String(),
		},
	})
}

// Event logs an event on the provided worker with the given subject,
// type (ph), and arguments. The event's subject must be either a *Task
// or a string naming a batch phase; ph is as in Chrome's tracing
// format. Arguments is list of interleaved key-value pairs that are
// attached as event metadata. Args must be of even length.
//
// If worker is negative, the event is assigned to the driver.
func (t *tracer) Event(worker int, subject interface{}, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("tracer.Event: invalid arguments")
	}
	var event trace.Event
	event.Args = make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	event.Ph = ph
	if worker >= 0 {
		event.Pid = worker + 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	event.Ts = t.now()
	switch arg := subject.(type) {
	case *Task:
		event.Name = fmt.Sprintf("job %d", arg.Job.ID)
		event.Cat = trace.CatJob
		event.Args["input"] = arg.Job.InputPath
		t.assignTid(worker, ph, t.taskEvents[arg], &event)
		t.taskEvents[arg] = append(t.taskEvents[arg], event)
	case string:
		event.Name = arg
		event.Cat = trace.CatBatch
		t.assignTid(worker, ph, t.phaseEvents[arg], &event)
		t.phaseEvents[arg] = append(t.phaseEvents[arg], event)
	default:
		panic(fmt.Sprintf("unsupported subject type %T", subject))
	}
}

// now returns the current trace timestamp. It must be called with
// t.mu held.
func (t *tracer) now() int64 {
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
		return 0
	}
	return time.Since(t.firstEvent).Nanoseconds() / 1e3
}

// assignTid assigns a thread ID to event, using the worker's tid pool
// and type of event. events is the slices of existing relevant events,
// e.g. t.taskEvents[arg].
func (t *tracer) assignTid(worker int, ph string, events []trace.Event, event *trace.Event) {
	event.Tid = 0
	tidPool := t.workerTidPools[worker]
	switch ph {
	case "B":
		event.Tid = tidPool.Acquire()
		t.workerTidPools[worker] = tidPool
	case "E":
		if len(events) == 0 {
			break
		}
		lastEvent := events[len(events)-1]
		if lastEvent.Ph != "B" {
			break
		}
		event.Tid = lastEvent.Tid
		tidPool.Release(event.Tid)
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	for _, v := range t.phaseEvents {
		events = appendCoalesce(events, v)
	}
	for _, v := range t.taskEvents {
		events = appendCoalesce(events, v)
	}
	t.mu.Unlock()

	return (&trace.T{Events: events}).Encode(w)
}

// appendCoalesce appends a set of events on the provided list,
// first coalescing events so that "B" and "E" events are matched
// into a single "X" event. This produces more visually compact (and
// useful) trace visualizations. appendCoalesce also prunes orphan
// events.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			// Reset the begin index so that a retried job is captured
			// as one event per attempt.
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		} // drop unmatched "E"s
	}
	if begIndex >= 0 {
		// We have an unmatched "B". Drop it.
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

// Acquire acquires an available thread ID from pool p. Thread IDs are
// sequential and 1-indexed, preserving 0 for events without meaningful thread
// IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	// Nothing available in the pool, so grow it.
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release releases a tid, a thread ID previously acquired in Acquire. This
// makes it available to be returned from a future call to Acquire.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}
