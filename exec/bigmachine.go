// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

const (
	// StatsPollInterval is the period at which machine statistics are
	// polled.
	statsPollInterval = 10 * time.Second

	// StatTimeout is the maximum amount of time allowed to retrieve
	// machine stats, per iteration.
	statTimeout = 5 * time.Second
)

// BigmachineStatusGroup is the name of the status group used to
// report the state of bigmachine machines.
const BigmachineStatusGroup = "bigmachine"

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

func init() {
	gob.Register(&service{})
}

// configKey returns a string that uniquely identifies a worker
// configuration.
func configKey(config Config) string {
	keys := make([]string, 0, len(config.Params))
	for k := range config.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(config.Computation)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, config.Params[k])
	}
	return b.String()
}

// A service is the bigmachine service that runs jobs on a machine.
// It is installed under the name "Worker".
type service struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	configs once.Map
	limiter *limiter.Limiter
	stats   *stats.Map

	mu        sync.Mutex
	computers map[string]*computer
}

// Init implements bigmachine's service initialization. Concurrent job
// executions are limited to the number of procs on the machine.
func (s *service) Init(b *bigmachine.B) error {
	s.computers = make(map[string]*computer)
	s.stats = stats.NewMap()
	s.limiter = limiter.New()
	procs := b.System().Maxprocs()
	if procs == 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	s.limiter.Release(procs)
	return nil
}

// Configure prepares the machine to run jobs with the provided
// configuration. Configure is idempotent: each distinct configuration
// is initialized at most once.
func (s *service) Configure(ctx context.Context, config Config, _ *struct{}) error {
	key := configKey(config)
	return s.configs.Do(key, func() error {
		c, err := newComputer(nil, config, s.stats)
		if err != nil {
			// Configuration errors are deterministic: there is no
			// point in retrying them.
			return errors.E(errors.Fatal, err)
		}
		s.mu.Lock()
		s.computers[key] = c
		s.mu.Unlock()
		return nil
	})
}

// An executeRequest names a job and the configuration with which to
// run it.
type executeRequest struct {
	Key string
	Job bigbatch.Job
}

// Execute runs a single job with a previously applied configuration.
func (s *service) Execute(ctx context.Context, req executeRequest, res *bigbatch.Result) error {
	s.mu.Lock()
	c := s.computers[req.Key]
	s.mu.Unlock()
	if c == nil {
		return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf("configuration %q not applied", req.Key))
	}
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.limiter.Release(1)
	*res = c.Run(ctx, req.Job)
	return nil
}

// Stats returns the machine's job counters.
func (s *service) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = s.stats.Snapshot()
	return nil
}

// remoteMachine manages a single bigmachine.Machine that provides one
// or more worker slots.
type remoteMachine struct {
	*bigmachine.Machine

	Status *status.Task

	// configs ensures that each configuration is applied exactly once
	// on the machine.
	configs once.Map

	lostOnce sync.Once
	lostc    chan struct{}

	mu       sync.Mutex
	refs     int
	released bool
	vals     stats.Values
	mem      bigmachine.MemInfo
	load     bigmachine.LoadInfo
}

func newRemoteMachine(m *bigmachine.Machine, status *status.Task, slots int) *remoteMachine {
	r := &remoteMachine{
		Machine: m,
		Status:  status,
		lostc:   make(chan struct{}),
		refs:    slots,
	}
	go func() {
		<-m.Wait(bigmachine.Stopped)
		r.mu.Lock()
		released := r.released
		r.mu.Unlock()
		if released {
			r.lostOnce.Do(func() {
				r.Status.Print("stopped")
				r.Status.Done()
				close(r.lostc)
			})
			return
		}
		r.markLost(fmt.Sprintf("machine stopped: %v", m.Err()))
	}()
	return r
}

// markLost marks the machine as lost, closing its lost channel.
func (r *remoteMachine) markLost(reason string) {
	r.lostOnce.Do(func() {
		log.Error.Printf("lost machine %s: %s", r.Addr, reason)
		r.Status.Printf("lost: %s", reason)
		r.Status.Done()
		close(r.lostc)
	})
}

// release releases one of the machine's slots. The machine is stopped
// when all of its slots have been released.
func (r *remoteMachine) release() {
	r.mu.Lock()
	r.refs--
	done := r.refs == 0
	r.released = done
	r.mu.Unlock()
	if done {
		r.Cancel()
	}
}

// Go polls the machine's statistics at regular intervals until the
// machine is lost or the context is done.
func (r *remoteMachine) Go(ctx context.Context) {
	for ctx.Err() == nil {
		tctx, cancel := context.WithTimeout(ctx, statTimeout)
		g, gctx := errgroup.WithContext(tctx)
		var (
			mem  bigmachine.MemInfo
			merr error
			load bigmachine.LoadInfo
			lerr error
			vals stats.Values
			verr error
		)
		g.Go(func() error {
			mem, merr = r.Machine.MemInfo(gctx, false)
			return nil
		})
		g.Go(func() error {
			load, lerr = r.Machine.LoadInfo(gctx)
			return nil
		})
		g.Go(func() error {
			verr = r.Machine.Call(gctx, "Worker.Stats", struct{}{}, &vals)
			return nil
		})
		_ = g.Wait()
		cancel()
		r.mu.Lock()
		if merr == nil {
			r.mem = mem
		}
		if lerr == nil {
			r.load = load
		}
		if verr == nil {
			r.vals = vals
		} else {
			log.Debug.Printf("stats %s: %v", r.Addr, verr)
		}
		r.Status.Printf("mem %s/%s load %.1f/%.1f/%.1f counters %s",
			data.Size(r.mem.System.Used), data.Size(r.mem.System.Total),
			r.load.Averages.Load1, r.load.Averages.Load5, r.load.Averages.Load15,
			r.vals)
		r.mu.Unlock()
		select {
		case <-time.After(statsPollInterval):
		case <-ctx.Done():
		case <-r.lostc:
			return
		}
	}
}

// machineWorker is a Worker that runs jobs on one slot of a
// bigmachine machine.
type machineWorker struct {
	handle  Handle
	machine *remoteMachine
	key     string
	closed  sync.Once
}

func (w *machineWorker) Handle() Handle { return w.handle }

func (w *machineWorker) Init(ctx context.Context, config Config) error {
	w.key = configKey(config)
	return w.machine.configs.Do(w.key, func() error {
		err := w.machine.RetryCall(ctx, "Worker.Configure", config, nil)
		if err != nil {
			// Allow other slots to try again.
			w.machine.configs.Forget(w.key)
		}
		return err
	})
}

func (w *machineWorker) Execute(ctx context.Context, job bigbatch.Job) bigbatch.Result {
	var res bigbatch.Result
	err := w.machine.RetryCall(ctx, "Worker.Execute", executeRequest{w.key, job}, &res)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res = bigbatch.Failed(job, "%v", ctx.Err())
	case errors.Match(fatalErr, err):
		res = bigbatch.Failed(job, "worker error: %v", err)
	default:
		// Everything else we consider as the machine being lost.
		w.machine.markLost(err.Error())
		res = bigbatch.Unreachable(job)
	}
	res.Worker = w.handle.ID
	return res
}

func (w *machineWorker) Lost() <-chan struct{} { return w.machine.lostc }

func (w *machineWorker) Close() error {
	w.closed.Do(w.machine.release)
	return nil
}

// bigmachineExecutor provisions workers on machines started by a
// bigmachine system. Each machine provides as many worker slots as
// it has procs.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*remoteMachine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (e *bigmachineExecutor) Name() string {
	return "bigmachine:" + e.system.Name()
}

// Start starts the bigmachine.
func (e *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	e.b = bigmachine.Start(e.system)
	if status := sess.Status(); status != nil {
		e.status = status.Group(BigmachineStatusGroup)
	}
	return e.b.Shutdown
}

// Workers starts enough machines to provide n worker slots (one
// machine's worth if n is zero), installing
// the worker service on each of them. Workers returns when all of the
// machines are running; machines that fail to start are not included,
// so fewer than n workers may be returned.
func (e *bigmachineExecutor) Workers(ctx context.Context, n int) ([]Worker, error) {
	procs := e.b.System().Maxprocs()
	if procs <= 0 {
		procs = 1
	}
	if n == 0 {
		n = procs
	}
	nmach := (n + procs - 1) / procs
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &service{}}}, e.params...)
	machines, err := e.b.Start(ctx, nmach, params...)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "starting machines", err)
	}
	var (
		wg      sync.WaitGroup
		started = make([]*remoteMachine, len(machines))
	)
	for i := range machines {
		i, m := i, machines[i]
		slots := procs
		if rem := n - i*procs; rem < slots {
			slots = rem
		}
		status := e.status.Start()
		status.Print("waiting for machine to boot")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				status.Printf("failed to start: %v", err)
				status.Done()
				return
			}
			status.Title(m.Addr)
			status.Print("running")
			log.Printf("machine %v is ready", m.Addr)
			started[i] = newRemoteMachine(m, status, slots)
		}()
	}
	wg.Wait()
	var workers []Worker
	for _, m := range started {
		if m == nil {
			continue
		}
		e.mu.Lock()
		e.machines = append(e.machines, m)
		e.mu.Unlock()
		go m.Go(context.Background())
		for i := 0; i < m.refs; i++ {
			workers = append(workers, &machineWorker{
				handle:  Handle{ID: len(workers), Location: Location{Remote: true, Host: m.Addr}},
				machine: m,
			})
		}
	}
	return workers, nil
}

func (e *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	e.b.HandleDebug(handler)
	handler.HandleFunc("/debug/machines", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/plain; charset=utf-8")
		e.writeMachines(w)
	})
}

// writeMachines writes a table of the executor's machines and their
// most recent job counters, followed by the counters' totals.
func (e *bigmachineExecutor) writeMachines(w io.Writer) {
	e.mu.Lock()
	machines := append([]*remoteMachine(nil), e.machines...)
	e.mu.Unlock()
	var (
		tw    tabwriter.Writer
		total = make(stats.Values)
	)
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "machines:")
	for _, m := range machines {
		m.mu.Lock()
		vals := m.vals.Copy()
		m.mu.Unlock()
		state := "ok"
		select {
		case <-m.lostc:
			state = "lost"
		default:
		}
		fmt.Fprintf(&tw, "\t%s\t%s\t%s\n", m.Addr, state, vals)
		total.Add(vals)
	}
	fmt.Fprintf(&tw, "total:\t%s\n", total)
	tw.Flush()
}
