// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/hostlist"
	"github.com/grailbio/bigmachine"
)

// An Executor provisions the workers of a session.
type Executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string

	// Start starts the executor. It is called once, when the session
	// starts. The returned function is called to shut down the
	// executor.
	Start(*Session) (shutdown func())

	// Workers returns up to n uninitialized workers. If n is zero,
	// the executor picks a default for its environment.
	Workers(ctx context.Context, n int) ([]Worker, error)

	// HandleDebug adds executor-specific debug handlers to the
	// provided http.ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// Session represents a bigbatch session. A session holds an executor
// and the configuration of the batches it runs, and is valid for the
// run of the binary. A session may run several batches, one after the
// other or concurrently; each batch gets a fresh pool of workers.
//
//	sess := exec.Start(exec.Local, exec.Computation("zstd"))
//	defer sess.Shutdown()
//	report, err := sess.Run(ctx, "s3://bucket/in", "s3://bucket/out")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if !report.Ok() {
//		// Some jobs failed; report.FailedPaths() names them.
//	}
type Session struct {
	id        string
	index     int32
	shutdown  func()
	p         int
	executor  Executor
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	computation string
	params      map[string]string
	fs          bigbatch.FS
	skip        []bigbatch.Filter
	retries     int
	retryPolicy retry.Policy
	jobTimeout  time.Duration
	sinks       []Sink

	tracer *tracer

	nbatch int32

	mu sync.Mutex
	// tasks stores the tasks of the most recent batch; used for
	// debugging.
	tasks []*Task
}

func newSession() *Session {
	return &Session{
		id:      uuid.New().String(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
		fs:      bigbatch.FileFS,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated for the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Hosts configures a session to run jobs on the hosts provided by the
// given source. Each host must run a worker server (see Server),
// listening on DefaultPort unless the host names a port.
func Hosts(source hostlist.Source) Option {
	return func(s *Session) {
		s.executor = newHostsExecutor(source)
	}
}

// Parallelism configures the session with the provided number of
// workers.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Computation configures the name of the registered computation that
// is applied to each job's input.
func Computation(name string) Option {
	return func(s *Session) {
		s.computation = name
	}
}

// Params configures the parameters passed to the computation's Init
// method.
func Params(params map[string]string) Option {
	return func(s *Session) {
		s.params = params
	}
}

// FileSystem configures the filesystem through which inputs are
// enumerated and, for local workers, through which job data are read
// and written. Remote workers always use bigbatch.FileFS.
func FileSystem(fs bigbatch.FS) Option {
	return func(s *Session) {
		s.fs = fs
	}
}

// Retries configures the number of additional attempts allowed for
// jobs that fail with a temporary error, such as an unreachable
// worker.
func Retries(n int) Option {
	if n < 0 {
		panic("exec.Retries: n < 0")
	}
	return func(s *Session) {
		s.retries = n
	}
}

// RetryBackoff configures the delay before a job is attempted again.
func RetryBackoff(policy retry.Policy) Option {
	return func(s *Session) {
		s.retryPolicy = policy
	}
}

// JobTimeout bounds the duration of each job attempt. A timed out
// attempt fails at its deadline; a worker whose computation ignores
// cancellation receives no further jobs until it returns.
func JobTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.jobTimeout = d
	}
}

// Skip excludes from each batch the input files matched by any of the
// provided filters. By default every file in the input directory is
// processed.
func Skip(filters ...bigbatch.Filter) Option {
	return func(s *Session) {
		s.skip = append(s.skip, filters...)
	}
}

// Sinks configures the sinks that receive the progress and report of
// each batch.
func Sinks(sinks ...Sink) Option {
	return func(s *Session) {
		s.sinks = append(s.sinks, sinks...)
	}
}

// Status configures the session with a status object to which
// batch statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigbatch-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the session
// will be written on shutdown. The path may be any path supported by
// github.com/grailbio/base/file.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new bigbatch session, configuring it
// according to the provided options. If no executor is configured, the
// session is configured to use the local executor.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigbatch:sessionStart",
		"sessionID", s.id,
		"command", commandLine(),
		"executorType", s.executor.Name(),
		"parallelism", s.p,
		"computation", s.computation)
	s.tracer = newTracer()

	name := fmt.Sprintf("bigbatch-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Parallelism returns the configured number of workers, or zero if the
// executor picks it.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Run runs a batch: one job for each file directly inside inDir, each
// writing its output to the file of the same name in outDir. Run
// returns when every job has reached a terminal state, with a report
// that partitions the jobs into those that succeeded and those that
// failed.
//
// Run returns an error only when the batch could not be run at all:
// when the computation is unknown, when inDir cannot be listed, or
// when no worker could be initialized. Job failures are reported in
// the returned report.
//
// When ctx is done, jobs that have not yet been dispatched fail with
// reason bigbatch.ReasonCancelled; jobs in flight run to completion.
func (s *Session) Run(ctx context.Context, inDir, outDir string) (*bigbatch.Report, error) {
	if s.computation == "" {
		return nil, errors.E(errors.Invalid, "no computation configured")
	}
	if _, err := bigbatch.Lookup(s.computation); err != nil {
		return nil, err
	}
	batch := atomic.AddInt32(&s.nbatch, 1)
	start := time.Now()

	s.tracer.Event(-1, "enumerate", "B", "dir", inDir)
	jobs, err := bigbatch.Enumerate(ctx, s.fs, inDir, outDir, s.skip...)
	s.tracer.Event(-1, "enumerate", "E", "jobs", len(jobs))
	if err != nil {
		return nil, err
	}
	log.Printf("batch %d: %d jobs in %s", batch, len(jobs), inDir)
	s.eventer.Event("bigbatch:batchStart",
		"sessionID", s.id,
		"batch", batch,
		"input", inDir,
		"output", outDir,
		"jobs", len(jobs))

	report := bigbatch.NewReport(jobs)
	tasks := NewTasks(jobs)
	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()

	var workers []Worker
	if len(jobs) > 0 && ctx.Err() == nil {
		workers, err = s.workers(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			for _, w := range workers {
				if err := w.Close(); err != nil {
					log.Error.Printf("%s: close: %v", w.Handle(), err)
				}
			}
		}()
	}

	var (
		group *status.Group
		sinks = s.sinks
	)
	if s.status != nil {
		group = s.status.Groupf("batch %d: %s", batch, inDir)
		sinks = append([]Sink{StatusSink{group}}, sinks...)
		statusCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go maintainStatus(statusCtx, tasks, group.Start())
	}
	Dispatch(ctx, workers, tasks, DispatchOptions{
		Retries:     s.retries,
		RetryPolicy: s.retryPolicy,
		JobTimeout:  s.jobTimeout,
		Status:      group,
		Trace:       s.tracer,
		Done: func(res bigbatch.Result) {
			if err := report.Add(res); err != nil {
				log.Panicf("exec.Run: %v", err)
			}
			for _, sink := range sinks {
				sink.Progress(report.Done(), report.Total)
			}
		},
	})
	if !report.Complete() {
		log.Panicf("exec.Run: batch %d returned with %d/%d results", batch, report.Done(), report.Total)
	}

	log.Printf("batch %d: %s in %s", batch, report, time.Since(start))
	for _, id := range report.Failed {
		log.Error.Printf("batch %d: failed: %s: %s", batch, report.Jobs[id].InputPath, report.Reasons[id])
	}
	for _, sink := range sinks {
		sink.Report(report)
	}
	s.eventer.Event("bigbatch:batchFinish",
		"sessionID", s.id,
		"batch", batch,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"duration", time.Since(start).Seconds())
	return report, nil
}

// workers provisions and initializes the workers of a batch.
func (s *Session) workers(ctx context.Context) ([]Worker, error) {
	s.tracer.Event(-1, "workers", "B")
	defer s.tracer.Event(-1, "workers", "E")
	workers, err := s.executor.Workers(ctx, s.p)
	if err != nil {
		return nil, errors.E("provisioning workers", err)
	}
	config := Config{Computation: s.computation, Params: s.params}
	workers, err = initWorkers(ctx, workers, config)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		s.tracer.Process(w.Handle())
	}
	log.Printf("%d workers ready (%s)", len(workers), s.executor.Name())
	return workers, nil
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	handler.Handle("/debug/tasks", http.HandlerFunc(s.handleTasks))
	if s.tracer != nil {
		handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("content-type", "application/json; charset=utf-8")
			if err := s.tracer.Marshal(w); err != nil {
				log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
			}
		})
	}
}

func (s *Session) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()
	w.Header().Add("content-type", "text/plain; charset=utf-8")
	if err := WriteTasks(w, tasks); err != nil {
		log.Error.Printf("exec.Session: /debug/tasks: %v", err)
	}
}

func writeTraceFile(tracer *tracer, path string) {
	ctx := context.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := f.Close(ctx); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}

// defaultParallelism is the number of local workers used when none is
// configured.
func defaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// commandLine returns the process's command line, quoted so that it
// can be pasted into sh.
func commandLine() string {
	quoted := make([]string, len(os.Args))
	for i, arg := range os.Args {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
