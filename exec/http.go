// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/hostlist"
	"github.com/grailbio/bigbatch/stats"
)

const (
	// DefaultPort is the port on which worker servers listen by
	// default, and the port assumed for hosts that do not name one.
	DefaultPort = 9555

	// HeartbeatInterval is the default interval between liveness
	// probes of a host worker.
	HeartbeatInterval = 5 * time.Second

	// KeepaliveTimeout is the default amount of time a host worker may
	// go without a successful liveness probe before it is considered
	// lost.
	KeepaliveTimeout = 30 * time.Second

	// initRetries is the number of times a host worker's
	// initialization is retried on temporary errors.
	initRetries = 5
)

// A Server serves the worker protocol over HTTP, so that jobs may be
// run on hosts that were provisioned by a cluster scheduler. The
// protocol is JSON over HTTP:
//
//	POST /init     Config               -> 204, or an error status
//	POST /execute  {Key, Job}           -> bigbatch.Result
//	GET  /health                        -> 200 "ok"
//	GET  /stats                         -> stats.Values
//
// A single server may serve several worker slots concurrently.
type Server struct {
	fs    bigbatch.FS
	stats *stats.Map

	configs once.Map

	mu        sync.Mutex
	computers map[string]*computer
}

// NewServer returns a new server that accesses job data through the
// provided filesystem. If fs is nil, bigbatch.FileFS is used.
func NewServer(fs bigbatch.FS) *Server {
	if fs == nil {
		fs = bigbatch.FileFS
	}
	return &Server{
		fs:        fs,
		stats:     stats.NewMap(),
		computers: make(map[string]*computer),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/init", s.handleInit)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.stats.Snapshot())
	})
	return mux
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var config Config
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("decode config: %v", err), http.StatusBadRequest)
		return
	}
	key := configKey(config)
	err := s.configs.Do(key, func() error {
		c, err := newComputer(s.fs, config, s.stats)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.computers[key] = c
		s.mu.Unlock()
		log.Printf("worker configured: %s", key)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	c := s.computers[req.Key]
	s.mu.Unlock()
	if c == nil {
		http.Error(w, fmt.Sprintf("configuration %q not applied", req.Key), http.StatusPreconditionFailed)
		return
	}
	writeJSON(w, c.Run(r.Context(), req.Job))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error.Printf("encode response: %v", err)
	}
}

// httpWorker is a Worker that runs jobs on a remote Server.
type httpWorker struct {
	handle    Handle
	url       string
	client    *http.Client
	heartbeat time.Duration
	keepalive time.Duration

	key string

	lostOnce sync.Once
	lostc    chan struct{}

	stopOnce sync.Once
	stopc    chan struct{}
}

func newHTTPWorker(id int, addr string, client *http.Client, heartbeat, keepalive time.Duration) *httpWorker {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpWorker{
		handle:    Handle{ID: id, Location: Location{Remote: true, Host: addr}},
		url:       "http://" + addr,
		client:    client,
		heartbeat: heartbeat,
		keepalive: keepalive,
		lostc:     make(chan struct{}),
		stopc:     make(chan struct{}),
	}
}

func (w *httpWorker) Handle() Handle { return w.handle }

// Init configures the remote server, retrying temporary errors, and
// then starts the worker's heartbeat.
func (w *httpWorker) Init(ctx context.Context, config Config) error {
	w.key = configKey(config)
	body, err := json.Marshal(config)
	if err != nil {
		return err
	}
	for retries := 0; ; retries++ {
		err = w.post(ctx, "/init", body, nil)
		if err == nil || !errors.IsTemporary(err) || retries == initRetries {
			break
		}
		log.Printf("%s: init: %v; retrying", w.handle, err)
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	go w.beat()
	return nil
}

func (w *httpWorker) Execute(ctx context.Context, job bigbatch.Job) bigbatch.Result {
	// The in-flight call is abandoned when the worker is lost.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.lostc:
			cancel()
		case <-ctx.Done():
		}
	}()
	var res bigbatch.Result
	body, err := json.Marshal(executeRequest{w.key, job})
	if err == nil {
		err = w.post(ctx, "/execute", body, &res)
	}
	switch {
	case err == nil:
	case w.isLost():
		res = bigbatch.Unreachable(job)
	case ctx.Err() != nil:
		res = bigbatch.Failed(job, "%v", ctx.Err())
	case errors.Is(errors.Net, err):
		w.markLost(err.Error())
		res = bigbatch.Unreachable(job)
	default:
		res = bigbatch.Failed(job, "worker error: %v", err)
	}
	res.Worker = w.handle.ID
	return res
}

func (w *httpWorker) Lost() <-chan struct{} { return w.lostc }

func (w *httpWorker) Close() error {
	w.stopOnce.Do(func() { close(w.stopc) })
	return nil
}

func (w *httpWorker) isLost() bool {
	select {
	case <-w.lostc:
		return true
	default:
		return false
	}
}

func (w *httpWorker) markLost(reason string) {
	w.lostOnce.Do(func() {
		log.Error.Printf("%s: lost: %s", w.handle, reason)
		close(w.lostc)
	})
}

// beat probes the server's health endpoint at every heartbeat
// interval. The worker is marked lost once the keepalive timeout
// elapses without a successful probe.
func (w *httpWorker) beat() {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-w.stopc:
			return
		case <-w.lostc:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.heartbeat)
		err := w.get(ctx, "/health")
		cancel()
		if err == nil {
			last = time.Now()
			continue
		}
		log.Debug.Printf("%s: health: %v", w.handle, err)
		if since := time.Since(last); since >= w.keepalive {
			w.markLost(fmt.Sprintf("no heartbeat for %s: %v", since.Round(time.Millisecond), err))
			return
		}
	}
}

func (w *httpWorker) get(ctx context.Context, path string) error {
	req, err := http.NewRequest(http.MethodGet, w.url+path, nil)
	if err != nil {
		return err
	}
	return w.do(req.WithContext(ctx), nil)
}

func (w *httpWorker) post(ctx context.Context, path string, body []byte, reply interface{}) error {
	req, err := http.NewRequest(http.MethodPost, w.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	return w.do(req.WithContext(ctx), reply)
}

// do performs the request, classifying errors: transport errors are of
// kind errors.Net; server errors (5xx) are temporary; other error
// statuses are returned as errors.Invalid.
func (w *httpWorker) do(req *http.Request, reply interface{}) error {
	resp, err := w.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.E(errors.Net, errors.Temporary, fmt.Sprintf("%s %s", req.Method, req.URL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<10))
		text := fmt.Sprintf("%s %s: %s: %s", req.Method, req.URL, resp.Status, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 {
			return errors.E(errors.Unavailable, errors.Temporary, text)
		}
		return errors.E(errors.Invalid, text)
	}
	if reply == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return errors.E(errors.Net, errors.Temporary, fmt.Sprintf("%s %s: decode response", req.Method, req.URL), err)
	}
	return nil
}

// hostsExecutor provisions one worker slot for each host provided by
// a host source. Each host is expected to run a worker Server.
type hostsExecutor struct {
	source    hostlist.Source
	port      int
	client    *http.Client
	heartbeat time.Duration
	keepalive time.Duration
}

func newHostsExecutor(source hostlist.Source) *hostsExecutor {
	return &hostsExecutor{
		source:    source,
		port:      DefaultPort,
		heartbeat: HeartbeatInterval,
		keepalive: KeepaliveTimeout,
	}
}

func (*hostsExecutor) Name() string { return "hosts" }

func (*hostsExecutor) Start(*Session) func() { return func() {} }

// Workers returns a worker for each host in the executor's source, in
// order. If n is positive and smaller than the number of hosts, only
// the first n hosts are used.
func (e *hostsExecutor) Workers(ctx context.Context, n int) ([]Worker, error) {
	hosts, err := e.source.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, errors.E(errors.Invalid, "host list is empty")
	}
	if n > 0 && n < len(hosts) {
		hosts = hosts[:n]
	}
	workers := make([]Worker, len(hosts))
	for i, host := range hosts {
		workers[i] = newHTTPWorker(i, hostlist.WithPort(host, e.port), e.client, e.heartbeat, e.keepalive)
	}
	return workers, nil
}

func (*hostsExecutor) HandleDebug(*http.ServeMux) {}
