// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/hostlist"
	"github.com/grailbio/bigbatch/stats"
	"github.com/grailbio/testutil/assert"
)

func startServer(t *testing.T, fs bigbatch.FS) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(NewServer(fs).Handler())
	return srv, srv.Listener.Addr().String()
}

func TestHTTPWorker(t *testing.T) {
	fs := csvFS()
	srv, addr := startServer(t, fs)
	defer srv.Close()
	w := newHTTPWorker(0, addr, nil, time.Hour, time.Hour)
	defer w.Close()
	ctx := context.Background()
	assert.NoError(t, w.Init(ctx, Config{Computation: "exec-test-upper"}))

	res := w.Execute(ctx, bigbatch.Job{ID: 3, InputPath: "in/a.csv", OutputPath: "out/a.csv"})
	if !res.Ok() {
		t.Fatalf("unexpected failure: %s", res)
	}
	if got, want := res.JobID, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Worker, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, _ := fs.File("out/a.csv"); got != "A,1\n" {
		t.Errorf("got %q, want %q", got, "A,1\n")
	}

	res = w.Execute(ctx, bigbatch.Job{ID: 4, InputPath: "in/missing.csv", OutputPath: "out/missing.csv"})
	if got, want := res.Reason, "file not found: in/missing.csv"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	resp, err := http.Get(srv.URL + "/stats")
	assert.NoError(t, err)
	defer resp.Body.Close()
	var vals stats.Values
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&vals))
	if got, want := vals[stats.JobsSucceeded], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.JobsFailed], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHTTPWorkerInitError(t *testing.T) {
	srv, addr := startServer(t, csvFS())
	defer srv.Close()
	w := newHTTPWorker(0, addr, nil, time.Hour, time.Hour)
	defer w.Close()
	err := w.Init(context.Background(), Config{Computation: "exec-test-params"})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestHTTPWorkerNotConfigured(t *testing.T) {
	srv, addr := startServer(t, csvFS())
	defer srv.Close()
	w := newHTTPWorker(0, addr, nil, time.Hour, time.Hour)
	defer w.Close()
	w.key = "exec-test-upper"
	res := w.Execute(context.Background(), bigbatch.Job{InputPath: "in/a.csv", OutputPath: "out/a.csv"})
	if !strings.HasPrefix(res.Reason, "worker error:") {
		t.Errorf("unexpected reason %q", res.Reason)
	}
	select {
	case <-w.Lost():
		t.Error("worker unexpectedly lost")
	default:
	}
}

func TestHTTPWorkerUnreachable(t *testing.T) {
	srv, addr := startServer(t, csvFS())
	w := newHTTPWorker(0, addr, nil, time.Hour, time.Hour)
	defer w.Close()
	assert.NoError(t, w.Init(context.Background(), Config{Computation: "exec-test-upper"}))
	srv.Close()
	res := w.Execute(context.Background(), bigbatch.Job{InputPath: "in/a.csv", OutputPath: "out/a.csv"})
	if got, want := res.Reason, bigbatch.ReasonUnreachable; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !res.Temporary {
		t.Error("unreachable failures should be temporary")
	}
	select {
	case <-w.Lost():
	default:
		t.Error("worker should be lost")
	}
}

func TestHTTPWorkerHeartbeat(t *testing.T) {
	srv, addr := startServer(t, csvFS())
	w := newHTTPWorker(0, addr, nil, 10*time.Millisecond, 50*time.Millisecond)
	defer w.Close()
	assert.NoError(t, w.Init(context.Background(), Config{Computation: "exec-test-upper"}))
	// The worker stays live while the server answers.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-w.Lost():
		t.Fatal("worker unexpectedly lost")
	default:
	}
	srv.Close()
	select {
	case <-w.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not lost")
	}
}

func TestHostsSession(t *testing.T) {
	fs := csvFS()
	srv, addr := startServer(t, fs)
	defer srv.Close()
	// A host listed twice provides two slots.
	sess := Start(Hosts(hostlist.Static{addr, addr}), FileSystem(fs), Computation("exec-test-upper"))
	defer sess.Shutdown()
	report, err := sess.Run(context.Background(), "in", "out")
	assert.NoError(t, err)
	if !report.Ok() {
		t.Fatalf("unexpected failures: %v", report.Reasons)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := fs.File("out/" + name + ".csv"); !ok {
			t.Errorf("missing output %s", name)
		}
	}
}

func TestHostsExecutor(t *testing.T) {
	x := newHostsExecutor(hostlist.Static{"node1", "node2:80", "node3"})
	workers, err := x.Workers(context.Background(), 2)
	assert.NoError(t, err)
	if got, want := len(workers), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := workers[0].Handle().String(), "worker 0 (node1:9555)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := workers[1].Handle().String(), "worker 1 (node2:80)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = newHostsExecutor(hostlist.Static{}).Workers(context.Background(), 0)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
