// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batchcmd

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch/exec"
	"github.com/grailbio/testutil"

	_ "github.com/grailbio/bigbatch/computations"
)

func setup(t *testing.T) (in, out string, cleanup func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "batchcmd")
	in, out = filepath.Join(dir, "in"), filepath.Join(dir, "out")
	if err := os.MkdirAll(in, 0777); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		if err := ioutil.WriteFile(filepath.Join(in, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return
}

func run(t *testing.T, in, out string, args ...string) int {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	return Run(fs, append([]string{"-system=local"}, args...), func(sess *exec.Session, args []string) error {
		report, err := sess.Run(context.Background(), in, out)
		if err != nil {
			return err
		}
		if !report.Ok() {
			return ErrJobsFailed
		}
		return nil
	})
}

func TestRunExitCodes(t *testing.T) {
	in, out, cleanup := setup(t)
	defer cleanup()

	if got, want := run(t, in, out, "-computation=upper"), ExitOK; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	p, err := ioutil.ReadFile(filepath.Join(out, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "A"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := run(t, in, out, "-computation=fail"), ExitJobsFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := run(t, in, out, "-computation=nonexistent"), ExitUsage; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := run(t, in, out, "-nonexistent-flag"), ExitUsage; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := run(t, in, out, "-retries=-1"), ExitUsage; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := run(t, filepath.Join(in, "missing"), out), ExitFatal; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunDriverError(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var args []string
	code := Run(fs, []string{"-system=local", "x", "y"}, func(sess *exec.Session, a []string) error {
		args = a
		return errors.E(errors.Invalid, "bad arguments")
	})
	if got, want := code, ExitUsage; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(args), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSystemHelp(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	called := false
	code := Run(fs, []string{"-system-help"}, func(*exec.Session, []string) error {
		called = true
		return nil
	})
	if got, want := code, ExitOK; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if called {
		t.Error("driver called with -system-help")
	}
}
