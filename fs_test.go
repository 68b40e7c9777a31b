// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestFileFS(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, name := range []string{"b", "a", ".hidden"} {
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "sub", "c"), []byte("c"), 0644))

	ctx := context.Background()
	fs := bigbatch.FileFS
	paths, err := fs.List(ctx, dir)
	assert.NoError(t, err)
	want := []string{filepath.Join(dir, ".hidden"), filepath.Join(dir, "a"), filepath.Join(dir, "b")}
	if got := paths; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	p, err := fs.Read(ctx, filepath.Join(dir, "a"))
	assert.NoError(t, err)
	assert.EQ(t, string(p), "a")

	out := filepath.Join(dir, "out")
	assert.NoError(t, fs.Write(ctx, out, []byte("hello")))
	p, err = ioutil.ReadFile(out)
	assert.NoError(t, err)
	assert.EQ(t, string(p), "hello")

	_, err = fs.Read(ctx, filepath.Join(dir, "missing"))
	if !bigbatch.IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestFileFSDirectoryNotFound(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	_, err := bigbatch.FileFS.List(ctx, filepath.Join(dir, "missing"))
	if !bigbatch.IsDirectoryNotFound(err) {
		t.Errorf("expected directory not found, got %v", err)
	}
	path := filepath.Join(dir, "file")
	assert.NoError(t, ioutil.WriteFile(path, nil, 0644))
	_, err = bigbatch.FileFS.List(ctx, path)
	if !bigbatch.IsDirectoryNotFound(err) {
		t.Errorf("expected directory not found, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	for _, c := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.E(errors.Net, "reset"), true},
		{errors.E(errors.Timeout, "slow"), true},
		{errors.E(errors.Invalid, "bad"), false},
		{errors.E(errors.Temporary, "flaky"), true},
	} {
		if got, want := bigbatch.IsTransient(c.err), c.want; got != want {
			t.Errorf("%v: got %v, want %v", c.err, got, want)
		}
	}
}
