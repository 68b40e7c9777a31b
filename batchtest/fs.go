// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchtest provides utilities for testing bigbatch
// computations and runtimes. The utilities here are not optimized for
// performance or robustness; they are strictly intended for unit
// testing.
package batchtest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// MemFS is an in-memory implementation of bigbatch.FS. Directories
// exist implicitly when they contain a file, or explicitly when they
// are created by Mkdir. Failures may be injected per path with Fail.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	fails map[string]error
	reads map[string]int
}

// NewMemFS returns a new MemFS populated with the provided files,
// keyed by path.
func NewMemFS(files map[string]string) *MemFS {
	fs := &MemFS{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
		fails: make(map[string]error),
		reads: make(map[string]int),
	}
	for path, data := range files {
		fs.files[path] = []byte(data)
	}
	return fs
}

// Mkdir creates an empty directory.
func (m *MemFS) Mkdir(dir string) {
	m.mu.Lock()
	m.dirs[clean(dir)] = true
	m.mu.Unlock()
}

// Fail causes every subsequent operation on path to fail with err.
// Passing a nil error clears the failure.
func (m *MemFS) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fails, path)
		return
	}
	m.fails[path] = err
}

// File returns the contents of the file at path.
func (m *MemFS) File(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.files[path]
	return string(p), ok
}

// Reads returns the number of times the file at path was read.
func (m *MemFS) Reads(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[path]
}

// List implements bigbatch.FS.
func (m *MemFS) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = clean(dir)
	if err := m.fails[dir]; err != nil {
		return nil, err
	}
	var (
		prefix = dir + "/"
		paths  []string
		found  = m.dirs[dir]
	)
	for path := range m.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		found = true
		if name := path[len(prefix):]; !strings.Contains(name, "/") {
			paths = append(paths, path)
		}
	}
	if !found {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("directory not found: %s", dir))
	}
	sort.Strings(paths)
	return paths, nil
}

// Read implements bigbatch.FS.
func (m *MemFS) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[path]++
	if err := m.fails[path]; err != nil {
		return nil, err
	}
	p, ok := m.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return append([]byte(nil), p...), nil
}

// Write implements bigbatch.FS.
func (m *MemFS) Write(ctx context.Context, path string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fails[path]; err != nil {
		return err
	}
	m.files[path] = append([]byte(nil), p...)
	return nil
}

func clean(dir string) string {
	return strings.TrimSuffix(dir, "/")
}
