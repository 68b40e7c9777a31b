// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A Computation transforms the contents of an input file into the
// contents of an output file. Computations must be safe for concurrent
// use: a worker may apply the same computation to several inputs at
// once.
type Computation interface {
	Compute(ctx context.Context, in []byte) ([]byte, error)
}

// ComputationFunc adapts an ordinary function to a Computation.
type ComputationFunc func(ctx context.Context, in []byte) ([]byte, error)

// Compute implements Computation.
func (f ComputationFunc) Compute(ctx context.Context, in []byte) ([]byte, error) {
	return f(ctx, in)
}

// An Initializer is a Computation that must be configured before it is
// used. Each worker configuration calls Init once, before executing any
// job, with the parameters supplied to the batch. Init returns the
// configured computation and must not modify the registered one, which
// is shared by every configuration in the process.
type Initializer interface {
	Init(params map[string]string) (Computation, error)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Computation)
)

// Register makes a computation available by the provided name.
// Register panics if a computation with the same name is already
// registered. Register should be called during package initialization,
// so that every binary that links the computation, including remote
// workers, agrees on the set of registered names.
func Register(name string, c Computation) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		log.Panicf("bigbatch.Register: computation %q registered twice", name)
	}
	registry[name] = c
}

// Lookup returns the computation registered with the provided name.
func Lookup(name string) (Computation, error) {
	registryMu.Lock()
	c, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown computation %q", name))
	}
	return c, nil
}

// Computations returns the names of the registered computations in
// sorted order.
func Computations() []string {
	registryMu.Lock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.Unlock()
	sort.Strings(names)
	return names
}
