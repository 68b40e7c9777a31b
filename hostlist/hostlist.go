// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package hostlist resolves the hosts on which bigbatch workers run.
// Hosts are usually handed to a batch by a cluster scheduler, either
// as a node file (PBS, Slurm, MPI) or through an environment variable;
// they may also be discovered among running EC2 instances.
//
// Order and multiplicity are preserved: a host listed twice provides
// two worker slots.
package hostlist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"golang.org/x/sync/errgroup"
)

// A Source provides a list of hosts.
type Source interface {
	// Hosts returns the source's hosts. Each returned host is a host
	// name or address, optionally followed by ":port".
	Hosts(ctx context.Context) ([]string, error)
}

// Static is a fixed list of hosts.
type Static []string

// Hosts implements Source.
func (s Static) Hosts(ctx context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// File is a Source that reads hosts from the node file at the given
// path, which may be any path supported by
// github.com/grailbio/base/file. See Parse for the file format.
type File string

// Hosts implements Source.
func (f File) Hosts(ctx context.Context) (hosts []string, err error) {
	path := string(f)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("host file %s", path), err)
	}
	defer func() {
		if cerr := in.Close(ctx); err == nil {
			err = cerr
		}
	}()
	hosts, err = Parse(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("host file %s", path), err)
	}
	return hosts, nil
}

// Env is a Source that reads hosts from the environment variable with
// the given name. Hosts are separated by commas or white space. It is
// an error for the variable to be unset.
type Env string

// Hosts implements Source.
func (e Env) Hosts(ctx context.Context) ([]string, error) {
	val, ok := os.LookupEnv(string(e))
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("environment variable %s is not set", string(e)))
	}
	return strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}), nil
}

// Parse parses a node file. Each nonempty line names a host; text
// following a '#' is ignored. A line may carry an MPI-style slot
// count, as in
//
//	node1 slots=4
//
// in which case the host is repeated that many times. Other attributes
// (for example max_slots) are ignored. A host may carry a port, as in
// "node1:9555".
func Parse(r io.Reader) ([]string, error) {
	var (
		hosts   []string
		scanner = bufio.NewScanner(r)
		lineno  int
	)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		slots := 1
		for _, field := range fields[1:] {
			parts := strings.SplitN(field, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("line %d: invalid attribute %q", lineno, field)
			}
			switch parts[0] {
			case "slots", "cpu":
				n, err := strconv.Atoi(parts[1])
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("line %d: invalid slot count %q", lineno, parts[1])
				}
				slots = n
			default:
				// Other attributes are ignored.
			}
		}
		for i := 0; i < slots; i++ {
			hosts = append(hosts, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

type concat []Source

// Concat returns a Source that resolves each of the provided sources
// concurrently and concatenates their hosts, in order. Concat fails if
// any source fails.
func Concat(sources ...Source) Source {
	return concat(sources)
}

func (c concat) Hosts(ctx context.Context) ([]string, error) {
	lists := make([][]string, len(c))
	g, ctx := errgroup.WithContext(ctx)
	for i := range c {
		i := i
		g.Go(func() error {
			var err error
			lists[i], err = c[i].Hosts(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var hosts []string
	for _, list := range lists {
		hosts = append(hosts, list...)
	}
	return hosts, nil
}

// WithPort returns the host with the default port appended, unless
// the host already carries one.
func WithPort(host string, port int) string {
	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6 address.
		if strings.Contains(host, "]:") {
			return host
		}
		return fmt.Sprintf("%s:%d", host, port)
	}
	if strings.Count(host, ":") == 1 {
		return host
	}
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
