// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package computations registers a set of general purpose bigbatch
// computations. Import it for its side effects:
//
//	import _ "github.com/grailbio/bigbatch/computations"
//
// The following computations are registered:
//
//	copy     copies the input unchanged
//	upper    maps the input to upper case
//	zstd     compresses the input with zstd
//	unzstd   decompresses zstd-compressed input
//	murmur3  writes the hex-encoded 128-bit murmur3 hash of the input;
//	         the "seed" parameter sets the hash seed
//	lines    writes the number of lines in the input
//	fail     always fails; the "message" parameter sets the reason
package computations

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strconv"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/bigbatch"
	"github.com/spaolacci/murmur3"
)

func init() {
	bigbatch.Register("copy", bigbatch.ComputationFunc(Copy))
	bigbatch.Register("upper", bigbatch.ComputationFunc(Upper))
	bigbatch.Register("zstd", bigbatch.ComputationFunc(Compress))
	bigbatch.Register("unzstd", bigbatch.ComputationFunc(Decompress))
	bigbatch.Register("murmur3", Murmur3{})
	bigbatch.Register("lines", bigbatch.ComputationFunc(Lines))
	bigbatch.Register("fail", Fail{})
}

// Copy returns its input.
func Copy(ctx context.Context, in []byte) ([]byte, error) {
	return in, nil
}

// Upper returns its input mapped to upper case.
func Upper(ctx context.Context, in []byte) ([]byte, error) {
	return bytes.ToUpper(in), nil
}

// Compress returns the zstd compression of its input.
func Compress(ctx context.Context, in []byte) (out []byte, err error) {
	var b bytes.Buffer
	zw, err := zstd.NewWriter(&b)
	if err != nil {
		return nil, err
	}
	_, err = zw.Write(in)
	fileio.CloseAndReport(zw, &err)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decompress returns the decompression of its zstd-compressed input.
func Decompress(ctx context.Context, in []byte) (out []byte, err error) {
	zr, err := zstd.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer fileio.CloseAndReport(zr, &err)
	return ioutil.ReadAll(zr)
}

// Lines returns the number of lines in its input, formatted as a
// decimal number followed by a newline. A final line without a
// terminating newline is counted.
func Lines(ctx context.Context, in []byte) ([]byte, error) {
	n := bytes.Count(in, []byte{'\n'})
	if len(in) > 0 && in[len(in)-1] != '\n' {
		n++
	}
	return []byte(strconv.Itoa(n) + "\n"), nil
}

// Murmur3 computes a 128-bit murmur3 checksum of its input. Its output
// is the hex-encoded hash followed by a newline.
type Murmur3 struct {
	Seed uint32
}

// Init returns a Murmur3 seeded with the "seed" parameter, or with 0
// if the parameter is absent.
func (Murmur3) Init(params map[string]string) (bigbatch.Computation, error) {
	s, ok := params["seed"]
	if !ok {
		return Murmur3{}, nil
	}
	seed, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return nil, errors.E(errors.Invalid, "murmur3: invalid seed "+s, err)
	}
	return Murmur3{Seed: uint32(seed)}, nil
}

// Compute implements bigbatch.Computation.
func (m Murmur3) Compute(ctx context.Context, in []byte) ([]byte, error) {
	h1, h2 := murmur3.Sum128WithSeed(in, m.Seed)
	return []byte(fmt.Sprintf("%016x%016x\n", h1, h2)), nil
}

// Fail is a computation that always fails. It is useful for exercising
// a batch's failure handling.
type Fail struct {
	Message string
}

// Init returns a Fail whose reason is the "message" parameter, if
// present.
func (Fail) Init(params map[string]string) (bigbatch.Computation, error) {
	return Fail{Message: params["message"]}, nil
}

// Compute implements bigbatch.Computation.
func (f Fail) Compute(ctx context.Context, in []byte) ([]byte, error) {
	msg := f.Message
	if msg == "" {
		msg = "input rejected"
	}
	return nil, errors.New(msg)
}
