// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package computations

import (
	"bytes"
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigbatch"
)

func TestRegistered(t *testing.T) {
	for _, name := range []string{"copy", "upper", "zstd", "unzstd", "murmur3", "lines", "fail"} {
		if _, err := bigbatch.Lookup(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestZstd(t *testing.T) {
	var (
		ctx = context.Background()
		fz  = fuzz.NewWithSeed(12345).NumElements(0, 1<<16)
	)
	for i := 0; i < 20; i++ {
		var in []byte
		fz.Fuzz(&in)
		z, err := Compress(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := Decompress(ctx, z)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("round trip of %d bytes failed", len(in))
		}
	}
}

func TestDecompressCorrupt(t *testing.T) {
	if _, err := Decompress(context.Background(), []byte("not zstd data")); err == nil {
		t.Error("expected error")
	}
}

func TestLines(t *testing.T) {
	for _, c := range []struct {
		in, want string
	}{
		{"", "0\n"},
		{"a", "1\n"},
		{"a\n", "1\n"},
		{"a\nb", "2\n"},
		{"a\nb\n\n", "3\n"},
	} {
		out, err := Lines(context.Background(), []byte(c.in))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(out), c.want; got != want {
			t.Errorf("%q: got %q, want %q", c.in, got, want)
		}
	}
}

func TestUpper(t *testing.T) {
	out, err := Upper(context.Background(), []byte("hello, World"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(out), "HELLO, WORLD"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMurmur3(t *testing.T) {
	var (
		ctx = context.Background()
		in  = []byte("hello world")
	)
	h0, err := Murmur3{}.Compute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(h0), 33; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	registered := Murmur3{}
	seeded, err := registered.Init(map[string]string{"seed": "0x1234"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := seeded, (Murmur3{Seed: 0x1234}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	h1, err := seeded.Compute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(h0, h1) {
		t.Error("seed did not change hash")
	}
	// Init without a seed does not inherit an earlier configuration.
	unseeded, err := registered.Init(nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := unseeded.Compute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h0, h2) {
		t.Errorf("got %s, want %s", h2, h0)
	}
	if _, err := registered.Init(map[string]string{"seed": "nope"}); err == nil {
		t.Error("expected error")
	}
}

func TestFail(t *testing.T) {
	_, err := Fail{}.Compute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got, want := err.Error(), "input rejected"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	f, err := Fail{}.Init(map[string]string{"message": "bad input"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Compute(context.Background(), nil)
	if got, want := err.Error(), "bad input"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
