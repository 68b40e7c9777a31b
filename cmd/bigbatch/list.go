// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/bigbatch"
)

func listCmd(args []string) {
	flags := flag.NewFlagSet("bigbatch list", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigbatch list")
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	for _, name := range bigbatch.Computations() {
		fmt.Println(name)
	}
}
