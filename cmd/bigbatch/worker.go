// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch/exec"
)

func workerUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigbatch worker [-addr address]

Command worker serves bigbatch jobs over HTTP. Workers are listed,
one address per line, in the host file given to "bigbatch run
-system hosts,file=path". The worker reads and writes files with the
same file implementations as the driver, so paths must be reachable
from every worker.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func workerCmd(args []string) {
	var (
		flags = flag.NewFlagSet("bigbatch worker", flag.ExitOnError)
		addr  = flags.String("addr", fmt.Sprintf(":%d", exec.DefaultPort), "address on which to serve jobs")
	)
	flags.Usage = func() { workerUsage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	log.Printf("serving jobs at %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, exec.NewServer(nil).Handler()))
}
