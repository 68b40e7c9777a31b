// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigbatch runs registered computations over every file in an
// input directory, distributing the work over a set of workers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Registers the built-in computations.
	_ "github.com/grailbio/bigbatch/computations"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Bigbatch runs a computation over every file in a directory.

Usage:

	bigbatch <command> [arguments]

The commands are:

	run         run a batch
	worker      serve jobs over HTTP for the hosts system
	list        list the registered computations
	trace       summarize a batch trace
	setup-ec2   configure EC2 for use with Bigbatch
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigbatch: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(args)
	case "worker":
		workerCmd(args)
	case "list":
		listCmd(args)
	case "trace":
		traceCmd(args)
	case "setup-ec2":
		setupEc2Cmd(args)
	}
}
