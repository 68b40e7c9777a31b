// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch/batchcmd"
	"github.com/grailbio/bigbatch/exec"
)

func runUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigbatch run -in dir -out dir [flags]

Command run applies a computation to every file in the input
directory, writing each result to the file of the same name in the
output directory. Files whose names begin with "." are processed too
unless -skip-hidden is given. A report of every job is printed when
the batch completes.

Run exits with code 0 if every job succeeded, 1 if some jobs failed,
2 on usage or configuration errors, and 3 if the batch could not be
run at all.

The flags are:
`)
	flags.PrintDefaults()
}

func runCmd(args []string) {
	var (
		flags = flag.NewFlagSet("bigbatch run", flag.ContinueOnError)
		in    = flags.String("in", "", "input directory")
		out   = flags.String("out", "", "output directory")
	)
	flags.Usage = func() { runUsage(flags) }
	batchcmd.Main(flags, args, func(sess *exec.Session, args []string) error {
		if len(args) != 0 || *in == "" || *out == "" {
			flags.Usage()
			return errors.E(errors.Invalid, "run: -in and -out are required")
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt)
		go func() {
			select {
			case <-sigc:
				log.Print("interrupted: cancelling pending jobs")
				cancel()
			case <-ctx.Done():
			}
		}()
		report, err := sess.Run(ctx, *in, *out)
		if err != nil {
			return err
		}
		if _, err := report.Sorted().WriteTo(os.Stdout); err != nil {
			return err
		}
		if !report.Ok() {
			return batchcmd.ErrJobsFailed
		}
		return nil
	})
}
