// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchcmd provides utilities for implementing bigbatch-based
// command line tools. The main entry point, batchcmd.Main, configures
// a bigbatch session according to a common set of flags, and then
// invokes the user's driver code.
//
// A batchcmd tool follows this form:
//
//	func main() {
//		var (
//			flags = flag.NewFlagSet("mytool", flag.ContinueOnError)
//			in    = flags.String("in", "", "input directory")
//			out   = flags.String("out", "", "output directory")
//		)
//		batchcmd.Main(flags, os.Args[1:], func(sess *exec.Session, args []string) error {
//			report, err := sess.Run(ctx, *in, *out)
//			if err != nil {
//				return err
//			}
//			if !report.Ok() {
//				return batchcmd.ErrJobsFailed
//			}
//			return nil
//		})
//	}
package batchcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch/batchflags"
	"github.com/grailbio/bigbatch/exec"
)

// Exit codes used by Main.
const (
	// ExitOK indicates that every job succeeded.
	ExitOK = 0
	// ExitJobsFailed indicates that the batch ran, but some jobs
	// failed.
	ExitJobsFailed = 1
	// ExitUsage indicates invalid flags or configuration.
	ExitUsage = 2
	// ExitFatal indicates that the batch could not be run.
	ExitFatal = 3
)

// ErrJobsFailed is returned by a driver function to indicate that its
// batch ran to completion, but that some of its jobs failed.
var ErrJobsFailed = errors.New("some jobs failed")

// Main is a convenient entry point for a batchcmd. Main does not
// return. It registers the bigbatch flags in the provided flag set
// (which may already hold the tool's own flags), parses args, and
// configures a bigbatch session accordingly. Main then invokes the
// provided func with the session and the remaining arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers.
//
// Main terminates the program after the user func returns, with an
// exit code given by Run.
func Main(fs *flag.FlagSet, args []string, main func(sess *exec.Session, args []string) error) {
	os.Exit(Run(fs, args, main))
}

// Run is Main without the exit. It returns ExitOK if main returns
// nil, ExitJobsFailed if it returns ErrJobsFailed, ExitUsage on flag
// errors and on errors of kind errors.Invalid, and ExitFatal
// otherwise.
func Run(fs *flag.FlagSet, args []string, main func(sess *exec.Session, args []string) error) int {
	var bf batchflags.Flags
	batchflags.RegisterFlags(fs, &bf, "")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if bf.SystemHelp {
		printSystemHelp(bf)
		return ExitOK
	}
	sess, err := Init(bf)
	if err != nil {
		log.Error.Print(err)
		return ExitUsage
	}
	defer sess.Shutdown()
	switch err := main(sess, fs.Args()); {
	case err == nil:
		return ExitOK
	case err == ErrJobsFailed:
		return ExitJobsFailed
	case errors.Is(errors.Invalid, err):
		log.Error.Print(err)
		return ExitUsage
	default:
		log.Error.Print(err)
		return ExitFatal
	}
}

// Init initializes bigbatch according to the supplied flags.
func Init(bf batchflags.Flags) (*exec.Session, error) {
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

func printSystemHelp(bf batchflags.Flags) {
	providers, profiles := batchflags.ProvidersAndProfiles()
	wr := bf.Output()
	str := []string{}
	fmt.Fprintf(wr, "%s\n\n", batchflags.SystemHelpLong)
	fmt.Fprintf(wr, "The available providers are: %v\n",
		strings.Join(providers, ", "))
	for k, v := range profiles {
		str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
	}
	sort.Strings(str)
	for _, s := range str {
		wr.Write([]byte(s))
	}
}

// httpOnce guards the registration of handlers on
// http.DefaultServeMux.
var httpOnce sync.Once

// DisplayStatus arranges for the bigbatch execution status to be
// displayed on the console and/or a web page depending on the flags
// specified on the command line. The web page is hosted /debug/status
// and http.DefaultServeMux. Only the first session in a process is
// served over HTTP.
func DisplayStatus(bf batchflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		httpOnce.Do(func() {
			sess.HandleDebug(http.DefaultServeMux)
			http.Handle("/debug/status", status.Handler(sess.Status()))
			go func() {
				log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
				err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
				if err != nil {
					log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
				}
			}()
		})
	}
}
