// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigbatch runs a batch of independent file-processing jobs
	across a pool of workers and reports which jobs succeeded and which
	failed. A job reads one input file, applies a computation to its
	contents, and writes one output file. Jobs never depend on each
	other, so a batch is embarrassingly parallel: bigbatch takes care of
	spreading the jobs over local goroutines, processes started by
	bigmachine, or worker processes on hosts handed to us by a cluster
	scheduler.

	This package defines the data model shared by the runtime and its
	workers: Job, Result and Report, the filesystem collaborator FS, and
	the Computation capability that workers apply to each input. The
	runtime itself lives in package github.com/grailbio/bigbatch/exec.

	One bad input must never abort a batch. Workers convert every
	per-job failure (a missing file, an I/O error, a computation error,
	even a panic) into a failed Result, and the runtime treats a worker
	that disappears mid-job the same way. Only enumeration and
	configuration errors are fatal to a batch.

	Computations are resolved by name so that remote workers, which
	run a copy of the driver binary, apply the same code as the
	driver. Computations must therefore be registered during package
	initialization:

		func init() {
			bigbatch.Register("upper", bigbatch.ComputationFunc(
				func(ctx context.Context, in []byte) ([]byte, error) {
					return bytes.ToUpper(in), nil
				}))
		}

	Package github.com/grailbio/bigbatch/computations registers a
	handful of generally useful computations.
*/
package bigbatch
