// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigbatch", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 0, "number of workers; zero lets the executor decide")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution")
		inst.StringVar(&sess.computation, "computation", "copy", "the registered computation applied to each input")
		inst.IntVar(&sess.retries, "retries", 0, "additional attempts for jobs that fail temporarily")
		var timeout string
		inst.StringVar(&timeout, "job-timeout", "", "per-attempt job timeout, e.g. 10m; empty for none")
		inst.Doc = "bigbatch configures the bigbatch runtime"
		inst.New = func() (interface{}, error) {
			if timeout != "" {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					return nil, err
				}
				sess.jobTimeout = d
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
