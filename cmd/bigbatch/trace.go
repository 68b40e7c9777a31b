// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigbatch/internal/trace"
)

func traceUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigbatch trace [-slowest n] path

Command trace summarizes a trace written by "bigbatch run -trace path".
For each worker, it prints the number of jobs attempted and failed,
and the distribution of job durations. It then lists the slowest job
attempts.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func traceCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigbatch trace", flag.ExitOnError)
		slowest = flags.Int("slowest", 10, "number of slowest job attempts to list")
	)
	flags.Usage = func() { traceUsage(flags) }
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	f, err := file.Open(ctx, flags.Arg(0))
	must.Nil(err)
	var t trace.T
	err = t.Decode(f.Reader(ctx))
	must.Nil(f.Close(ctx))
	must.Nil(err, "decoding trace")
	summarize(os.Stdout, newTraceSummary(t.Events), *slowest)
}

// attempt is a single job attempt recovered from a trace.
type attempt struct {
	worker string
	input  string
	failed bool
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
}

// workerStat summarizes the job attempts of a single worker.
type workerStat struct {
	worker   string
	jobs     int
	failed   int
	total    time.Duration
	min      time.Duration
	q1       time.Duration
	q2       time.Duration
	q3       time.Duration
	max      time.Duration
	lastDone time.Duration
}

// traceSummary is a trace interpreted for display.
type traceSummary struct {
	attempts []attempt
	workers  []workerStat
}

func newTraceSummary(events []trace.Event) *traceSummary {
	names := make(map[int]string)
	for _, event := range events {
		if event.Ph == "M" && event.Name == "process_name" {
			if name, ok := event.Args["name"].(string); ok {
				names[event.Pid] = name
			}
		}
	}
	var attempts []attempt
	for _, event := range events {
		if event.Cat != trace.CatJob || event.Ph != "X" {
			continue
		}
		worker, ok := names[event.Pid]
		if !ok {
			worker = fmt.Sprintf("pid %d", event.Pid)
		}
		input, _ := event.Args["input"].(string)
		outcome, _ := event.Args["outcome"].(string)
		attempts = append(attempts, attempt{
			worker:   worker,
			input:    input,
			failed:   outcome != "" && outcome != "OK",
			start:    time.Duration(event.Ts * 1e3),
			duration: time.Duration(event.Dur * 1e3),
		})
	}
	return &traceSummary{attempts, buildWorkerStats(attempts)}
}

func buildWorkerStats(attempts []attempt) []workerStat {
	type accum struct {
		failed    int
		lastDone  time.Duration
		durations []time.Duration
		total     time.Duration
	}
	accums := make(map[string]*accum)
	for _, a := range attempts {
		acc, ok := accums[a.worker]
		if !ok {
			acc = new(accum)
			accums[a.worker] = acc
		}
		if a.failed {
			acc.failed++
		}
		if end := a.start + a.duration; acc.lastDone < end {
			acc.lastDone = end
		}
		acc.durations = append(acc.durations, a.duration)
		acc.total += a.duration
	}
	stats := make([]workerStat, 0, len(accums))
	for worker, acc := range accums {
		sort.Slice(acc.durations, func(i, j int) bool {
			return acc.durations[i] < acc.durations[j]
		})
		// acc.durations is non-empty by construction.
		q1, q2, q3 := computeQuartiles(acc.durations)
		stats = append(stats, workerStat{
			worker:   worker,
			jobs:     len(acc.durations),
			failed:   acc.failed,
			total:    acc.total,
			min:      acc.durations[0],
			q1:       q1,
			q2:       q2,
			q3:       q3,
			max:      acc.durations[len(acc.durations)-1],
			lastDone: acc.lastDone,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].worker < stats[j].worker })
	return stats
}

// Slowest returns the n slowest job attempts, slowest first.
func (s *traceSummary) Slowest(n int) []attempt {
	attempts := make([]attempt, len(s.attempts))
	copy(attempts, s.attempts)
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].duration > attempts[j].duration
	})
	if n < len(attempts) {
		attempts = attempts[:n]
	}
	return attempts
}

func summarize(w io.Writer, s *traceSummary, slowest int) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "worker\tjobs\tfailed\ttotal\tmin\tq1\tq2\tq3\tmax\tlast done")
	for _, st := range s.workers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.worker, st.jobs, st.failed, round(st.total),
			round(st.min), round(st.q1), round(st.q2), round(st.q3), round(st.max),
			round(st.lastDone))
	}
	tw.Flush()
	if slowest <= 0 || len(s.attempts) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(tw, "slowest\tworker\tduration\tfailed")
	for _, a := range s.Slowest(slowest) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", truncatef(a.input), a.worker, round(a.duration), a.failed)
	}
	tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(60)
	fmt.Fprint(b, v)
	return b.String()
}
