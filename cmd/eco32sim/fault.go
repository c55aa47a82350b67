package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"eco32/kernel"

	"golang.org/x/sync/errgroup"
)

var (
	errNoScripts       = &kernel.Error{Module: "eco32sim", Message: "no scenario scripts given"}
	errScenariosFailed = &kernel.Error{Module: "eco32sim", Message: "one or more scenarios failed"}
)

// DefaultScenarioFrames is the physical memory, in frames, given to each
// scenario.
const DefaultScenarioFrames = 64

type scenarioResult struct {
	name   string
	output bytes.Buffer
	err    error
}

func runFault(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fault", flag.ContinueOnError)
	fs.SetOutput(out)
	frames := fs.Uint("frames", DefaultScenarioFrames, "physical frames available to each scenario")
	jobs := fs.Int("j", runtime.NumCPU(), "number of scenarios run concurrently")
	timeout := fs.Duration("timeout", 10*time.Second, "abort scenarios running longer than this")
	verbose := fs.Bool("v", false, "print the output of passing scenarios")
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: eco32sim fault [options] script.lua...\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errNoScripts
	}

	results, err := runScenarios(fs.Args(), uint32(*frames), *jobs, *timeout)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
			fmt.Fprintf(out, "--- FAIL: %s\n", res.name)
			io.Copy(out, &res.output)
			fmt.Fprintf(out, "    %v\n", res.err)
			continue
		}

		fmt.Fprintf(out, "--- PASS: %s\n", res.name)
		if *verbose {
			io.Copy(out, &res.output)
		}
	}

	if failed != 0 {
		return errScenariosFailed
	}
	return nil
}

// runScenarios runs every script on its own machine, at most jobs at a
// time. Script failures are reported per result; only I/O errors abort the
// run.
func runScenarios(paths []string, frames uint32, jobs int, timeout time.Duration) ([]*scenarioResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	results := make([]*scenarioResult, len(paths))
	for i, path := range paths {
		path := path
		res := &scenarioResult{name: filepath.Base(path)}
		results[i] = res

		g.Go(func() error {
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			s, kerr := newScenario(frames, &res.output)
			if kerr != nil {
				res.err = kerr
				return nil
			}

			res.err = s.run(ctx, res.name, src)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
