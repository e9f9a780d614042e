package runtime

import (
	"flag"
	"fmt"
	"io"
)

// Exit codes per the recognized CLI surface (§6).
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 130
)

// Options holds the parsed CLI flags for cmd/worker.
type Options struct {
	Reset       bool
	Concurrency int
	NoHeartbeat bool
	Help        bool
}

// ParseFlags parses args (excluding the program name) into Options. defaultConcurrency
// seeds -concurrency when the flag is omitted, normally config.Config.WorkerConcurrency.
func ParseFlags(args []string, defaultConcurrency int, out io.Writer) (Options, error) {
	fs := flag.NewFlagSet("ai-issue-resolver-worker", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts Options
	fs.BoolVar(&opts.Reset, "reset", false, "wipe all queue/task/workspace state before starting (irreversible)")
	fs.IntVar(&opts.Concurrency, "concurrency", defaultConcurrency, "number of jobs processed concurrently")
	fs.IntVar(&opts.Concurrency, "c", defaultConcurrency, "shorthand for -concurrency")
	fs.BoolVar(&opts.NoHeartbeat, "no-heartbeat", false, "disable periodic liveness heartbeat publishing")
	fs.BoolVar(&opts.Help, "help", false, "print usage and exit")
	fs.BoolVar(&opts.Help, "h", false, "shorthand for -help")

	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: ai-issue-resolver-worker [flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if opts.Concurrency < 1 {
		return Options{}, fmt.Errorf("op=runtime.ParseFlags: concurrency must be >= 1, got %d", opts.Concurrency)
	}
	return opts, nil
}
