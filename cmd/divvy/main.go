package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jirevwe/divvy"
	"github.com/jirevwe/divvy/journal"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("divvy", flag.ExitOnError)
	concurrency := fs.Int("n", 1, "number of worker processes")
	verbose := fs.Bool("v", false, "verbose (debug) logging")
	journalPath := fs.String("journal", "", "record the run in a sqlite journal at this path")

	// worker mode, used internally by the master's spawn step
	workerSlot := fs.Int("worker-slot", 0, "")
	workerSocket := fs.String("worker-socket", "", "")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: divvy [-n N] [-v] [-journal path] taskfile.yaml\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	defPath := fs.Arg(0)
	if defPath == "" {
		fs.Usage()
		return 1
	}

	def, err := divvy.LoadDefinition(defPath)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	task, err := def.Build(divvy.DefaultRegistry)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	ctx := context.Background()

	if *workerSlot > 0 {
		sock := *workerSocket
		if sock == "" {
			sock = task.SocketPath()
		}
		return divvy.RunChild(ctx, task, *workerSlot, sock, logger)
	}

	// the socket path is resolved once in the parent: the default embeds
	// the master's pid, so children must be told rather than re-derive it
	sockPath := task.SocketPath()

	build := divvy.SelfExecBuilder(func(w *divvy.Worker) []string {
		argv := []string{
			"-worker-slot", strconv.Itoa(w.Number),
			"-worker-socket", sockPath,
		}
		if *verbose {
			argv = append(argv, "-v")
		}
		return append(argv, defPath)
	})

	opts := divvy.Options{
		Concurrency: *concurrency,
		Build:       build,
		Logger:      logger,
		Verbose:     *verbose,
	}

	if *journalPath != "" {
		jr, jerr := journal.Open(*journalPath, logger)
		if jerr != nil {
			logger.Error(jerr.Error())
			return 1
		}
		defer jr.Close()
		opts.Journal = jr
	}

	m, err := divvy.New(task, opts)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	if err := m.Run(ctx); err != nil {
		logger.Error(err.Error())
		return 1
	}

	return 0
}
