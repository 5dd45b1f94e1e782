package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/ductile-worker/internal/inspect"
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/lock"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

func runHistory(args []string) int {
	if len(args) > 0 && args[0] == "show" {
		return runHistoryShow(args[1:])
	}

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	kind := fs.String("kind", "", "Only show one domain (git, file, build)")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *kind != "" {
		if _, err := task.ParseDomain(*kind); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --limit must be positive")
		return 1
	}

	ctx := context.Background()
	jr, code := openJournal(ctx, *configPath)
	if jr == nil {
		return code
	}
	defer func() { _ = jr.Close() }()

	entries, err := jr.Recent(ctx, *kind, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []*journal.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(inspect.RenderHistory(entries))
	return 0
}

func runHistoryShow(args []string) int {
	fs := flag.NewFlagSet("history show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ductile-worker history show <id> [--config PATH] [--json]")
		return 1
	}

	ctx := context.Background()
	jr, code := openJournal(ctx, *configPath)
	if jr == nil {
		return code
	}
	defer func() { _ = jr.Close() }()

	var (
		out string
		err error
	)
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, jr, positional[0])
	} else {
		out, err = inspect.BuildReport(ctx, jr, positional[0])
	}
	if errors.Is(err, journal.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Process %s not found in journal\n", positional[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(out)
	return 0
}

// openJournal returns a nil journal and the exit code to use when the
// journal can't be opened.
func openJournal(ctx context.Context, configPath string) (*journal.Journal, int) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return nil, 1
	}
	if !cfg.Journal.Enabled {
		fmt.Fprintln(os.Stderr, "Journal is disabled in this configuration")
		return nil, 1
	}
	jr, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return nil, 1
	}
	return jr, 0
}

// runStatus reports whether a worker holds the data directory lock.
// Exit code 0 means running, 3 means stopped.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	path := lockPath(cfg)
	l, err := lock.Acquire(path, "status-probe")
	if errors.Is(err, lock.ErrLocked) {
		h, herr := lock.ReadHolder(path)
		if herr != nil {
			fmt.Println("running")
			return 0
		}
		fmt.Printf("running: pid %d instance %s\n", h.PID, h.InstanceID)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	_ = l.Release()
	fmt.Println("stopped")
	return 3
}
