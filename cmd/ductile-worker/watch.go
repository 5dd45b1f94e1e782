package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/tui/watch"
)

const plainReconnectDelay = 2 * time.Second

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Worker API URL")
	apiKey := fs.String("api-key", os.Getenv("DUCTILE_API_KEY"), "API Bearer Token")
	types := fs.String("types", "", "Event type filter, e.g. git.*,process.cancelled")
	plain := fs.Bool("plain", false, "Print events as lines instead of the TUI")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or DUCTILE_API_KEY env var.")
		return 1
	}

	client := watch.NewClient(*apiURL, *apiKey)
	if *plain {
		return runPlainWatch(client, *types)
	}

	p := tea.NewProgram(watch.New(client, *types))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// runPlainWatch prints one line per event and resumes from the last seen
// id after a dropped connection.
func runPlainWatch(client *watch.Client, types string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lastID int64
	for {
		err := client.Stream(ctx, types, lastID, func(e events.Event) {
			lastID = e.ID
			fmt.Println(watch.FormatPlain(e))
		})
		if ctx.Err() != nil {
			return 0
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "stream error: %v (reconnecting)\n", err)
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(plainReconnectDelay):
		}
	}
}
