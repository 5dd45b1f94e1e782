package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "status":
		if hasHelpFlag(args) {
			fmt.Println("Usage: ductile-worker status [--config PATH]")
			fmt.Println("Reports whether a worker holds the data directory lock. Exit code 3 when stopped.")
			return 0
		}
		return runStatus(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: ductile-worker version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ductile-worker %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// loadConfig loads path, or the discovered config when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
		path = discovered
	}
	return config.Load(path)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`ductile-worker - per-domain task worker with idle reclamation

Usage:
  ductile-worker <command> [flags]

Commands:
  start             Run the worker in the foreground
  status            Report whether a worker is running on this data directory
  watch             Live monitor for a running worker (TUI)
  history           List journaled processes, or show one
  config check      Validate configuration against this host
  config get PATH   Print one configuration value
  config show       Print the effective configuration (secrets redacted)
  version           Show version information
  help              Show this help message

Use 'ductile-worker <command> --help' for command flags.
`)
}

func printStartHelp() {
	fmt.Println("Usage: ductile-worker start [--config PATH]")
	fmt.Println()
	fmt.Println("Runs the domain workers, the HTTP API and the idle reporter until SIGINT/SIGTERM.")
	fmt.Println("Without --config the first of $DUCTILE_WORKER_CONFIG, ~/.config/ductile-worker/config.yaml,")
	fmt.Println("/etc/ductile-worker/config.yaml and ./config.yaml is used.")
}

func printWatchHelp() {
	fmt.Println("Usage: ductile-worker watch [flags]")
	fmt.Println()
	fmt.Println("Live monitor: health, shutdown clock, finished processes and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Worker API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or DUCTILE_API_KEY env var)")
	fmt.Println("  --types LIST     Event type filter, e.g. git.*,process.cancelled")
	fmt.Println("  --plain          Print events as lines instead of the TUI")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate processes")
	fmt.Println("  +/-              Move the shutdown deadline by 15m")
}

func printHistoryHelp() {
	fmt.Println("Usage: ductile-worker history [--config PATH] [--kind DOMAIN] [--limit N] [--json]")
	fmt.Println("       ductile-worker history show <id> [--config PATH] [--json]")
	fmt.Println()
	fmt.Println("Reads the completion journal directly; the worker does not need to be running.")
}
