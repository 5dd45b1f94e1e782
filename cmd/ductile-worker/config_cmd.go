package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ductile-worker/internal/config"
	"github.com/mattjoyce/ductile-worker/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

type configCheckJSONOutput struct {
	Config     string         `json:"config"`
	Hash       string         `json:"blake3"`
	HashMatch  *bool          `json:"hash_match,omitempty"`
	Validation *doctor.Result `json:"validation"`
}

// runConfigCheck exits 0 when valid, 2 when valid with warnings and 1 on
// errors.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	expectHash := fs.String("hash", "", "Fail unless the config file has this BLAKE3 hash")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	hash, err := config.ComputeBlake3Hash(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash error: %v\n", err)
		return 1
	}

	var hashErr error
	var hashMatch *bool
	if *expectHash != "" {
		hashErr = config.VerifyFileHash(cfg.SourcePath, *expectHash)
		ok := hashErr == nil
		hashMatch = &ok
	}

	result := doctor.New(cfg).Validate()
	code := 0
	switch {
	case !result.Valid, hashErr != nil:
		code = 1
	case len(result.Warnings) > 0:
		code = 2
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(configCheckJSONOutput{
			Config:     cfg.SourcePath,
			Hash:       hash,
			HashMatch:  hashMatch,
			Validation: result,
		}, "", "  ")
		fmt.Println(string(data))
		return code
	}

	fmt.Printf("Config: %s\n", cfg.SourcePath)
	fmt.Printf("BLAKE3: %s\n", hash)
	if hashErr != nil {
		fmt.Printf("Integrity: ✗ %v\n", hashErr)
	} else if hashMatch != nil {
		fmt.Println("Integrity: ✓ hash matches")
	}
	printValidationSummary(result)
	return code
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ductile-worker config get <path> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

// splitFlagsAndPositionals lets positionals appear before flags, which the
// flag package alone does not allow.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) > 1 && arg[0] == '-' {
			flags = append(flags, arg)
			if takesValue[arg] && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, arg)
	}
	return flags, positional
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	if !result.Valid {
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		for _, issue := range result.Errors {
			printIssue("ERROR", issue)
		}
		for _, issue := range result.Warnings {
			printIssue("WARN ", issue)
		}
		return
	}

	if len(result.Warnings) == 0 {
		fmt.Println("Validation: ✓ All checks passed")
		return
	}
	fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	for _, issue := range result.Warnings {
		printIssue("WARN ", issue)
	}
}

func printIssue(label string, issue doctor.Issue) {
	if issue.Field != "" {
		fmt.Printf("  %s [%s] %s: %s\n", label, issue.Category, issue.Field, issue.Message)
		return
	}
	fmt.Printf("  %s [%s] %s\n", label, issue.Category, issue.Message)
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: ductile-worker config <check|show|get> [flags]")
	fmt.Fprintln(w, "Use 'ductile-worker config <action> --help' for action flags.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: ductile-worker config check [--config PATH] [--hash BLAKE3] [--json]")
	fmt.Println("Validate configuration against this host and print its BLAKE3 hash.")
	fmt.Println("Exit codes: 0 valid, 2 valid with warnings, 1 invalid or hash mismatch.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: ductile-worker config show [path] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration, or one node of it, with secrets redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: ductile-worker config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration, e.g. api.listen.")
}
