package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/cdispd/internal/config"
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

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "check", "doctor":
		if hasHelpFlag(args) {
			printCheckHelp()
			return 0
		}
		return runCheck(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)
	case "reload":
		if hasHelpFlag(args) {
			printSignalHelp("reload", "Ask the running daemon to reload its configuration (SIGHUP).")
			return 0
		}
		return runReload(args)
	case "stop":
		if hasHelpFlag(args) {
			printSignalHelp("stop", "Ask the running daemon to shut down (SIGTERM).")
			return 0
		}
		return runStop(args)
	case "config":
		return runConfigNoun(args)
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "version":
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
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printCheckHelp()
			return 0
		}
		return runCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
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
		fmt.Fprintln(os.Stderr, "Usage: cdispd version [--json]")
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

	fmt.Printf("cdispd %s\n", info.Version)
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

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
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

// loadConfigForTool resolves and loads the config for the non-daemon verbs.
func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := config.ResolveConfigPath(configPath)
	if err != nil {
		return nil, err
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
	fmt.Print(`cdispd - configuration dispatch daemon

Watches the profile cache, works out which components a new profile affects,
and runs the configurator for exactly those components.

Usage:
  cdispd <command> [flags]

Daemon:
  start       Run the dispatch loop in the foreground
  reload      Reload the running daemon (SIGHUP)
  stop        Stop the running daemon (SIGTERM)

Inspection:
  status      Show the persisted dispatch state and daemon PID
  history     List recent dispatch attempts
  check       Validate configuration, configurator and profile cache
  monitor     Real-time TUI over the status API

Configuration:
  config lock     Record the config file hash in .checksums
  config check    Same as check

General:
  version     Show version information
  help        Show this help message

Use 'cdispd <command> --help' for command flags.
`)
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: cdispd config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printStartHelp() {
	fmt.Println("Usage: cdispd start [--config PATH] [--once] [--dry-run] [--check-interval DURATION] [--log-level LEVEL]")
	fmt.Println("Run the dispatch loop in the foreground.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Stopped on request (or --once cycle succeeded)")
	fmt.Println("  1  Startup failure or profile store unavailable")
	fmt.Println("  2  --once cycle ran the configurator and it failed")
}

func printCheckHelp() {
	fmt.Println("Usage: cdispd check [--config PATH] [--json]")
	fmt.Println("Validate configuration, configurator binary, profile cache and state store.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  One or more errors")
	fmt.Println("  2  Passed with warnings")
}

func printStatusHelp() {
	fmt.Println("Usage: cdispd status [--config PATH] [--json]")
	fmt.Println("Show the last persisted dispatch state and whether the daemon is running.")
}

func printHistoryHelp() {
	fmt.Println("Usage: cdispd history [--config PATH] [--limit N] [--json]")
	fmt.Println("List recent dispatch attempts, newest first.")
}

func printSignalHelp(verb, desc string) {
	fmt.Printf("Usage: cdispd %s [--config PATH]\n", verb)
	fmt.Println(desc)
}

func printMonitorHelp() {
	fmt.Println("Usage: cdispd monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time TUI. The key needs status:ro and events:ro.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: cdispd config lock [--config PATH] [--dry-run]")
	fmt.Println("Authorize the current config file by recording its BLAKE3 hash in .checksums.")
}
