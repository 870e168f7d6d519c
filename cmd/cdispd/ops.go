package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/cdispd/internal/config"
	"github.com/mattjoyce/cdispd/internal/doctor"
	"github.com/mattjoyce/cdispd/internal/history"
	"github.com/mattjoyce/cdispd/internal/lock"
	"github.com/mattjoyce/cdispd/internal/storage"
	"github.com/mattjoyce/cdispd/internal/tui"
)

const envAPIKey = "CDISPD_API_KEY"

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		if *jsonOut {
			data, _ := doctor.FormatJSON(&doctor.Result{
				Valid:  false,
				Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
			})
			fmt.Println(data)
		} else {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate(context.Background())
	if *jsonOut {
		data, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(data)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

type statusReport struct {
	Running bool                  `json:"running"`
	PID     int                   `json:"pid,omitempty"`
	Status  *history.DaemonStatus `json:"status,omitempty"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var report statusReport
	if lock.Held(cfg.State.LockPath) {
		report.Running = true
		report.PID, _ = lock.ReadPID(cfg.State.LockPath)
	}

	ctx := context.Background()
	hist, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer closeDB()

	st, err := hist.Status(ctx)
	switch {
	case errors.Is(err, history.ErrNoStatus):
	case err != nil:
		fmt.Fprintf(os.Stderr, "Failed to read status: %v\n", err)
		return 1
	default:
		report.Status = st
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if report.Running {
		fmt.Printf("daemon:     running (pid %d)\n", report.PID)
	} else {
		fmt.Println("daemon:     not running")
	}
	if report.Status == nil {
		fmt.Println("status:     no dispatch state recorded yet")
		return 0
	}
	ref := report.Status.ReferenceVersion
	if ref == "" {
		ref = "none"
	}
	fmt.Printf("reference:  %s\n", ref)
	fmt.Printf("last:       %s\n", report.Status.LastStatus)
	fmt.Printf("queue:      %s\n", formatNames(report.Status.Queue))
	fmt.Printf("updated_at: %s\n", report.Status.UpdatedAt.Format(time.RFC3339))
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of records")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	hist, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer closeDB()

	records, err := hist.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list history: %v\n", err)
		return 1
	}

	if *jsonOut {
		if records == nil {
			records = []history.Record{}
		}
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(records) == 0 {
		fmt.Println("No dispatches recorded.")
		return 0
	}
	fmt.Printf("%-20s  %-9s  %-12s  %-4s  %s\n", "COMPLETED", "STATUS", "CANDIDATE", "EXIT", "COMPONENTS")
	for _, rec := range records {
		fmt.Printf("%-20s  %-9s  %-12s  %-4d  %s\n",
			rec.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Status, rec.CandidateVersion, rec.ExitCode, formatNames(rec.Components))
		for _, f := range rec.Failures {
			fmt.Printf("    %s: %s\n", f.Component, f.Message)
		}
		if rec.Error != "" {
			fmt.Printf("    error: %s\n", rec.Error)
		}
	}
	return 0
}

func runReload(args []string) int {
	return signalDaemon("reload", syscall.SIGHUP, args)
}

func runStop(args []string) int {
	return signalDaemon("stop", syscall.SIGTERM, args)
}

func signalDaemon(verb string, sig syscall.Signal, args []string) int {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	pid, err := lock.Signal(cfg.State.LockPath, sig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", verb, err)
		return 1
	}
	fmt.Printf("Sent %s to cdispd (pid %d)\n", sig, pid)
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.ResolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", report.Filename, report.Hash)
	if !report.Written {
		fmt.Printf("DRY-RUN %s: not written\n", report.ChecksumPath)
		return 0
	}
	fmt.Printf("Wrote %s\n", report.ChecksumPath)
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8087", "cdispd API URL")
	apiKey := fs.String("api-key", os.Getenv(envAPIKey), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintf(os.Stderr, "Error: API key required. Use --api-key or %s env var.\n", envAPIKey)
		return 1
	}

	m := tui.NewMonitor(strings.TrimRight(*apiURL, "/"), *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.NewStore(db), func() { _ = db.Close() }, nil
}

func formatNames(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, " ")
}
