package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/cdispd/internal/api"
	"github.com/mattjoyce/cdispd/internal/auth"
	"github.com/mattjoyce/cdispd/internal/config"
	"github.com/mattjoyce/cdispd/internal/diff"
	"github.com/mattjoyce/cdispd/internal/dispatch"
	"github.com/mattjoyce/cdispd/internal/events"
	"github.com/mattjoyce/cdispd/internal/history"
	"github.com/mattjoyce/cdispd/internal/lock"
	"github.com/mattjoyce/cdispd/internal/log"
	"github.com/mattjoyce/cdispd/internal/loop"
	"github.com/mattjoyce/cdispd/internal/profile"
	"github.com/mattjoyce/cdispd/internal/registry"
	"github.com/mattjoyce/cdispd/internal/signals"
	"github.com/mattjoyce/cdispd/internal/storage"
)

const exitDispatchFailed = 2

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	once := fs.Bool("once", false, "Run a single poll/diff/dispatch cycle and exit")
	dryRun := fs.Bool("dry-run", false, "Compute dispatches without running the configurator")
	checkInterval := fs.Duration("check-interval", 0, "Override dispatch.check_interval")
	logLevel := fs.String("log-level", "", "Override service.log_level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.ResolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	overrides := config.Overrides{CheckInterval: *checkInterval, LogLevel: *logLevel}
	if flagPassed(fs, "dry-run") {
		overrides.DryRun = dryRun
	}

	cfg, err := config.LoadWithOverrides(path, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("cdispd starting", "version", version, "config", cfg.SourcePath, "dry_run", cfg.Dispatch.DryRun)

	pidLock, err := lock.AcquirePIDLock(cfg.State.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.State.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", cfg.State.LockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hist := history.NewStore(db)
	hub := events.NewHub(256)
	coord := signals.New(log.WithComponent("signals"))

	settings := buildSettings(cfg)
	reloader := func() (loop.Settings, error) {
		// Reload goes back to the file alone; command-line overrides are dropped.
		fresh, err := config.Load(path)
		if err != nil {
			return loop.Settings{}, err
		}
		log.Setup(fresh.Service.LogLevel, fresh.Service.LogFormat)
		if overrides != (config.Overrides{}) {
			logger.Warn("command-line overrides are not re-applied on reload", "dry_run", fresh.Dispatch.DryRun)
		}
		if fresh.State.Path != cfg.State.Path || fresh.API.Enabled != cfg.API.Enabled || fresh.API.Listen != cfg.API.Listen {
			logger.Warn("state and api settings change only on restart")
		}
		return buildSettings(fresh), nil
	}

	lp := loop.New(loop.Deps{
		Store:    settings.Store,
		Diff:     settings.Diff,
		Executor: settings.Executor,
		Recorder: hist,
		Events:   hub,
		Signals:  coord,
		Reloader: reloader,
		Logger:   log.WithComponent("loop"),
	}, settings.Options)

	coord.Handle(signals.Terminate, func(signals.Request) {
		logger.Info("shutdown requested")
		cancel()
	})
	coord.Handle(signals.Reload, func(signals.Request) {
		lp.RequestReload()
	})
	stopSignals := signals.Notify(ctx, coord)
	defer stopSignals()

	if *once {
		return runOnce(ctx, lp, logger)
	}

	errCh := make(chan error, 2)
	loopDone := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(apiConfig(cfg), lp, hist, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go func() { loopDone <- lp.Run(ctx) }()
	logger.Info("cdispd running (send SIGHUP to reload, SIGTERM to stop)")

	select {
	case err := <-loopDone:
		if err != nil {
			logger.Error("dispatch loop failed", "error", err)
			return 1
		}
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		<-loopDone
		return 1
	}

	logger.Info("cdispd stopped")
	return 0
}

// runOnce performs one cycle, for cron-style use and debugging.
func runOnce(ctx context.Context, lp *loop.Loop, logger *slog.Logger) int {
	cyc, err := lp.RunOnce(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info("cycle cancelled before dispatch", "cycle_id", cyc.ID)
		return 0
	}
	if err != nil {
		logger.Error("cycle failed", "error", err)
		return 1
	}
	logger.Info("cycle complete",
		"cycle_id", cyc.ID, "candidate", cyc.Candidate, "action", cyc.Action,
		"dispatched", cyc.Dispatched, "outcome", cyc.Outcome)
	if cyc.Outcome == string(history.StatusFailed) {
		return exitDispatchFailed
	}
	return 0
}

// buildSettings turns configuration into the reloadable parts of the loop.
func buildSettings(cfg *config.Config) loop.Settings {
	return loop.Settings{
		Store:    profile.NewFSStore(cfg.Profile.CacheRoot),
		Diff:     diff.New(registryOptions(cfg), log.WithComponent("diff")),
		Executor: dispatch.New(executorOptions(cfg), log.WithComponent("dispatch")),
		Options: loop.Options{
			CheckInterval:    cfg.Dispatch.CheckInterval,
			RetryPolicy:      cfg.Dispatch.RetryPolicy,
			HistoryRetention: cfg.Service.HistoryRetention,
			DryRun:           cfg.Dispatch.DryRun,
		},
	}
}

func registryOptions(cfg *config.Config) registry.Options {
	rc := cfg.Registry
	return registry.Options{
		ComponentsPath:     rc.ComponentsPath,
		PackagePrefix:      rc.PackagePrefix,
		WatchComponentPath: config.Enabled(rc.WatchComponentPath, true),
		WatchPackagePath:   config.Enabled(rc.WatchPackagePath, true),
	}
}

func executorOptions(cfg *config.Config) dispatch.Options {
	c := cfg.Configurator
	return dispatch.Options{
		Path:       c.Path,
		StateDir:   c.StateDir,
		Retries:    c.Retries,
		Timeout:    c.Timeout,
		UseProfile: config.Enabled(c.UseProfile, true),
		ExtraArgs:  c.ExtraArgs,
		MaxRuntime: c.MaxRuntime,
		DryRun:     cfg.Dispatch.DryRun,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{Listen: cfg.API.Listen, Tokens: tokens}
}

func flagPassed(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
