package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps the amount of stdout/stderr kept from a configurator run.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// NoMessage is reported for failure markers without content.
	NoMessage = "(no message)"
)

// ErrExecutorUnavailable means the configurator binary is missing or not
// executable. The cycle fails; the daemon carries on.
var ErrExecutorUnavailable = errors.New("configurator unavailable")

// ErrWatchdogExpired means the configurator exceeded max_runtime and was killed.
var ErrWatchdogExpired = errors.New("configurator exceeded max runtime")

// Options are the configurator invocation settings.
type Options struct {
	// Path to the configurator binary.
	Path string
	// StateDir is passed as --state and scanned for failure markers.
	StateDir string
	// Retries and Timeout are passed through when positive.
	Retries int
	Timeout int
	// UseProfile passes the candidate version as --useprofile.
	UseProfile bool
	ExtraArgs  []string
	// MaxRuntime kills a run that takes longer. Zero disables the watchdog.
	MaxRuntime time.Duration
	DryRun     bool
}

// Request is one dispatch: the queued components and the profile they are
// to be configured from.
type Request struct {
	Components []string
	ProfileID  string
}

// Outcome tags a Result.
type Outcome string

const (
	OutcomeNoop      Outcome = "noop"
	OutcomeDryRun    Outcome = "dry_run"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ComponentFailure is a diagnostic read from a failure marker.
type ComponentFailure struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Result is the structured outcome of a dispatch.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Args     []string
	Failures []ComponentFailure
	Stdout   string
	Stderr   string
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the result counts as a successful dispatch.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeNoop
}

// DryRun reports whether no configurator actually ran because of dry-run mode.
func (r Result) DryRun() bool { return r.Outcome == OutcomeDryRun }

// Executor invokes the configurator.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Executor.
func New(opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{opts: opts, logger: logger}
}

// Options returns the executor's invocation settings.
func (e *Executor) Options() Options { return e.opts }

// Args builds the configurator argument list (without argv[0]).
func (e *Executor) Args(req Request) []string {
	args := []string{"--configure"}
	args = append(args, req.Components...)
	if e.opts.StateDir != "" {
		args = append(args, "--state", e.opts.StateDir)
	}
	if e.opts.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(e.opts.Retries))
	}
	if e.opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(e.opts.Timeout))
	}
	if e.opts.UseProfile && req.ProfileID != "" {
		args = append(args, "--useprofile", req.ProfileID)
	}
	args = append(args, e.opts.ExtraArgs...)
	return args
}

// Run executes the configurator for req. A running configurator is never
// interrupted by ctx; ctx is only checked before spawning.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	if len(req.Components) == 0 {
		e.logger.Debug("dispatch queue empty, nothing to run")
		return Result{Outcome: OutcomeNoop}
	}

	args := e.Args(req)

	if e.opts.DryRun {
		e.logger.Info("dry run: would invoke configurator",
			"path", e.opts.Path, "args", strings.Join(args, " "), "components", req.Components)
		return Result{Outcome: OutcomeDryRun, Args: args}
	}

	binary, err := e.checkExecutable()
	if err != nil {
		e.logger.Error("configurator unavailable", "path", e.opts.Path, "error", err)
		return Result{Outcome: OutcomeFailed, ExitCode: -1, Args: args, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeFailed, ExitCode: -1, Args: args, Err: err}
	}

	e.logger.Info("invoking configurator", "path", binary, "components", req.Components, "profile", req.ProfileID)
	started := time.Now()
	res := e.spawn(binary, args)
	res.Args = args
	res.Duration = time.Since(started)

	switch {
	case res.Err != nil:
		e.logger.Error("configurator run failed", "error", res.Err, "duration", res.Duration)
	case res.ExitCode == 0:
		res.Outcome = OutcomeSucceeded
		e.logger.Info("configurator completed successfully", "duration", res.Duration)
	default:
		res.Outcome = OutcomeFailed
		res.Failures = e.collectFailures(req.Components)
		e.logger.Warn("configurator reported failures",
			"exit_code", res.ExitCode, "duration", res.Duration, "failed", len(res.Failures))
		for _, f := range res.Failures {
			e.logger.Warn("component failed", "component", f.Component, "message", f.Message)
		}
	}
	if res.Stderr != "" {
		e.logger.Debug("configurator stderr", "stderr", res.Stderr)
	}
	return res
}

func (e *Executor) checkExecutable() (string, error) {
	if e.opts.Path == "" {
		return "", fmt.Errorf("%w: configurator path is empty", ErrExecutorUnavailable)
	}
	binary, err := exec.LookPath(e.opts.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
	}
	info, err := os.Stat(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", ErrExecutorUnavailable, binary)
	}
	return binary, nil
}

// spawn starts the configurator and waits for it, enforcing the watchdog.
func (e *Executor) spawn(binary string, args []string) Result {
	// Not CommandContext: a deferred shutdown must not kill the child.
	cmd := exec.Command(binary, args...)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Outcome: OutcomeFailed, ExitCode: -1, Err: fmt.Errorf("start configurator: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var watchdog <-chan time.Time
	if e.opts.MaxRuntime > 0 {
		timer := time.NewTimer(e.opts.MaxRuntime)
		defer timer.Stop()
		watchdog = timer.C
	}

	select {
	case <-watchdog:
		e.logger.Warn("configurator exceeded max runtime, sending SIGTERM", "max_runtime", e.opts.MaxRuntime)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			e.logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			e.logger.Info("configurator exited after SIGTERM")
		case <-grace.C:
			e.logger.Warn("configurator did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				e.logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return Result{
			Outcome:  OutcomeFailed,
			ExitCode: -1,
			Stdout:   truncateOutput(stdout.String()),
			Stderr:   truncateOutput(stderr.String()),
			Err:      fmt.Errorf("%w (%v)", ErrWatchdogExpired, e.opts.MaxRuntime),
		}

	case err := <-waitErr:
		res := Result{
			Stdout: truncateOutput(stdout.String()),
			Stderr: truncateOutput(stderr.String()),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				res.Outcome = OutcomeFailed
				res.ExitCode = -1
				res.Err = fmt.Errorf("wait for configurator: %w", err)
				return res
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res
	}
}

// collectFailures reads the failure markers left for the queued components.
// Markers are diagnostics only.
func (e *Executor) collectFailures(components []string) []ComponentFailure {
	if e.opts.StateDir == "" {
		return nil
	}
	var out []ComponentFailure
	for _, name := range components {
		path := filepath.Join(e.opts.StateDir, filepath.Base(name))
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				e.logger.Debug("unreadable failure marker", "path", path, "error", err)
			}
			continue
		}
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = NoMessage
		}
		out = append(out, ComponentFailure{Component: name, Message: msg})
	}
	return out
}

// truncateOutput truncates s to maxOutputBytes.
func truncateOutput(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}
