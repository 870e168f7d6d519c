// Package loop drives cdispd: poll the profile store, diff the new profile
// against the last successfully dispatched one, run the configurator for the
// affected components and decide whether the baseline advances.
//
// The loop is strictly sequential. Only one dispatch is ever in flight, and
// operator signals arriving while it runs are held back by the signal
// coordinator until the configurator has exited.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cdispd/internal/config"
	"github.com/mattjoyce/cdispd/internal/diff"
	"github.com/mattjoyce/cdispd/internal/dispatch"
	"github.com/mattjoyce/cdispd/internal/events"
	"github.com/mattjoyce/cdispd/internal/history"
	"github.com/mattjoyce/cdispd/internal/icl"
	"github.com/mattjoyce/cdispd/internal/log"
	"github.com/mattjoyce/cdispd/internal/profile"
	"github.com/mattjoyce/cdispd/internal/registry"
	"github.com/mattjoyce/cdispd/internal/signals"
)

// Options tune the loop.
type Options struct {
	CheckInterval    time.Duration
	RetryPolicy      string
	HistoryRetention time.Duration
	DryRun           bool
}

// Settings are the parts of the loop a reload may replace.
type Settings struct {
	// Store is kept when nil.
	Store    ProfileStore
	Diff     *diff.Engine
	Executor Executor
	Options  Options
}

// Reloader rebuilds Settings from the configuration file.
type Reloader func() (Settings, error)

// Deps are the loop's collaborators.
type Deps struct {
	Store    ProfileStore
	Diff     *diff.Engine
	Executor Executor
	// Recorder is optional.
	Recorder Recorder
	// Events is optional.
	Events events.Publisher
	// Signals is optional; a private coordinator is used when nil.
	Signals *signals.Coordinator
	// Reloader is optional; without it a reload only resets dispatch state.
	Reloader Reloader
	Logger   *slog.Logger
}

// Loop is the dispatch state machine.
type Loop struct {
	store    ProfileStore
	differ   *diff.Engine
	exec     Executor
	recorder Recorder
	events   events.Publisher
	signals  *signals.Coordinator
	reloader Reloader
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	// state is owned by the goroutine running the loop.
	state DispatchState

	reloadCh chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

// New builds a loop in INITIALIZING state with an empty queue and no
// reference profile.
func New(deps Deps, opts Options) *Loop {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.RetryPolicy == "" {
		opts.RetryPolicy = config.RetryRetained
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithComponent("loop")
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Discard{}
	}
	coord := deps.Signals
	if coord == nil {
		coord = signals.New(logger)
	}
	differ := deps.Diff
	if differ == nil {
		differ = diff.New(registry.DefaultOptions(), logger)
	}

	l := &Loop{
		store:    deps.Store,
		differ:   differ,
		exec:     deps.Executor,
		recorder: deps.Recorder,
		events:   pub,
		signals:  coord,
		reloader: deps.Reloader,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		state:    newDispatchState(),
		reloadCh: make(chan struct{}, 1),
	}
	l.snap = Snapshot{State: StateInitializing, LastStatus: StatusSuccess, DryRun: opts.DryRun, StartedAt: l.now().UTC()}
	return l
}

// State returns a copy of the dispatch state. Only call it from the goroutine
// driving the loop (or after it stopped).
func (l *Loop) State() DispatchState { return l.state }

// Snapshot returns the latest published view of the loop.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.snap
	s.Queue = append([]string(nil), l.snap.Queue...)
	return s
}

// RequestReload asks the loop to reload at its next wait. Requests coalesce.
func (l *Loop) RequestReload() {
	select {
	case l.reloadCh <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is cancelled. It returns nil on an orderly
// shutdown and an error only when the profile store is unusable.
func (l *Loop) Run(ctx context.Context) error {
	l.initialize()
	l.logger.Info("dispatch loop started",
		"check_interval", l.opts.CheckInterval, "retry_policy", l.opts.RetryPolicy, "dry_run", l.opts.DryRun)
	l.events.Publish(events.TypeLoopStarted, map[string]any{"check_interval": l.opts.CheckInterval.String()})

	for {
		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		if _, err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				l.shutdown()
				return nil
			}
			l.logger.Error("profile store unavailable, stopping", "error", err)
			l.shutdown()
			return err
		}

		timer := time.NewTimer(l.opts.CheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.shutdown()
			return nil
		case <-l.reloadCh:
			timer.Stop()
			if err := l.reload(ctx); err != nil {
				if ctx.Err() != nil {
					l.shutdown()
					return nil
				}
				l.logger.Error("profile store unavailable during reload, stopping", "error", err)
				l.shutdown()
				return err
			}
		case <-timer.C:
		}
	}
}

// RunOnce executes exactly one poll→diff→dispatch cycle.
func (l *Loop) RunOnce(ctx context.Context) (Cycle, error) {
	cyc := Cycle{ID: uuid.NewString()}
	logger := log.WithCycle(l.logger, cyc.ID)
	defer l.publishSnapshot(&cyc)

	// POLLING
	l.setState(StatePolling)
	id, err := l.store.CurrentVersionID(ctx)
	if err != nil {
		cyc.Err = err
		return cyc, fmt.Errorf("poll profile store: %w", err)
	}
	cyc.Candidate = id

	ref := l.state.Reference
	if ref != nil && ref.VersionID() == id {
		logger.Debug("no new profile", "version", id)
		cyc.Action = ActionIdle
		return cyc, nil
	}

	// DIFFING
	l.setState(StateDiffing)
	cand, err := l.store.LoadVersion(ctx, id)
	if err != nil {
		cyc.Err = err
		return cyc, fmt.Errorf("load profile %s: %w", id, err)
	}

	lastOK := l.state.LastStatus == StatusSuccess
	changed := ref == nil || ref.RootChecksum() != cand.RootChecksum()
	logger.Info("new profile observed",
		"candidate", id, "reference", l.state.ReferenceVersion(), "content_changed", changed, "last_status", l.state.LastStatus)
	l.events.Publish(events.TypeProfileObserved, map[string]any{
		"candidate": id.String(), "reference": l.state.ReferenceVersion(), "content_changed": changed,
	})

	if !changed && lastOK {
		logger.Info("profile content unchanged, adopting new version without dispatch", "version", id)
		l.state.Reference = cand
		cyc.Action = ActionAdvanced
		l.events.Publish(events.TypeProfileUnchanged, map[string]any{"version": id.String()})
		l.saveStatus(ctx, logger)
		return cyc, nil
	}

	if changed && lastOK {
		l.state.Queue.Reset()
	}
	before := l.state.Queue.Snapshot()

	res := l.differ.Diff(ref, cand)
	cyc.Affected = res.Affected
	cyc.Removed = res.Removed
	for _, name := range res.Removed {
		logger.Info("component removed from profile", "component", name)
		l.events.Publish(events.TypeComponentRemoved, map[string]any{"component": name, "version": id.String()})
	}

	l.state.Queue.AddAll(res.Affected...)
	if !lastOK && !changed && l.opts.RetryPolicy == config.RetryAllActive {
		eligible := res.Registry.Eligible()
		logger.Info("retrying all active components after failed dispatch", "components", eligible)
		l.state.Queue.AddAll(eligible...)
	}
	logger.Debug("diff complete", "affected", res.Affected, "queue", l.state.Queue.Names())

	// DISPATCHING
	names := l.dispatchable(res.Registry, logger)
	cyc.Action = ActionDispatched
	cyc.Dispatched = names
	if err := l.dispatch(ctx, logger, &cyc, ref, cand, names, before); err != nil {
		return cyc, err
	}
	return cyc, nil
}

// dispatch runs the executor with signals deferred and applies the
// consistency rules to its result. It returns an error only when the cycle
// was cancelled before the configurator ran.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, cyc *Cycle, ref, cand *profile.Profile, names []string, before icl.Snapshot) error {
	// Signals are deferred before the last cancellation check, so a terminate
	// request either cancels the cycle here or waits for the run to finish.
	l.signals.Enter()
	if err := ctx.Err(); err != nil {
		l.abort(logger, cyc, before, err)
		l.signals.Leave()
		return err
	}

	l.setState(StateDispatching)
	l.events.Publish(events.TypeDispatchStarted, map[string]any{
		"cycle_id": cyc.ID, "candidate": cand.VersionID().String(), "components": names,
	})

	started := l.now()
	result := l.exec.Run(ctx, dispatch.Request{Components: names, ProfileID: cand.VersionID().String()})
	completed := l.now()

	if notStarted(result) {
		l.abort(logger, cyc, before, result.Err)
		l.signals.Leave()
		return result.Err
	}

	refVersion := ""
	if ref != nil {
		refVersion = ref.VersionID().String()
	}

	switch {
	case result.DryRun() || (l.opts.DryRun && result.Outcome == dispatch.OutcomeNoop):
		l.state.Queue.Restore(before)
		cyc.Outcome = string(history.StatusDryRun)
		logger.Info("dry run complete, dispatch state unchanged", "components", names)
		l.events.Publish(events.TypeDispatchDryRun, map[string]any{"components": names, "args": result.Args})

	case result.Succeeded():
		l.state.Reference = cand
		l.state.LastStatus = StatusSuccess
		l.state.Queue.Reset()
		cyc.Outcome = string(history.StatusSucceeded)
		if result.Outcome == dispatch.OutcomeNoop {
			cyc.Outcome = string(history.StatusNoop)
		}
		logger.Info("dispatch succeeded, reference advanced", "reference", cand.VersionID(), "components", names)
		l.events.Publish(events.TypeDispatchSucceeded, map[string]any{
			"reference": cand.VersionID().String(), "components": names,
		})

	default:
		l.state.LastStatus = StatusFailure
		l.state.Queue.Restore(before)
		cyc.Outcome = string(history.StatusFailed)
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		logger.Warn("dispatch failed, reference retained",
			"reference", refVersion, "exit_code", result.ExitCode, "error", errMsg)
		l.events.Publish(events.TypeDispatchFailed, map[string]any{
			"reference": refVersion, "candidate": cand.VersionID().String(),
			"exit_code": result.ExitCode, "error": errMsg,
		})
		for _, f := range result.Failures {
			l.events.Publish(events.TypeComponentFailed, map[string]any{"component": f.Component, "message": f.Message})
		}
	}

	l.record(ctx, logger, cyc, result, refVersion, started, completed)
	l.signals.Leave()
	l.saveStatus(ctx, logger)
	return nil
}

// abort undoes the cycle's queue additions. Nothing was run, so reference,
// last status and history stay as they were.
func (l *Loop) abort(logger *slog.Logger, cyc *Cycle, before icl.Snapshot, err error) {
	l.state.Queue.Restore(before)
	cyc.Action = ActionAborted
	cyc.Dispatched = nil
	cyc.Err = err
	logger.Info("cycle cancelled before the configurator ran, dispatch state unchanged", "error", err)
}

// notStarted reports a run refused because its context was already done.
func notStarted(r dispatch.Result) bool {
	return r.Outcome == dispatch.OutcomeFailed &&
		(errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}

// dispatchable filters the queue down to components the candidate declares
// as active and dispatch-enabled. Filtered names stay queued.
func (l *Loop) dispatchable(reg *registry.Registry, logger *slog.Logger) []string {
	queued := l.state.Queue.Names()
	out := make([]string, 0, len(queued))
	for _, name := range queued {
		spec, ok := reg.Get(name)
		if !ok || !spec.Eligible() {
			logger.Warn("queued component not dispatchable in candidate profile, skipping", "component", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// reload resets dispatch state and re-acquires the current profile as the
// reference without dispatching.
func (l *Loop) reload(ctx context.Context) error {
	l.logger.Info("reloading")
	if l.reloader != nil {
		s, err := l.reloader()
		if err != nil {
			l.logger.Error("reload failed, keeping previous configuration", "error", err)
		} else {
			l.apply(s)
		}
	}

	l.state.Queue.Reset()
	l.state.LastStatus = StatusSuccess

	id, err := l.store.CurrentVersionID(ctx)
	if err != nil {
		return fmt.Errorf("poll profile store: %w", err)
	}
	p, err := l.store.LoadVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", id, err)
	}
	l.state.Reference = p

	l.logger.Info("reload complete", "reference", id)
	l.events.Publish(events.TypeReloaded, map[string]any{"reference": id.String()})
	l.saveStatus(ctx, l.logger)
	l.publishSnapshot(nil)
	return nil
}

func (l *Loop) apply(s Settings) {
	if s.Store != nil {
		l.store = s.Store
	}
	if s.Diff != nil {
		l.differ = s.Diff
	}
	if s.Executor != nil {
		l.exec = s.Executor
	}
	if s.Options.CheckInterval > 0 {
		l.opts.CheckInterval = s.Options.CheckInterval
	}
	if s.Options.RetryPolicy != "" {
		l.opts.RetryPolicy = s.Options.RetryPolicy
	}
	l.opts.HistoryRetention = s.Options.HistoryRetention
	l.opts.DryRun = s.Options.DryRun
}

func (l *Loop) initialize() {
	l.setState(StateInitializing)
	l.state.Queue.Reset()
	l.state.Reference = nil
	l.state.LastStatus = StatusSuccess
}

func (l *Loop) shutdown() {
	l.setState(StateShutDown)
	l.logger.Info("dispatch loop stopped", "reference", l.state.ReferenceVersion(), "queue", l.state.Queue.Names())
	l.events.Publish(events.TypeLoopStopped, map[string]any{"reference": l.state.ReferenceVersion()})
}

func (l *Loop) record(ctx context.Context, logger *slog.Logger, cyc *Cycle, result dispatch.Result, refVersion string, started, completed time.Time) {
	if l.recorder == nil {
		return
	}
	rec := history.Record{
		ID:               cyc.ID,
		StartedAt:        started,
		CompletedAt:      completed,
		CandidateVersion: cyc.Candidate.String(),
		ReferenceVersion: refVersion,
		Components:       cyc.Dispatched,
		ExitCode:         result.ExitCode,
		Status:           history.Status(cyc.Outcome),
		DryRun:           cyc.Outcome == string(history.StatusDryRun),
		Stderr:           result.Stderr,
	}
	for _, f := range result.Failures {
		rec.Failures = append(rec.Failures, history.Failure{Component: f.Component, Message: f.Message})
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}

	// History is best effort and must not hold up the loop.
	wctx := context.WithoutCancel(ctx)
	if _, err := l.recorder.Record(wctx, rec); err != nil {
		logger.Warn("failed to record dispatch", "error", err)
	}
	if n, err := l.recorder.Prune(wctx, l.opts.HistoryRetention); err != nil {
		logger.Warn("failed to prune dispatch history", "error", err)
	} else if n > 0 {
		logger.Debug("pruned dispatch history", "rows", n)
	}
}

func (l *Loop) saveStatus(ctx context.Context, logger *slog.Logger) {
	if l.recorder == nil {
		return
	}
	st := history.DaemonStatus{
		ReferenceVersion: l.state.ReferenceVersion(),
		LastStatus:       string(l.state.LastStatus),
		Queue:            l.state.Queue.Names(),
		UpdatedAt:        l.now(),
	}
	if err := l.recorder.SaveStatus(context.WithoutCancel(ctx), st); err != nil {
		logger.Warn("failed to save daemon status", "error", err)
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.snap.State = s
	l.mu.Unlock()
}

func (l *Loop) publishSnapshot(cyc *Cycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.ReferenceVersion = l.state.ReferenceVersion()
	l.snap.ReferenceChecksum = ""
	if l.state.Reference != nil {
		l.snap.ReferenceChecksum = l.state.Reference.RootChecksum().String()
	}
	l.snap.LastStatus = l.state.LastStatus
	l.snap.Queue = l.state.Queue.Names()
	l.snap.DryRun = l.opts.DryRun
	if cyc != nil {
		l.snap.Cycles++
		l.snap.LastCycleID = cyc.ID
		l.snap.LastCycleAt = l.now().UTC()
		if cyc.Outcome != "" {
			l.snap.LastOutcome = cyc.Outcome
		} else if cyc.Action != "" {
			l.snap.LastOutcome = string(cyc.Action)
		}
	}
}

// IsStoreError reports whether err came from the profile store.
func IsStoreError(err error) bool {
	return errors.Is(err, profile.ErrStoreUnavailable)
}
