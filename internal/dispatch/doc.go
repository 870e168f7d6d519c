// Package dispatch runs the external configurator for a set of queued
// components and interprets its outcome.
//
// The executor builds the configurator argument list from the queue contents
// and pass-through options, spawns it once per cycle, waits for it to exit and
// wraps the exit status in a Result. It never decides queue membership.
//
// Invocation:
//
//	<configurator> --configure <name...> [--state dir] [--retries n]
//	               [--timeout n] [--useprofile id] [extra args...]
//
// Outcomes:
//   - Empty queue → no spawn, OutcomeNoop (success)
//   - Dry run → argv logged, no spawn, OutcomeDryRun
//   - Binary missing or not executable → ErrExecutorUnavailable, OutcomeFailed
//   - Exit status 0 → OutcomeSucceeded
//   - Non-zero exit → OutcomeFailed, with per-component failure markers read
//     from the state directory for reporting
//   - Watchdog (max_runtime) expiry → SIGTERM → 5s grace → SIGKILL, OutcomeFailed
//
// The child runs in its own process group on unix so that terminal signals
// meant for the daemon do not interrupt a configuration run half way.
package dispatch
