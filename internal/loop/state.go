package loop

import (
	"time"

	"github.com/mattjoyce/cdispd/internal/icl"
	"github.com/mattjoyce/cdispd/internal/profile"
)

// State is the loop's position in its cycle.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StatePolling      State = "POLLING"
	StateDiffing      State = "DIFFING"
	StateDispatching  State = "DISPATCHING"
	StateShutDown     State = "SHUT_DOWN"
)

// Status is the outcome of the most recent real dispatch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// DispatchState is the cross-cycle consistency record.
//
// Reference advances to a candidate only when a dispatch against that
// candidate succeeded. Queue is emptied only at (re)initialisation and after
// a successful dispatch.
type DispatchState struct {
	Reference  *profile.Profile
	LastStatus Status
	Queue      *icl.Queue
}

func newDispatchState() DispatchState {
	return DispatchState{LastStatus: StatusSuccess, Queue: icl.New()}
}

// ReferenceVersion returns the reference version as a string, or "" when
// there is none yet.
func (s DispatchState) ReferenceVersion() string {
	if s.Reference == nil {
		return ""
	}
	return s.Reference.VersionID().String()
}

// Action says what a cycle ended up doing.
type Action string

const (
	// ActionIdle: the store still serves the reference version.
	ActionIdle Action = "idle"
	// ActionAdvanced: a new version with identical content was adopted.
	ActionAdvanced Action = "advanced"
	// ActionDispatched: the configurator was invoked (or would have been).
	ActionDispatched Action = "dispatched"
	// ActionAborted: the cycle was cancelled before the configurator ran.
	ActionAborted Action = "aborted"
)

// Cycle summarises one poll→diff→dispatch iteration.
type Cycle struct {
	ID         string
	Candidate  profile.VersionID
	Action     Action
	Affected   []string
	Removed    []string
	Dispatched []string
	Outcome    string
	Err        error
}

// Snapshot is a read-only copy of the loop's state for the API and status
// commands. It is safe to take from any goroutine.
type Snapshot struct {
	State             State     `json:"state"`
	ReferenceVersion  string    `json:"reference_version,omitempty"`
	ReferenceChecksum string    `json:"reference_checksum,omitempty"`
	LastStatus        Status    `json:"last_status"`
	Queue             []string  `json:"queue"`
	LastCycleID       string    `json:"last_cycle_id,omitempty"`
	LastCycleAt       time.Time `json:"last_cycle_at,omitzero"`
	LastOutcome       string    `json:"last_outcome,omitempty"`
	Cycles            int64     `json:"cycles"`
	DryRun            bool      `json:"dry_run"`
	StartedAt         time.Time `json:"started_at"`
}
