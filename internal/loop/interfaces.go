package loop

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks github.com/mattjoyce/cdispd/internal/loop ProfileStore,Executor,Recorder

import (
	"context"
	"time"

	"github.com/mattjoyce/cdispd/internal/dispatch"
	"github.com/mattjoyce/cdispd/internal/history"
	"github.com/mattjoyce/cdispd/internal/profile"
)

// ProfileStore is the read side of the profile cache.
type ProfileStore interface {
	CurrentVersionID(ctx context.Context) (profile.VersionID, error)
	LoadVersion(ctx context.Context, id profile.VersionID) (*profile.Profile, error)
}

// Executor runs the configurator for one dispatch.
type Executor interface {
	Run(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Recorder persists dispatch attempts and the daemon status for operators.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) (string, error)
	SaveStatus(ctx context.Context, st history.DaemonStatus) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}
