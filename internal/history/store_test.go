package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cdispd/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cdispd.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	id1, err := s.Record(ctx, Record{
		StartedAt:        base,
		CompletedAt:      base.Add(time.Second),
		CandidateVersion: "2",
		ReferenceVersion: "1",
		Components:       []string{"A", "B"},
		ExitCode:         1,
		Status:           StatusFailed,
		Failures:         []Failure{{Component: "B", Message: "boom"}},
		Stderr:           "err output",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	_, err = s.Record(ctx, Record{
		StartedAt:        base.Add(time.Minute),
		CompletedAt:      base.Add(time.Minute + 100*time.Millisecond),
		CandidateVersion: "2",
		ReferenceVersion: "1",
		Components:       []string{"A", "B"},
		Status:           StatusSucceeded,
	})
	require.NoError(t, err)

	recs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, StatusSucceeded, recs[0].Status, "newest first")
	assert.Empty(t, recs[0].Failures)

	failed := recs[1]
	assert.Equal(t, id1, failed.ID)
	assert.Equal(t, []string{"A", "B"}, failed.Components)
	assert.Equal(t, []Failure{{Component: "B", Message: "boom"}}, failed.Failures)
	assert.Equal(t, "1", failed.ReferenceVersion)
	assert.Equal(t, "err output", failed.Stderr)
	assert.True(t, failed.StartedAt.Equal(base))
}

func TestRecordDryRunWithoutReference(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Record{CandidateVersion: "5", Components: []string{"A"}, Status: StatusDryRun, DryRun: true})
	require.NoError(t, err)

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].DryRun)
	assert.Empty(t, recs[0].ReferenceVersion)
}

func TestRecordRequiresCandidate(t *testing.T) {
	t.Parallel()

	_, err := openStore(t).Record(context.Background(), Record{Status: StatusNoop})
	assert.Error(t, err)
}

func TestListLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, Record{CandidateVersion: "1", Status: StatusNoop})
		require.NoError(t, err)
	}

	recs, err := s.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Record(ctx, Record{CandidateVersion: "1", Status: StatusSucceeded, CompletedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = s.Record(ctx, Record{CandidateVersion: "2", Status: StatusSucceeded, CompletedAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].CandidateVersion)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	_, err := s.Status(ctx)
	assert.True(t, errors.Is(err, ErrNoStatus))

	require.NoError(t, s.SaveStatus(ctx, DaemonStatus{ReferenceVersion: "3", LastStatus: "failure", Queue: []string{"A"}}))
	require.NoError(t, s.SaveStatus(ctx, DaemonStatus{ReferenceVersion: "4", LastStatus: "success"}))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4", st.ReferenceVersion)
	assert.Equal(t, "success", st.LastStatus)
	assert.Empty(t, st.Queue)
	assert.False(t, st.UpdatedAt.IsZero())
}
