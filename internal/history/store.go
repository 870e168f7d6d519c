// Package history persists what the dispatch loop did: one row per dispatch
// attempt plus a single daemon status snapshot. It is written for operators
// (status, history, the API); the loop never reads it back.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status of a recorded dispatch attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDryRun    Status = "dry_run"
	StatusNoop      Status = "noop"
)

// ErrNoStatus means the daemon has not written a status snapshot yet.
var ErrNoStatus = errors.New("no daemon status recorded")

const defaultListLimit = 50

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Failure is a per-component diagnostic attached to a record.
type Failure struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Record is one dispatch attempt.
type Record struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	CandidateVersion string    `json:"candidate_version"`
	ReferenceVersion string    `json:"reference_version,omitempty"`
	Components       []string  `json:"components"`
	ExitCode         int       `json:"exit_code"`
	Status           Status    `json:"status"`
	DryRun           bool      `json:"dry_run"`
	Failures         []Failure `json:"failures,omitempty"`
	Stderr           string    `json:"stderr,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// DaemonStatus is the last persisted view of the dispatch state.
type DaemonStatus struct {
	ReferenceVersion string    `json:"reference_version,omitempty"`
	LastStatus       string    `json:"last_status"`
	Queue            []string  `json:"queue"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store reads and writes history rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened database (see storage.OpenSQLite).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record inserts rec, assigning an id when it has none. It returns the id.
func (s *Store) Record(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CandidateVersion == "" {
		return "", fmt.Errorf("candidate version is empty")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.CompletedAt
	}

	components, err := json.Marshal(nonNil(rec.Components))
	if err != nil {
		return "", fmt.Errorf("encode components: %w", err)
	}
	failures := rec.Failures
	if failures == nil {
		failures = []Failure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return "", fmt.Errorf("encode failures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO dispatch_log(
  id, started_at, completed_at, candidate_version, reference_version,
  components, exit_code, status, dry_run, failures, stderr, error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.ID,
		formatTime(rec.StartedAt),
		formatTime(rec.CompletedAt),
		rec.CandidateVersion,
		nullString(rec.ReferenceVersion),
		string(components),
		rec.ExitCode,
		string(rec.Status),
		boolToInt(rec.DryRun),
		string(failuresJSON),
		nullString(rec.Stderr),
		nullString(rec.Error),
	)
	if err != nil {
		return "", fmt.Errorf("insert dispatch_log: %w", err)
	}
	return rec.ID, nil
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, completed_at, candidate_version, reference_version,
       components, exit_code, status, dry_run, failures, stderr, error
FROM dispatch_log
ORDER BY completed_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                   Record
			startedAt, completed  string
			reference, stderr, em sql.NullString
			components, failures  string
			status                string
			dryRun                int
		)
		if err := rows.Scan(&rec.ID, &startedAt, &completed, &rec.CandidateVersion, &reference,
			&components, &rec.ExitCode, &status, &dryRun, &failures, &stderr, &em); err != nil {
			return nil, fmt.Errorf("scan dispatch_log: %w", err)
		}
		rec.Status = Status(status)
		rec.DryRun = dryRun != 0
		rec.ReferenceVersion = reference.String
		rec.Stderr = stderr.String
		rec.Error = em.String
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(components), &rec.Components); err != nil {
			return nil, fmt.Errorf("decode components for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(failures), &rec.Failures); err != nil {
			return nil, fmt.Errorf("decode failures for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch_log: %w", err)
	}
	return out, nil
}

// Prune deletes records completed before now-retention. It returns the
// number of rows removed. A non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_log rows affected: %w", err)
	}
	return n, nil
}

// SaveStatus replaces the daemon status snapshot.
func (s *Store) SaveStatus(ctx context.Context, st DaemonStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	queue, err := json.Marshal(nonNil(st.Queue))
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO daemon_status(id, reference_version, last_status, queue, updated_at)
VALUES(1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  reference_version = excluded.reference_version,
  last_status       = excluded.last_status,
  queue             = excluded.queue,
  updated_at        = excluded.updated_at;
`, nullString(st.ReferenceVersion), st.LastStatus, string(queue), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert daemon_status: %w", err)
	}
	return nil
}

// Status returns the last saved snapshot, or ErrNoStatus.
func (s *Store) Status(ctx context.Context) (*DaemonStatus, error) {
	var (
		st        DaemonStatus
		reference sql.NullString
		queue     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT reference_version, last_status, queue, updated_at FROM daemon_status WHERE id = 1;
`).Scan(&reference, &st.LastStatus, &queue, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoStatus
	}
	if err != nil {
		return nil, fmt.Errorf("read daemon_status: %w", err)
	}
	st.ReferenceVersion = reference.String
	if err := json.Unmarshal([]byte(queue), &st.Queue); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
