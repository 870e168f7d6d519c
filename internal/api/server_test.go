package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/cdispd/internal/auth"
	"github.com/mattjoyce/cdispd/internal/events"
	"github.com/mattjoyce/cdispd/internal/history"
	"github.com/mattjoyce/cdispd/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus struct {
	snap loop.Snapshot
}

func (s staticStatus) Snapshot() loop.Snapshot { return s.snap }

type stubHistory struct {
	records   []history.Record
	err       error
	lastLimit int
}

func (h *stubHistory) List(_ context.Context, limit int) ([]history.Record, error) {
	h.lastLimit = limit
	return h.records, h.err
}

var testTokens = []auth.TokenConfig{
	{Token: "admin-token", Scopes: []string{auth.ScopeAdmin}},
	{Token: "status-token", Scopes: []string{auth.ScopeStatusRO}},
	{Token: "history-token", Scopes: []string{auth.ScopeHistoryRO}},
}

func newTestServer(t *testing.T, hist *stubHistory, hub *events.Hub) *Server {
	t.Helper()
	if hist == nil {
		hist = &stubHistory{}
	}
	if hub == nil {
		hub = events.NewHub(16)
	}
	status := staticStatus{snap: loop.Snapshot{
		State:            loop.StatePolling,
		ReferenceVersion: "1700000000",
		LastStatus:       loop.StatusFailure,
		Queue:            []string{"ntp", "sshd"},
		Cycles:           3,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", Tokens: testTokens}, status, hist, hub, logger)
}

func do(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, nil)

	rec := do(t, srv.Handler(), "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "POLLING", resp.State)
	assert.Equal(t, 2, resp.QueueDepth)
	assert.Equal(t, "1700000000", resp.ReferenceVersion)
}

func TestStatusRequiresScope(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, nil)
	h := srv.Handler()

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "no token", token: "", want: http.StatusUnauthorized},
		{name: "unknown token", token: "bogus", want: http.StatusUnauthorized},
		{name: "wrong scope", token: "history-token", want: http.StatusForbidden},
		{name: "status scope", token: "status-token", want: http.StatusOK},
		{name: "admin", token: "admin-token", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, "/status", tc.token)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, h, "/status", "status-token")
	var snap loop.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, loop.StatusFailure, snap.LastStatus)
	assert.Equal(t, []string{"ntp", "sshd"}, snap.Queue)
	assert.EqualValues(t, 3, snap.Cycles)
}

func TestDispatchesListsHistory(t *testing.T) {
	t.Parallel()
	hist := &stubHistory{records: []history.Record{
		{ID: "r2", CandidateVersion: "2", Components: []string{"ntp"}, Status: history.StatusFailed,
			Failures: []history.Failure{{Component: "ntp", Message: "bad server"}}},
		{ID: "r1", CandidateVersion: "1", Components: []string{"ntp"}, Status: history.StatusSucceeded},
	}}
	srv := newTestServer(t, hist, nil)

	rec := do(t, srv.Handler(), "/dispatches?limit=2", "history-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, hist.lastLimit)

	var resp DispatchesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Dispatches, 2)
	assert.Equal(t, "r2", resp.Dispatches[0].ID)
	assert.Equal(t, "bad server", resp.Dispatches[0].Failures[0].Message)
}

func TestDispatchesLimitHandling(t *testing.T) {
	t.Parallel()
	hist := &stubHistory{}
	srv := newTestServer(t, hist, nil)
	h := srv.Handler()

	rec := do(t, h, "/dispatches?limit=abc", "admin-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "/dispatches?limit=100000", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxDispatchesLimit, hist.lastLimit)
	assert.JSONEq(t, `{"dispatches":[]}`, rec.Body.String())

	rec = do(t, h, "/dispatches", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, hist.lastLimit)
}

func TestDispatchesStoreError(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &stubHistory{err: errors.New("disk gone")}, nil)

	rec := do(t, srv.Handler(), "/dispatches", "admin-token")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to list dispatches")
}

func TestEventsStreamsBufferedAndLiveEvents(t *testing.T) {
	t.Parallel()
	hub := events.NewHub(16)
	hub.Publish(events.TypeDispatchStarted, map[string]any{"components": []string{"ntp"}})

	srv := newTestServer(t, nil, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEFrame(t, reader)
	assert.Contains(t, first, "id: 1\n")
	assert.Contains(t, first, "event: dispatch.started\n")
	assert.Contains(t, first, `"components":["ntp"]`)

	// Live event published after the subscriber attached.
	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Publish(events.TypeDispatchSucceeded, map[string]any{"exit_code": 0})
	}()
	second := readSSEFrame(t, reader)
	assert.Contains(t, second, "event: dispatch.succeeded\n")
}

func TestEventsRequiresScope(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, nil)
	rec := do(t, srv.Handler(), "/events", "status-token")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParseLastEventID(t *testing.T) {
	t.Parallel()
	assert.EqualValues(t, 0, parseLastEventID(""))
	assert.EqualValues(t, 0, parseLastEventID("-4"))
	assert.EqualValues(t, 0, parseLastEventID("x"))
	assert.EqualValues(t, 42, parseLastEventID("42"))
}

func readSSEFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			if b.Len() == 0 {
				continue
			}
			return b.String()
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		b.WriteString(line)
	}
}
