package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "trims whitespace", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer    ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "http://cdispd.test/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractBearerToken(req)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeStatusRO, " "}},
		{Token: "ops", Scopes: []string{"history:rw"}},
		{Token: "root", Scopes: []string{ScopeAdmin}},
	}

	p, ok := Authenticate("reader", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeStatusRO))
	assert.False(t, HasAnyScope(p, ScopeEventsRO))
	assert.Len(t, p.Scopes, 1)

	p, ok = Authenticate("ops", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeHistoryRO), "rw implies ro")
	assert.False(t, HasAnyScope(p, ScopeStatusRO))

	p, ok = Authenticate("root", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeStatusRO, ScopeEventsRO))

	_, ok = Authenticate("nope", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", []TokenConfig{{Token: ""}})
	assert.False(t, ok, "empty tokens never match")
}

func TestHasAnyScopeWithNoRequirement(t *testing.T) {
	t.Parallel()
	assert.True(t, HasAnyScope(Principal{}))
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	t.Parallel()

	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	want := Principal{Token: "t", Scopes: map[string]struct{}{ScopeAdmin: {}}}
	got, ok := PrincipalFromContext(WithPrincipal(context.Background(), want))
	require.True(t, ok)
	assert.Equal(t, want, got)
}
