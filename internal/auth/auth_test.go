package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
)

func staticSettings() *config.Settings {
	return &config.Settings{
		ServiceAuthMode:       "static",
		ServiceViewerTokens:   "view-1, view-2",
		ServiceOperatorTokens: "op-1",
		ServiceApproverTokens: "appr-1",
		ServiceAuthTokens:     "legacy-1",
	}
}

func TestScopeSatisfies_Hierarchy(t *testing.T) {
	assert.True(t, ScopeSatisfies(ScopeApprover, ScopeViewer))
	assert.True(t, ScopeSatisfies(ScopeApprover, ScopeOperator))
	assert.True(t, ScopeSatisfies(ScopeOperator, ScopeViewer))
	assert.True(t, ScopeSatisfies(ScopeViewer, ScopeViewer))

	assert.False(t, ScopeSatisfies(ScopeViewer, ScopeOperator))
	assert.False(t, ScopeSatisfies(ScopeOperator, ScopeApprover))
	assert.False(t, ScopeSatisfies("", ScopeViewer), "unknown scopes grant nothing")
}

func TestAuthenticate_StaticTokens(t *testing.T) {
	a := NewAuthenticator(staticSettings())

	cases := map[string]string{
		"view-1":   ScopeViewer,
		"view-2":   ScopeViewer,
		"op-1":     ScopeOperator,
		"legacy-1": ScopeOperator,
		"appr-1":   ScopeApprover,
	}
	for token, scope := range cases {
		p, err := a.Authenticate(token)
		require.NoError(t, err, token)
		assert.Equal(t, scope, p.Scope, token)
		assert.Equal(t, "token:"+TokenFingerprint(token), p.Subject)
	}

	_, err := a.Authenticate("unknown")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_StrongerListWins(t *testing.T) {
	cfg := staticSettings()
	cfg.ServiceViewerTokens = "shared"
	cfg.ServiceApproverTokens = "shared"
	a := NewAuthenticator(cfg)

	p, err := a.Authenticate("shared")
	require.NoError(t, err)
	assert.Equal(t, ScopeApprover, p.Scope)
}

func TestAuthenticate_UnknownModeUnavailable(t *testing.T) {
	a := NewAuthenticator(&config.Settings{ServiceAuthMode: "kerberos"})
	_, err := a.Authenticate("anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/cis", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", BearerToken(r))

	r.Header.Set("Authorization", "bearer  spaced-token ")
	assert.Equal(t, "spaced-token", BearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer")
	assert.Empty(t, BearerToken(r))
}

func TestTokenFingerprint(t *testing.T) {
	fp := TokenFingerprint("op-1")
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, TokenFingerprint("op-1"))
	assert.NotEqual(t, fp, TokenFingerprint("op-2"))
	assert.NotContains(t, fp, "op-1", "the raw token never appears in the key")
}
