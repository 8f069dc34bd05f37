// Package auth resolves a bearer token into a caller principal with one of
// three scopes: viewer, operator, approver. Static token lists, OIDC, and a
// hybrid of both are supported.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
)

// Scopes, weakest to strongest. An approver can do everything an operator
// can; an operator everything a viewer can.
const (
	ScopeViewer   = "viewer"
	ScopeOperator = "operator"
	ScopeApprover = "approver"
)

var scopeWeight = map[string]int{
	ScopeViewer:   1,
	ScopeOperator: 2,
	ScopeApprover: 3,
}

// ScopeSatisfies reports whether held grants at least required.
func ScopeSatisfies(held, required string) bool {
	return scopeWeight[held] >= scopeWeight[required]
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Scope   string
}

var (
	// ErrUnauthorized is returned for missing or invalid credentials.
	ErrUnauthorized = errors.New("invalid or missing bearer token")
	// ErrUnavailable is returned when the auth mode cannot be evaluated,
	// e.g. the JWKS endpoint is unreachable.
	ErrUnavailable = errors.New("authentication backend unavailable")
)

// Authenticator validates bearer tokens per the configured mode.
type Authenticator struct {
	cfg    *config.Settings
	jwks   *jwksClient
	logger *log.Logger

	staticTokens map[string]string // token -> scope
}

// NewAuthenticator builds an authenticator from settings.
func NewAuthenticator(cfg *config.Settings) *Authenticator {
	a := &Authenticator{
		cfg:          cfg,
		logger:       log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		staticTokens: map[string]string{},
	}
	if cfg.ServiceAuthMode == "oidc" || cfg.ServiceAuthMode == "hybrid" {
		a.jwks = newJWKSClient(cfg)
	}
	// Stronger lists win when a token appears in more than one.
	for _, token := range splitTokens(cfg.ServiceViewerTokens) {
		a.staticTokens[token] = ScopeViewer
	}
	// The legacy SERVICE_AUTH_TOKENS list grants operator.
	for _, token := range splitTokens(cfg.ServiceAuthTokens) {
		a.staticTokens[token] = ScopeOperator
	}
	for _, token := range splitTokens(cfg.ServiceOperatorTokens) {
		a.staticTokens[token] = ScopeOperator
	}
	for _, token := range splitTokens(cfg.ServiceApproverTokens) {
		a.staticTokens[token] = ScopeApprover
	}
	return a
}

func splitTokens(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if token := strings.TrimSpace(part); token != "" {
			out = append(out, token)
		}
	}
	return out
}

// BearerToken extracts the bearer token from a request, or "".
func BearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenFingerprint is the rate-limit key fragment for a token: the first 12
// hex characters of its SHA-256. The raw token never reaches the limiter.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

func (a *Authenticator) staticPrincipal(token string) (*Principal, bool) {
	scope, ok := a.staticTokens[token]
	if !ok {
		return nil, false
	}
	return &Principal{Subject: "token:" + TokenFingerprint(token), Scope: scope}, true
}

// Authenticate resolves token to a principal. ErrUnauthorized means the
// token was rejected; ErrUnavailable means the backend could not be asked.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	switch a.cfg.ServiceAuthMode {
	case "static":
		if p, ok := a.staticPrincipal(token); ok {
			return p, nil
		}
		return nil, ErrUnauthorized
	case "hybrid":
		if p, ok := a.staticPrincipal(token); ok {
			return p, nil
		}
		return a.jwks.verify(token)
	case "oidc":
		return a.jwks.verify(token)
	}
	return nil, ErrUnavailable
}
