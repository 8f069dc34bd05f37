package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
)

// jwksClient verifies OIDC bearer tokens against a cached JWKS document.
type jwksClient struct {
	cfg    *config.Settings
	client *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

const jwksRefreshInterval = 5 * time.Minute

func newJWKSClient(cfg *config.Settings) *jwksClient {
	return &jwksClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   map[string]*rsa.PublicKey{},
	}
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// refresh reloads the JWKS document. Caller holds the lock. Refreshes are
// throttled so a flood of unknown-kid tokens cannot hammer the endpoint.
func (c *jwksClient) refresh(force bool) error {
	if !force && time.Since(c.lastRefresh) < jwksRefreshInterval && len(c.keys) > 0 {
		return nil
	}
	url := strings.TrimSpace(c.cfg.OIDCJWKSURL)
	if url == "" {
		return fmt.Errorf("%w: OIDC_JWKS_URL is not configured", ErrUnavailable)
	}
	resp, err := c.client.Get(url)
	if err != nil {
		return fmt.Errorf("%w: fetch jwks: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: jwks endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}
	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrUnavailable, err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, entry := range doc.Keys {
		if entry.Kty != "RSA" || (entry.Use != "" && entry.Use != "sig") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(entry.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(entry.E)
		if err != nil {
			continue
		}
		keys[entry.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
	}
	c.keys = keys
	c.lastRefresh = time.Now()
	return nil
}

func (c *jwksClient) keyForKid(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(false); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	// Unknown kid: the provider may have rotated. One forced reload.
	if err := c.refresh(true); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrUnauthorized
}

func (c *jwksClient) allowedAlgorithms() []string {
	var out []string
	for _, alg := range strings.Split(c.cfg.OIDCAlgorithms, ",") {
		if a := strings.TrimSpace(alg); a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		out = []string{"RS256"}
	}
	return out
}

// verify parses and validates the token, then maps its claims to a scope.
func (c *jwksClient) verify(token string) (*Principal, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods(c.allowedAlgorithms()),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(c.cfg.OIDCIssuer); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(c.cfg.OIDCAudience); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return c.keyForKid(kid)
	}, options...)
	if err != nil {
		if strings.Contains(err.Error(), ErrUnavailable.Error()) {
			return nil, ErrUnavailable
		}
		return nil, ErrUnauthorized
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}

	scope := c.scopeFromClaims(claims)
	if scope == "" {
		return nil, ErrUnauthorized
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject = "oidc:unknown"
	}
	return &Principal{Subject: subject, Scope: scope}, nil
}

// scopeFromClaims inspects scope, scp, roles and realm_access.roles in that
// order and returns the strongest matching CMDB scope.
func (c *jwksClient) scopeFromClaims(claims jwt.MapClaims) string {
	granted := map[string]struct{}{}
	collect := func(value any) {
		switch v := value.(type) {
		case string:
			for _, entry := range strings.Fields(v) {
				granted[entry] = struct{}{}
			}
		case []any:
			for _, entry := range v {
				if s, ok := entry.(string); ok {
					granted[s] = struct{}{}
				}
			}
		}
	}
	collect(claims["scope"])
	collect(claims["scp"])
	collect(claims["roles"])
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		collect(realm["roles"])
	}

	best := ""
	check := func(claimValue, scope string) {
		if claimValue == "" {
			return
		}
		if _, ok := granted[claimValue]; ok && scopeWeight[scope] > scopeWeight[best] {
			best = scope
		}
	}
	check(c.cfg.OIDCScopeViewer, ScopeViewer)
	check(c.cfg.OIDCScopeOperator, ScopeOperator)
	check(c.cfg.OIDCScopeApprover, ScopeApprover)
	return best
}
