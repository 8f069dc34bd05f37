package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/auth"
	"github.com/unifiedcmdb/cmdb-core/internal/correlation"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

type principalKey struct{}
type approvalIDKey struct{}

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

func approvalIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(approvalIDKey{}).(string)
	return id
}

// publicPath reports whether a path skips rate limiting and auth.
func publicPath(path string) bool {
	return path == "/health" || path == "/metrics"
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// correlationMiddleware assigns or echoes the correlation id and records
// request metrics around the rest of the chain.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlation.Header))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlation.Header, id)
		ctx := correlation.WithID(r.Context(), id)

		recorder := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.RequestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(started).Seconds())
		}
		if status >= 500 && s.hub != nil {
			s.hub.Record(telemetry.EventServerError)
		}
	})
}

// timeoutMiddleware enforces the per-request wall clock. The handler runs
// against a buffered writer so a timed-out request still gets a clean
// envelope instead of a half-written body.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := time.Duration(s.cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		buffer := &bufferedResponse{header: http.Header{}}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(buffer, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buffer.flushTo(w)
		case <-ctx.Done():
			writeError(w, r, http.StatusGatewayTimeout, CodeRequestTimeout, "Request timed out")
		}
	})
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// globalRateLimitMiddleware applies the coarse per-caller window before auth
// runs, keyed by token fingerprint when a bearer is present and client ip
// otherwise.
func (s *Server) globalRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + clientIP(r)
		if token := auth.BearerToken(r); token != "" {
			key = "token:" + auth.TokenFingerprint(token)
		}
		if !s.globalLimiter.Allow(key + ":" + r.URL.Path) {
			s.recordRateLimited("global")
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordRateLimited(scope string) {
	if s.hub != nil {
		s.hub.Record(telemetry.EventRateLimited)
	}
	if s.metrics != nil {
		s.metrics.RateLimited.WithLabelValues(scope).Inc()
	}
}

// authMiddleware resolves the caller principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.auth.Authenticate(auth.BearerToken(r))
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "Authentication backend unavailable")
				return
			}
			writeError(w, r, http.StatusUnauthorized, CodeRequestFailed, "Invalid or missing bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// prefixOf picks the rate/payload policy bucket for a path.
func prefixOf(path string) string {
	for _, prefix := range []string{"/ingest", "/integrations", "/relationships", "/cis", "/governance", "/lifecycle", "/approvals"} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+":") {
			return prefix
		}
	}
	return ""
}

func (s *Server) mutatingRateLimit(principal *auth.Principal, path string) int {
	if principal.Scope == auth.ScopeApprover {
		return s.cfg.ApproverMutatingRateLimitPerMinute
	}
	switch prefixOf(path) {
	case "/ingest":
		return s.cfg.MutatingRateLimitIngestPerMinute
	case "/integrations":
		return s.cfg.MutatingRateLimitIntegrationsPerMinute
	case "/relationships":
		return s.cfg.MutatingRateLimitRelationshipsPerMinute
	case "/cis":
		return s.cfg.MutatingRateLimitCIsPerMinute
	case "/governance":
		return s.cfg.MutatingRateLimitGovernancePerMinute
	case "/lifecycle":
		return s.cfg.MutatingRateLimitLifecyclePerMinute
	case "/approvals":
		return s.cfg.MutatingRateLimitApprovalsPerMinute
	}
	return s.cfg.MutatingRateLimitPerMinute
}

func (s *Server) mutatingPayloadLimit(path string) int64 {
	switch prefixOf(path) {
	case "/ingest":
		return s.cfg.MutatingPayloadLimitIngestBytes
	case "/integrations":
		return s.cfg.MutatingPayloadLimitIntegrationsBytes
	case "/relationships":
		return s.cfg.MutatingPayloadLimitRelationshipsBytes
	case "/cis":
		return s.cfg.MutatingPayloadLimitCIsBytes
	case "/governance":
		return s.cfg.MutatingPayloadLimitGovernanceBytes
	case "/lifecycle":
		return s.cfg.MutatingPayloadLimitLifecycleBytes
	case "/approvals":
		return s.cfg.MutatingPayloadLimitApprovalsBytes
	}
	return s.cfg.MutatingPayloadLimitDefaultBytes
}

// mutationGuardMiddleware runs the mutating-request pipeline: per-principal
// rate limit, Content-Length and payload checks, body buffering, and the
// maker-checker gate. The buffered body is replayed so handlers decode the
// request normally.
func (s *Server) mutationGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		principal := principalFrom(r.Context())
		if principal == nil {
			writeError(w, r, http.StatusUnauthorized, CodeRequestFailed, "Invalid or missing bearer token")
			return
		}

		limit := s.mutatingRateLimit(principal, r.URL.Path)
		limiterKey := principal.Subject + ":" + r.URL.Path
		if !s.mutatingLimiters.Limiter(limit).Allow(limiterKey) {
			s.recordRateLimited("mutating")
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "Too many mutating requests")
			return
		}

		lengthHeader := strings.TrimSpace(r.Header.Get("Content-Length"))
		if lengthHeader == "" {
			writeError(w, r, http.StatusLengthRequired, CodeLengthRequired, "Content-Length header is required")
			return
		}
		declared, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil || declared < 0 {
			writeError(w, r, http.StatusBadRequest, CodeInvalidContentLength, "Content-Length header is invalid")
			return
		}
		maxBytes := s.mutatingPayloadLimit(r.URL.Path)
		if maxBytes > s.cfg.MaxRequestBodyBytes {
			maxBytes = s.cfg.MaxRequestBodyBytes
		}
		if declared > maxBytes {
			writeError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request payload too large")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, CodeRequestFailed, "Unable to read request body")
			return
		}
		if int64(len(body)) > maxBytes {
			writeError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request payload too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		if s.cfg.MakerCheckerEnabled && prefixOf(r.URL.Path) != "/approvals" {
			approvalID := strings.TrimSpace(r.Header.Get(approvals.Header))
			if approvalID == "" {
				writeError(w, r, http.StatusPreconditionRequired, CodeRequestFailed, "Missing "+approvals.Header+" header")
				return
			}
			envelope := approvals.RequestEnvelope{
				Method:      r.Method,
				Path:        r.URL.Path,
				RawQuery:    r.URL.RawQuery,
				Body:        body,
				ContentType: r.Header.Get("Content-Type"),
			}
			err := s.db.WithRollback(ctx, func(st store.Store) error {
				_, checkErr := s.approvals.Check(ctx, st, envelope, approvalID, principal.Subject)
				return checkErr
			})
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			ctx = context.WithValue(ctx, approvalIDKey{}, approvalID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope wraps a handler with a role check.
func (s *Server) requireScope(scope string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if principal == nil {
			writeError(w, r, http.StatusUnauthorized, CodeRequestFailed, "Invalid or missing bearer token")
			return
		}
		if !auth.ScopeSatisfies(principal.Scope, scope) {
			writeError(w, r, http.StatusForbidden, CodeRequestFailed, "Insufficient scope")
			return
		}
		handler(w, r)
	}
}
