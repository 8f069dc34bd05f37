// Package approvals implements the maker-checker discipline: a mutating
// request is described up front, approved by a second principal, and then
// consumed exactly once by the request it was bound to.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// SweeperPrincipal is recorded as the decider on bulk-expired approvals.
const SweeperPrincipal = "system:approval-cleaner"

// TTL bounds in minutes for a new approval.
const (
	minTTLMinutes = 1
	maxTTLMinutes = 1440
)

var (
	// ErrInvalidRequest marks create requests that fail validation.
	ErrInvalidRequest = errors.New("invalid approval request")
	// ErrSelfDecision rejects an approver deciding their own request.
	ErrSelfDecision = errors.New("Self-approval is not allowed")
	// ErrNotPending rejects decisions on approvals that already left PENDING.
	ErrNotPending = errors.New("approval is not pending")
	// ErrExpired rejects decisions on approvals past their expiry.
	ErrExpired = errors.New("approval has expired")
)

// CreateRequest describes the mutating request an approval will bind to.
type CreateRequest struct {
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Payload     store.JSONMap `json:"payload"`
	Reason      string        `json:"reason"`
	TTLMinutes  int           `json:"ttl_minutes"`
	RequestedBy string        `json:"-"`
}

// Service creates and decides approvals inside a caller-provided transaction.
type Service struct {
	cfg    *config.Settings
	logger *log.Logger
}

// NewService wires the approval service.
func NewService(cfg *config.Settings) *Service {
	return &Service{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[APPROVALS] ", log.LstdFlags),
	}
}

// NormalizePath canonicalizes the bound request path. Approvals for the
// approval endpoints themselves are refused so the gate cannot be bootstrapped
// around.
func NormalizePath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: path must start with '/'", ErrInvalidRequest)
	}
	if p == "/approvals" || strings.HasPrefix(p, "/approvals/") || strings.HasPrefix(p, "/approvals?") {
		return "", fmt.Errorf("%w: approvals endpoints cannot be gated", ErrInvalidRequest)
	}
	return CanonicalBoundPath(p), nil
}

// Create records a PENDING approval bound to (method, path, payload hash).
func (s *Service) Create(ctx context.Context, st store.Store, req CreateRequest) (*store.Approval, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return nil, fmt.Errorf("%w: method %q cannot be gated", ErrInvalidRequest, req.Method)
	}
	path, err := NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}

	ttl := req.TTLMinutes
	if ttl == 0 {
		ttl = s.cfg.MakerCheckerDefaultTTLMinutes
	}
	if ttl < minTTLMinutes {
		ttl = minTTLMinutes
	}
	if ttl > maxTTLMinutes {
		ttl = maxTTLMinutes
	}

	now := clock.UTCNow()
	approval := &store.Approval{
		ID:             uuid.NewString(),
		Method:         method,
		RequestPath:    path,
		PayloadHash:    HashJSONPayload(req.Payload),
		PayloadPreview: req.Payload,
		Reason:         req.Reason,
		RequestedBy:    req.RequestedBy,
		Status:         store.ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(ttl) * time.Minute),
		UpdatedAt:      now,
	}
	if approval.PayloadPreview == nil {
		approval.PayloadPreview = store.JSONMap{}
	}
	if err := st.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, st, "approval.requested", store.JSONMap{
		"approval_id":  approval.ID,
		"method":       approval.Method,
		"request_path": approval.RequestPath,
		"requested_by": approval.RequestedBy,
	}, now); err != nil {
		return nil, err
	}
	return approval, nil
}

// Decide moves a PENDING approval to APPROVED or REJECTED. The decider must
// not be the requester.
func (s *Service) Decide(ctx context.Context, st store.Store, id, decidedBy, note string, approve bool) (*store.Approval, error) {
	approval, err := st.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	now := clock.UTCNow()
	if approval.Status != store.ApprovalPending {
		return nil, ErrNotPending
	}
	if !approval.ExpiresAt.After(now) {
		return nil, ErrExpired
	}
	if decidedBy == approval.RequestedBy {
		return nil, ErrSelfDecision
	}

	approval.DecidedBy = decidedBy
	approval.DecisionNote = note
	approval.DecidedAt = &now
	approval.UpdatedAt = now
	eventType := "approval.rejected"
	approval.Status = store.ApprovalRejected
	if approve {
		approval.Status = store.ApprovalApproved
		eventType = "approval.approved"
	}
	if err := st.UpdateApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, st, eventType, store.JSONMap{
		"approval_id":  approval.ID,
		"method":       approval.Method,
		"request_path": approval.RequestPath,
		"requested_by": approval.RequestedBy,
		"decided_by":   decidedBy,
	}, now); err != nil {
		return nil, err
	}
	return approval, nil
}

// SweepExpired bulk-rejects pending approvals past their expiry and records
// a single audit event carrying the count. Zero expirations emit nothing.
func (s *Service) SweepExpired(ctx context.Context, st store.Store) (int, error) {
	now := clock.UTCNow()
	n, err := st.ExpirePendingApprovals(ctx, now, SweeperPrincipal)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s.logger.Printf("Expired %d pending approvals", n)
	if err := appendEvent(ctx, st, "approval.expired", store.JSONMap{
		"count":      n,
		"decided_by": SweeperPrincipal,
	}, now); err != nil {
		return 0, err
	}
	return n, nil
}

func appendEvent(ctx context.Context, st store.Store, eventType string, payload store.JSONMap, at time.Time) error {
	return st.AppendAuditEvent(ctx, &store.AuditEvent{
		EventType: eventType,
		Payload:   payload,
		CreatedAt: at,
	})
}
