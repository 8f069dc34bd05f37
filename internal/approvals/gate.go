package approvals

import (
	"context"
	"errors"
	"net/http"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// Header carries the approval id on gated mutating requests.
const Header = "x-cmdb-approval-id"

// RequestEnvelope is the buffered view of a mutating request the gate checks
// against. The body is read once by the middleware and replayed downstream.
type RequestEnvelope struct {
	Method      string
	Path        string
	RawQuery    string
	Body        []byte
	ContentType string
}

// GateError maps a failed gate check onto an HTTP status.
type GateError struct {
	StatusCode int
	Message    string
}

func (e *GateError) Error() string { return e.Message }

func gateErr(status int, message string) *GateError {
	return &GateError{StatusCode: status, Message: message}
}

// Check validates that approvalID binds to env for principal. Checks run in
// order and the first failure wins. A passing check returns the approval
// still in APPROVED state; the caller consumes it with Consume inside the
// same transaction as the gated mutation.
func (s *Service) Check(ctx context.Context, st store.Store, env RequestEnvelope, approvalID, principal string) (*store.Approval, error) {
	approval, err := st.GetApproval(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gateErr(http.StatusNotFound, "Approval not found")
	}
	if err != nil {
		return nil, err
	}
	if approval.Status != store.ApprovalApproved {
		return nil, gateErr(http.StatusConflict, "Approval is not in APPROVED state")
	}
	if !approval.ExpiresAt.After(clock.UTCNow()) {
		return nil, gateErr(http.StatusConflict, "Approval has expired")
	}
	if s.cfg.MakerCheckerBindRequester && approval.RequestedBy != principal {
		return nil, gateErr(http.StatusForbidden, "Approval belongs to a different requester")
	}
	if approval.Method != env.Method {
		return nil, gateErr(http.StatusConflict, "Approval is bound to a different method")
	}
	if approval.RequestPath != CanonicalRequestPath(env.Path, env.RawQuery) {
		return nil, gateErr(http.StatusConflict, "Approval is bound to a different path")
	}
	if approval.PayloadHash != HashRequestBody(env.Body, env.ContentType) {
		return nil, gateErr(http.StatusConflict, "Approval is bound to a different payload")
	}
	return approval, nil
}

// Consume transitions an APPROVED approval to CONSUMED. It is called inside
// the gated handler's transaction so a failed mutation leaves the approval
// reusable.
func (s *Service) Consume(ctx context.Context, st store.Store, approvalID, principal string) error {
	approval, err := st.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval.Status != store.ApprovalApproved {
		return gateErr(http.StatusConflict, "Approval is not in APPROVED state")
	}
	now := clock.UTCNow()
	approval.Status = store.ApprovalConsumed
	approval.ConsumedAt = &now
	approval.UpdatedAt = now
	if err := st.UpdateApproval(ctx, approval); err != nil {
		return err
	}
	return appendEvent(ctx, st, "approval.consumed", store.JSONMap{
		"approval_id":  approval.ID,
		"method":       approval.Method,
		"request_path": approval.RequestPath,
		"consumed_by":  principal,
	}, now)
}
