package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/correlation"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// Error codes used in the response envelope.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeRequestFailed        = "REQUEST_FAILED"
	CodeLengthRequired       = "LENGTH_REQUIRED"
	CodeInvalidContentLength = "INVALID_CONTENT_LENGTH"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeInternalError        = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the error envelope {detail, error:{code,message,request_id}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"detail": message,
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": correlation.FromContext(r.Context()),
		},
	})
}

// writeServiceError maps a service-layer error onto the envelope. Unknown
// errors become 500 INTERNAL_ERROR without leaking internals.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var gateErr *approvals.GateError
	switch {
	case errors.As(err, &gateErr):
		writeError(w, r, gateErr.StatusCode, CodeRequestFailed, gateErr.Message)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeRequestFailed, "Not found")
	case errors.Is(err, approvals.ErrSelfDecision):
		writeError(w, r, http.StatusConflict, CodeRequestFailed, "Self-approval is not allowed")
	case errors.Is(err, approvals.ErrNotPending):
		writeError(w, r, http.StatusConflict, CodeRequestFailed, "Approval is not pending")
	case errors.Is(err, approvals.ErrExpired):
		writeError(w, r, http.StatusConflict, CodeRequestFailed, "Approval has expired")
	case store.IsUniqueViolation(err):
		writeError(w, r, http.StatusConflict, CodeRequestFailed, "Ingest conflict, please retry")
	default:
		s.logger.Printf("Internal error on %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, CodeInternalError, "Internal server error")
	}
}

type validationError struct{ message string }

func (e *validationError) Error() string { return e.message }

func invalid(message string) error { return &validationError{message: message} }

// writeValidationOr sends 422 for validation failures, otherwise defers to
// the service error mapping.
func (s *Server) writeValidationOr(w http.ResponseWriter, r *http.Request, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, ve.message)
		return
	}
	if errors.Is(err, approvals.ErrInvalidRequest) {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, err.Error())
		return
	}
	s.writeServiceError(w, r, err)
}
