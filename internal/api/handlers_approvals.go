package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func approvalStatusFromQuery(r *http.Request) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))) {
	case "", "pending":
		return store.ApprovalPending, true
	case "approved":
		return store.ApprovalApproved, true
	case "rejected":
		return store.ApprovalRejected, true
	case "consumed":
		return store.ApprovalConsumed, true
	case "all":
		return "", true
	}
	return "", false
}

// handleListApprovals sweeps expired approvals first so the listing never
// shows a PENDING row that is already past its deadline.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status, ok := approvalStatusFromQuery(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError,
			"status must be pending, approved, rejected, consumed or all")
		return
	}
	limit := intQuery(r, "limit", 50, 500)

	var items []map[string]any
	err := s.db.WithTx(r.Context(), func(st store.Store) error {
		if _, err := s.approvals.SweepExpired(r.Context(), st); err != nil {
			return err
		}
		list, err := st.ListApprovals(r.Context(), status, limit)
		if err != nil {
			return err
		}
		for i := range list {
			items = append(items, approvalJSON(&list[i]))
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req approvals.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	if principal := principalFrom(r.Context()); principal != nil {
		req.RequestedBy = principal.Subject
	}

	var approval *store.Approval
	err := s.db.WithTx(r.Context(), func(st store.Store) error {
		if _, err := s.approvals.SweepExpired(r.Context(), st); err != nil {
			return err
		}
		var err error
		approval, err = s.approvals.Create(r.Context(), st, req)
		return err
	})
	if err != nil {
		s.writeValidationOr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, approvalJSON(approval))
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := mux.Vars(r)["id"]
	note := decodeNote(r)
	decidedBy := ""
	if principal := principalFrom(r.Context()); principal != nil {
		decidedBy = principal.Subject
	}

	var approval *store.Approval
	err := s.db.WithTx(r.Context(), func(st store.Store) error {
		if _, err := s.approvals.SweepExpired(r.Context(), st); err != nil {
			return err
		}
		var err error
		approval, err = s.approvals.Decide(r.Context(), st, id, decidedBy, note, approve)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalJSON(approval))
}

func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}
