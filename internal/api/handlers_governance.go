package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func collisionStatusFromQuery(r *http.Request) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))) {
	case "", "open":
		return store.CollisionOpen, true
	case "resolved":
		return store.CollisionResolved, true
	case "all":
		return "", true
	}
	return "", false
}

func (s *Server) handleListCollisions(w http.ResponseWriter, r *http.Request) {
	status, ok := collisionStatusFromQuery(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "status must be open, resolved or all")
		return
	}
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		collisions, err := s.governance.ListCollisions(r.Context(), st, status)
		if err != nil {
			return err
		}
		for i := range collisions {
			items = append(items, collisionJSON(&collisions[i]))
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

func collisionIDFrom(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func decodeNote(r *http.Request) string {
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Note)
}

func (s *Server) handleResolveCollision(w http.ResponseWriter, r *http.Request) {
	id, ok := collisionIDFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "collision id must be an integer")
		return
	}
	note := decodeNote(r)
	var collision *store.Collision
	err := s.runMutation(r, func(st store.Store) error {
		var err error
		collision, err = s.governance.ResolveCollision(r.Context(), st, id, note)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collisionJSON(collision))
}

func (s *Server) handleReopenCollision(w http.ResponseWriter, r *http.Request) {
	id, ok := collisionIDFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "collision id must be an integer")
		return
	}
	note := decodeNote(r)
	var collision *store.Collision
	err := s.runMutation(r, func(st store.Store) error {
		var err error
		collision, err = s.governance.ReopenCollision(r.Context(), st, id, note)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collisionJSON(collision))
}

func (s *Server) handleLifecycleRun(w http.ResponseWriter, r *http.Request) {
	transitioned := 0
	err := s.runMutation(r, func(st store.Store) error {
		var err error
		transitioned, err = s.lifecycle.Run(r.Context(), st)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitioned": transitioned})
}

// handleAuditExport streams recent audit events as NDJSON, newest first.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 1000, 10000)
	var events []store.AuditEvent
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		var err error
		events, err = st.ListAuditEvents(r.Context(), limit)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	for i := range events {
		_ = encoder.Encode(auditEventJSON(&events[i]))
	}
}
