package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RelationshipFilter{
		CIID:         strings.TrimSpace(q.Get("ci_id")),
		SourceCIID:   strings.TrimSpace(q.Get("source_ci_id")),
		TargetCIID:   strings.TrimSpace(q.Get("target_ci_id")),
		RelationType: strings.TrimSpace(q.Get("relation_type")),
		Limit:        intQuery(r, "limit", 100, 500),
	}
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		rels, err := st.ListRelationships(r.Context(), filter)
		if err != nil {
			return err
		}
		for i := range rels {
			items = append(items, relationshipJSON(&rels[i]))
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

func relationshipIDFrom(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := relationshipIDFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "relationship id must be an integer")
		return
	}
	var rel *store.Relationship
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		var err error
		rel, err = st.GetRelationship(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, relationshipJSON(rel))
}

type relationshipWriteRequest struct {
	SourceCIID   string `json:"source_ci_id"`
	TargetCIID   string `json:"target_ci_id"`
	RelationType string `json:"relation_type"`
	Source       string `json:"source"`
}

func (s *Server) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req relationshipWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	if req.SourceCIID == "" || req.TargetCIID == "" || req.RelationType == "" {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError,
			"source_ci_id, target_ci_id and relation_type are required")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual"
	}

	var rel *store.Relationship
	err := s.runMutation(r, func(st store.Store) error {
		if _, err := st.GetCI(r.Context(), req.SourceCIID); err != nil {
			return err
		}
		if _, err := st.GetCI(r.Context(), req.TargetCIID); err != nil {
			return err
		}
		rel = &store.Relationship{
			SourceCIID:   req.SourceCIID,
			TargetCIID:   req.TargetCIID,
			RelationType: req.RelationType,
			Source:       source,
			CreatedAt:    clock.UTCNow(),
		}
		if err := st.CreateRelationship(r.Context(), rel); err != nil {
			return err
		}
		return st.AppendAuditEvent(r.Context(), &store.AuditEvent{
			CIID:      rel.SourceCIID,
			EventType: "relationship.updated.manual",
			Payload: store.JSONMap{
				"action":          "created",
				"relationship_id": rel.ID,
				"source_ci_id":    rel.SourceCIID,
				"target_ci_id":    rel.TargetCIID,
				"relation_type":   rel.RelationType,
			},
			CreatedAt: clock.UTCNow(),
		})
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.publishAfterCommit(r.Context(), []publishEvent{{
		eventType: "relationship.created",
		payload:   relationshipJSON(rel),
	}})
	writeJSON(w, http.StatusCreated, relationshipJSON(rel))
}

func (s *Server) handlePatchRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := relationshipIDFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "relationship id must be an integer")
		return
	}
	var req struct {
		RelationType string `json:"relation_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RelationType) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "relation_type is required")
		return
	}

	var rel *store.Relationship
	err := s.runMutation(r, func(st store.Store) error {
		var err error
		rel, err = st.GetRelationship(r.Context(), id)
		if err != nil {
			return err
		}
		previous := rel.RelationType
		rel.RelationType = req.RelationType
		if err := st.UpdateRelationship(r.Context(), rel); err != nil {
			return err
		}
		return st.AppendAuditEvent(r.Context(), &store.AuditEvent{
			CIID:      rel.SourceCIID,
			EventType: "relationship.updated.manual",
			Payload: store.JSONMap{
				"action":          "updated",
				"relationship_id": rel.ID,
				"from":            previous,
				"to":              rel.RelationType,
			},
			CreatedAt: clock.UTCNow(),
		})
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, relationshipJSON(rel))
}

func (s *Server) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := relationshipIDFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "relationship id must be an integer")
		return
	}
	err := s.runMutation(r, func(st store.Store) error {
		rel, err := st.GetRelationship(r.Context(), id)
		if err != nil {
			return err
		}
		if err := st.DeleteRelationship(r.Context(), id); err != nil {
			return err
		}
		return st.AppendAuditEvent(r.Context(), &store.AuditEvent{
			CIID:      rel.SourceCIID,
			EventType: "relationship.updated.manual",
			Payload: store.JSONMap{
				"action":          "deleted",
				"relationship_id": rel.ID,
				"source_ci_id":    rel.SourceCIID,
				"target_ci_id":    rel.TargetCIID,
				"relation_type":   rel.RelationType,
			},
			CreatedAt: clock.UTCNow(),
		})
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}
