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

func intQuery(r *http.Request, key string, fallback, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func ciFilterFromQuery(r *http.Request) store.CIFilter {
	q := r.URL.Query()
	return store.CIFilter{
		Status:      strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Source:      strings.TrimSpace(q.Get("source")),
		Owner:       strings.TrimSpace(q.Get("owner")),
		Environment: strings.TrimSpace(q.Get("env")),
		CIClass:     strings.TrimSpace(q.Get("class")),
		Query:       strings.TrimSpace(q.Get("q")),
		Limit:       intQuery(r, "limit", 50, 500),
		Offset:      intQuery(r, "offset", 0, 0),
	}
}

func (s *Server) handleListCIs(w http.ResponseWriter, r *http.Request) {
	filter := ciFilterFromQuery(r)
	var items []map[string]any
	total := 0
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		cis, n, err := st.ListCIs(r.Context(), filter)
		if err != nil {
			return err
		}
		total = n
		for i := range cis {
			items = append(items, ciJSON(&cis[i]))
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
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleCIPicker serves the trimmed list used by UI autocomplete widgets.
func (s *Server) handleCIPicker(w http.ResponseWriter, r *http.Request) {
	filter := ciFilterFromQuery(r)
	filter.Limit = intQuery(r, "limit", 20, 100)
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		cis, _, err := st.ListCIs(r.Context(), filter)
		if err != nil {
			return err
		}
		for i := range cis {
			items = append(items, map[string]any{
				"id":      cis[i].ID,
				"name":    cis[i].Name,
				"ci_type": cis[i].CIType,
				"status":  cis[i].Status,
			})
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

func (s *Server) loadCI(r *http.Request) (*store.CI, error) {
	id := mux.Vars(r)["id"]
	var ci *store.CI
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		var err error
		ci, err = st.GetCI(r.Context(), id)
		return err
	})
	return ci, err
}

func (s *Server) handleGetCI(w http.ResponseWriter, r *http.Request) {
	ci, err := s.loadCI(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ciJSON(ci))
}

func (s *Server) handleCIGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var response map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		ci, err := st.GetCI(r.Context(), id)
		if err != nil {
			return err
		}
		rels, err := st.ListRelationships(r.Context(), store.RelationshipFilter{CIID: ci.ID})
		if err != nil {
			return err
		}
		neighborIDs := map[string]struct{}{}
		edges := make([]map[string]any, 0, len(rels))
		for i := range rels {
			edges = append(edges, relationshipJSON(&rels[i]))
			if rels[i].SourceCIID != ci.ID {
				neighborIDs[rels[i].SourceCIID] = struct{}{}
			}
			if rels[i].TargetCIID != ci.ID {
				neighborIDs[rels[i].TargetCIID] = struct{}{}
			}
		}
		nodes := []map[string]any{ciJSON(ci)}
		for neighborID := range neighborIDs {
			neighbor, err := st.GetCI(r.Context(), neighborID)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return err
			}
			nodes = append(nodes, ciJSON(neighbor))
		}
		response = map[string]any{"root": ci.ID, "nodes": nodes, "edges": edges}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCIAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		if _, err := st.GetCI(r.Context(), id); err != nil {
			return err
		}
		events, err := st.ListCIAuditEvents(r.Context(), id)
		if err != nil {
			return err
		}
		for i := range events {
			items = append(items, auditEventJSON(&events[i]))
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

func (s *Server) handleCIIdentities(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		if _, err := st.GetCI(r.Context(), id); err != nil {
			return err
		}
		identities, err := st.ListCIIdentities(r.Context(), id)
		if err != nil {
			return err
		}
		for i := range identities {
			items = append(items, identityJSON(&identities[i]))
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

func (s *Server) handleCIDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var response map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		ci, err := st.GetCI(r.Context(), id)
		if err != nil {
			return err
		}
		identities, err := st.ListCIIdentities(r.Context(), id)
		if err != nil {
			return err
		}
		rels, err := st.ListRelationships(r.Context(), store.RelationshipFilter{CIID: id})
		if err != nil {
			return err
		}
		events, err := st.ListCIAuditEvents(r.Context(), id)
		if err != nil {
			return err
		}
		identityItems := make([]map[string]any, 0, len(identities))
		for i := range identities {
			identityItems = append(identityItems, identityJSON(&identities[i]))
		}
		relItems := make([]map[string]any, 0, len(rels))
		for i := range rels {
			relItems = append(relItems, relationshipJSON(&rels[i]))
		}
		eventItems := make([]map[string]any, 0, len(events))
		for i := range events {
			eventItems = append(eventItems, auditEventJSON(&events[i]))
			if len(eventItems) >= 50 {
				break
			}
		}
		response = map[string]any{
			"ci":            ciJSON(ci),
			"identities":    identityItems,
			"relationships": relItems,
			"audit":         eventItems,
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCIDrift(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var report map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		ci, err := st.GetCI(r.Context(), id)
		if err != nil {
			return err
		}
		report = s.drift.ComputeCIDrift(r.Context(), st, ci)
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// resolvableDriftFields are the only CI fields drift resolution may touch.
var resolvableDriftFields = map[string]struct{}{
	"name":    {},
	"ci_type": {},
	"owner":   {},
}

type driftResolveRequest struct {
	Source string   `json:"source"`
	Fields []string `json:"fields"`
}

func (s *Server) handleCIDriftResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req driftResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	switch source {
	case "cmdb", "netbox", "backstage":
	default:
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "source must be one of cmdb, netbox, backstage")
		return
	}

	requested := map[string]struct{}{}
	for _, field := range req.Fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if _, ok := resolvableDriftFields[field]; ok {
			requested[field] = struct{}{}
		}
	}
	if len(requested) == 0 {
		for field := range resolvableDriftFields {
			requested[field] = struct{}{}
		}
	}

	var response map[string]any
	err := s.runMutation(r, func(st store.Store) error {
		ci, err := st.GetCI(r.Context(), id)
		if err != nil {
			return err
		}
		report := s.drift.ComputeCIDrift(r.Context(), st, ci)

		if source == "cmdb" {
			// Keeping the CMDB values is a recorded decision, not a write.
			if err := st.AppendAuditEvent(r.Context(), &store.AuditEvent{
				CIID:      ci.ID,
				EventType: "ci.drift.resolved",
				Payload: store.JSONMap{
					"source":  source,
					"applied": map[string]any{},
				},
				CreatedAt: clock.UTCNow(),
			}); err != nil {
				return err
			}
			response = map[string]any{"ci": ciJSON(ci), "applied": map[string]any{}, "source": source}
			return nil
		}

		sourceState, _ := report[source].(map[string]any)
		target, _ := sourceState["target"].(map[string]any)
		if target == nil {
			return invalid("no " + source + " state available to resolve from")
		}

		before := map[string]any{}
		applied := map[string]any{}
		for field := range requested {
			incoming, ok := target[field].(string)
			if !ok || strings.TrimSpace(incoming) == "" {
				continue
			}
			switch field {
			case "name":
				if ci.Name != incoming {
					before[field] = ci.Name
					ci.Name = incoming
					applied[field] = incoming
				}
			case "ci_type":
				if ci.CIType != incoming {
					before[field] = ci.CIType
					ci.CIType = incoming
					applied[field] = incoming
				}
			case "owner":
				if ci.Owner != incoming {
					before[field] = ownerOrNil(ci.Owner)
					ci.Owner = incoming
					applied[field] = incoming
				}
			}
		}
		if len(applied) > 0 {
			ci.Source = source
			ci.UpdatedAt = clock.UTCNow()
			if err := st.UpdateCI(r.Context(), ci); err != nil {
				return err
			}
		}
		if err := st.AppendAuditEvent(r.Context(), &store.AuditEvent{
			CIID:      ci.ID,
			EventType: "ci.drift.resolved",
			Payload: store.JSONMap{
				"source":  source,
				"before":  before,
				"applied": applied,
			},
			CreatedAt: clock.UTCNow(),
		}); err != nil {
			return err
		}
		response = map[string]any{"ci": ciJSON(ci), "applied": applied, "source": source}
		return nil
	})
	if err != nil {
		s.writeValidationOr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
