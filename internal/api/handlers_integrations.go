package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/integrations"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
)

func (s *Server) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	var response map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		queued, err := st.CountSyncJobs(r.Context(), store.JobQueued)
		if err != nil {
			return err
		}
		running, err := st.CountSyncJobs(r.Context(), store.JobRunning)
		if err != nil {
			return err
		}
		failed, err := st.CountSyncJobs(r.Context(), store.JobFailed)
		if err != nil {
			return err
		}
		watermarks, err := integrations.Watermarks(r.Context(), st)
		if err != nil {
			return err
		}
		schedules := map[string]any{}
		for _, name := range []string{"netbox-import", "backstage-sync"} {
			value, ok, err := st.ReadSyncState(r.Context(), "sync.schedule."+name+".next_run_at")
			if err != nil {
				return err
			}
			if ok {
				schedules[name] = value
			} else {
				schedules[name] = nil
			}
		}
		response = map[string]any{
			"netbox": map[string]any{
				"sync_enabled":  s.cfg.NetboxSyncEnabled,
				"sync_url_set":  strings.TrimSpace(s.cfg.NetboxSyncURL) != "",
				"api_url_set":   strings.TrimSpace(s.cfg.NetboxAPIURL) != "",
				"api_token_set": strings.TrimSpace(s.cfg.NetboxAPIToken) != "",
				"watermarks":    watermarks,
			},
			"backstage": map[string]any{
				"sync_enabled": s.cfg.BackstageSyncEnabled,
				"sync_url_set": strings.TrimSpace(s.cfg.BackstageSyncURL) != "",
				"auth_set":     strings.TrimSpace(s.cfg.BackstageSyncToken) != "" || strings.TrimSpace(s.cfg.BackstageSyncSecret) != "",
				"catalog_set":  strings.TrimSpace(s.cfg.BackstageCatalogURL) != "",
			},
			"scheduler": map[string]any{
				"enabled":   s.cfg.SyncSchedulerEnabled,
				"next_runs": schedules,
			},
			"jobs": map[string]any{
				"queued":  queued,
				"running": running,
				"failed":  failed,
			},
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50, 500)
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	var items []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		jobs, err := st.ListSyncJobs(r.Context(), limit, status)
		if err != nil {
			return err
		}
		for i := range jobs {
			items = append(items, jobJSON(&jobs[i]))
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

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var job *store.SyncJob
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		var err error
		job, err = st.GetSyncJob(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

type integrationRunRequest struct {
	Limit       int   `json:"limit"`
	DryRun      bool  `json:"dry_run"`
	Incremental *bool `json:"incremental"`
}

func decodeRunRequest(r *http.Request) integrationRunRequest {
	var req integrationRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 {
		req.Limit = 100
	}
	return req
}

// handleNetboxExport ships the full inventory to the NetBox event endpoint
// in one envelope. Unlike the incremental import this is synchronous.
func (s *Server) handleNetboxExport(w http.ResponseWriter, r *http.Request) {
	req := decodeRunRequest(r)
	var cis []map[string]any
	var rels []map[string]any
	err := s.runMutation(r, func(st store.Store) error {
		all, _, err := st.ListCIs(r.Context(), store.CIFilter{Limit: req.Limit})
		if err != nil {
			return err
		}
		for i := range all {
			cis = append(cis, ciJSON(&all[i]))
		}
		relationships, err := st.ListRelationships(r.Context(), store.RelationshipFilter{Limit: req.Limit})
		if err != nil {
			return err
		}
		for i := range relationships {
			rels = append(rels, relationshipJSON(&relationships[i]))
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	result := s.publisher.PublishNetboxExport(r.Context(), cis, rels, req.DryRun)
	writeJSON(w, http.StatusOK, map[string]any{
		"cis":           len(cis),
		"relationships": len(rels),
		"result":        result,
	})
}

func (s *Server) enqueueIntegrationJob(w http.ResponseWriter, r *http.Request, jobType string) {
	req := decodeRunRequest(r)
	requestedBy := ""
	if principal := principalFrom(r.Context()); principal != nil {
		requestedBy = principal.Subject
	}
	payload := store.JSONMap{
		"limit":   req.Limit,
		"dry_run": req.DryRun,
	}
	if jobType == syncjobs.JobTypeNetboxImport {
		incremental := true
		if req.Incremental != nil {
			incremental = *req.Incremental
		}
		payload["incremental"] = incremental
	}

	var job *store.SyncJob
	err := s.runMutation(r, func(st store.Store) error {
		var err error
		job, err = s.queue.Enqueue(r.Context(), st, jobType, payload, requestedBy, 0)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobJSON(job))
}

func (s *Server) handleNetboxImport(w http.ResponseWriter, r *http.Request) {
	s.enqueueIntegrationJob(w, r, syncjobs.JobTypeNetboxImport)
}

func (s *Server) handleBackstageSync(w http.ResponseWriter, r *http.Request) {
	s.enqueueIntegrationJob(w, r, syncjobs.JobTypeBackstageSync)
}

func (s *Server) handleNetboxWatermarks(w http.ResponseWriter, r *http.Request) {
	var watermarks map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		var err error
		watermarks, err = integrations.Watermarks(r.Context(), st)
		return err
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	watermarks["read_at"] = clock.FormatISO(clock.UTCNow())
	writeJSON(w, http.StatusOK, watermarks)
}

func (s *Server) handleBackstageEntities(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100, 500)
	var response map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		cis, err := st.ListRecentCIs(r.Context(), limit)
		if err != nil {
			return err
		}
		response = integrations.RenderBackstageEntities(s.cfg, cis)
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
