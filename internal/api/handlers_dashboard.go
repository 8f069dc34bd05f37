package api

import (
	"net/http"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func (s *Server) handleDashboardMe(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal == nil {
		writeError(w, r, http.StatusUnauthorized, CodeRequestFailed, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": principal.Subject,
		"scope":   principal.Scope,
	})
}

// handleDashboardSummary aggregates the landing-page counters in one pass.
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	var response map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		total, err := st.CountCIs(r.Context())
		if err != nil {
			return err
		}
		statusCounts, err := st.CIStatusCounts(r.Context())
		if err != nil {
			return err
		}
		sourceCounts, err := st.CISourceCounts(r.Context())
		if err != nil {
			return err
		}
		owners, err := st.TopOwners(r.Context(), 10)
		if err != nil {
			return err
		}
		openCollisions, err := st.CountOpenCollisions(r.Context())
		if err != nil {
			return err
		}
		relationships, err := st.CountRelationships(r.Context())
		if err != nil {
			return err
		}
		queuedJobs, err := st.CountSyncJobs(r.Context(), store.JobQueued)
		if err != nil {
			return err
		}
		failedJobs, err := st.CountSyncJobs(r.Context(), store.JobFailed)
		if err != nil {
			return err
		}
		since := clock.UTCNow().Add(-24 * time.Hour)
		ingested, err := st.CountAuditEventsSince(r.Context(), since, []string{"ci.created", "ci.updated"})
		if err != nil {
			return err
		}

		ownerItems := make([]map[string]any, 0, len(owners))
		for _, owner := range owners {
			ownerItems = append(ownerItems, map[string]any{
				"owner": owner.Owner,
				"count": owner.Count,
			})
		}
		response = map[string]any{
			"total_cis":       total,
			"by_status":       statusCounts,
			"by_source":       sourceCounts,
			"top_owners":      ownerItems,
			"open_collisions": openCollisions,
			"relationships":   relationships,
			"jobs": map[string]any{
				"queued": queuedJobs,
				"failed": failedJobs,
			},
			"ingested_last_24h": ingested,
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleDashboardActivity returns the newest audit events plus recently
// touched CIs for the activity feed.
func (s *Server) handleDashboardActivity(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 25, 200)
	var events []map[string]any
	var recent []map[string]any
	err := s.db.WithRollback(r.Context(), func(st store.Store) error {
		auditEvents, err := st.ListAuditEvents(r.Context(), limit)
		if err != nil {
			return err
		}
		for i := range auditEvents {
			events = append(events, auditEventJSON(&auditEvents[i]))
		}
		cis, err := st.ListRecentCIs(r.Context(), 10)
		if err != nil {
			return err
		}
		for i := range cis {
			recent = append(recent, map[string]any{
				"id":         cis[i].ID,
				"name":       cis[i].Name,
				"status":     cis[i].Status,
				"source":     cis[i].Source,
				"updated_at": iso(cis[i].UpdatedAt),
			})
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []map[string]any{}
	}
	if recent == nil {
		recent = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"recent_cis": recent,
	})
}

func (s *Server) handleDashboardAlerts(w http.ResponseWriter, r *http.Request) {
	snapshot := s.hub.Snapshot()
	writeJSON(w, http.StatusOK, snapshot)
}
