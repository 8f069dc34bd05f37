// Package api is the HTTP surface of the CMDB core. Handlers stay thin:
// decode, call into the domain services inside one transaction, encode.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/auth"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/governance"
	"github.com/unifiedcmdb/cmdb-core/internal/integrations"
	"github.com/unifiedcmdb/cmdb-core/internal/lifecycle"
	"github.com/unifiedcmdb/cmdb-core/internal/ratelimit"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

// Server holds every process-wide collaborator. It is built once at startup
// and passed by reference; there is no package-level mutable state.
type Server struct {
	cfg        *config.Settings
	db         store.DB
	auth       *auth.Authenticator
	reconciler *reconcile.Reconciler
	governance *governance.Service
	lifecycle  *lifecycle.Service
	publisher  *integrations.Publisher
	netbox     *integrations.NetboxImporter
	drift      *integrations.DriftDetector
	queue      *syncjobs.Queue
	approvals  *approvals.Service
	hub        *telemetry.Hub
	metrics    *telemetry.Metrics
	logger     *log.Logger

	globalLimiter    *ratelimit.SlidingWindowLimiter
	mutatingLimiters *ratelimit.Registry

	httpServer *http.Server
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Config     *config.Settings
	DB         store.DB
	Auth       *auth.Authenticator
	Reconciler *reconcile.Reconciler
	Governance *governance.Service
	Lifecycle  *lifecycle.Service
	Publisher  *integrations.Publisher
	Netbox     *integrations.NetboxImporter
	Drift      *integrations.DriftDetector
	Queue      *syncjobs.Queue
	Approvals  *approvals.Service
	Hub        *telemetry.Hub
	Metrics    *telemetry.Metrics
}

// NewServer wires the HTTP server.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:              deps.Config,
		db:               deps.DB,
		auth:             deps.Auth,
		reconciler:       deps.Reconciler,
		governance:       deps.Governance,
		lifecycle:        deps.Lifecycle,
		publisher:        deps.Publisher,
		netbox:           deps.Netbox,
		drift:            deps.Drift,
		queue:            deps.Queue,
		approvals:        deps.Approvals,
		hub:              deps.Hub,
		metrics:          deps.Metrics,
		logger:           log.New(log.Writer(), "[API] ", log.LstdFlags),
		globalLimiter:    ratelimit.NewSlidingWindowLimiter(deps.Config.GlobalRateLimitPerMinute, time.Minute),
		mutatingLimiters: ratelimit.NewRegistry(time.Minute),
	}
}

// Router builds the full route table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)
	r.Use(s.timeoutMiddleware)
	r.Use(s.globalRateLimitMiddleware)
	r.Use(s.authMiddleware)
	r.Use(s.mutationGuardMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ingest/cis:bulk", s.requireScope(auth.ScopeOperator, s.handleIngestCIs)).Methods(http.MethodPost)
	r.HandleFunc("/ingest/relationships:bulk", s.requireScope(auth.ScopeOperator, s.handleIngestRelationships)).Methods(http.MethodPost)

	r.HandleFunc("/cis", s.requireScope(auth.ScopeViewer, s.handleListCIs)).Methods(http.MethodGet)
	r.HandleFunc("/pickers/cis", s.requireScope(auth.ScopeViewer, s.handleCIPicker)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}", s.requireScope(auth.ScopeViewer, s.handleGetCI)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/graph", s.requireScope(auth.ScopeViewer, s.handleCIGraph)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/audit", s.requireScope(auth.ScopeViewer, s.handleCIAudit)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/identities", s.requireScope(auth.ScopeViewer, s.handleCIIdentities)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/detail", s.requireScope(auth.ScopeViewer, s.handleCIDetail)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/drift", s.requireScope(auth.ScopeViewer, s.handleCIDrift)).Methods(http.MethodGet)
	r.HandleFunc("/cis/{id}/drift/resolve", s.requireScope(auth.ScopeOperator, s.handleCIDriftResolve)).Methods(http.MethodPost)

	r.HandleFunc("/relationships", s.requireScope(auth.ScopeViewer, s.handleListRelationships)).Methods(http.MethodGet)
	r.HandleFunc("/relationships", s.requireScope(auth.ScopeOperator, s.handleCreateRelationship)).Methods(http.MethodPost)
	r.HandleFunc("/relationships/{id}", s.requireScope(auth.ScopeViewer, s.handleGetRelationship)).Methods(http.MethodGet)
	r.HandleFunc("/relationships/{id}", s.requireScope(auth.ScopeOperator, s.handlePatchRelationship)).Methods(http.MethodPatch)
	r.HandleFunc("/relationships/{id}", s.requireScope(auth.ScopeOperator, s.handleDeleteRelationship)).Methods(http.MethodDelete)

	r.HandleFunc("/governance/collisions", s.requireScope(auth.ScopeViewer, s.handleListCollisions)).Methods(http.MethodGet)
	r.HandleFunc("/governance/collisions/{id}/resolve", s.requireScope(auth.ScopeOperator, s.handleResolveCollision)).Methods(http.MethodPost)
	r.HandleFunc("/governance/collisions/{id}/reopen", s.requireScope(auth.ScopeOperator, s.handleReopenCollision)).Methods(http.MethodPost)

	r.HandleFunc("/lifecycle/run", s.requireScope(auth.ScopeOperator, s.handleLifecycleRun)).Methods(http.MethodPost)
	r.HandleFunc("/audit/export", s.requireScope(auth.ScopeOperator, s.handleAuditExport)).Methods(http.MethodGet)

	r.HandleFunc("/integrations/status", s.requireScope(auth.ScopeViewer, s.handleIntegrationStatus)).Methods(http.MethodGet)
	r.HandleFunc("/integrations/jobs", s.requireScope(auth.ScopeViewer, s.handleListJobs)).Methods(http.MethodGet)
	r.HandleFunc("/integrations/jobs/{id}", s.requireScope(auth.ScopeViewer, s.handleGetJob)).Methods(http.MethodGet)
	r.HandleFunc("/integrations/netbox/export", s.requireScope(auth.ScopeOperator, s.handleNetboxExport)).Methods(http.MethodPost)
	r.HandleFunc("/integrations/netbox/import", s.requireScope(auth.ScopeOperator, s.handleNetboxImport)).Methods(http.MethodPost)
	r.HandleFunc("/integrations/netbox/watermarks", s.requireScope(auth.ScopeViewer, s.handleNetboxWatermarks)).Methods(http.MethodGet)
	r.HandleFunc("/integrations/backstage/entities", s.requireScope(auth.ScopeViewer, s.handleBackstageEntities)).Methods(http.MethodGet)
	r.HandleFunc("/integrations/backstage/sync", s.requireScope(auth.ScopeOperator, s.handleBackstageSync)).Methods(http.MethodPost)

	r.HandleFunc("/approvals", s.requireScope(auth.ScopeViewer, s.handleListApprovals)).Methods(http.MethodGet)
	r.HandleFunc("/approvals", s.requireScope(auth.ScopeOperator, s.handleCreateApproval)).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/approve", s.requireScope(auth.ScopeApprover, s.handleApproveApproval)).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/reject", s.requireScope(auth.ScopeApprover, s.handleRejectApproval)).Methods(http.MethodPost)

	r.HandleFunc("/dashboard/me", s.requireScope(auth.ScopeViewer, s.handleDashboardMe)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/summary", s.requireScope(auth.ScopeViewer, s.handleDashboardSummary)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/activity", s.requireScope(auth.ScopeViewer, s.handleDashboardActivity)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/alerts", s.requireScope(auth.ScopeViewer, s.handleDashboardAlerts)).Methods(http.MethodGet)

	return r
}

// Start begins serving; it blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("Listening on :%s (env=%s)", s.cfg.Port, s.cfg.AppEnv)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains inflight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// runMutation executes fn in one transaction, consuming the bound approval
// first when the maker-checker gate admitted this request. Both the
// consumption and the handler's writes commit or roll back together.
func (s *Server) runMutation(r *http.Request, fn func(st store.Store) error) error {
	return s.db.WithTx(r.Context(), s.withApprovalConsumption(r, fn))
}

// runDryRun is runMutation against an always-rolled-back transaction.
func (s *Server) runDryRun(r *http.Request, fn func(st store.Store) error) error {
	return s.db.WithRollback(r.Context(), s.withApprovalConsumption(r, fn))
}

func (s *Server) withApprovalConsumption(r *http.Request, fn func(st store.Store) error) func(st store.Store) error {
	return func(st store.Store) error {
		if approvalID := approvalIDFrom(r.Context()); approvalID != "" {
			principal := principalFrom(r.Context())
			subject := ""
			if principal != nil {
				subject = principal.Subject
			}
			if err := s.approvals.Consume(r.Context(), st, approvalID, subject); err != nil {
				return err
			}
		}
		return fn(st)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.cfg.AppName,
	})
}
