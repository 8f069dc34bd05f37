package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/auth"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/governance"
	"github.com/unifiedcmdb/cmdb-core/internal/integrations"
	"github.com/unifiedcmdb/cmdb-core/internal/lifecycle"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

const (
	viewerToken   = "viewer-token"
	operatorToken = "operator-token"
	approverToken = "approver-token"
)

func apiSettings() *config.Settings {
	return &config.Settings{
		AppName:               "Unified CMDB Core",
		AppEnv:                "test",
		Port:                  "0",
		MaxRequestBodyBytes:   1 << 20,
		MaxBulkItems:          100,
		RequestTimeoutSeconds: 0,

		GlobalRateLimitPerMinute:                1000,
		MutatingRateLimitPerMinute:              1000,
		MutatingRateLimitIngestPerMinute:        1000,
		MutatingRateLimitIntegrationsPerMinute:  1000,
		MutatingRateLimitRelationshipsPerMinute: 1000,
		MutatingRateLimitCIsPerMinute:           1000,
		MutatingRateLimitGovernancePerMinute:    1000,
		MutatingRateLimitLifecyclePerMinute:     1000,
		MutatingRateLimitApprovalsPerMinute:     1000,
		ApproverMutatingRateLimitPerMinute:      1000,

		MutatingPayloadLimitDefaultBytes:       1 << 20,
		MutatingPayloadLimitIngestBytes:        1 << 20,
		MutatingPayloadLimitIntegrationsBytes:  1 << 20,
		MutatingPayloadLimitRelationshipsBytes: 1 << 20,
		MutatingPayloadLimitCIsBytes:           1 << 20,
		MutatingPayloadLimitGovernanceBytes:    1 << 20,
		MutatingPayloadLimitLifecycleBytes:     1 << 20,
		MutatingPayloadLimitApprovalsBytes:     1 << 20,

		MakerCheckerDefaultTTLMinutes:  30,
		MakerCheckerBindRequester:      true,
		ApprovalCleanupIntervalSeconds: 60,

		SyncJobMaxAttempts:      3,
		SyncJobRetryBaseSeconds: 60,

		SourcePrecedence: []string{"manual", "azure", "vcenter", "zabbix", "k8s"},

		LifecycleStagingDays: 30,
		LifecycleReviewDays:  90,
		LifecycleRetiredDays: 120,

		UnifiedCMDBName: "unifiedCMDB",

		ServiceAuthMode:       "static",
		ServiceViewerTokens:   viewerToken,
		ServiceOperatorTokens: operatorToken,
		ServiceApproverTokens: approverToken,
	}
}

type testEnv struct {
	server *Server
	router http.Handler
	db     *store.MemDB
	hub    *telemetry.Hub
}

func newTestEnv(cfg *config.Settings) *testEnv {
	db := store.NewMemDB()
	notifier := &notify.RecordingNotifier{}
	hub := telemetry.NewHub(nil)
	reconciler := reconcile.NewReconciler(cfg, notifier, nil)
	publisher := integrations.NewPublisher(cfg)
	netbox := integrations.NewNetboxImporter(cfg, publisher, reconciler)
	queue := syncjobs.NewQueue(cfg, db, netbox, publisher, hub, nil)

	server := NewServer(Deps{
		Config:     cfg,
		DB:         db,
		Auth:       auth.NewAuthenticator(cfg),
		Reconciler: reconciler,
		Governance: governance.NewService(),
		Lifecycle:  lifecycle.NewService(cfg, notifier, nil),
		Publisher:  publisher,
		Netbox:     netbox,
		Drift:      integrations.NewDriftDetector(cfg),
		Queue:      queue,
		Approvals:  approvals.NewService(cfg),
		Hub:        hub,
	})
	return &testEnv{server: server, router: server.Router(), db: db, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(buf)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func requireErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope missing")
	assert.Equal(t, code, errObj["code"])
	assert.NotEmpty(t, errObj["request_id"])
	assert.Equal(t, body["detail"], errObj["message"])
	return body
}

func ingestBody(names ...string) map[string]any {
	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, map[string]any{
			"name":    name,
			"ci_type": "server",
			"owner":   "team-web",
			"identities": []map[string]any{
				{"scheme": "hostname", "value": name},
			},
		})
	}
	return map[string]any{"source": "zabbix", "cis": items}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(apiSettings())
	rec := env.do(t, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Unified CMDB Core", body["service"])
}

func TestAuth_MissingToken(t *testing.T) {
	env := newTestEnv(apiSettings())
	rec := env.do(t, http.MethodGet, "/cis", "", nil, nil)
	requireErrorEnvelope(t, rec, http.StatusUnauthorized, CodeRequestFailed)
}

func TestAuth_ScopeEnforcement(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk", viewerToken, ingestBody("web-01"), nil)
	requireErrorEnvelope(t, rec, http.StatusForbidden, CodeRequestFailed)

	rec = env.do(t, http.MethodGet, "/cis", viewerToken, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestCIs_EndToEnd(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01", "web-02"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["created"])
	assert.EqualValues(t, 0, body["updated"])
	assert.EqualValues(t, 0, body["staged"])
	assert.Empty(t, body["errors"])

	rec = env.do(t, http.MethodGet, "/cis", viewerToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody(t, rec)
	assert.EqualValues(t, 2, listing["total"])
	assert.Len(t, listing["items"], 2)

	// A second ingest of the same snapshot updates in place.
	rec = env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01", "web-02"), nil)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["created"])
	assert.EqualValues(t, 2, body["updated"])
}

func TestIngestCIs_DryRunRollsBack(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk?dryRun=true", operatorToken, ingestBody("web-01"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["created"])
	assert.EqualValues(t, 1, body["staged"])

	rec = env.do(t, http.MethodGet, "/cis", viewerToken, nil, nil)
	listing := decodeBody(t, rec)
	assert.EqualValues(t, 0, listing["total"], "a dry run leaves no rows behind")
}

func TestIngestCIs_Validation(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken,
		map[string]any{"cis": []map[string]any{{"name": "web-01"}}}, nil)
	requireErrorEnvelope(t, rec, http.StatusUnprocessableEntity, CodeValidationError)

	// Per-item failures are reported without failing the batch.
	rec = env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, map[string]any{
		"source": "zabbix",
		"cis":    []map[string]any{{"ci_type": "server"}, {"name": "web-01"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["created"])
	assert.Len(t, body["errors"], 1)
}

func TestIngestRelationships(t *testing.T) {
	env := newTestEnv(apiSettings())
	env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01", "db-01"), nil)

	relBody := map[string]any{
		"source": "zabbix",
		"relationships": []map[string]any{{
			"from_identity": map[string]any{"scheme": "hostname", "value": "web-01"},
			"to_identity":   map[string]any{"scheme": "hostname", "value": "db-01"},
			"relation_type": "depends_on",
		}},
	}
	rec := env.do(t, http.MethodPost, "/ingest/relationships:bulk", operatorToken, relBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["created"])
	assert.EqualValues(t, 0, body["skipped"])

	// Replaying the same edge is a no-op.
	rec = env.do(t, http.MethodPost, "/ingest/relationships:bulk", operatorToken, relBody, nil)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["created"])
	assert.EqualValues(t, 1, body["skipped"])

	// Unresolvable endpoints surface as item errors.
	rec = env.do(t, http.MethodPost, "/ingest/relationships:bulk", operatorToken, map[string]any{
		"source": "zabbix",
		"relationships": []map[string]any{{
			"from_identity": map[string]any{"scheme": "hostname", "value": "ghost"},
			"to_identity":   map[string]any{"scheme": "hostname", "value": "db-01"},
		}},
	}, nil)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["created"])
	assert.Len(t, body["errors"], 1)
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := apiSettings()
	cfg.GlobalRateLimitPerMinute = 2
	env := newTestEnv(cfg)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/cis", viewerToken, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/cis", viewerToken, nil, nil)
	requireErrorEnvelope(t, rec, http.StatusTooManyRequests, CodeRateLimited)
	assert.Equal(t, 1, env.hub.Count(telemetry.EventRateLimited))

	// Another caller still has budget; the window is per token.
	rec = env.do(t, http.MethodGet, "/cis", operatorToken, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutatingRateLimit(t *testing.T) {
	cfg := apiSettings()
	cfg.MutatingRateLimitIngestPerMinute = 1
	env := newTestEnv(cfg)

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-02"), nil)
	requireErrorEnvelope(t, rec, http.StatusTooManyRequests, CodeRateLimited)
}

func TestMutationGuard_ContentLength(t *testing.T) {
	env := newTestEnv(apiSettings())

	req := httptest.NewRequest(http.MethodPost, "/ingest/cis:bulk", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	requireErrorEnvelope(t, rec, http.StatusLengthRequired, CodeLengthRequired)

	rec2 := env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, nil,
		map[string]string{"Content-Length": "not-a-number"})
	requireErrorEnvelope(t, rec2, http.StatusBadRequest, CodeInvalidContentLength)
}

func TestMutationGuard_PayloadTooLarge(t *testing.T) {
	cfg := apiSettings()
	cfg.MutatingPayloadLimitIngestBytes = 32
	env := newTestEnv(cfg)

	rec := env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01"), nil)
	requireErrorEnvelope(t, rec, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
}

func TestMakerChecker_FullFlow(t *testing.T) {
	cfg := apiSettings()
	cfg.MakerCheckerEnabled = true
	env := newTestEnv(cfg)

	// A gated mutation without the approval header is refused up front.
	rec := env.do(t, http.MethodPost, "/lifecycle/run", operatorToken, nil, nil)
	requireErrorEnvelope(t, rec, http.StatusPreconditionRequired, CodeRequestFailed)

	// The approvals surface itself is never gated.
	rec = env.do(t, http.MethodPost, "/approvals", operatorToken, map[string]any{
		"method": "POST",
		"path":   "/lifecycle/run",
		"reason": "quarterly sweep",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	approvalID := created["id"].(string)
	assert.Equal(t, "PENDING", created["status"])

	// An unapproved id does not admit the mutation.
	rec = env.do(t, http.MethodPost, "/lifecycle/run", operatorToken, nil,
		map[string]string{approvals.Header: approvalID})
	requireErrorEnvelope(t, rec, http.StatusConflict, CodeRequestFailed)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/approvals/%s/approve", approvalID), approverToken,
		map[string]any{"note": "go ahead"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decodeBody(t, rec)["status"])

	// A different principal cannot spend a requester-bound approval.
	rec = env.do(t, http.MethodPost, "/lifecycle/run", approverToken, nil,
		map[string]string{approvals.Header: approvalID})
	requireErrorEnvelope(t, rec, http.StatusForbidden, CodeRequestFailed)

	rec = env.do(t, http.MethodPost, "/lifecycle/run", operatorToken, nil,
		map[string]string{approvals.Header: approvalID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, decodeBody(t, rec)["transitioned"])

	// Single use: the consumed approval no longer admits anything.
	rec = env.do(t, http.MethodPost, "/lifecycle/run", operatorToken, nil,
		map[string]string{approvals.Header: approvalID})
	requireErrorEnvelope(t, rec, http.StatusConflict, CodeRequestFailed)

	rec = env.do(t, http.MethodGet, "/approvals?status=consumed", viewerToken, nil, nil)
	listing := decodeBody(t, rec)
	require.Len(t, listing["items"], 1)
	item := listing["items"].([]any)[0].(map[string]any)
	assert.Equal(t, approvalID, item["id"])
}

func TestMakerChecker_SelfApprovalBlocked(t *testing.T) {
	cfg := apiSettings()
	cfg.MakerCheckerEnabled = true
	env := newTestEnv(cfg)

	rec := env.do(t, http.MethodPost, "/approvals", approverToken, map[string]any{
		"method": "POST",
		"path":   "/lifecycle/run",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	approvalID := decodeBody(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/approvals/%s/approve", approvalID), approverToken, nil, nil)
	body := requireErrorEnvelope(t, rec, http.StatusConflict, CodeRequestFailed)
	assert.Equal(t, "Self-approval is not allowed", body["detail"])
}

func TestApprovals_InvalidRequest(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/approvals", operatorToken, map[string]any{
		"method": "GET",
		"path":   "/cis",
	}, nil)
	requireErrorEnvelope(t, rec, http.StatusUnprocessableEntity, CodeValidationError)
}

func TestUnknownCI_NotFoundEnvelope(t *testing.T) {
	env := newTestEnv(apiSettings())
	rec := env.do(t, http.MethodGet, "/cis/no-such-id", viewerToken, nil, nil)
	requireErrorEnvelope(t, rec, http.StatusNotFound, CodeRequestFailed)
}

func TestIntegrations_EnqueueImportJob(t *testing.T) {
	env := newTestEnv(apiSettings())

	rec := env.do(t, http.MethodPost, "/integrations/netbox/import", operatorToken,
		map[string]any{"limit": 25, "dry_run": false}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decodeBody(t, rec)
	assert.Equal(t, syncjobs.JobTypeNetboxImport, job["job_type"])
	assert.Equal(t, "QUEUED", job["status"])
	payload := job["payload"].(map[string]any)
	assert.EqualValues(t, 25, payload["limit"])

	rec = env.do(t, http.MethodGet, "/integrations/jobs/"+job["id"].(string), viewerToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job["id"], decodeBody(t, rec)["id"])

	rec = env.do(t, http.MethodGet, "/integrations/jobs?status=queued", viewerToken, nil, nil)
	listing := decodeBody(t, rec)
	assert.Len(t, listing["items"], 1)
}

func TestDashboardSummary(t *testing.T) {
	env := newTestEnv(apiSettings())
	env.do(t, http.MethodPost, "/ingest/cis:bulk", operatorToken, ingestBody("web-01", "web-02"), nil)

	rec := env.do(t, http.MethodGet, "/dashboard/summary", viewerToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["total_cis"])
	assert.EqualValues(t, 2, body["ingested_last_24h"])
	byStatus := body["by_status"].(map[string]any)
	assert.EqualValues(t, 2, byStatus["ACTIVE"])
	bySource := body["by_source"].(map[string]any)
	assert.EqualValues(t, 2, bySource["zabbix"])
}

func TestDashboardMe(t *testing.T) {
	env := newTestEnv(apiSettings())
	rec := env.do(t, http.MethodGet, "/dashboard/me", approverToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, auth.ScopeApprover, body["scope"])
	assert.Contains(t, body["subject"], "token:")
}
