package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func seedCI(t *testing.T, db *store.MemDB, ci *store.CI) {
	t.Helper()
	err := db.WithTx(context.Background(), func(st store.Store) error {
		return st.CreateCI(context.Background(), ci)
	})
	require.NoError(t, err)
}

func sampleCI(id, name string) *store.CI {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.CI{
		ID:         id,
		Name:       name,
		CIType:     "server",
		Source:     "zabbix",
		Owner:      "team-web",
		Status:     store.CIStatusActive,
		Attributes: store.JSONMap{"environment": "prod", "support_group": "web-oncall"},
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "web-01", slugify("Web 01"))
	assert.Equal(t, "db-primary-eu", slugify("  DB_primary (EU) "))
	assert.Equal(t, "ci", slugify("###"))
	assert.Equal(t, "ci", slugify(""))
}

func TestCIToSyncItem(t *testing.T) {
	item := ciToSyncItem(sampleCI("ci-1", "web-01"))

	assert.Equal(t, "ci-1", item["id"])
	assert.Equal(t, "server", item["ci_type"])
	assert.Equal(t, "prod", item["environment"])
	assert.Equal(t, "zabbix", item["sourceSystem"])
	assert.Equal(t, "team-web", item["owner"])
	assert.Equal(t, "web-oncall", item["supportGroup"])

	identities := item["identities"].([]any)
	require.Len(t, identities, 2)
	assert.Equal(t, map[string]any{"scheme": "cmdb_ci_id", "value": "ci-1"}, identities[0])
	assert.Equal(t, map[string]any{"scheme": "canonical_name", "value": "web-01"}, identities[1])
}

func TestCIToSyncItem_UnownedCI(t *testing.T) {
	ci := sampleCI("ci-2", "db-01")
	ci.Owner = ""
	ci.Attributes = nil

	item := ciToSyncItem(ci)
	assert.Equal(t, "unknown", item["environment"])
	assert.NotContains(t, item, "owner")
	assert.NotContains(t, item, "supportGroup")
}

func TestRunBackstageSync_DryRunStages(t *testing.T) {
	db := store.NewMemDB()
	seedCI(t, db, sampleCI("ci-1", "web-01"))
	seedCI(t, db, sampleCI("ci-2", "web-02"))

	cfg := devSettings()
	cfg.BackstageSyncEnabled = true
	cfg.BackstageSyncURL = "http://backstage.local"
	cfg.BackstageSyncToken = "token"
	p := NewPublisher(cfg)

	var result map[string]any
	err := db.WithRollback(context.Background(), func(st store.Store) error {
		var err error
		result, err = p.RunBackstageSync(context.Background(), st, 10, true)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "staged", result["status"])
	assert.Equal(t, 2, result["staged"])
	assert.Equal(t, 2, result["selected"])
}

func TestRunBackstageSync_ShipsBulkEnvelope(t *testing.T) {
	var received map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := store.NewMemDB()
	seedCI(t, db, sampleCI("ci-1", "web-01"))

	cfg := devSettings()
	cfg.BackstageSyncEnabled = true
	cfg.BackstageSyncURL = srv.URL
	cfg.BackstageSyncToken = "token"
	p := NewPublisher(cfg)

	var result map[string]any
	err := db.WithRollback(context.Background(), func(st store.Store) error {
		var err error
		result, err = p.RunBackstageSync(context.Background(), st, 10, false)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", result["status"])
	assert.Equal(t, 1, result["attempted"])
	assert.Equal(t, "/ingest/cis:bulk", path)
	assert.Equal(t, "unifiedCMDB", received["sourceSystem"])
	assert.Len(t, received["items"], 1)
}

func TestRunBackstageSync_DisabledSkips(t *testing.T) {
	db := store.NewMemDB()
	p := NewPublisher(devSettings())

	var result map[string]any
	err := db.WithRollback(context.Background(), func(st store.Store) error {
		var err error
		result, err = p.RunBackstageSync(context.Background(), st, 10, false)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "skipped", result["status"])
	assert.Equal(t, "backstage_sync_disabled", result["reason"])
}

func TestRenderBackstageEntities(t *testing.T) {
	cfg := devSettings()
	unowned := sampleCI("fedcba9876543210", "DB Primary")
	unowned.Owner = ""

	doc := RenderBackstageEntities(cfg, []store.CI{*sampleCI("abcd1234efgh", "web-01"), *unowned})

	assert.Equal(t, "v1", doc["apiVersion"])
	assert.Equal(t, "List", doc["kind"])
	items := doc["items"].([]any)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	metadata := first["metadata"].(map[string]any)
	spec := first["spec"].(map[string]any)
	assert.Equal(t, "web-01-abcd1234", metadata["name"], "entity names carry a truncated id suffix")
	assert.Equal(t, "web-01", metadata["title"])
	annotations := metadata["annotations"].(map[string]any)
	assert.Equal(t, "abcd1234efgh", annotations["unifiedcmdb.io/ci-id"])
	assert.Equal(t, "zabbix", annotations["unifiedcmdb.io/source"])
	assert.Equal(t, "server", spec["type"])
	assert.Equal(t, "active", spec["lifecycle"])
	assert.Equal(t, "team-web", spec["owner"])

	second := items[1].(map[string]any)
	assert.Equal(t, "group:default/platform-team", second["spec"].(map[string]any)["owner"],
		"unowned CIs fall back to the default group")
	assert.Equal(t, "db-primary-fedcba98", second["metadata"].(map[string]any)["name"])
}
