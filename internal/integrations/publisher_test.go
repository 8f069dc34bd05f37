package integrations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
)

func devSettings() *config.Settings {
	return &config.Settings{
		AppEnv:          "dev",
		UnifiedCMDBName: "unifiedCMDB",
	}
}

func TestValidatedOutboundURL_Policy(t *testing.T) {
	p := NewPublisher(devSettings())

	got, err := p.validatedOutboundURL("", "netbox")
	require.NoError(t, err)
	assert.Empty(t, got, "unset targets pass through as disabled")

	got, err = p.validatedOutboundURL("http://netbox.local/api", "netbox")
	require.NoError(t, err)
	assert.Equal(t, "http://netbox.local/api", got)

	_, err = p.validatedOutboundURL("ftp://netbox.local", "netbox")
	assert.EqualError(t, err, "netbox_url_invalid")

	_, err = p.validatedOutboundURL("https://", "netbox")
	assert.EqualError(t, err, "netbox_url_invalid")

	_, err = p.validatedOutboundURL("::not a url::", "netbox")
	assert.EqualError(t, err, "netbox_url_invalid")
}

func TestValidatedOutboundURL_NonDevRequiresHTTPS(t *testing.T) {
	cfg := devSettings()
	cfg.AppEnv = "production"
	p := NewPublisher(cfg)

	_, err := p.validatedOutboundURL("http://netbox.local", "netbox")
	assert.EqualError(t, err, "netbox_url_requires_https")

	got, err := p.validatedOutboundURL("https://netbox.local", "netbox")
	require.NoError(t, err)
	assert.Equal(t, "https://netbox.local", got)
}

func TestStr_NumbersKeepFullPrecision(t *testing.T) {
	assert.Equal(t, "123456789012", str(float64(123456789012)), "ids never render in scientific notation")
	assert.Equal(t, "42", str(json.Number("42")))
	assert.Equal(t, "web-01", str("web-01"))
	assert.Empty(t, str(nil))
}

func TestBackstageIngestURL(t *testing.T) {
	cfg := devSettings()
	cfg.BackstageSyncURL = "https://backstage.local/api/"
	p := NewPublisher(cfg)
	assert.Equal(t, "https://backstage.local/api/ingest/cis:bulk", p.backstageIngestURL("cis:bulk"))

	// A base already pointing at one ingest endpoint is rewritten for the other.
	cfg.BackstageSyncURL = "https://backstage.local/api/ingest/cis:bulk"
	assert.Equal(t, "https://backstage.local/api/ingest/relationships:bulk", p.backstageIngestURL("relationships:bulk"))

	cfg.BackstageSyncURL = ""
	assert.Empty(t, p.backstageIngestURL("cis:bulk"))
}

func TestBackstageToken_PrefersStaticToken(t *testing.T) {
	cfg := devSettings()
	cfg.BackstageSyncToken = "static-token"
	cfg.BackstageSyncSecret = "aWdub3JlZA"
	p := NewPublisher(cfg)
	assert.Equal(t, "static-token", p.backstageToken())
}

func TestBackstageToken_MintsHS256FromLegacySecret(t *testing.T) {
	key := []byte("legacy-shared-secret")
	cfg := devSettings()
	cfg.BackstageSyncSecret = base64.RawURLEncoding.EncodeToString(key)
	p := NewPublisher(cfg)

	signed := p.backstageToken()
	require.NotEmpty(t, signed)

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "backstage-server", claims["sub"])
}

func TestBackstageToken_EmptyWithoutCredentials(t *testing.T) {
	p := NewPublisher(devSettings())
	assert.Empty(t, p.backstageToken())
}

func TestCIToBackstageItem(t *testing.T) {
	p := NewPublisher(devSettings())

	item := p.ciToBackstageItem(map[string]any{
		"id":      "ci-1",
		"name":    "web-01",
		"ci_type": "server",
		"status":  "STAGING",
		"owner":   "team-web",
		"attributes": map[string]any{
			"environment":   "prod",
			"support_group": "web-oncall",
		},
	})

	assert.Equal(t, "server", item["ciClass"])
	assert.Equal(t, "web-01", item["canonicalName"])
	assert.Equal(t, "prod", item["environment"])
	assert.Equal(t, "STAGING", item["lifecycleState"])
	assert.Equal(t, "team-web", item["technicalOwner"])
	assert.Equal(t, "web-oncall", item["supportGroup"])
	assert.Equal(t, "unifiedCMDB", item["sourceSystem"])

	identities, ok := item["identities"].([]any)
	require.True(t, ok)
	require.Len(t, identities, 1)
	assert.Equal(t, map[string]any{"scheme": "cmdb_ci_id", "value": "ci-1"}, identities[0])
}

func TestCIToBackstageItem_Defaults(t *testing.T) {
	p := NewPublisher(devSettings())
	item := p.ciToBackstageItem(map[string]any{})
	assert.Equal(t, "unknown", item["ciClass"])
	assert.Equal(t, "unknown", item["canonicalName"])
	assert.Equal(t, "unknown", item["environment"])
	assert.Equal(t, "ACTIVE", item["lifecycleState"])
	assert.NotContains(t, item, "technicalOwner")
	assert.NotContains(t, item, "identities")
}

func TestRelationshipToBackstageItem(t *testing.T) {
	p := NewPublisher(devSettings())

	item := p.relationshipToBackstageItem(map[string]any{
		"source_ci_id": "ci-1",
		"target_ci_id": "ci-2",
	})
	require.NotNil(t, item)
	assert.Equal(t, "ci-1", item["fromCiId"])
	assert.Equal(t, "ci-2", item["toCiId"])
	assert.Equal(t, "depends_on", item["type"], "relation type defaults")
	assert.Equal(t, "unifiedCMDB", item["sourceSystem"])

	assert.Nil(t, p.relationshipToBackstageItem(map[string]any{"source_ci_id": "ci-1"}))
}

func TestPublishCIEvent_DisabledTargetsSkip(t *testing.T) {
	p := NewPublisher(devSettings())
	result := p.PublishCIEvent(context.Background(), "ci.created", map[string]any{"id": "ci-1"})
	assert.Equal(t, "skipped", result["netbox"]["status"])
	assert.Equal(t, "netbox_sync_disabled", result["netbox"]["reason"])
	assert.Equal(t, "backstage_sync_disabled", result["backstage"]["reason"])
}

func TestPublishCIEvent_DeliversEnvelope(t *testing.T) {
	var received map[string]any
	var gotAuth, gotSource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSource = r.Header.Get("X-Source-System")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := devSettings()
	cfg.NetboxSyncEnabled = true
	cfg.NetboxSyncURL = srv.URL
	cfg.NetboxSyncToken = "nb-token"
	p := NewPublisher(cfg)

	result := p.PublishCIEvent(context.Background(), "ci.updated", map[string]any{"id": "ci-1"})
	assert.Equal(t, "sent", result["netbox"]["status"])
	assert.Equal(t, http.StatusAccepted, result["netbox"]["status_code"])
	assert.Equal(t, "Bearer nb-token", gotAuth)
	assert.Equal(t, "unifiedCMDB", gotSource)
	assert.Equal(t, "ci.updated", received["eventType"])
	assert.Equal(t, map[string]any{"id": "ci-1"}, received["payload"])
}

func TestPublishCIEvent_UpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := devSettings()
	cfg.NetboxSyncEnabled = true
	cfg.NetboxSyncURL = srv.URL
	p := NewPublisher(cfg)

	result := p.PublishCIEvent(context.Background(), "ci.created", map[string]any{})
	assert.Equal(t, "failed", result["netbox"]["status"])
	assert.Equal(t, "upstream_rejected", result["netbox"]["error"])
	assert.Equal(t, http.StatusBadGateway, result["netbox"]["status_code"])
}

func TestPublishNetboxExport(t *testing.T) {
	cfg := devSettings()
	p := NewPublisher(cfg)

	cis := []map[string]any{{"id": "ci-1"}, {"id": "ci-2"}}
	rels := []map[string]any{{"id": "rel-1"}}

	result := p.PublishNetboxExport(context.Background(), cis, rels, false)
	assert.Equal(t, "skipped", result["status"])

	cfg.NetboxSyncEnabled = true
	result = p.PublishNetboxExport(context.Background(), cis, rels, true)
	assert.Equal(t, "staged", result["status"])
	assert.Equal(t, 3, result["staged"])

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	cfg.NetboxSyncURL = srv.URL

	result = p.PublishNetboxExport(context.Background(), cis, rels, false)
	assert.Equal(t, "sent", result["status"])
	assert.Equal(t, 3, result["attempted"])
	assert.Equal(t, "cmdb.export", received["eventType"])
	payload := received["payload"].(map[string]any)
	assert.Len(t, payload["cis"], 2)
	assert.Len(t, payload["relationships"], 1)
}
