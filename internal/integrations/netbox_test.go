package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func netboxSettings(apiURL string) *config.Settings {
	return &config.Settings{
		AppEnv:           "dev",
		UnifiedCMDBName:  "unifiedCMDB",
		NetboxAPIURL:     apiURL,
		NetboxAPIToken:   "nb-token",
		SourcePrecedence: []string{"manual", "netbox", "zabbix"},
	}
}

func newImporter(cfg *config.Settings) *NetboxImporter {
	reconciler := reconcile.NewReconciler(cfg, &notify.RecordingNotifier{}, nil)
	return NewNetboxImporter(cfg, NewPublisher(cfg), reconciler)
}

// netboxStub serves one device page and one VM page and records the queries
// it saw.
type netboxStub struct {
	devices    netboxPage
	vms        netboxPage
	deviceAuth string
	deviceReqs []string
}

func (s *netboxStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dcim/devices/", func(w http.ResponseWriter, r *http.Request) {
		s.deviceAuth = r.Header.Get("Authorization")
		s.deviceReqs = append(s.deviceReqs, r.URL.RawQuery)
		json.NewEncoder(w).Encode(s.devices)
	})
	mux.HandleFunc("/api/virtualization/virtual-machines/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(s.vms)
	})
	return mux
}

func deviceRecord(id float64, name, updated string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         name,
		"last_updated": updated,
		"status":       map[string]any{"name": "Active"},
		"site":         map[string]any{"name": "fra1"},
		"tenant":       map[string]any{"name": "team-infra"},
	}
}

func vmRecord(id float64, name, updated string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         name,
		"last_updated": updated,
		"status":       map[string]any{"name": "Active"},
		"cluster":      map[string]any{"name": "vc-prod"},
		"vcpus":        4.0,
	}
}

func runImport(t *testing.T, db *store.MemDB, n *NetboxImporter, limit int, dryRun, incremental bool) map[string]any {
	t.Helper()
	var result map[string]any
	err := db.WithTx(context.Background(), func(st store.Store) error {
		var err error
		result, err = n.RunImport(context.Background(), st, limit, dryRun, incremental)
		return err
	})
	require.NoError(t, err)
	return result
}

func readState(t *testing.T, db *store.MemDB, key string) (string, bool) {
	t.Helper()
	var value string
	var ok bool
	db.View(func(st store.Store) {
		var err error
		value, ok, err = st.ReadSyncState(context.Background(), key)
		require.NoError(t, err)
	})
	return value, ok
}

func TestDeviceToPayload(t *testing.T) {
	payload := deviceToPayload(deviceRecord(17, "sw-core-01", "2026-03-01T10:00:00Z"))

	assert.Equal(t, "sw-core-01", payload.Name)
	assert.Equal(t, "netbox_device", payload.CIType)
	assert.Equal(t, "team-infra", payload.Owner)
	assert.Equal(t, "fra1", payload.Attributes["site"])
	assert.Equal(t, "Active", payload.Attributes["netbox_status"])
	require.Len(t, payload.Identities, 2)
	assert.Equal(t, reconcile.IdentityPayload{Scheme: "netbox_device_id", Value: "17"}, payload.Identities[0])
	assert.Equal(t, reconcile.IdentityPayload{Scheme: "hostname", Value: "sw-core-01"}, payload.Identities[1])
}

func TestDeviceToPayload_NamelessDevice(t *testing.T) {
	payload := deviceToPayload(map[string]any{"id": 9.0})
	assert.Equal(t, "netbox-device-9", payload.Name)
	assert.Equal(t, "unknown", payload.Attributes["netbox_status"])
}

func TestVMToPayload(t *testing.T) {
	payload := vmToPayload(vmRecord(4, "app-vm-01", "2026-03-01T10:00:00Z"))

	assert.Equal(t, "netbox_vm", payload.CIType)
	assert.Equal(t, "vc-prod", payload.Attributes["cluster"])
	assert.Equal(t, 4.0, payload.Attributes["vcpus"])
	assert.Equal(t, reconcile.IdentityPayload{Scheme: "netbox_vm_id", Value: "4"}, payload.Identities[0])
}

func TestRunImport_ReconcilesAndAdvancesWatermarks(t *testing.T) {
	stub := &netboxStub{
		devices: netboxPage{Results: []map[string]any{
			deviceRecord(1, "sw-core-01", "2026-03-01T10:00:00Z"),
			deviceRecord(2, "sw-core-02", "2026-03-01T11:30:00Z"),
		}},
		vms: netboxPage{Results: []map[string]any{
			vmRecord(7, "app-vm-01", "2026-03-01T09:15:00Z"),
		}},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	db := store.NewMemDB()
	n := newImporter(netboxSettings(srv.URL))

	result := runImport(t, db, n, 10, false, true)
	assert.Equal(t, 3, result["created"])
	assert.Equal(t, 0, result["updated"])
	assert.Equal(t, 3, result["fetched"])
	assert.Equal(t, "Bearer nb-token", stub.deviceAuth)

	// The newest last_updated on each exhausted listing becomes the watermark.
	devices, ok := readState(t, db, NetboxDeviceWatermarkKey)
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T11:30:00Z", devices)
	vms, ok := readState(t, db, NetboxVMWatermarkKey)
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T09:15:00Z", vms)

	// The next incremental run filters by the stored watermark.
	stub.deviceReqs = nil
	runImport(t, db, n, 10, false, true)
	require.NotEmpty(t, stub.deviceReqs)
	assert.Contains(t, stub.deviceReqs[0], "last_updated__gte=")
}

func TestRunImport_SecondRunUpdatesInsteadOfCreating(t *testing.T) {
	stub := &netboxStub{
		devices: netboxPage{Results: []map[string]any{deviceRecord(1, "sw-core-01", "2026-03-01T10:00:00Z")}},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	db := store.NewMemDB()
	n := newImporter(netboxSettings(srv.URL))

	runImport(t, db, n, 10, false, false)
	result := runImport(t, db, n, 10, false, false)
	assert.Equal(t, 0, result["created"])
	assert.Equal(t, 1, result["updated"])
}

func TestRunImport_DryRunHoldsWatermarks(t *testing.T) {
	stub := &netboxStub{
		devices: netboxPage{Results: []map[string]any{deviceRecord(1, "sw-core-01", "2026-03-01T10:00:00Z")}},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	db := store.NewMemDB()
	n := newImporter(netboxSettings(srv.URL))

	result := runImport(t, db, n, 10, true, true)
	assert.Equal(t, 1, result["staged"])

	_, ok := readState(t, db, NetboxDeviceWatermarkKey)
	assert.False(t, ok, "a rolled-back run must leave the watermark untouched")
}

func TestRunImport_PartialPageHoldsWatermark(t *testing.T) {
	var srv *httptest.Server
	stub := &netboxStub{}
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/dcim/devices/" {
			json.NewEncoder(w).Encode(netboxPage{
				Next:    srv.URL + "/api/dcim/devices/?offset=50",
				Results: []map[string]any{deviceRecord(1, "sw-core-01", "2026-03-01T10:00:00Z")},
			})
			return
		}
		json.NewEncoder(w).Encode(stub.vms)
	}))
	defer srv.Close()

	db := store.NewMemDB()
	n := newImporter(netboxSettings(srv.URL))

	// limit 2 gives the device listing a budget of one record, so the page
	// with a next link is left unexhausted.
	runImport(t, db, n, 2, false, true)
	_, ok := readState(t, db, NetboxDeviceWatermarkKey)
	assert.False(t, ok, "a partial read is re-read next time instead of being skipped")
}

func TestRunImport_MissingCredentials(t *testing.T) {
	db := store.NewMemDB()

	n := newImporter(netboxSettings(""))
	err := db.WithTx(context.Background(), func(st store.Store) error {
		_, err := n.RunImport(context.Background(), st, 10, false, false)
		return err
	})
	assert.EqualError(t, err, "netbox_api_url_missing")

	cfg := netboxSettings("http://netbox.local")
	cfg.NetboxAPIToken = ""
	n = newImporter(cfg)
	err = db.WithTx(context.Background(), func(st store.Store) error {
		_, err := n.RunImport(context.Background(), st, 10, false, false)
		return err
	})
	assert.EqualError(t, err, "netbox_api_token_missing")
}

func TestAPIBaseURL_ToleratesAPISuffix(t *testing.T) {
	n := newImporter(netboxSettings("http://netbox.local"))
	base, err := n.apiBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://netbox.local/api", base)

	n = newImporter(netboxSettings("http://netbox.local/api/"))
	base, err = n.apiBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://netbox.local/api", base)
}

func TestAuthHeaderValue(t *testing.T) {
	cfg := netboxSettings("http://netbox.local")
	n := newImporter(cfg)
	assert.Equal(t, "Bearer nb-token", n.authHeaderValue())

	cfg.NetboxAPIToken = "Token abc123"
	assert.Equal(t, "Token abc123", n.authHeaderValue(), "prefixed tokens pass through")

	cfg.NetboxAPIToken = ""
	assert.Empty(t, n.authHeaderValue())
}
