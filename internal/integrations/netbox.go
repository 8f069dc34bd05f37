package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// Watermark keys tracking the newest NetBox record each import has seen.
const (
	NetboxDeviceWatermarkKey = "netbox.import.devices.last_updated"
	NetboxVMWatermarkKey     = "netbox.import.vms.last_updated"
)

// NetboxImporter pulls devices and virtual machines from the NetBox REST API
// and reconciles them into the inventory under source "netbox".
type NetboxImporter struct {
	cfg        *config.Settings
	publisher  *Publisher
	reconciler *reconcile.Reconciler
	client     *http.Client
	logger     *log.Logger
}

// NewNetboxImporter wires the importer.
func NewNetboxImporter(cfg *config.Settings, publisher *Publisher, reconciler *reconcile.Reconciler) *NetboxImporter {
	return &NetboxImporter{
		cfg:        cfg,
		publisher:  publisher,
		reconciler: reconciler,
		client:     &http.Client{Timeout: 20 * time.Second},
		logger:     log.New(log.Writer(), "[NETBOX] ", log.LstdFlags),
	}
}

func (n *NetboxImporter) apiBaseURL() (string, error) {
	base, err := n.publisher.validatedOutboundURL(n.cfg.NetboxAPIURL, "netbox_api")
	if err != nil {
		return "", err
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return "", nil
	}
	if strings.HasSuffix(base, "/api") {
		return base, nil
	}
	return base + "/api", nil
}

func (n *NetboxImporter) authHeaderValue() string {
	token := strings.TrimSpace(n.cfg.NetboxAPIToken)
	if token == "" {
		return ""
	}
	lower := strings.ToLower(token)
	if strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "token ") {
		return token
	}
	return "Bearer " + token
}

type netboxPage struct {
	Next    string           `json:"next"`
	Results []map[string]any `json:"results"`
}

// upstreamStatusError marks a non-2xx NetBox response so callers can
// classify it by status without parsing message text.
type upstreamStatusError struct{ status int }

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("netbox api returned status %d", e.status)
}

func (e *upstreamStatusError) HTTPStatus() int { return e.status }

// collect walks one paginated listing until maxItems records are gathered or
// the listing is exhausted. Query params only apply to the first request;
// the "next" URL already carries them forward.
func (n *NetboxImporter) collect(ctx context.Context, endpoint string, maxItems int, params url.Values) ([]map[string]any, bool, *time.Time, error) {
	base, err := n.apiBaseURL()
	if err != nil {
		return nil, false, nil, err
	}
	if base == "" {
		return nil, false, nil, fmt.Errorf("netbox_api_url_missing")
	}
	authHeader := n.authHeaderValue()
	if authHeader == "" {
		return nil, false, nil, fmt.Errorf("netbox_api_token_missing")
	}

	requestURL := base + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var items []map[string]any
	var maxLastUpdated *time.Time
	exhausted := true
	for requestURL != "" && len(items) < maxItems {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, false, nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", authHeader)

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, false, nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, false, nil, readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, false, nil, &upstreamStatusError{status: resp.StatusCode}
		}

		var page netboxPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, false, nil, fmt.Errorf("decode netbox page: %w", err)
		}
		if page.Results == nil {
			break
		}
		for _, record := range page.Results {
			items = append(items, record)
			if parsed := clock.ParseISO(str(record["last_updated"])); !parsed.IsZero() {
				if maxLastUpdated == nil || parsed.After(*maxLastUpdated) {
					t := parsed
					maxLastUpdated = &t
				}
			}
			if len(items) >= maxItems {
				break
			}
		}
		if page.Next != "" && len(items) >= maxItems {
			exhausted = false
			break
		}
		requestURL = page.Next
	}
	return items, exhausted, maxLastUpdated, nil
}

func netboxNestedName(v any) string {
	if m, ok := v.(map[string]any); ok {
		if name, ok := m["name"].(string); ok {
			return name
		}
	}
	return ""
}

func deviceToPayload(record map[string]any) reconcile.CIPayload {
	deviceID := str(record["id"])
	name := str(record["name"])
	if name == "" {
		name = "netbox-device-" + deviceID
	}
	statusName := netboxNestedName(record["status"])
	if statusName == "" {
		statusName = "unknown"
	}
	tenant := netboxNestedName(record["tenant"])

	attributes := store.JSONMap{
		"environment":   "unknown",
		"netbox_object": "device",
		"netbox_status": statusName,
	}
	setIfPresent := func(key, value string) {
		if value != "" {
			attributes[key] = value
		}
	}
	setIfPresent("site", netboxNestedName(record["site"]))
	setIfPresent("role", netboxNestedName(record["role"]))
	setIfPresent("tenant", tenant)
	setIfPresent("primary_ip4", netboxNestedName(record["primary_ip4"]))
	setIfPresent("primary_ip6", netboxNestedName(record["primary_ip6"]))
	setIfPresent("url", str(record["url"]))

	identities := []reconcile.IdentityPayload{{Scheme: "netbox_device_id", Value: deviceID}}
	if name != "" {
		identities = append(identities, reconcile.IdentityPayload{Scheme: "hostname", Value: name})
	}
	return reconcile.CIPayload{
		Name:       name,
		CIType:     "netbox_device",
		Owner:      tenant,
		Attributes: attributes,
		Identities: identities,
	}
}

func vmToPayload(record map[string]any) reconcile.CIPayload {
	vmID := str(record["id"])
	name := str(record["name"])
	if name == "" {
		name = "netbox-vm-" + vmID
	}
	statusName := netboxNestedName(record["status"])
	if statusName == "" {
		statusName = "unknown"
	}
	tenant := netboxNestedName(record["tenant"])

	attributes := store.JSONMap{
		"environment":   "unknown",
		"netbox_object": "virtual_machine",
		"netbox_status": statusName,
	}
	setIfPresent := func(key, value string) {
		if value != "" {
			attributes[key] = value
		}
	}
	setIfPresent("cluster", netboxNestedName(record["cluster"]))
	setIfPresent("role", netboxNestedName(record["role"]))
	setIfPresent("tenant", tenant)
	setIfPresent("primary_ip4", netboxNestedName(record["primary_ip4"]))
	setIfPresent("primary_ip6", netboxNestedName(record["primary_ip6"]))
	setIfPresent("url", str(record["url"]))
	for _, key := range []string{"vcpus", "memory", "disk"} {
		if v, ok := record[key]; ok && v != nil {
			attributes[key] = v
		}
	}

	identities := []reconcile.IdentityPayload{{Scheme: "netbox_vm_id", Value: vmID}}
	if name != "" {
		identities = append(identities, reconcile.IdentityPayload{Scheme: "hostname", Value: name})
	}
	return reconcile.CIPayload{
		Name:       name,
		CIType:     "netbox_vm",
		Owner:      tenant,
		Attributes: attributes,
		Identities: identities,
	}
}

// FetchBatch is the result of one incremental fetch from NetBox.
type FetchBatch struct {
	CIs     []reconcile.CIPayload
	Devices FetchStats
	VMs     FetchStats
}

// FetchStats describes how far one listing got.
type FetchStats struct {
	Fetched        int
	Exhausted      bool
	MaxLastUpdated *time.Time
}

// FetchIncremental pulls up to limit records, split between devices and VMs,
// filtered by the since watermarks when set.
func (n *NetboxImporter) FetchIncremental(ctx context.Context, limit int, sinceDevices, sinceVMs *time.Time) (*FetchBatch, error) {
	if limit < 1 {
		return &FetchBatch{
			Devices: FetchStats{Exhausted: true},
			VMs:     FetchStats{Exhausted: true},
		}, nil
	}
	half := limit / 2
	if half < 1 {
		half = 1
	}

	deviceParams := url.Values{"limit": {"100"}}
	if sinceDevices != nil {
		deviceParams.Set("last_updated__gte", clock.FormatISO(*sinceDevices))
	}
	vmParams := url.Values{"limit": {"100"}}
	if sinceVMs != nil {
		vmParams.Set("last_updated__gte", clock.FormatISO(*sinceVMs))
	}

	deviceRecords, deviceExhausted, deviceMax, err := n.collect(ctx, "/dcim/devices/", half, deviceParams)
	if err != nil {
		return nil, err
	}
	vmLimit := limit - half
	if vmLimit < 1 {
		vmLimit = 1
	}
	vmRecords, vmExhausted, vmMax, err := n.collect(ctx, "/virtualization/virtual-machines/", vmLimit, vmParams)
	if err != nil {
		return nil, err
	}

	batch := &FetchBatch{
		Devices: FetchStats{Fetched: len(deviceRecords), Exhausted: deviceExhausted, MaxLastUpdated: deviceMax},
		VMs:     FetchStats{Fetched: len(vmRecords), Exhausted: vmExhausted, MaxLastUpdated: vmMax},
	}
	for _, record := range deviceRecords {
		batch.CIs = append(batch.CIs, deviceToPayload(record))
	}
	for _, record := range vmRecords {
		batch.CIs = append(batch.CIs, vmToPayload(record))
	}
	if len(batch.CIs) > limit {
		batch.CIs = batch.CIs[:limit]
	}
	return batch, nil
}

// Watermarks reads the stored import watermarks.
func Watermarks(ctx context.Context, st store.Store) (map[string]any, error) {
	out := map[string]any{"devices_last_updated": nil, "vms_last_updated": nil}
	if v, ok, err := st.ReadSyncState(ctx, NetboxDeviceWatermarkKey); err != nil {
		return nil, err
	} else if ok {
		out["devices_last_updated"] = v
	}
	if v, ok, err := st.ReadSyncState(ctx, NetboxVMWatermarkKey); err != nil {
		return nil, err
	} else if ok {
		out["vms_last_updated"] = v
	}
	return out, nil
}

// RunImport fetches a batch from NetBox and reconciles it. The watermarks
// only advance on a committed, incremental run that exhausted its listing,
// so a partial page is re-read next time instead of being skipped.
func (n *NetboxImporter) RunImport(ctx context.Context, st store.Store, limit int, dryRun, incremental bool) (map[string]any, error) {
	var sinceDevices, sinceVMs *time.Time
	if incremental {
		if v, ok, err := st.ReadSyncState(ctx, NetboxDeviceWatermarkKey); err != nil {
			return nil, err
		} else if ok {
			if t := clock.ParseISO(v); !t.IsZero() {
				sinceDevices = &t
			}
		}
		if v, ok, err := st.ReadSyncState(ctx, NetboxVMWatermarkKey); err != nil {
			return nil, err
		} else if ok {
			if t := clock.ParseISO(v); !t.IsZero() {
				sinceVMs = &t
			}
		}
	}

	batch, err := n.FetchIncremental(ctx, limit, sinceDevices, sinceVMs)
	if err != nil {
		return nil, err
	}

	created, updated, collisions := 0, 0, 0
	for _, payload := range batch.CIs {
		_, isCreated, ciCollisions, err := n.reconciler.ReconcileCI(ctx, st, "netbox", payload)
		if err != nil {
			return nil, err
		}
		collisions += ciCollisions
		if isCreated {
			created++
		} else {
			updated++
		}
	}

	staged := 0
	if dryRun {
		staged = created + updated
	}
	watermarks, err := Watermarks(ctx, st)
	if err != nil {
		return nil, err
	}
	if !dryRun && incremental {
		if batch.Devices.Exhausted && batch.Devices.MaxLastUpdated != nil {
			value := clock.FormatISO(*batch.Devices.MaxLastUpdated)
			if err := st.WriteSyncState(ctx, NetboxDeviceWatermarkKey, value); err != nil {
				return nil, err
			}
			watermarks["devices_last_updated"] = value
		}
		if batch.VMs.Exhausted && batch.VMs.MaxLastUpdated != nil {
			value := clock.FormatISO(*batch.VMs.MaxLastUpdated)
			if err := st.WriteSyncState(ctx, NetboxVMWatermarkKey, value); err != nil {
				return nil, err
			}
			watermarks["vms_last_updated"] = value
		}
	}

	return map[string]any{
		"created":     created,
		"updated":     updated,
		"collisions":  collisions,
		"staged":      staged,
		"errors":      []any{},
		"fetched":     len(batch.CIs),
		"incremental": incremental,
		"watermarks":  watermarks,
	}, nil
}
