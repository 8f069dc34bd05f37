package integrations

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// DriftDetector compares a CI against its live representation in NetBox and
// the Backstage catalog. All remote failures degrade to status fields;
// drift computation never returns a transport error to the caller.
type DriftDetector struct {
	cfg    *config.Settings
	client *http.Client
	logger *log.Logger
}

// NewDriftDetector wires the detector.
func NewDriftDetector(cfg *config.Settings) *DriftDetector {
	return &DriftDetector{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
		logger: log.New(log.Writer(), "[DRIFT] ", log.LstdFlags),
	}
}

func (d *DriftDetector) validBaseURL(value string) string {
	base := strings.TrimRight(strings.TrimSpace(value), "/")
	if base == "" {
		return ""
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return ""
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ""
	}
	if d.cfg.IsNonDevEnvironment() && parsed.Scheme != "https" {
		return ""
	}
	return base
}

func (d *DriftDetector) netboxAPIBaseURL() string {
	base := d.validBaseURL(d.cfg.NetboxAPIURL)
	if base == "" {
		return ""
	}
	if strings.HasSuffix(base, "/api") {
		return base
	}
	return base + "/api"
}

func (d *DriftDetector) netboxAuthHeaderValue() string {
	token := strings.TrimSpace(d.cfg.NetboxAPIToken)
	if token == "" {
		return ""
	}
	lower := strings.ToLower(token)
	if strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "token ") {
		return token
	}
	return "Bearer " + token
}

// ciProjection is the comparable view of a CI.
func ciProjection(ci *store.CI) map[string]any {
	attributes := ci.Attributes
	if attributes == nil {
		attributes = store.JSONMap{}
	}
	environment := "unknown"
	if env, ok := attributes["environment"].(string); ok && env != "" {
		environment = env
	}
	var owner any
	if ci.Owner != "" {
		owner = ci.Owner
	}
	return map[string]any{
		"id":          ci.ID,
		"name":        ci.Name,
		"ci_type":     ci.CIType,
		"owner":       owner,
		"status":      ci.Status,
		"environment": environment,
		"source":      ci.Source,
	}
}

func compareFields(reference, target map[string]any, fields []string) []map[string]any {
	var mismatches []map[string]any
	for _, field := range fields {
		if reference[field] != target[field] {
			mismatches = append(mismatches, map[string]any{
				"field":  field,
				"cmdb":   reference[field],
				"target": target[field],
			})
		}
	}
	return mismatches
}

func (d *DriftDetector) getJSON(ctx context.Context, target string, headers map[string]string) (map[string]any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

func (d *DriftDetector) netboxState(ctx context.Context, st store.Store, ci *store.CI) map[string]any {
	baseURL := d.netboxAPIBaseURL()
	auth := d.netboxAuthHeaderValue()
	if baseURL == "" {
		return map[string]any{"status": "unavailable", "reason": "netbox_api_url_missing"}
	}
	if auth == "" {
		return map[string]any{"status": "unavailable", "reason": "netbox_api_token_missing"}
	}

	identities, err := st.ListCIIdentities(ctx, ci.ID)
	if err != nil {
		return map[string]any{"status": "error", "reason": "request_failed"}
	}
	var deviceID, vmID string
	for _, ident := range identities {
		switch ident.Scheme {
		case "netbox_device_id":
			if deviceID == "" {
				deviceID = ident.Value
			}
		case "netbox_vm_id":
			if vmID == "" {
				vmID = ident.Value
			}
		}
	}

	var targetURL, kind string
	switch {
	case deviceID != "":
		targetURL = baseURL + "/dcim/devices/" + deviceID + "/"
		kind = "device"
	case vmID != "":
		targetURL = baseURL + "/virtualization/virtual-machines/" + vmID + "/"
		kind = "virtual_machine"
	default:
		return map[string]any{"status": "not_applicable", "reason": "no_netbox_identity"}
	}

	payload, status, err := d.getJSON(ctx, targetURL, map[string]string{
		"Accept":        "application/json",
		"Authorization": auth,
	})
	if status == http.StatusNotFound {
		return map[string]any{"status": "missing", "reason": "not_found", "kind": kind}
	}
	if err != nil || status < 200 || status >= 300 {
		return map[string]any{"status": "error", "reason": "request_failed", "kind": kind}
	}

	var remoteStatus any
	if m, ok := payload["status"].(map[string]any); ok {
		remoteStatus = m["value"]
	} else {
		remoteStatus = payload["status"]
	}
	var remoteOwner any
	if m, ok := payload["tenant"].(map[string]any); ok {
		remoteOwner = m["name"]
	}
	targetProjection := map[string]any{
		"name":   payload["name"],
		"status": remoteStatus,
		"owner":  remoteOwner,
	}
	mismatches := compareFields(ciProjection(ci), targetProjection, []string{"name"})
	verdict := "matched"
	if len(mismatches) > 0 {
		verdict = "drift"
	}
	return map[string]any{
		"status":     verdict,
		"kind":       kind,
		"target":     targetProjection,
		"mismatches": mismatches,
	}
}

func (d *DriftDetector) backstageState(ctx context.Context, ci *store.CI) map[string]any {
	catalogBase := d.validBaseURL(d.cfg.BackstageCatalogURL)
	if catalogBase == "" {
		return map[string]any{"status": "unavailable", "reason": "backstage_catalog_url_missing"}
	}

	headers := map[string]string{"Accept": "application/json"}
	if token := strings.TrimSpace(d.cfg.BackstageCatalogToken); token != "" {
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			headers["Authorization"] = token
		} else {
			headers["Authorization"] = "Bearer " + token
		}
	}

	filter := url.QueryEscape("metadata.annotations.unifiedcmdb.io/ci-id=" + ci.ID)
	target := catalogBase + "/entities/by-query?filter=" + filter + "&limit=1"

	payload, status, err := d.getJSON(ctx, target, headers)
	if status == http.StatusNotFound {
		return map[string]any{"status": "missing", "reason": "not_found"}
	}
	if err != nil || status < 200 || status >= 300 {
		return map[string]any{"status": "error", "reason": "request_failed"}
	}

	items, _ := payload["items"].([]any)
	if len(items) == 0 {
		return map[string]any{"status": "missing", "reason": "not_found"}
	}
	entity, _ := items[0].(map[string]any)
	metadata, _ := entity["metadata"].(map[string]any)
	spec, _ := entity["spec"].(map[string]any)

	name := metadata["title"]
	if name == nil || name == "" {
		name = metadata["name"]
	}
	targetProjection := map[string]any{
		"name":    name,
		"ci_type": spec["type"],
		"owner":   spec["owner"],
	}
	mismatches := compareFields(ciProjection(ci), targetProjection, []string{"name", "ci_type", "owner"})
	verdict := "matched"
	if len(mismatches) > 0 {
		verdict = "drift"
	}
	return map[string]any{
		"status":     verdict,
		"target":     targetProjection,
		"mismatches": mismatches,
	}
}

func driftish(state map[string]any) bool {
	switch state["status"] {
	case "drift", "missing", "error":
		return true
	}
	return false
}

// ComputeCIDrift builds the full drift report for one CI.
func (d *DriftDetector) ComputeCIDrift(ctx context.Context, st store.Store, ci *store.CI) map[string]any {
	netbox := d.netboxState(ctx, st, ci)
	backstage := d.backstageState(ctx, ci)
	overall := "clean"
	if driftish(netbox) || driftish(backstage) {
		overall = "drift_detected"
	}
	return map[string]any{
		"ci_id":          ci.ID,
		"overall_status": overall,
		"cmdb":           ciProjection(ci),
		"netbox":         netbox,
		"backstage":      backstage,
	}
}
