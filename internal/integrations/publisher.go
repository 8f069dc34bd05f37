// Package integrations moves data between the CMDB and its neighbours:
// event fan-out to downstream consumers, NetBox inventory import, and
// Backstage catalog sync.
package integrations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/correlation"
)

// Publisher delivers CMDB events to the configured downstream targets.
type Publisher struct {
	cfg    *config.Settings
	client *http.Client
	logger *log.Logger
}

// NewPublisher builds a publisher over the shared settings.
func NewPublisher(cfg *config.Settings) *Publisher {
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
		logger: log.New(log.Writer(), "[PUBLISH] ", log.LstdFlags),
	}
}

// validatedOutboundURL enforces the outbound URL policy: http/https only,
// and non-dev environments require https. The error text doubles as the
// policy slug reported to callers.
func (p *Publisher) validatedOutboundURL(raw, target string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("%s_url_invalid", target)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%s_url_invalid", target)
	}
	if p.cfg.IsNonDevEnvironment() && scheme != "https" {
		return "", fmt.Errorf("%s_url_requires_https", target)
	}
	return value, nil
}

func authorizationValue(token string) string {
	value := strings.TrimSpace(token)
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "token ") {
		return value
	}
	return "Bearer " + value
}

func (p *Publisher) requestHeaders(ctx context.Context, token string) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Source-System", p.cfg.UnifiedCMDBName)
	if id := correlation.FromContext(ctx); id != "" {
		headers.Set(correlation.Header, id)
	}
	if token != "" {
		headers.Set("Authorization", authorizationValue(token))
	}
	return headers
}

// postJSON delivers one body and returns a status map describing the outcome.
func (p *Publisher) postJSON(ctx context.Context, targetURL, token string, body any, target string) map[string]any {
	if strings.TrimSpace(targetURL) == "" {
		return map[string]any{"status": "skipped", "reason": target + "_url_missing"}
	}
	validated, err := p.validatedOutboundURL(targetURL, target)
	if err != nil {
		p.logger.Printf("Delivery blocked by URL policy: target=%s reason=%s", target, err)
		return map[string]any{"status": "failed", "error": "invalid_target_url"}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return map[string]any{"status": "failed", "error": "delivery_failed"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, validated, bytes.NewReader(raw))
	if err != nil {
		return map[string]any{"status": "failed", "error": "delivery_failed"}
	}
	req.Header = p.requestHeaders(ctx, token)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Printf("Delivery failed: target=%s err=%v", target, err)
		return map[string]any{"status": "failed", "error": "delivery_failed"}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Printf("Delivery rejected by upstream: target=%s status=%d", target, resp.StatusCode)
		return map[string]any{"status": "failed", "error": "upstream_rejected", "status_code": resp.StatusCode}
	}
	return map[string]any{"status": "sent", "status_code": resp.StatusCode}
}

// backstageToken prefers a configured static token and falls back to minting
// a short-lived HS256 token from the legacy shared secret.
func (p *Publisher) backstageToken() string {
	if p.cfg.BackstageSyncToken != "" {
		return p.cfg.BackstageSyncToken
	}
	if p.cfg.BackstageSyncSecret == "" {
		return ""
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.cfg.BackstageSyncSecret, "="))
	if err != nil {
		p.logger.Printf("Unable to decode Backstage legacy secret: %v", err)
		return ""
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "backstage-server",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		p.logger.Printf("Unable to generate Backstage legacy token: %v", err)
		return ""
	}
	return signed
}

// backstageIngestURL resolves the bulk endpoint for kind, tolerating base
// URLs that already point at one of the ingest endpoints.
func (p *Publisher) backstageIngestURL(kind string) string {
	base := strings.TrimRight(strings.TrimSpace(p.cfg.BackstageSyncURL), "/")
	if base == "" {
		return ""
	}
	if strings.HasSuffix(base, "/ingest/cis:bulk") || strings.HasSuffix(base, "/ingest/relationships:bulk") {
		if idx := strings.LastIndex(base, "/ingest/"); idx >= 0 {
			base = base[:idx]
		}
	}
	return base + "/ingest/" + kind
}

func str(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		// JSON numbers decode as float64; ids must not render in
		// scientific notation.
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && str(v) != "" {
			return v
		}
	}
	return nil
}

// ciToBackstageItem reshapes a CI event payload into the connector envelope
// Backstage's ingest endpoint accepts.
func (p *Publisher) ciToBackstageItem(payload map[string]any) map[string]any {
	attributes, _ := payload["attributes"].(map[string]any)
	if attributes == nil {
		attributes = map[string]any{}
	}

	environment := pick(payload, "environment")
	if environment == nil {
		environment = pick(attributes, "environment")
	}
	if environment == nil {
		environment = "unknown"
	}
	ciClass := pick(payload, "ciClass", "ci_type")
	if ciClass == nil {
		ciClass = "unknown"
	}
	canonicalName := pick(payload, "canonicalName", "name", "id")
	if canonicalName == nil {
		canonicalName = "unknown"
	}
	lifecycleState := pick(payload, "lifecycleState", "status")
	if lifecycleState == nil {
		lifecycleState = "ACTIVE"
	}
	status := pick(payload, "status")
	if status == nil {
		status = lifecycleState
	}

	identities, _ := payload["identities"].([]any)
	if ciID := str(payload["id"]); ciID != "" {
		hasCIID := false
		for _, entry := range identities {
			if m, ok := entry.(map[string]any); ok && str(m["scheme"]) == "cmdb_ci_id" {
				hasCIID = true
				break
			}
		}
		if !hasCIID {
			identities = append(identities, map[string]any{"scheme": "cmdb_ci_id", "value": ciID})
		}
	}

	sourceSystem := pick(payload, "sourceSystem")
	if sourceSystem == nil {
		sourceSystem = p.cfg.UnifiedCMDBName
	}
	item := map[string]any{
		"ciClass":        str(ciClass),
		"canonicalName":  str(canonicalName),
		"environment":    str(environment),
		"lifecycleState": str(lifecycleState),
		"status":         str(status),
		"sourceSystem":   str(sourceSystem),
	}
	if owner := pick(payload, "technicalOwner", "owner"); owner != nil {
		item["technicalOwner"] = str(owner)
	}
	supportGroup := pick(payload, "supportGroup")
	if supportGroup == nil {
		supportGroup = pick(attributes, "support_group")
	}
	if supportGroup != nil {
		item["supportGroup"] = str(supportGroup)
	}
	if len(identities) > 0 {
		item["identities"] = identities
	}
	if len(attributes) > 0 {
		item["attributes"] = attributes
	}
	return item
}

func (p *Publisher) relationshipToBackstageItem(payload map[string]any) map[string]any {
	sourceCIID := pick(payload, "fromCiId", "source_ci_id")
	targetCIID := pick(payload, "toCiId", "target_ci_id")
	if sourceCIID == nil || targetCIID == nil {
		return nil
	}
	relationType := pick(payload, "type", "relation_type")
	if relationType == nil {
		relationType = "depends_on"
	}
	sourceSystem := pick(payload, "sourceSystem")
	if sourceSystem == nil {
		sourceSystem = p.cfg.UnifiedCMDBName
	}
	return map[string]any{
		"fromCiId":     sourceCIID,
		"toCiId":       targetCIID,
		"type":         relationType,
		"sourceSystem": sourceSystem,
	}
}

func (p *Publisher) publishBackstageEvent(ctx context.Context, eventType string, payload map[string]any) map[string]any {
	token := p.backstageToken()
	if token == "" {
		return map[string]any{"status": "skipped", "reason": "backstage_auth_missing"}
	}

	switch eventType {
	case "ci.created", "ci.updated":
		message := map[string]any{
			"sourceSystem": p.cfg.UnifiedCMDBName,
			"items":        []any{p.ciToBackstageItem(payload)},
		}
		return p.postJSON(ctx, p.backstageIngestURL("cis:bulk"), token, message, "backstage")
	case "relationship.created":
		item := p.relationshipToBackstageItem(payload)
		if item == nil {
			return map[string]any{"status": "skipped", "reason": "invalid_relationship_payload"}
		}
		message := map[string]any{
			"sourceSystem": p.cfg.UnifiedCMDBName,
			"items":        []any{item},
		}
		return p.postJSON(ctx, p.backstageIngestURL("relationships:bulk"), token, message, "backstage")
	}
	return map[string]any{"status": "skipped", "reason": "event_not_supported"}
}

// PublishBackstageBulkCIs ships a page of CIs to Backstage's bulk endpoint.
func (p *Publisher) PublishBackstageBulkCIs(ctx context.Context, items []map[string]any, dryRun bool) map[string]any {
	if !p.cfg.BackstageSyncEnabled {
		return map[string]any{"status": "skipped", "reason": "backstage_sync_disabled"}
	}
	if dryRun {
		return map[string]any{"status": "staged", "staged": len(items)}
	}
	token := p.backstageToken()
	if token == "" {
		return map[string]any{"status": "skipped", "reason": "backstage_auth_missing"}
	}
	converted := make([]any, 0, len(items))
	for _, item := range items {
		converted = append(converted, p.ciToBackstageItem(item))
	}
	message := map[string]any{
		"sourceSystem": p.cfg.UnifiedCMDBName,
		"items":        converted,
	}
	result := p.postJSON(ctx, p.backstageIngestURL("cis:bulk"), token, message, "backstage")
	result["attempted"] = len(items)
	return result
}

// PublishNetboxExport ships a full inventory snapshot to the NetBox event
// endpoint as a single cmdb.export envelope.
func (p *Publisher) PublishNetboxExport(ctx context.Context, cis, relationships []map[string]any, dryRun bool) map[string]any {
	if !p.cfg.NetboxSyncEnabled {
		return map[string]any{"status": "skipped", "reason": "netbox_sync_disabled"}
	}
	if dryRun {
		return map[string]any{"status": "staged", "staged": len(cis) + len(relationships)}
	}
	body := map[string]any{
		"eventType":    "cmdb.export",
		"sourceSystem": p.cfg.UnifiedCMDBName,
		"payload": map[string]any{
			"cis":           cis,
			"relationships": relationships,
		},
	}
	result := p.postJSON(ctx, p.cfg.NetboxSyncURL, p.cfg.NetboxSyncToken, body, "netbox")
	result["attempted"] = len(cis) + len(relationships)
	return result
}

// PublishCIEvent fans one event out to every enabled target and returns the
// per-target outcomes.
func (p *Publisher) PublishCIEvent(ctx context.Context, eventType string, payload map[string]any) map[string]map[string]any {
	result := map[string]map[string]any{}

	if p.cfg.NetboxSyncEnabled {
		body := map[string]any{
			"eventType":    eventType,
			"sourceSystem": p.cfg.UnifiedCMDBName,
			"payload":      payload,
		}
		result["netbox"] = p.postJSON(ctx, p.cfg.NetboxSyncURL, p.cfg.NetboxSyncToken, body, "netbox")
	} else {
		result["netbox"] = map[string]any{"status": "skipped", "reason": "netbox_sync_disabled"}
	}

	if p.cfg.BackstageSyncEnabled {
		result["backstage"] = p.publishBackstageEvent(ctx, eventType, payload)
	} else {
		result["backstage"] = map[string]any{"status": "skipped", "reason": "backstage_sync_disabled"}
	}
	return result
}
