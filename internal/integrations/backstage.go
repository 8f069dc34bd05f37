package integrations

import (
	"context"
	"regexp"
	"strings"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

func slugify(value string) string {
	slug := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(value)), " ", "-")
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "ci"
	}
	return slug
}

// ciToSyncItem builds the snapshot shape shipped by the Backstage bulk sync.
func ciToSyncItem(ci *store.CI) map[string]any {
	attributes := ci.Attributes
	if attributes == nil {
		attributes = store.JSONMap{}
	}
	environment := "unknown"
	if env, ok := attributes["environment"].(string); ok && env != "" {
		environment = env
	}
	item := map[string]any{
		"id":           ci.ID,
		"name":         ci.Name,
		"ci_type":      ci.CIType,
		"status":       ci.Status,
		"sourceSystem": ci.Source,
		"environment":  environment,
		"identities": []any{
			map[string]any{"scheme": "cmdb_ci_id", "value": ci.ID},
			map[string]any{"scheme": "canonical_name", "value": ci.Name},
		},
		"attributes": map[string]any(attributes),
	}
	if ci.Owner != "" {
		item["owner"] = ci.Owner
	}
	if supportGroup, ok := attributes["support_group"]; ok {
		item["supportGroup"] = supportGroup
	}
	return item
}

// RunBackstageSync publishes the most recently updated CIs to Backstage.
func (p *Publisher) RunBackstageSync(ctx context.Context, st store.Store, limit int, dryRun bool) (map[string]any, error) {
	cis, err := st.ListRecentCIs(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cis))
	for i := range cis {
		items = append(items, ciToSyncItem(&cis[i]))
	}
	result := p.PublishBackstageBulkCIs(ctx, items, dryRun)
	result["selected"] = len(items)
	return result, nil
}

// RenderBackstageEntities projects CIs as Backstage catalog Component
// entities, newest first.
func RenderBackstageEntities(cfg *config.Settings, cis []store.CI) map[string]any {
	items := make([]any, 0, len(cis))
	for i := range cis {
		ci := &cis[i]
		idFragment := ci.ID
		if len(idFragment) > 8 {
			idFragment = idFragment[:8]
		}
		owner := ci.Owner
		if owner == "" {
			owner = "group:default/platform-team"
		}
		items = append(items, map[string]any{
			"apiVersion": "backstage.io/v1alpha1",
			"kind":       "Component",
			"metadata": map[string]any{
				"name":        slugify(ci.Name) + "-" + idFragment,
				"title":       ci.Name,
				"description": "CI " + ci.ID + " from " + cfg.UnifiedCMDBName,
				"tags":        []any{strings.ToLower(ci.CIType), strings.ToLower(ci.Status), "unifiedcmdb"},
				"annotations": map[string]any{
					"unifiedcmdb.io/ci-id":  ci.ID,
					"unifiedcmdb.io/source": ci.Source,
				},
			},
			"spec": map[string]any{
				"type":      strings.ToLower(ci.CIType),
				"lifecycle": strings.ToLower(ci.Status),
				"owner":     owner,
				"system":    cfg.UnifiedCMDBName,
			},
		})
	}
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "List",
		"items":      items,
	}
}
