package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/correlation"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func dryRunRequested(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("dryRun")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// firstString picks the first non-empty string among keys, tolerating both
// the native snake_case shape and the connector camelCase envelope.
func firstString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := item[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ciPayloadFromItem normalizes one ingest item. Items without any identity
// get a synthesized canonical_name identity so every CI stays addressable.
func ciPayloadFromItem(item map[string]any) (reconcile.CIPayload, error) {
	name := firstString(item, "name", "canonicalName", "canonical_name")
	if name == "" {
		return reconcile.CIPayload{}, fmt.Errorf("name is required")
	}
	ciType := firstString(item, "ci_type", "ciClass", "ci_class")
	if ciType == "" {
		ciType = "unknown"
	}
	owner := firstString(item, "owner", "technicalOwner", "technical_owner")

	attributes := store.JSONMap{}
	if raw, ok := item["attributes"].(map[string]any); ok {
		for k, v := range raw {
			attributes[k] = v
		}
	}
	if env := firstString(item, "environment"); env != "" {
		attributes["environment"] = env
	}
	if group := firstString(item, "supportGroup", "support_group"); group != "" {
		attributes["support_group"] = group
	}

	var identities []reconcile.IdentityPayload
	if raw, ok := item["identities"].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			scheme := firstString(m, "scheme")
			value := firstString(m, "value")
			if scheme == "" || value == "" {
				return reconcile.CIPayload{}, fmt.Errorf("identity requires scheme and value")
			}
			identities = append(identities, reconcile.IdentityPayload{Scheme: scheme, Value: value})
		}
	}
	if len(identities) == 0 {
		identities = []reconcile.IdentityPayload{{Scheme: "canonical_name", Value: name}}
	}

	payload := reconcile.CIPayload{
		Name:       name,
		CIType:     ciType,
		Owner:      owner,
		Attributes: attributes,
		Identities: identities,
	}
	if seen := firstString(item, "last_seen_at", "lastSeenAt"); seen != "" {
		if t := clock.ParseISO(seen); !t.IsZero() {
			payload.LastSeenAt = t
		}
	}
	return payload, nil
}

type bulkIngestRequest struct {
	Source string           `json:"source"`
	CIs    []map[string]any `json:"cis"`
	Items  []map[string]any `json:"items"`
}

func (s *Server) handleIngestCIs(w http.ResponseWriter, r *http.Request) {
	var req bulkIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "source is required")
		return
	}
	items := req.CIs
	if len(items) == 0 {
		items = req.Items
	}
	if len(items) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "cis list is empty")
		return
	}
	if len(items) > s.cfg.MaxBulkItems {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError,
			fmt.Sprintf("bulk ingest limited to %d items", s.cfg.MaxBulkItems))
		return
	}

	dryRun := dryRunRequested(r)
	created, updated, collisions := 0, 0, 0
	var itemErrors []map[string]any
	var publishEvents []publishEvent

	run := func(st store.Store) error {
		for index, item := range items {
			payload, err := ciPayloadFromItem(item)
			if err != nil {
				itemErrors = append(itemErrors, map[string]any{"index": index, "error": err.Error()})
				continue
			}
			ci, isCreated, ciCollisions, err := s.reconciler.ReconcileCI(r.Context(), st, source, payload)
			if err != nil {
				return err
			}
			collisions += ciCollisions
			eventType := "ci.updated"
			if isCreated {
				created++
				eventType = "ci.created"
			} else {
				updated++
			}
			if !dryRun {
				publishEvents = append(publishEvents, publishEvent{eventType: eventType, payload: ciJSON(ci)})
			}
		}
		return nil
	}

	var err error
	if dryRun {
		err = s.runDryRun(r, run)
	} else {
		err = s.runMutation(r, run)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.publishAfterCommit(r.Context(), publishEvents)

	staged := 0
	if dryRun {
		staged = created + updated
	}
	if itemErrors == nil {
		itemErrors = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created":    created,
		"updated":    updated,
		"collisions": collisions,
		"staged":     staged,
		"errors":     itemErrors,
	})
}

// relationshipFromItem resolves one relationship item to its endpoint CIs.
func relationshipFromItem(ctx context.Context, st store.Store, item map[string]any) (*store.CI, *store.CI, string, error) {
	refFrom := relationshipRef(item, "source_ref", "fromCiId", "source_ci_id", "from_identity")
	refTo := relationshipRef(item, "target_ref", "toCiId", "target_ci_id", "to_identity")

	sourceCI, err := reconcile.ResolveRef(ctx, st, refFrom)
	if err != nil {
		return nil, nil, "", fmt.Errorf("source CI not found")
	}
	targetCI, err := reconcile.ResolveRef(ctx, st, refTo)
	if err != nil {
		return nil, nil, "", fmt.Errorf("target CI not found")
	}
	relationType := firstString(item, "relation_type", "type")
	if relationType == "" {
		relationType = "depends_on"
	}
	return sourceCI, targetCI, relationType, nil
}

func relationshipRef(item map[string]any, refKey, connectorKey, idKey, identityKey string) reconcile.RelationshipRef {
	if raw, ok := item[refKey].(map[string]any); ok {
		ref := reconcile.RelationshipRef{CIID: firstString(raw, "ci_id")}
		if ident, ok := raw["identity"].(map[string]any); ok {
			ref.Identity = &reconcile.IdentityPayload{
				Scheme: firstString(ident, "scheme"),
				Value:  firstString(ident, "value"),
			}
		}
		return ref
	}
	if ident, ok := item[identityKey].(map[string]any); ok {
		return reconcile.RelationshipRef{Identity: &reconcile.IdentityPayload{
			Scheme: firstString(ident, "scheme"),
			Value:  firstString(ident, "value"),
		}}
	}
	return reconcile.RelationshipRef{CIID: firstString(item, connectorKey, idKey)}
}

type bulkRelationshipRequest struct {
	Source        string           `json:"source"`
	Relationships []map[string]any `json:"relationships"`
	Items         []map[string]any `json:"items"`
}

func (s *Server) handleIngestRelationships(w http.ResponseWriter, r *http.Request) {
	var req bulkRelationshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "Invalid JSON body")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "source is required")
		return
	}
	items := req.Relationships
	if len(items) == 0 {
		items = req.Items
	}
	if len(items) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError, "relationships list is empty")
		return
	}
	if len(items) > s.cfg.MaxBulkItems {
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationError,
			fmt.Sprintf("bulk ingest limited to %d items", s.cfg.MaxBulkItems))
		return
	}

	dryRun := dryRunRequested(r)
	created, skipped := 0, 0
	var itemErrors []map[string]any
	var publishEvents []publishEvent

	run := func(st store.Store) error {
		for index, item := range items {
			sourceCI, targetCI, relationType, err := relationshipFromItem(r.Context(), st, item)
			if err != nil {
				itemErrors = append(itemErrors, map[string]any{"index": index, "error": err.Error()})
				continue
			}
			existing, err := st.FindRelationship(r.Context(), sourceCI.ID, targetCI.ID, relationType)
			if err == nil && existing != nil {
				skipped++
				continue
			}
			if err != nil && err != store.ErrNotFound {
				return err
			}
			rel := &store.Relationship{
				SourceCIID:   sourceCI.ID,
				TargetCIID:   targetCI.ID,
				RelationType: relationType,
				Source:       source,
				CreatedAt:    clock.UTCNow(),
			}
			if err := st.CreateRelationship(r.Context(), rel); err != nil {
				return err
			}
			created++
			if err := st.AppendAuditEvent(r.Context(), &store.AuditEvent{
				CIID:      sourceCI.ID,
				EventType: "relationship.created",
				Payload: store.JSONMap{
					"source_ci_id":  rel.SourceCIID,
					"target_ci_id":  rel.TargetCIID,
					"relation_type": rel.RelationType,
					"source":        source,
				},
				CreatedAt: clock.UTCNow(),
			}); err != nil {
				return err
			}
			if !dryRun {
				publishEvents = append(publishEvents, publishEvent{
					eventType: "relationship.created",
					payload:   relationshipJSON(rel),
				})
			}
		}
		return nil
	}

	var err error
	if dryRun {
		err = s.runDryRun(r, run)
	} else {
		err = s.runMutation(r, run)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.publishAfterCommit(r.Context(), publishEvents)

	staged := 0
	if dryRun {
		staged = created
	}
	if itemErrors == nil {
		itemErrors = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created": created,
		"skipped": skipped,
		"staged":  staged,
		"errors":  itemErrors,
	})
}

// publishEvent is one committed change queued for downstream fan-out.
type publishEvent struct {
	eventType string
	payload   map[string]any
}

// publishAfterCommit fans events out to NetBox/Backstage outside the write
// transaction. Delivery is best effort; failures are logged by the publisher.
func (s *Server) publishAfterCommit(ctx context.Context, events []publishEvent) {
	if len(events) == 0 {
		return
	}
	go func() {
		publishCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		publishCtx = correlation.WithID(publishCtx, correlation.FromContext(ctx))
		for _, event := range events {
			s.publisher.PublishCIEvent(publishCtx, event.eventType, event.payload)
		}
	}()
}
