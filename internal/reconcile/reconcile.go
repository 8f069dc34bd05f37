// Package reconcile merges source-system snapshots into the authoritative
// CI inventory. Identity lookup decides create vs update; source precedence
// decides whose attributes win; contested identities open governance
// collisions instead of silently rebinding.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

// IdentityPayload is one (scheme, value) identity carried by a snapshot.
type IdentityPayload struct {
	Scheme string `json:"scheme"`
	Value  string `json:"value"`
}

// CIPayload is one CI snapshot from a source system.
type CIPayload struct {
	Name       string            `json:"name"`
	CIType     string            `json:"ci_type"`
	Owner      string            `json:"owner"`
	Attributes store.JSONMap     `json:"attributes"`
	Identities []IdentityPayload `json:"identities"`
	LastSeenAt time.Time         `json:"last_seen_at"` // zero means now
}

// RelationshipRef names one endpoint of a relationship, by CI id or identity.
type RelationshipRef struct {
	CIID     string           `json:"ci_id"`
	Identity *IdentityPayload `json:"identity"`
}

// RelationshipPayload is one edge from a source system.
type RelationshipPayload struct {
	SourceRef    RelationshipRef `json:"source_ref"`
	TargetRef    RelationshipRef `json:"target_ref"`
	RelationType string          `json:"relation_type"`
}

// Reconciler applies snapshots inside a caller-provided transaction.
type Reconciler struct {
	cfg      *config.Settings
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *log.Logger
}

// NewReconciler wires the reconciler; metrics may be nil.
func NewReconciler(cfg *config.Settings, notifier notify.Notifier, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
	}
}

func (r *Reconciler) incomingHasPrecedence(existingSource, incomingSource string) bool {
	return r.cfg.SourceRank(incomingSource) <= r.cfg.SourceRank(existingSource)
}

// ReconcileCI merges one snapshot. It returns the surviving CI, whether it
// was created, and how many collisions the snapshot opened.
func (r *Reconciler) ReconcileCI(ctx context.Context, st store.Store, source string, payload CIPayload) (*store.CI, bool, int, error) {
	now := clock.Normalize(payload.LastSeenAt)
	if now.IsZero() {
		now = clock.UTCNow()
	}

	// Identity order decides the survivor when identities span several CIs.
	var matched []*store.CI
	seen := map[string]struct{}{}
	for _, ident := range payload.Identities {
		ci, err := st.FindCIByIdentity(ctx, ident.Scheme, ident.Value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, 0, err
		}
		if _, dup := seen[ci.ID]; !dup {
			seen[ci.ID] = struct{}{}
			matched = append(matched, ci)
		}
	}

	if len(matched) == 0 {
		ci := &store.CI{
			ID:         uuid.NewString(),
			Name:       payload.Name,
			CIType:     payload.CIType,
			Source:     source,
			Owner:      payload.Owner,
			Status:     store.CIStatusActive,
			Attributes: payload.Attributes,
			LastSeenAt: now,
			CreatedAt:  clock.UTCNow(),
			UpdatedAt:  clock.UTCNow(),
		}
		if ci.Attributes == nil {
			ci.Attributes = store.JSONMap{}
		}
		if err := st.CreateCI(ctx, ci); err != nil {
			return nil, false, 0, err
		}
		collisions, err := r.ensureIdentities(ctx, st, ci, payload, source)
		if err != nil {
			return nil, false, 0, err
		}

		identities := make([]store.JSONMap, 0, len(payload.Identities))
		for _, ident := range payload.Identities {
			identities = append(identities, store.JSONMap{"scheme": ident.Scheme, "value": ident.Value})
		}
		if err := appendEvent(ctx, st, "ci.created", ci.ID, store.JSONMap{
			"source":     source,
			"identities": identities,
		}); err != nil {
			return nil, false, 0, err
		}
		if ci.Owner == "" {
			if err := r.flagMissingOwner(ctx, st, ci); err != nil {
				return nil, false, 0, err
			}
		}
		if r.metrics != nil {
			r.metrics.CIsReconciled.WithLabelValues("created").Inc()
		}
		return ci, true, collisions, nil
	}

	// First identity match survives. Every further matched CI is recorded
	// as a collision against the survivor, one per contested identity.
	ci := matched[0]
	collisions := 0
	if len(matched) > 1 {
		r.logger.Printf("Snapshot spans %d CIs (survivor=%s source=%s)", len(matched), ci.ID, source)
	}
	for _, conflict := range matched[1:] {
		for _, ident := range payload.Identities {
			holder, err := st.FindCIByIdentity(ctx, ident.Scheme, ident.Value)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, false, 0, err
			}
			if holder.ID == ci.ID {
				continue
			}
			opened, err := r.openCollision(ctx, st, ident.Scheme, ident.Value, ci.ID, conflict.ID, source)
			if err != nil {
				return nil, false, 0, err
			}
			if opened {
				collisions++
			}
		}
	}

	if r.incomingHasPrecedence(ci.Source, source) {
		ci.Name = payload.Name
		ci.CIType = payload.CIType
		ci.Owner = payload.Owner
		ci.Attributes = payload.Attributes
		if ci.Attributes == nil {
			ci.Attributes = store.JSONMap{}
		}
		ci.Source = source
		if err := appendEvent(ctx, st, "ci.updated", ci.ID, store.JSONMap{"source": source}); err != nil {
			return nil, false, 0, err
		}
		if r.metrics != nil {
			r.metrics.CIsReconciled.WithLabelValues("updated").Inc()
		}
	} else {
		if err := appendEvent(ctx, st, "ci.reconcile.skipped_by_precedence", ci.ID, store.JSONMap{
			"existing_source": ci.Source,
			"incoming_source": source,
		}); err != nil {
			return nil, false, 0, err
		}
		if r.metrics != nil {
			r.metrics.CIsReconciled.WithLabelValues("skipped").Inc()
		}
	}

	// last_seen_at is monotonic: a stale snapshot never rolls it back.
	if now.After(ci.LastSeenAt) {
		ci.LastSeenAt = now
	}
	ci.UpdatedAt = clock.UTCNow()
	if err := st.UpdateCI(ctx, ci); err != nil {
		return nil, false, 0, err
	}

	more, err := r.ensureIdentities(ctx, st, ci, payload, source)
	if err != nil {
		return nil, false, 0, err
	}
	collisions += more

	if ci.Owner == "" {
		if err := r.flagMissingOwner(ctx, st, ci); err != nil {
			return nil, false, 0, err
		}
	}
	return ci, false, collisions, nil
}

// ensureIdentities binds the payload identities to ci, opening a collision
// for every identity already held by another CI.
func (r *Reconciler) ensureIdentities(ctx context.Context, st store.Store, ci *store.CI, payload CIPayload, source string) (int, error) {
	collisions := 0
	for _, ident := range payload.Identities {
		match, err := st.FindIdentity(ctx, ident.Scheme, ident.Value)
		if errors.Is(err, store.ErrNotFound) {
			newIdent := &store.Identity{
				CIID:      ci.ID,
				Scheme:    ident.Scheme,
				Value:     ident.Value,
				CreatedAt: clock.UTCNow(),
			}
			if err := st.CreateIdentity(ctx, newIdent); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if match.CIID == ci.ID {
			continue
		}
		opened, err := r.openCollision(ctx, st, ident.Scheme, ident.Value, match.CIID, ci.ID, source)
		if err != nil {
			return 0, err
		}
		if opened {
			collisions++
		}
	}
	return collisions, nil
}

// openCollision records an OPEN collision unless the same quadruple is
// already open, keeping repeated snapshots idempotent.
func (r *Reconciler) openCollision(ctx context.Context, st store.Store, scheme, value, existingCIID, incomingCIID, source string) (bool, error) {
	_, err := st.FindOpenCollision(ctx, scheme, value, existingCIID, incomingCIID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	collision := &store.Collision{
		Scheme:       scheme,
		Value:        value,
		ExistingCIID: existingCIID,
		IncomingCIID: incomingCIID,
		Status:       store.CollisionOpen,
		CreatedAt:    clock.UTCNow(),
	}
	if err := st.CreateCollision(ctx, collision); err != nil {
		return false, err
	}
	details := store.JSONMap{
		"scheme":         scheme,
		"value":          value,
		"existing_ci_id": existingCIID,
		"incoming_ci_id": incomingCIID,
		"source":         source,
	}
	if err := appendEvent(ctx, st, "governance.collision.detected", existingCIID, details); err != nil {
		return false, err
	}
	if r.metrics != nil {
		r.metrics.CollisionsOpened.Inc()
	}
	r.notifier.CreateIssue(fmt.Sprintf("Identity collision: %s:%s", scheme, value), details)
	return true, nil
}

func (r *Reconciler) flagMissingOwner(ctx context.Context, st store.Store, ci *store.CI) error {
	r.notifier.CreateIssue("Missing CI ownership", map[string]any{"ci_id": ci.ID, "name": ci.Name})
	return appendEvent(ctx, st, "governance.owner.missing", ci.ID, store.JSONMap{
		"ci_id": ci.ID,
		"name":  ci.Name,
	})
}

// ResolveRef finds the CI a relationship endpoint points at.
func ResolveRef(ctx context.Context, st store.Store, ref RelationshipRef) (*store.CI, error) {
	if ref.CIID != "" {
		return st.GetCI(ctx, ref.CIID)
	}
	if ref.Identity != nil && ref.Identity.Scheme != "" && ref.Identity.Value != "" {
		return st.FindCIByIdentity(ctx, ref.Identity.Scheme, ref.Identity.Value)
	}
	return nil, store.ErrNotFound
}

func appendEvent(ctx context.Context, st store.Store, eventType, ciID string, payload store.JSONMap) error {
	return st.AppendAuditEvent(ctx, &store.AuditEvent{
		CIID:      ciID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: clock.UTCNow(),
	})
}
