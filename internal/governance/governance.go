// Package governance manages the human review queue for identity collisions.
package governance

import (
	"context"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

// Service reviews collisions inside a caller-provided transaction.
type Service struct{}

// NewService returns the governance review service.
func NewService() *Service {
	return &Service{}
}

// ListCollisions returns collisions filtered by status; empty status means all.
func (s *Service) ListCollisions(ctx context.Context, st store.Store, status string) ([]store.Collision, error) {
	return st.ListCollisions(ctx, status)
}

// ResolveCollision marks a collision RESOLVED with the reviewer's note.
// Resolving an already resolved collision just refreshes the note.
func (s *Service) ResolveCollision(ctx context.Context, st store.Store, id int64, note string) (*store.Collision, error) {
	collision, err := st.GetCollision(ctx, id)
	if err != nil {
		return nil, err
	}
	now := clock.UTCNow()
	collision.Status = store.CollisionResolved
	collision.ResolutionNote = note
	collision.ResolvedAt = &now
	if err := st.UpdateCollision(ctx, collision); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, st, "governance.collision.resolved", collision.ExistingCIID, store.JSONMap{
		"collision_id":    collision.ID,
		"scheme":          collision.Scheme,
		"value":           collision.Value,
		"resolution_note": note,
	}, now); err != nil {
		return nil, err
	}
	return collision, nil
}

// ReopenCollision puts a collision back in the review queue, clearing the
// previous resolution.
func (s *Service) ReopenCollision(ctx context.Context, st store.Store, id int64, note string) (*store.Collision, error) {
	collision, err := st.GetCollision(ctx, id)
	if err != nil {
		return nil, err
	}
	collision.Status = store.CollisionOpen
	collision.ResolutionNote = ""
	collision.ResolvedAt = nil
	if err := st.UpdateCollision(ctx, collision); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, st, "governance.collision.reopened", collision.ExistingCIID, store.JSONMap{
		"collision_id": collision.ID,
		"scheme":       collision.Scheme,
		"value":        collision.Value,
		"reopen_note":  note,
	}, clock.UTCNow()); err != nil {
		return nil, err
	}
	return collision, nil
}

func appendEvent(ctx context.Context, st store.Store, eventType, ciID string, payload store.JSONMap, at time.Time) error {
	return st.AppendAuditEvent(ctx, &store.AuditEvent{
		CIID:      ciID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: at,
	})
}
