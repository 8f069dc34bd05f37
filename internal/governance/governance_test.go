package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func seedCollision(t *testing.T, db *store.MemDB) int64 {
	t.Helper()
	var id int64
	err := db.WithTx(context.Background(), func(st store.Store) error {
		collision := &store.Collision{
			Scheme:       "hostname",
			Value:        "web-01",
			ExistingCIID: "ci-a",
			IncomingCIID: "ci-b",
			Status:       store.CollisionOpen,
			CreatedAt:    clock.UTCNow(),
		}
		if err := st.CreateCollision(context.Background(), collision); err != nil {
			return err
		}
		id = collision.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

func TestResolveCollision(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService()
	id := seedCollision(t, db)

	var resolved *store.Collision
	err := db.WithTx(context.Background(), func(st store.Store) error {
		var err error
		resolved, err = svc.ResolveCollision(context.Background(), st, id, "merged manually")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, store.CollisionResolved, resolved.Status)
	assert.Equal(t, "merged manually", resolved.ResolutionNote)
	require.NotNil(t, resolved.ResolvedAt)

	db.View(func(st store.Store) {
		open, err := st.CountOpenCollisions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, open)

		events, err := st.ListAuditEvents(context.Background(), 10)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, "governance.collision.resolved", events[0].EventType)
	})
}

func TestReopenCollision(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService()
	id := seedCollision(t, db)

	err := db.WithTx(context.Background(), func(st store.Store) error {
		_, err := svc.ResolveCollision(context.Background(), st, id, "resolved in error")
		return err
	})
	require.NoError(t, err)

	var reopened *store.Collision
	err = db.WithTx(context.Background(), func(st store.Store) error {
		var err error
		reopened, err = svc.ReopenCollision(context.Background(), st, id, "needs another look")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, store.CollisionOpen, reopened.Status)
	assert.Empty(t, reopened.ResolutionNote)
	assert.Nil(t, reopened.ResolvedAt)
}

func TestResolveCollision_NotFound(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService()
	err := db.WithTx(context.Background(), func(st store.Store) error {
		_, err := svc.ResolveCollision(context.Background(), st, 9999, "")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListCollisions_FiltersByStatus(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService()
	first := seedCollision(t, db)
	seedCollision(t, db)

	err := db.WithTx(context.Background(), func(st store.Store) error {
		_, err := svc.ResolveCollision(context.Background(), st, first, "done")
		return err
	})
	require.NoError(t, err)

	db.View(func(st store.Store) {
		open, err := svc.ListCollisions(context.Background(), st, store.CollisionOpen)
		require.NoError(t, err)
		assert.Len(t, open, 1)

		all, err := svc.ListCollisions(context.Background(), st, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}
