package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func testSettings() *config.Settings {
	return &config.Settings{
		LifecycleStagingDays: 30,
		LifecycleReviewDays:  90,
		LifecycleRetiredDays: 120,
	}
}

func seedCI(t *testing.T, db *store.MemDB, id string, inactiveDays int) {
	t.Helper()
	now := clock.UTCNow()
	lastSeen := now.Add(-time.Duration(inactiveDays) * 24 * time.Hour)
	err := db.WithTx(context.Background(), func(st store.Store) error {
		return st.CreateCI(context.Background(), &store.CI{
			ID:         id,
			Name:       id,
			CIType:     "server",
			Source:     "zabbix",
			Owner:      "ops",
			Status:     store.CIStatusActive,
			Attributes: store.JSONMap{},
			LastSeenAt: lastSeen,
			CreatedAt:  lastSeen,
			UpdatedAt:  lastSeen,
		})
	})
	require.NoError(t, err)
}

func link(t *testing.T, db *store.MemDB, sourceID, targetID string) {
	t.Helper()
	err := db.WithTx(context.Background(), func(st store.Store) error {
		return st.CreateRelationship(context.Background(), &store.Relationship{
			SourceCIID:   sourceID,
			TargetCIID:   targetID,
			RelationType: "depends_on",
			Source:       "manual",
			CreatedAt:    clock.UTCNow(),
		})
	})
	require.NoError(t, err)
}

func runSweep(t *testing.T, db *store.MemDB, svc *Service) int {
	t.Helper()
	transitioned := 0
	err := db.WithTx(context.Background(), func(st store.Store) error {
		var err error
		transitioned, err = svc.Run(context.Background(), st)
		return err
	})
	require.NoError(t, err)
	return transitioned
}

func ciStatus(t *testing.T, db *store.MemDB, id string) string {
	t.Helper()
	status := ""
	db.View(func(st store.Store) {
		ci, err := st.GetCI(context.Background(), id)
		require.NoError(t, err)
		status = ci.Status
	})
	return status
}

func TestRun_TransitionsByInactivity(t *testing.T) {
	db := store.NewMemDB()
	notifier := &notify.RecordingNotifier{}
	svc := NewService(testSettings(), notifier, nil)

	seedCI(t, db, "fresh", 5)
	seedCI(t, db, "staging", 35)
	seedCI(t, db, "review", 95)
	seedCI(t, db, "retired", 130)
	// Everything linked so the sweep reports transitions, not orphans.
	link(t, db, "fresh", "staging")
	link(t, db, "review", "retired")

	transitioned := runSweep(t, db, svc)
	assert.Equal(t, 3, transitioned)
	assert.Equal(t, store.CIStatusActive, ciStatus(t, db, "fresh"))
	assert.Equal(t, store.CIStatusStaging, ciStatus(t, db, "staging"))
	assert.Equal(t, store.CIStatusRetirementReview, ciStatus(t, db, "review"))
	assert.Equal(t, store.CIStatusRetired, ciStatus(t, db, "retired"))

	// Only the RETIREMENT_REVIEW entry raises a ticket.
	require.Len(t, notifier.Issues, 1)
	assert.Equal(t, "CI retirement review", notifier.Issues[0].Summary)
	assert.Equal(t, "review", notifier.Issues[0].Details["ci_id"])

	db.View(func(st store.Store) {
		events, err := st.ListCIAuditEvents(context.Background(), "review")
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, "ci.lifecycle.transitioned", events[0].EventType)
		assert.Equal(t, store.CIStatusActive, events[0].Payload["from"])
		assert.Equal(t, store.CIStatusRetirementReview, events[0].Payload["to"])
	})
}

func TestRun_SecondSweepIsIdempotent(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings(), &notify.RecordingNotifier{}, nil)

	seedCI(t, db, "review", 95)
	link(t, db, "review", "review")

	assert.Equal(t, 1, runSweep(t, db, svc))
	assert.Equal(t, 0, runSweep(t, db, svc), "a settled CI must not transition again")
	assert.Equal(t, store.CIStatusRetirementReview, ciStatus(t, db, "review"))
}

func TestRun_ReactivatesOnFreshSighting(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings(), &notify.RecordingNotifier{}, nil)

	seedCI(t, db, "bounced", 95)
	link(t, db, "bounced", "bounced")
	require.Equal(t, 1, runSweep(t, db, svc))

	err := db.WithTx(context.Background(), func(st store.Store) error {
		ci, err := st.GetCI(context.Background(), "bounced")
		if err != nil {
			return err
		}
		ci.LastSeenAt = clock.UTCNow()
		return st.UpdateCI(context.Background(), ci)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, runSweep(t, db, svc))
	assert.Equal(t, store.CIStatusActive, ciStatus(t, db, "bounced"))
}

func TestRun_FlagsOrphans(t *testing.T) {
	db := store.NewMemDB()
	notifier := &notify.RecordingNotifier{}
	svc := NewService(testSettings(), notifier, nil)

	seedCI(t, db, "island", 5)
	seedCI(t, db, "linked-a", 5)
	seedCI(t, db, "linked-b", 5)
	link(t, db, "linked-a", "linked-b")

	runSweep(t, db, svc)

	require.Len(t, notifier.Issues, 1)
	assert.Equal(t, "Orphan CI detected", notifier.Issues[0].Summary)
	assert.Equal(t, "island", notifier.Issues[0].Details["ci_id"])

	db.View(func(st store.Store) {
		events, err := st.ListCIAuditEvents(context.Background(), "island")
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, "governance.orphan.detected", events[0].EventType)
	})
}
