package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
)

func testSettings() *config.Settings {
	return &config.Settings{
		MaxBulkItems:            100,
		SyncJobMaxAttempts:      3,
		SyncJobRetryBaseSeconds: 60,

		SyncSchedulerEnabled:                     true,
		SyncScheduleNetboxImportEnabled:          true,
		SyncScheduleNetboxImportIntervalSeconds:  900,
		SyncScheduleNetboxImportLimit:            500,
		SyncScheduleBackstageSyncEnabled:         false,
		SyncScheduleBackstageSyncIntervalSeconds: 900,

		NetboxSyncEnabled: true,
		NetboxAPIURL:      "https://netbox.example.com",
		NetboxAPIToken:    "token",

		MakerCheckerDefaultTTLMinutes:  30,
		ApprovalCleanupIntervalSeconds: 60,
	}
}

func newScheduler(cfg *config.Settings, db *store.MemDB) *Scheduler {
	queue := syncjobs.NewQueue(cfg, db, nil, nil, nil, nil)
	return New(cfg, db, queue, approvals.NewService(cfg))
}

func evaluate(t *testing.T, db *store.MemDB, s *Scheduler) {
	t.Helper()
	err := db.WithTx(context.Background(), func(st store.Store) error {
		return s.EvaluateSchedules(context.Background(), st)
	})
	require.NoError(t, err)
}

func auditTypes(db *store.MemDB) []string {
	var types []string
	db.View(func(st store.Store) {
		events, _ := st.ListAuditEvents(context.Background(), 100)
		for _, ev := range events {
			types = append(types, ev.EventType)
		}
	})
	return types
}

func TestEvaluateSchedules_TriggersDueSchedule(t *testing.T) {
	db := store.NewMemDB()
	s := newScheduler(testSettings(), db)

	evaluate(t, db, s)

	db.View(func(st store.Store) {
		jobs, err := st.ListSyncJobs(context.Background(), 10, "")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, syncjobs.JobTypeNetboxImport, jobs[0].JobType)
		assert.Equal(t, Principal, jobs[0].RequestedBy)
		assert.EqualValues(t, 500, jobs[0].Payload["limit"])
		assert.Equal(t, true, jobs[0].Payload["incremental"])

		_, ok, err := st.ReadSyncState(context.Background(), stateKey("netbox-import"))
		require.NoError(t, err)
		assert.True(t, ok, "a triggered schedule records its next run")
	})
	assert.Contains(t, auditTypes(db), "integration.schedule.triggered")
}

func TestEvaluateSchedules_NotDueAgainUntilInterval(t *testing.T) {
	db := store.NewMemDB()
	s := newScheduler(testSettings(), db)

	evaluate(t, db, s)
	evaluate(t, db, s)

	db.View(func(st store.Store) {
		jobs, err := st.ListSyncJobs(context.Background(), 10, "")
		require.NoError(t, err)
		assert.Len(t, jobs, 1, "the second pass inside the interval must not enqueue")
	})
}

func TestEvaluateSchedules_SkipsWhenNotReady(t *testing.T) {
	cfg := testSettings()
	cfg.NetboxAPIToken = ""
	db := store.NewMemDB()
	s := newScheduler(cfg, db)

	evaluate(t, db, s)

	db.View(func(st store.Store) {
		jobs, err := st.ListSyncJobs(context.Background(), 10, "")
		require.NoError(t, err)
		assert.Empty(t, jobs)

		events, err := st.ListAuditEvents(context.Background(), 10)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, "integration.schedule.skipped", events[0].EventType)
		assert.Equal(t, "netbox_api_token_missing", events[0].Payload["reason"])

		_, ok, err := st.ReadSyncState(context.Background(), stateKey("netbox-import"))
		require.NoError(t, err)
		assert.True(t, ok, "a skipped schedule still advances so it cannot spin")
	})
}

func TestEvaluateSchedules_SkipsWhileJobInflight(t *testing.T) {
	db := store.NewMemDB()
	cfg := testSettings()
	s := newScheduler(cfg, db)

	evaluate(t, db, s)

	// Force the schedule due again while the first job is still queued.
	err := db.WithTx(context.Background(), func(st store.Store) error {
		return st.WriteSyncState(context.Background(), stateKey("netbox-import"), "2000-01-01T00:00:00Z")
	})
	require.NoError(t, err)

	evaluate(t, db, s)

	db.View(func(st store.Store) {
		jobs, err := st.ListSyncJobs(context.Background(), 10, "")
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	skipped := false
	db.View(func(st store.Store) {
		events, _ := st.ListAuditEvents(context.Background(), 100)
		for _, ev := range events {
			if ev.EventType == "integration.schedule.skipped" && ev.Payload["reason"] == "job_already_inflight" {
				skipped = true
			}
		}
	})
	assert.True(t, skipped)
}

func TestEvaluateSchedules_DisabledScheduleIgnored(t *testing.T) {
	cfg := testSettings()
	cfg.SyncScheduleNetboxImportEnabled = false
	db := store.NewMemDB()
	s := newScheduler(cfg, db)

	evaluate(t, db, s)

	db.View(func(st store.Store) {
		jobs, err := st.ListSyncJobs(context.Background(), 10, "")
		require.NoError(t, err)
		assert.Empty(t, jobs)
		_, ok, err := st.ReadSyncState(context.Background(), stateKey("netbox-import"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
	assert.Empty(t, auditTypes(db))
}

func TestTick_SweepsExpiredApprovals(t *testing.T) {
	cfg := testSettings()
	cfg.SyncSchedulerEnabled = false
	db := store.NewMemDB()
	s := newScheduler(cfg, db)
	approvalSvc := approvals.NewService(cfg)

	var approval *store.Approval
	err := db.WithTx(context.Background(), func(st store.Store) error {
		var err error
		approval, err = approvalSvc.Create(context.Background(), st, approvals.CreateRequest{
			Method: "POST", Path: "/lifecycle/run", RequestedBy: "user:maker",
		})
		if err != nil {
			return err
		}
		stored, err := st.GetApproval(context.Background(), approval.ID)
		if err != nil {
			return err
		}
		stored.ExpiresAt = stored.CreatedAt.Add(-1)
		return st.UpdateApproval(context.Background(), stored)
	})
	require.NoError(t, err)

	require.NoError(t, s.Tick(context.Background()))

	db.View(func(st store.Store) {
		stored, err := st.GetApproval(context.Background(), approval.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ApprovalRejected, stored.Status)
		assert.Equal(t, approvals.SweeperPrincipal, stored.DecidedBy)
	})
}
