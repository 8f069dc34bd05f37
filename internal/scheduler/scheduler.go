// Package scheduler owns the periodic background work: turning enabled sync
// schedules into queued jobs and sweeping expired approvals. One goroutine
// handles both concerns on a shared tick.
package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
)

// Principal recorded on jobs the scheduler enqueues. At most one inflight
// scheduler job per job type is allowed.
const Principal = "scheduler"

// schedule is one named periodic trigger.
type schedule struct {
	Name     string
	JobType  string
	Enabled  bool
	Interval time.Duration
	Payload  store.JSONMap
	Ready    func() (bool, string)
}

func stateKey(name string) string {
	return "sync.schedule." + name + ".next_run_at"
}

// Scheduler evaluates schedules and sweeps approvals on a background loop.
type Scheduler struct {
	cfg       *config.Settings
	db        store.DB
	queue     *syncjobs.Queue
	approvals *approvals.Service
	logger    *log.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	lastSweep time.Time
}

// New wires the scheduler.
func New(cfg *config.Settings, db store.DB, queue *syncjobs.Queue, approvalSvc *approvals.Service) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		db:        db,
		queue:     queue,
		approvals: approvalSvc,
		logger:    log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// schedules builds the evaluation set from the current settings.
func (s *Scheduler) schedules() []schedule {
	return []schedule{
		{
			Name:     "netbox-import",
			JobType:  syncjobs.JobTypeNetboxImport,
			Enabled:  s.cfg.SyncScheduleNetboxImportEnabled,
			Interval: time.Duration(s.cfg.SyncScheduleNetboxImportIntervalSeconds) * time.Second,
			Payload: store.JSONMap{
				"limit":       s.cfg.SyncScheduleNetboxImportLimit,
				"incremental": true,
			},
			Ready: func() (bool, string) {
				if !s.cfg.NetboxSyncEnabled {
					return false, "netbox_sync_disabled"
				}
				if strings.TrimSpace(s.cfg.NetboxAPIURL) == "" {
					return false, "netbox_api_url_missing"
				}
				if strings.TrimSpace(s.cfg.NetboxAPIToken) == "" {
					return false, "netbox_api_token_missing"
				}
				return true, ""
			},
		},
		{
			Name:     "backstage-sync",
			JobType:  syncjobs.JobTypeBackstageSync,
			Enabled:  s.cfg.SyncScheduleBackstageSyncEnabled,
			Interval: time.Duration(s.cfg.SyncScheduleBackstageSyncIntervalSeconds) * time.Second,
			Payload: store.JSONMap{
				"limit": s.cfg.SyncScheduleBackstageSyncLimit,
			},
			Ready: func() (bool, string) {
				if !s.cfg.BackstageSyncEnabled {
					return false, "backstage_sync_disabled"
				}
				if strings.TrimSpace(s.cfg.BackstageSyncURL) == "" {
					return false, "backstage_sync_url_missing"
				}
				if strings.TrimSpace(s.cfg.BackstageSyncToken) == "" && strings.TrimSpace(s.cfg.BackstageSyncSecret) == "" {
					return false, "backstage_auth_missing"
				}
				return true, ""
			},
		},
	}
}

// EvaluateSchedules runs one evaluation pass over every enabled schedule.
// A due schedule always advances its next_run_at, even when it is skipped,
// so a misconfigured target cannot make the loop spin.
func (s *Scheduler) EvaluateSchedules(ctx context.Context, st store.Store) error {
	now := clock.UTCNow()
	for _, sched := range s.schedules() {
		if !sched.Enabled || sched.Interval <= 0 {
			continue
		}
		key := stateKey(sched.Name)
		raw, ok, err := st.ReadSyncState(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			if next := clock.ParseISO(raw); !next.IsZero() && now.Before(next) {
				continue
			}
		}

		nextRun := now.Add(sched.Interval)
		if err := st.WriteSyncState(ctx, key, clock.FormatISO(nextRun)); err != nil {
			return err
		}

		if ready, reason := sched.Ready(); !ready {
			if err := st.AppendAuditEvent(ctx, &store.AuditEvent{
				EventType: "integration.schedule.skipped",
				Payload: store.JSONMap{
					"schedule": sched.Name,
					"job_type": sched.JobType,
					"reason":   reason,
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			continue
		}

		inflight, err := st.HasActiveSyncJob(ctx, sched.JobType, Principal)
		if err != nil {
			return err
		}
		if inflight {
			if err := st.AppendAuditEvent(ctx, &store.AuditEvent{
				EventType: "integration.schedule.skipped",
				Payload: store.JSONMap{
					"schedule": sched.Name,
					"job_type": sched.JobType,
					"reason":   "job_already_inflight",
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			continue
		}

		job, err := s.queue.Enqueue(ctx, st, sched.JobType, sched.Payload, Principal, 0)
		if err != nil {
			return err
		}
		if err := st.AppendAuditEvent(ctx, &store.AuditEvent{
			EventType: "integration.schedule.triggered",
			Payload: store.JSONMap{
				"schedule": sched.Name,
				"job_type": sched.JobType,
				"job_id":   job.ID,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		s.logger.Printf("Schedule %s triggered job %s", sched.Name, job.ID)
	}
	return nil
}

// Tick runs one scheduler pass: schedule evaluation and, when the cleanup
// interval has elapsed, the approval expiry sweep.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.cfg.SyncSchedulerEnabled {
		if err := s.db.WithTx(ctx, func(st store.Store) error {
			return s.EvaluateSchedules(ctx, st)
		}); err != nil {
			return err
		}
	}

	interval := time.Duration(s.cfg.ApprovalCleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	now := clock.UTCNow()
	if now.Sub(s.lastSweep) < interval {
		return nil
	}
	s.lastSweep = now
	return s.db.WithTx(ctx, func(st store.Store) error {
		_, err := s.approvals.SweepExpired(ctx, st)
		return err
	})
}

// Start launches the background loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	go s.loop(s.stopCh, s.doneCh)
}

// Stop signals the loop and waits up to five seconds for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Println("Scheduler did not stop in time")
	}
	s.running = false
}

func (s *Scheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	s.logger.Println("Scheduler started")

	pollSeconds := s.cfg.SyncWorkerPollSeconds
	if pollSeconds < 1 {
		pollSeconds = 1
	}
	ticker := time.NewTicker(time.Duration(pollSeconds) * time.Second)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			s.logger.Println("Scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Printf("Scheduler tick error: %v", err)
			}
		}
	}
}
