// Package syncjobs is the durable integration job queue. Jobs are rows in
// the database; the claim is a conditional status flip so concurrent
// workers can never both run the same job.
package syncjobs

import (
	"context"
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

// Supported job types.
const (
	JobTypeNetboxImport  = "netbox.import"
	JobTypeBackstageSync = "backstage.sync"
)

// NetboxRunner executes one NetBox import batch.
type NetboxRunner interface {
	RunImport(ctx context.Context, st store.Store, limit int, dryRun, incremental bool) (map[string]any, error)
}

// BackstageRunner pushes one Backstage sync batch.
type BackstageRunner interface {
	RunBackstageSync(ctx context.Context, st store.Store, limit int, dryRun bool) (map[string]any, error)
}

// Queue enqueues, claims, and executes sync jobs.
type Queue struct {
	cfg       *config.Settings
	db        store.DB
	netbox    NetboxRunner
	publisher BackstageRunner
	hub       *telemetry.Hub
	metrics   *telemetry.Metrics
	logger    *log.Logger
}

// NewQueue wires the queue; hub and metrics may be nil.
func NewQueue(cfg *config.Settings, db store.DB, netbox NetboxRunner, publisher BackstageRunner, hub *telemetry.Hub, metrics *telemetry.Metrics) *Queue {
	return &Queue{
		cfg:       cfg,
		db:        db,
		netbox:    netbox,
		publisher: publisher,
		hub:       hub,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[SYNCJOBS] ", log.LstdFlags),
	}
}

// Enqueue stores a QUEUED job, due immediately. maxAttempts <= 0 uses the
// configured default, clamped to at least one attempt.
func (q *Queue) Enqueue(ctx context.Context, st store.Store, jobType string, payload store.JSONMap, requestedBy string, maxAttempts int) (*store.SyncJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.SyncJobMaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if payload == nil {
		payload = store.JSONMap{}
	}
	now := clock.UTCNow()
	job := &store.SyncJob{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Status:      store.JobQueued,
		RequestedBy: requestedBy,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
	}
	if err := st.CreateSyncJob(ctx, job); err != nil {
		return nil, err
	}
	if err := st.AppendAuditEvent(ctx, &store.AuditEvent{
		EventType: "integration.job.queued",
		Payload: store.JSONMap{
			"job_id":       job.ID,
			"job_type":     job.JobType,
			"requested_by": requestedBy,
			"payload":      payload,
		},
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	}
	return job, nil
}

// retryDelay implements exponential backoff: base * 2^(attempt-1).
func (q *Queue) retryDelay(attemptCount int) time.Duration {
	base := q.cfg.SyncJobRetryBaseSeconds
	if base < 1 {
		base = 1
	}
	exponent := attemptCount - 1
	if exponent < 0 {
		exponent = 0
	}
	return time.Duration(base) * time.Second << exponent
}

// claimNext selects the oldest due job and flips it to RUNNING. The flip
// and the started audit event commit together; a lost race yields nil.
func (q *Queue) claimNext(ctx context.Context) (*store.SyncJob, error) {
	var claimed *store.SyncJob
	err := q.db.WithTx(ctx, func(st store.Store) error {
		now := clock.UTCNow()
		candidate, err := st.NextDueSyncJob(ctx, now)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		ok, err := st.ClaimSyncJob(ctx, candidate.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := st.AppendAuditEvent(ctx, &store.AuditEvent{
			EventType: "integration.job.started",
			Payload:   store.JSONMap{"job_id": candidate.ID, "job_type": candidate.JobType},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		claimed, err = st.GetSyncJob(ctx, candidate.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func payloadInt(payload store.JSONMap, key string, fallback int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func payloadBool(payload store.JSONMap, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func payloadBoolDefault(payload store.JSONMap, key string, fallback bool) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return fallback
}

// execute runs the claimed job's work in its own transaction. Dry runs do
// the full write path and then roll back.
func (q *Queue) execute(ctx context.Context, job *store.SyncJob) (map[string]any, error) {
	limit := payloadInt(job.Payload, "limit", q.cfg.MaxBulkItems)
	dryRun := payloadBool(job.Payload, "dry_run")

	var result map[string]any
	run := func(st store.Store) error {
		var err error
		switch job.JobType {
		case JobTypeNetboxImport:
			incremental := payloadBoolDefault(job.Payload, "incremental", true)
			result, err = q.netbox.RunImport(ctx, st, limit, dryRun, incremental)
		case JobTypeBackstageSync:
			result, err = q.publisher.RunBackstageSync(ctx, st, limit, dryRun)
		default:
			err = errors.New("unsupported_sync_job_type")
		}
		return err
	}
	var err error
	if dryRun {
		err = q.db.WithRollback(ctx, run)
	} else {
		err = q.db.WithTx(ctx, run)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (q *Queue) completeSuccess(ctx context.Context, jobID string, result map[string]any) error {
	return q.db.WithTx(ctx, func(st store.Store) error {
		job, err := st.GetSyncJob(ctx, jobID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		now := clock.UTCNow()
		job.Status = store.JobSucceeded
		job.CompletedAt = &now
		job.Result = result
		if err := st.UpdateSyncJob(ctx, job); err != nil {
			return err
		}
		if q.metrics != nil {
			q.metrics.JobsFinished.WithLabelValues(job.JobType, "succeeded").Inc()
		}
		return st.AppendAuditEvent(ctx, &store.AuditEvent{
			EventType: "integration.job.succeeded",
			Payload:   store.JSONMap{"job_id": job.ID, "job_type": job.JobType, "result": result},
			CreatedAt: now,
		})
	})
}

// classifyError maps an execution error onto the audit error vocabulary.
// Raw error text can embed request URLs and response fragments; only the
// classified slug reaches the job row and the audit trail.
func classifyError(err error) string {
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		return "upstream_http_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream_request_error"
	}
	if slug := err.Error(); isErrorSlug(slug) {
		return slug
	}
	return "job_execution_failed"
}

// isErrorSlug reports whether s already is a lowercase_underscore slug.
func isErrorSlug(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// completeFailure reschedules the job with backoff while attempts remain,
// otherwise parks it as FAILED.
func (q *Queue) completeFailure(ctx context.Context, jobID, errorMessage string) error {
	return q.db.WithTx(ctx, func(st store.Store) error {
		job, err := st.GetSyncJob(ctx, jobID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		now := clock.UTCNow()
		job.LastError = errorMessage
		if job.AttemptCount < job.MaxAttempts {
			delay := q.retryDelay(job.AttemptCount)
			job.Status = store.JobQueued
			job.NextRunAt = now.Add(delay)
			if err := st.UpdateSyncJob(ctx, job); err != nil {
				return err
			}
			if q.metrics != nil {
				q.metrics.JobsFinished.WithLabelValues(job.JobType, "retried").Inc()
			}
			return st.AppendAuditEvent(ctx, &store.AuditEvent{
				EventType: "integration.job.retry_scheduled",
				Payload: store.JSONMap{
					"job_id":           job.ID,
					"job_type":         job.JobType,
					"attempt_count":    job.AttemptCount,
					"max_attempts":     job.MaxAttempts,
					"retry_in_seconds": int(delay.Seconds()),
					"error":            errorMessage,
				},
				CreatedAt: now,
			})
		}

		job.Status = store.JobFailed
		job.CompletedAt = &now
		if err := st.UpdateSyncJob(ctx, job); err != nil {
			return err
		}
		if q.metrics != nil {
			q.metrics.JobsFinished.WithLabelValues(job.JobType, "failed").Inc()
		}
		if q.hub != nil {
			q.hub.Record(telemetry.EventSyncJobFailed)
		}
		return st.AppendAuditEvent(ctx, &store.AuditEvent{
			EventType: "integration.job.failed",
			Payload: store.JSONMap{
				"job_id":        job.ID,
				"job_type":      job.JobType,
				"attempt_count": job.AttemptCount,
				"max_attempts":  job.MaxAttempts,
				"error":         errorMessage,
			},
			CreatedAt: now,
		})
	})
}

// ProcessNext claims and runs one job. It reports whether a job was found.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	started := time.Now()
	result, execErr := q.execute(ctx, job)
	if q.metrics != nil {
		q.metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(started).Seconds())
	}
	if execErr != nil {
		q.logger.Printf("Job execution failed: id=%s type=%s err=%v", job.ID, job.JobType, execErr)
		if err := q.completeFailure(ctx, job.ID, classifyError(execErr)); err != nil {
			return true, err
		}
		return true, nil
	}
	if err := q.completeSuccess(ctx, job.ID, result); err != nil {
		return true, err
	}
	return true, nil
}
