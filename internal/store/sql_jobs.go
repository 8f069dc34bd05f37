package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = "id, job_type, status, requested_by, payload, result, last_error, attempt_count, max_attempts, next_run_at, created_at, started_at, completed_at"

func scanSyncJob(row interface{ Scan(...any) error }) (*SyncJob, error) {
	var job SyncJob
	var requestedBy, lastError sql.NullString
	var payload, result []byte
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&job.ID, &job.JobType, &job.Status, &requestedBy, &payload, &result,
		&lastError, &job.AttemptCount, &job.MaxAttempts, &job.NextRunAt, &job.CreatedAt,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}
	job.RequestedBy = strOrEmpty(requestedBy)
	job.Payload = unmarshalJSON(payload)
	if result != nil {
		job.Result = unmarshalJSON(result)
	}
	job.LastError = strOrEmpty(lastError)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

func (s *sqlStore) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	var result []byte
	if job.Result != nil {
		result, err = marshalJSON(job.Result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
	}
	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, job_type, status, requested_by, payload, result, last_error,
		                       attempt_count, max_attempts, next_run_at, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.JobType, job.Status, nullStr(job.RequestedBy), payload, result,
		nullStr(job.LastError), job.AttemptCount, job.MaxAttempts, job.NextRunAt,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSyncJob(ctx context.Context, id string) (*SyncJob, error) {
	row := s.tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM sync_jobs WHERE id = $1", id)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return job, nil
}

func (s *sqlStore) UpdateSyncJob(ctx context.Context, job *SyncJob) error {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	var result []byte
	if job.Result != nil {
		result, err = marshalJSON(job.Result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
	}
	res, err := s.tx.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $2, payload = $3, result = $4, last_error = $5, attempt_count = $6,
		    max_attempts = $7, next_run_at = $8, started_at = $9, completed_at = $10
		WHERE id = $1`,
		job.ID, job.Status, payload, result, nullStr(job.LastError), job.AttemptCount,
		job.MaxAttempts, job.NextRunAt, nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListSyncJobs(ctx context.Context, limit int, status string) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + jobColumns + " FROM sync_jobs"
	args := []any{limit}
	if status != "" {
		query += " WHERE status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $1"
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()
	var out []SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync jobs: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// NextDueSyncJob returns the oldest queued job whose next_run_at has passed.
func (s *sqlStore) NextDueSyncJob(ctx context.Context, now time.Time) (*SyncJob, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at, created_at LIMIT 1`, JobQueued, now)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next due sync job: %w", err)
	}
	return job, nil
}

// ClaimSyncJob flips a queued job to RUNNING. The status guard in the WHERE
// clause makes the claim safe against concurrent workers: only one update can
// match, everyone else sees zero rows.
func (s *sqlStore) ClaimSyncJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $3, started_at = $2, attempt_count = attempt_count + 1, last_error = NULL
		WHERE id = $1 AND status = $4`,
		id, now, JobRunning, JobQueued)
	if err != nil {
		return false, fmt.Errorf("claim sync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim sync job: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) CountSyncJobs(ctx context.Context, status string) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.tx.QueryRowContext(ctx, "SELECT count(*) FROM sync_jobs").Scan(&n)
	} else {
		err = s.tx.QueryRowContext(ctx, "SELECT count(*) FROM sync_jobs WHERE status = $1", status).Scan(&n)
	}
	return n, err
}

func (s *sqlStore) LatestSyncJob(ctx context.Context) (*SyncJob, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM sync_jobs ORDER BY created_at DESC, id DESC LIMIT 1")
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest sync job: %w", err)
	}
	return job, nil
}

func (s *sqlStore) HasActiveSyncJob(ctx context.Context, jobType, requestedBy string) (bool, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM sync_jobs
		WHERE job_type = $1 AND requested_by = $2 AND status IN ($3, $4)`,
		jobType, requestedBy, JobQueued, JobRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has active sync job: %w", err)
	}
	return n > 0, nil
}

const approvalColumns = "id, method, request_path, payload_hash, payload_preview, reason, requested_by, status, decided_by, decision_note, created_at, expires_at, decided_at, consumed_at, updated_at"

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var reason, decidedBy, decisionNote sql.NullString
	var preview []byte
	var decidedAt, consumedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.Method, &a.RequestPath, &a.PayloadHash, &preview, &reason,
		&a.RequestedBy, &a.Status, &decidedBy, &decisionNote, &a.CreatedAt, &a.ExpiresAt,
		&decidedAt, &consumedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.PayloadPreview = unmarshalJSON(preview)
	a.Reason = strOrEmpty(reason)
	a.DecidedBy = strOrEmpty(decidedBy)
	a.DecisionNote = strOrEmpty(decisionNote)
	a.DecidedAt = timePtr(decidedAt)
	a.ConsumedAt = timePtr(consumedAt)
	return &a, nil
}

func (s *sqlStore) CreateApproval(ctx context.Context, approval *Approval) error {
	preview, err := marshalJSON(approval.PayloadPreview)
	if err != nil {
		return fmt.Errorf("encode approval preview: %w", err)
	}
	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO change_approvals (id, method, request_path, payload_hash, payload_preview, reason,
		                              requested_by, status, decided_by, decision_note, created_at,
		                              expires_at, decided_at, consumed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		approval.ID, approval.Method, approval.RequestPath, approval.PayloadHash, preview,
		nullStr(approval.Reason), approval.RequestedBy, approval.Status,
		nullStr(approval.DecidedBy), nullStr(approval.DecisionNote), approval.CreatedAt,
		approval.ExpiresAt, nullTime(approval.DecidedAt), nullTime(approval.ConsumedAt),
		approval.UpdatedAt)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *sqlStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.tx.QueryRowContext(ctx, "SELECT "+approvalColumns+" FROM change_approvals WHERE id = $1", id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *sqlStore) UpdateApproval(ctx context.Context, approval *Approval) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE change_approvals
		SET status = $2, decided_by = $3, decision_note = $4, decided_at = $5,
		    consumed_at = $6, updated_at = $7
		WHERE id = $1`,
		approval.ID, approval.Status, nullStr(approval.DecidedBy),
		nullStr(approval.DecisionNote), nullTime(approval.DecidedAt),
		nullTime(approval.ConsumedAt), approval.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListApprovals(ctx context.Context, status string, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + approvalColumns + " FROM change_approvals"
	args := []any{limit}
	if status != "" {
		query += " WHERE status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT $1"
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ExpirePendingApprovals bulk-rejects every pending approval past its expiry.
func (s *sqlStore) ExpirePendingApprovals(ctx context.Context, now time.Time, decidedBy string) (int, error) {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE change_approvals
		SET status = $1, decided_by = $2, decision_note = 'expired',
		    decided_at = $3, updated_at = $3
		WHERE status = $4 AND expires_at <= $3`,
		ApprovalRejected, decidedBy, now, ApprovalPending)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return int(n), nil
}
