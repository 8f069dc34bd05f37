package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*SQLDB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLDB(db), mock
}

func TestClaimSyncJob_ConditionalUpdate(t *testing.T) {
	sdb, mock := newMockDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs("job-1", now, JobRunning, JobQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := sdb.WithTx(context.Background(), func(st Store) error {
		ok, err := st.ClaimSyncJob(context.Background(), "job-1", now)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSyncJob_LosesWhenStatusGuardMisses(t *testing.T) {
	sdb, mock := newMockDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs("job-1", now, JobRunning, JobQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := sdb.WithTx(context.Background(), func(st Store) error {
		ok, err := st.ClaimSyncJob(context.Background(), "job-1", now)
		require.NoError(t, err)
		assert.False(t, ok, "zero affected rows means another worker already holds the job")
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRollback_NeverCommits(t *testing.T) {
	sdb, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sync_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := sdb.WithRollback(context.Background(), func(st Store) error {
		ok, err := st.ClaimSyncJob(context.Background(), "job-1", time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	sdb, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := sdb.WithTx(context.Background(), func(Store) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSyncJob_NotFound(t *testing.T) {
	sdb, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM sync_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := sdb.WithRollback(context.Background(), func(st Store) error {
		_, err := st.GetSyncJob(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpirePendingApprovals_ReportsCount(t *testing.T) {
	sdb, mock := newMockDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE change_approvals").
		WithArgs(ApprovalRejected, "system:approval-sweeper", now, ApprovalPending).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := sdb.WithTx(context.Background(), func(st Store) error {
		n, err := st.ExpirePendingApprovals(context.Background(), now, "system:approval-sweeper")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(ErrConflict))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(assert.AnError))
	assert.False(t, IsUniqueViolation(nil))
}
