package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLDB wraps a Postgres connection pool and opens transactional Store scopes.
type SQLDB struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres and optionally applies the schema.
func Open(databaseURL string, autoMigrate bool) (*SQLDB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLDB{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if autoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewSQLDB wraps an existing pool; used by tests with sqlmock.
func NewSQLDB(db *sql.DB) *SQLDB {
	return &SQLDB{db: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}
}

// Migrate applies the embedded DDL.
func (s *SQLDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Println("Schema applied")
	return nil
}

// Ping verifies connectivity.
func (s *SQLDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *SQLDB) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLDB) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.run(ctx, false, fn)
}

// WithRollback runs fn inside a transaction that is always rolled back.
func (s *SQLDB) WithRollback(ctx context.Context, fn func(Store) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLDB) run(ctx context.Context, alwaysRollback bool, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	scope := &sqlStore{tx: tx}
	if err := fn(scope); err != nil {
		_ = tx.Rollback()
		return err
	}
	if alwaysRollback {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlStore is a Store bound to one open transaction.
type sqlStore struct {
	tx *sql.Tx
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint error
// or the store-level conflict sentinel.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalJSON(m JSONMap) ([]byte, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

func unmarshalJSON(raw []byte) JSONMap {
	if len(raw) == 0 {
		return JSONMap{}
	}
	var m JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return JSONMap{}
	}
	return m
}

func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func likePattern(q string) string {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(q)
	return "%" + escaped + "%"
}
