package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

func (s *sqlStore) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	err = s.tx.QueryRowContext(ctx, `
		INSERT INTO audit_events (ci_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		nullStr(event.CIID), event.EventType, payload, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

const auditColumns = "id, ci_id, event_type, payload, created_at"

func scanAuditEvent(row interface{ Scan(...any) error }) (*AuditEvent, error) {
	var ev AuditEvent
	var ciID sql.NullString
	var payload []byte
	if err := row.Scan(&ev.ID, &ciID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.CIID = strOrEmpty(ciID)
	ev.Payload = unmarshalJSON(payload)
	return &ev, nil
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_events ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (s *sqlStore) ListCIAuditEvents(ctx context.Context, ciID string) ([]AuditEvent, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_events WHERE ci_id = $1 ORDER BY created_at DESC, id DESC", ciID)
	if err != nil {
		return nil, fmt.Errorf("list ci audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func collectAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var out []AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountAuditEventsSince(ctx context.Context, since time.Time, eventTypes []string) (int, error) {
	var n int
	var err error
	if len(eventTypes) == 0 {
		err = s.tx.QueryRowContext(ctx,
			"SELECT count(*) FROM audit_events WHERE created_at >= $1", since).Scan(&n)
	} else {
		err = s.tx.QueryRowContext(ctx,
			"SELECT count(*) FROM audit_events WHERE created_at >= $1 AND event_type = ANY($2)",
			since, pq.Array(eventTypes)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

const collisionColumns = "id, scheme, value, existing_ci_id, incoming_ci_id, status, resolution_note, resolved_at, created_at"

func scanCollision(row interface{ Scan(...any) error }) (*Collision, error) {
	var c Collision
	var note sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Scheme, &c.Value, &c.ExistingCIID, &c.IncomingCIID,
		&c.Status, &note, &resolvedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ResolutionNote = strOrEmpty(note)
	c.ResolvedAt = timePtr(resolvedAt)
	return &c, nil
}

func (s *sqlStore) GetCollision(ctx context.Context, id int64) (*Collision, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+collisionColumns+" FROM governance_collisions WHERE id = $1", id)
	c, err := scanCollision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collision: %w", err)
	}
	return c, nil
}

func (s *sqlStore) FindOpenCollision(ctx context.Context, scheme, value, existingCIID, incomingCIID string) (*Collision, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT `+collisionColumns+` FROM governance_collisions
		WHERE scheme = $1 AND value = $2 AND existing_ci_id = $3 AND incoming_ci_id = $4 AND status = $5
		ORDER BY id LIMIT 1`,
		scheme, value, existingCIID, incomingCIID, CollisionOpen)
	c, err := scanCollision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open collision: %w", err)
	}
	return c, nil
}

func (s *sqlStore) CreateCollision(ctx context.Context, collision *Collision) error {
	err := s.tx.QueryRowContext(ctx, `
		INSERT INTO governance_collisions (scheme, value, existing_ci_id, incoming_ci_id, status, resolution_note, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		collision.Scheme, collision.Value, collision.ExistingCIID, collision.IncomingCIID,
		collision.Status, nullStr(collision.ResolutionNote), nullTime(collision.ResolvedAt),
		collision.CreatedAt).Scan(&collision.ID)
	if err != nil {
		return fmt.Errorf("create collision: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateCollision(ctx context.Context, collision *Collision) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE governance_collisions
		SET status = $2, resolution_note = $3, resolved_at = $4
		WHERE id = $1`,
		collision.ID, collision.Status, nullStr(collision.ResolutionNote), nullTime(collision.ResolvedAt))
	if err != nil {
		return fmt.Errorf("update collision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update collision: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListCollisions(ctx context.Context, status string) ([]Collision, error) {
	query := "SELECT " + collisionColumns + " FROM governance_collisions"
	var args []any
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collisions: %w", err)
	}
	defer rows.Close()
	var out []Collision
	for rows.Next() {
		c, err := scanCollision(rows)
		if err != nil {
			return nil, fmt.Errorf("list collisions: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountOpenCollisions(ctx context.Context) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx,
		"SELECT count(*) FROM governance_collisions WHERE status = $1", CollisionOpen).Scan(&n)
	return n, err
}

func (s *sqlStore) ReadSyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.tx.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = $1", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read sync state: %w", err)
	}
	return value, true, nil
}

func (s *sqlStore) WriteSyncState(ctx context.Context, key, value string) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
