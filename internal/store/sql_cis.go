package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

const ciColumns = "id, name, ci_type, source, owner, status, attributes, last_seen_at, created_at, updated_at"

func scanCI(row interface{ Scan(...any) error }) (*CI, error) {
	var ci CI
	var owner sql.NullString
	var attrs []byte
	if err := row.Scan(&ci.ID, &ci.Name, &ci.CIType, &ci.Source, &owner, &ci.Status, &attrs, &ci.LastSeenAt, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
		return nil, err
	}
	ci.Owner = strOrEmpty(owner)
	ci.Attributes = unmarshalJSON(attrs)
	return &ci, nil
}

func (s *sqlStore) GetCI(ctx context.Context, id string) (*CI, error) {
	row := s.tx.QueryRowContext(ctx, "SELECT "+ciColumns+" FROM cis WHERE id = $1", id)
	ci, err := scanCI(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ci: %w", err)
	}
	return ci, nil
}

func (s *sqlStore) CreateCI(ctx context.Context, ci *CI) error {
	attrs, err := marshalJSON(ci.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO cis (id, name, ci_type, source, owner, status, attributes, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ci.ID, ci.Name, ci.CIType, ci.Source, nullStr(ci.Owner), ci.Status, attrs,
		ci.LastSeenAt, ci.CreatedAt, ci.UpdatedAt)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create ci: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateCI(ctx context.Context, ci *CI) error {
	attrs, err := marshalJSON(ci.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	res, err := s.tx.ExecContext(ctx, `
		UPDATE cis
		SET name = $2, ci_type = $3, source = $4, owner = $5, status = $6,
		    attributes = $7, last_seen_at = $8, updated_at = $9
		WHERE id = $1`,
		ci.ID, ci.Name, ci.CIType, ci.Source, nullStr(ci.Owner), ci.Status, attrs,
		ci.LastSeenAt, ci.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update ci: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ci: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListCIs(ctx context.Context, filter CIFilter) ([]CI, int, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.Source != "" {
		add("source = ?", filter.Source)
	}
	if filter.Owner != "" {
		add("owner = ?", filter.Owner)
	}
	if filter.Environment != "" {
		add("attributes->>'environment' = ?", filter.Environment)
	}
	if filter.CIClass != "" {
		add("ci_type = ?", filter.CIClass)
	}
	if filter.Query != "" {
		pat := likePattern(filter.Query)
		args = append(args, pat)
		n := strconv.Itoa(len(args))
		conds = append(conds, "(name ILIKE $"+n+" OR ci_type ILIKE $"+n+")")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.tx.QueryRowContext(ctx, "SELECT count(*) FROM cis"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cis: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := "SELECT " + ciColumns + " FROM cis" + where +
		" ORDER BY updated_at DESC LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cis: %w", err)
	}
	defer rows.Close()
	var out []CI
	for rows.Next() {
		ci, err := scanCI(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list cis: %w", err)
		}
		out = append(out, *ci)
	}
	return out, total, rows.Err()
}

func (s *sqlStore) ListCIPage(ctx context.Context, offset, limit int) ([]CI, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+ciColumns+" FROM cis ORDER BY id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ci page: %w", err)
	}
	defer rows.Close()
	var out []CI
	for rows.Next() {
		ci, err := scanCI(rows)
		if err != nil {
			return nil, fmt.Errorf("list ci page: %w", err)
		}
		out = append(out, *ci)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListRecentCIs(ctx context.Context, limit int) ([]CI, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+ciColumns+" FROM cis ORDER BY updated_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cis: %w", err)
	}
	defer rows.Close()
	var out []CI
	for rows.Next() {
		ci, err := scanCI(rows)
		if err != nil {
			return nil, fmt.Errorf("list recent cis: %w", err)
		}
		out = append(out, *ci)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountCIs(ctx context.Context) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, "SELECT count(*) FROM cis").Scan(&n)
	return n, err
}

func (s *sqlStore) CINamesByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := s.tx.QueryContext(ctx, "SELECT id, name FROM cis WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("ci names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("ci names: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (s *sqlStore) CIStatusCounts(ctx context.Context) (map[string]int, error) {
	return s.groupCounts(ctx, "SELECT status, count(*) FROM cis GROUP BY status")
}

func (s *sqlStore) CISourceCounts(ctx context.Context) (map[string]int, error) {
	return s.groupCounts(ctx, "SELECT source, count(*) FROM cis GROUP BY source")
}

func (s *sqlStore) groupCounts(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group counts: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("group counts: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) TopOwners(ctx context.Context, limit int) ([]OwnerCount, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT owner, count(*) AS n FROM cis
		WHERE owner IS NOT NULL
		GROUP BY owner ORDER BY n DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("top owners: %w", err)
	}
	defer rows.Close()
	var out []OwnerCount
	for rows.Next() {
		var oc OwnerCount
		if err := rows.Scan(&oc.Owner, &oc.Count); err != nil {
			return nil, fmt.Errorf("top owners: %w", err)
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindCIByIdentity(ctx context.Context, scheme, value string) (*CI, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT `+prefixedCIColumns("c")+`
		FROM cis c JOIN identities i ON i.ci_id = c.id
		WHERE i.scheme = $1 AND i.value = $2`, scheme, value)
	ci, err := scanCI(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ci by identity: %w", err)
	}
	return ci, nil
}

func prefixedCIColumns(alias string) string {
	cols := strings.Split(ciColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func (s *sqlStore) FindIdentity(ctx context.Context, scheme, value string) (*Identity, error) {
	var ident Identity
	err := s.tx.QueryRowContext(ctx, `
		SELECT id, ci_id, scheme, value, created_at FROM identities
		WHERE scheme = $1 AND value = $2`, scheme, value).
		Scan(&ident.ID, &ident.CIID, &ident.Scheme, &ident.Value, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return &ident, nil
}

func (s *sqlStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	err := s.tx.QueryRowContext(ctx, `
		INSERT INTO identities (ci_id, scheme, value, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		ident.CIID, ident.Scheme, ident.Value, ident.CreatedAt).Scan(&ident.ID)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (s *sqlStore) ListCIIdentities(ctx context.Context, ciID string) ([]Identity, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, ci_id, scheme, value, created_at FROM identities
		WHERE ci_id = $1 ORDER BY id`, ciID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.CIID, &ident.Scheme, &ident.Value, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("list identities: %w", err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

const relColumns = "id, source_ci_id, target_ci_id, relation_type, source, created_at"

func scanRelationship(row interface{ Scan(...any) error }) (*Relationship, error) {
	var rel Relationship
	if err := row.Scan(&rel.ID, &rel.SourceCIID, &rel.TargetCIID, &rel.RelationType, &rel.Source, &rel.CreatedAt); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (s *sqlStore) GetRelationship(ctx context.Context, id int64) (*Relationship, error) {
	row := s.tx.QueryRowContext(ctx, "SELECT "+relColumns+" FROM relationships WHERE id = $1", id)
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return rel, nil
}

func (s *sqlStore) FindRelationship(ctx context.Context, sourceCIID, targetCIID, relationType string) (*Relationship, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT `+relColumns+` FROM relationships
		WHERE source_ci_id = $1 AND target_ci_id = $2 AND relation_type = $3`,
		sourceCIID, targetCIID, relationType)
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find relationship: %w", err)
	}
	return rel, nil
}

func (s *sqlStore) CreateRelationship(ctx context.Context, rel *Relationship) error {
	err := s.tx.QueryRowContext(ctx, `
		INSERT INTO relationships (source_ci_id, target_ci_id, relation_type, source, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rel.SourceCIID, rel.TargetCIID, rel.RelationType, rel.Source, rel.CreatedAt).Scan(&rel.ID)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create relationship: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateRelationship(ctx context.Context, rel *Relationship) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE relationships
		SET source_ci_id = $2, target_ci_id = $3, relation_type = $4, source = $5
		WHERE id = $1`,
		rel.ID, rel.SourceCIID, rel.TargetCIID, rel.RelationType, rel.Source)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteRelationship(ctx context.Context, id int64) error {
	res, err := s.tx.ExecContext(ctx, "DELETE FROM relationships WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListRelationships(ctx context.Context, filter RelationshipFilter) ([]Relationship, error) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1)
		}
		conds = append(conds, cond)
	}
	if filter.CIID != "" {
		add("(source_ci_id = ? OR target_ci_id = ?)", filter.CIID, filter.CIID)
	}
	if filter.SourceCIID != "" {
		add("source_ci_id = ?", filter.SourceCIID)
	}
	if filter.TargetCIID != "" {
		add("target_ci_id = ?", filter.TargetCIID)
	}
	if filter.RelationType != "" {
		add("relation_type = ?", filter.RelationType)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+relColumns+" FROM relationships"+where+" ORDER BY id DESC LIMIT $"+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("list relationships: %w", err)
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountRelationships(ctx context.Context) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, "SELECT count(*) FROM relationships").Scan(&n)
	return n, err
}

func (s *sqlStore) RelationshipCIIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT source_ci_id FROM relationships UNION SELECT target_ci_id FROM relationships")
	if err != nil {
		return nil, fmt.Errorf("relationship ci ids: %w", err)
	}
	defer rows.Close()
	ids := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("relationship ci ids: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}
