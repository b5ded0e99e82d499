package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firmamed/firmamed/internal/platform/db"
	"github.com/firmamed/firmamed/internal/platform/errs"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RepoPG stores the trail in the audit_record table. Inserts are the only
// write path; the table carries a trigger rejecting updates and any delete
// outside the eviction transaction (see migrations/001_core.sql).
type RepoPG struct {
	pool *pgxpool.Pool
	cap  Capacity
}

func NewRepoPG(pool *pgxpool.Pool, cap Capacity) *RepoPG {
	return &RepoPG{pool: pool, cap: cap}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const auditCols = `id, actor_id, actor_name, actor_email, actor_role, action,
	subject_type, subject_id, detail,
	origin_ip, user_agent, session_id, request_id,
	succeeded, message, error_code,
	recorded, size_bytes, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var detailRaw []byte
	err := row.Scan(
		&rec.ID, &rec.ActorID, &rec.ActorName, &rec.ActorEmail, &rec.ActorRole, &rec.Action,
		&rec.SubjectType, &rec.SubjectID, &detailRaw,
		&rec.OriginIP, &rec.UserAgent, &rec.SessionID, &rec.RequestID,
		&rec.Succeeded, &rec.Message, &rec.ErrorCode,
		&rec.Recorded, &rec.SizeBytes, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(detailRaw) > 0 {
		var d Detail
		if err := json.Unmarshal(detailRaw, &d); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		rec.Detail = &d
	}
	return &rec, nil
}

// Append inserts the record and enforces the retention ceiling in the same
// transaction. A record that already carries an identity is an attempted
// mutation of an existing row and is rejected before touching the database.
func (r *RepoPG) Append(ctx context.Context, rec *Record) error {
	if rec.ID != uuid.Nil {
		return errs.Newf(errs.CodeImmutableRecordViolation,
			"audit record %s already persisted; records are append-only", rec.ID)
	}
	if rec.Recorded.IsZero() {
		rec.Recorded = time.Now().UTC()
	}
	rec.SizeBytes = rec.EstimateSize()

	var detailRaw []byte
	if rec.Detail != nil {
		raw, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detailRaw = raw
	}

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)

		const insert = `
			INSERT INTO audit_record (
				actor_id, actor_name, actor_email, actor_role, action,
				subject_type, subject_id, detail,
				origin_ip, user_agent, session_id, request_id,
				succeeded, message, error_code,
				recorded, size_bytes
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
			) RETURNING id, created_at`

		err := tx.QueryRow(ctx, insert,
			rec.ActorID, rec.ActorName, rec.ActorEmail, rec.ActorRole, rec.Action,
			rec.SubjectType, rec.SubjectID, detailRaw,
			rec.OriginIP, rec.UserAgent, rec.SessionID, rec.RequestID,
			rec.Succeeded, rec.Message, rec.ErrorCode,
			rec.Recorded, rec.SizeBytes,
		).Scan(&rec.ID, &rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("append audit record: %w", err)
		}

		return r.evict(ctx, tx)
	})
}

// evict drops oldest-first until the trail fits under the configured ceiling.
// The audit_evict GUC unlocks the delete trigger for this transaction only;
// no API surface reaches this path.
func (r *RepoPG) evict(ctx context.Context, tx queryable) error {
	if r.cap.MaxRecords <= 0 && r.cap.MaxBytes <= 0 {
		return nil
	}

	var count int
	var bytes int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM audit_record`,
	).Scan(&count, &bytes)
	if err != nil {
		return fmt.Errorf("audit retention bookkeeping: %w", err)
	}

	overCount := 0
	if r.cap.MaxRecords > 0 && count > r.cap.MaxRecords {
		overCount = count - r.cap.MaxRecords
	}
	if overCount == 0 && (r.cap.MaxBytes <= 0 || bytes <= r.cap.MaxBytes) {
		return nil
	}

	if _, err := tx.Exec(ctx, `SET LOCAL firmamed.audit_evict = 'on'`); err != nil {
		return fmt.Errorf("unlock audit eviction: %w", err)
	}

	if overCount > 0 {
		if err := r.dropOldest(ctx, tx, overCount); err != nil {
			return err
		}
		bytes, err = r.totalBytes(ctx, tx)
		if err != nil {
			return err
		}
	}

	// Byte ceiling: evict one batch at a time until under the bound.
	for r.cap.MaxBytes > 0 && bytes > r.cap.MaxBytes {
		if err := r.dropOldest(ctx, tx, 100); err != nil {
			return err
		}
		next, err := r.totalBytes(ctx, tx)
		if err != nil {
			return err
		}
		if next == bytes {
			break
		}
		bytes = next
	}
	return nil
}

func (r *RepoPG) dropOldest(ctx context.Context, tx queryable, n int) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM audit_record WHERE id IN (
			SELECT id FROM audit_record ORDER BY recorded ASC, id ASC LIMIT $1
		)`, n)
	if err != nil {
		return fmt.Errorf("evict oldest audit records: %w", err)
	}
	return nil
}

func (r *RepoPG) totalBytes(ctx context.Context, tx queryable) (int64, error) {
	var bytes int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM audit_record`).Scan(&bytes); err != nil {
		return 0, fmt.Errorf("audit retention bookkeeping: %w", err)
	}
	return bytes, nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_record WHERE id = $1", auditCols)
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "audit record %s not found", id)
	}
	return rec, err
}

func buildWhere(filter Filter) (string, []interface{}) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	add := func(clause string, value interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}

	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.ActorRole != "" {
		add("actor_role = $%d", filter.ActorRole)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.SubjectType != "" {
		add("subject_type = $%d", filter.SubjectType)
	}
	if filter.SubjectID != nil {
		add("subject_id = $%d", *filter.SubjectID)
	}
	if filter.Succeeded != nil {
		add("succeeded = $%d", *filter.Succeeded)
	}
	if filter.From != nil {
		add("recorded >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("recorded <= $%d", *filter.To)
	}
	if filter.Before != nil {
		// Keyset cursor over the (recorded DESC, id DESC) sort order.
		where = append(where, fmt.Sprintf("(recorded, id) < ($%d, $%d)", idx, idx+1))
		args = append(args, filter.Before.Recorded, filter.Before.ID)
		idx += 2
	}

	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

// Search returns matching records newest-first with skip/limit pagination,
// plus the total match count.
func (r *RepoPG) Search(ctx context.Context, filter Filter, limit, offset int) ([]*Record, int, error) {
	whereClause, args := buildWhere(filter)

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_record %s", whereClause)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM audit_record %s ORDER BY recorded DESC, id DESC LIMIT $%d OFFSET $%d",
		auditCols, whereClause, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit records: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Stats aggregates matching records by action, by role, and by day.
func (r *RepoPG) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	whereClause, args := buildWhere(filter)
	stats := &Stats{
		ByAction: make(map[string]int),
		ByRole:   make(map[string]int),
	}

	q := fmt.Sprintf("SELECT action, COUNT(*) FROM audit_record %s GROUP BY action", whereClause)
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by action: %w", err)
	}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByAction[action] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q = fmt.Sprintf("SELECT actor_role, COUNT(*) FROM audit_record %s GROUP BY actor_role", whereClause)
	rows, err = r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by role: %w", err)
	}
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByRole[role] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q = fmt.Sprintf(`SELECT to_char(date_trunc('day', recorded), 'YYYY-MM-DD'), COUNT(*)
		FROM audit_record %s GROUP BY 1 ORDER BY 1`, whereClause)
	rows, err = r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day DayCount
		if err := rows.Scan(&day.Date, &day.Count); err != nil {
			return nil, err
		}
		stats.ByDay = append(stats.ByDay, day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

func (r *RepoPG) TotalSize(ctx context.Context) (int, int64, error) {
	var count int
	var bytes int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM audit_record`,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("audit trail size: %w", err)
	}
	return count, bytes, nil
}
