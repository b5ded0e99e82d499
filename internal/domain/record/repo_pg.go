package record

import (
	"context"
	"encoding/json"
	"fmt"

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

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, patient_id, record_type, content, content_hash, estado, version_id, created_at, updated_at`

func scanClinicalRecord(row pgx.Row) (*ClinicalRecord, error) {
	var rec ClinicalRecord
	var contentRaw []byte
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.RecordType, &contentRaw, &rec.ContentHash,
		&rec.Estado, &rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contentRaw) > 0 {
		if err := json.Unmarshal(contentRaw, &rec.Content); err != nil {
			return nil, fmt.Errorf("decode record content: %w", err)
		}
	}
	return &rec, nil
}

func (r *RepoPG) Create(ctx context.Context, rec *ClinicalRecord) error {
	contentRaw, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("encode record content: %w", err)
	}

	const q = `
		INSERT INTO clinical_record (patient_id, record_type, content, content_hash, estado)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version_id, created_at, updated_at`

	err = r.conn(ctx).QueryRow(ctx, q,
		rec.PatientID, rec.RecordType, contentRaw, rec.ContentHash, rec.Estado,
	).Scan(&rec.ID, &rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create clinical record: %w", err)
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	q := fmt.Sprintf("SELECT %s FROM clinical_record WHERE id = $1", recordCols)
	rec, err := scanClinicalRecord(r.conn(ctx).QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "clinical record %s not found", id)
	}
	return rec, err
}

func (r *RepoPG) UpdateContent(ctx context.Context, id uuid.UUID, content map[string]any, contentHash string) (*ClinicalRecord, error) {
	contentRaw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode record content: %w", err)
	}

	q := fmt.Sprintf(`
		UPDATE clinical_record
		SET content = $2, content_hash = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND estado = '%s'
		RETURNING %s`, EstadoDraft, recordCols)

	rec, err := scanClinicalRecord(r.conn(ctx).QueryRow(ctx, q, id, contentRaw, contentHash))
	if err == pgx.ErrNoRows {
		// Either missing or no longer a draft; look once more to say which.
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errs.Newf(errs.CodeRecordAlreadySigned,
			"clinical record %s is %s; content is frozen", id, current.Estado)
	}
	return rec, err
}

func (r *RepoPG) MarkSigned(ctx context.Context, id uuid.UUID, expectHash string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_record
		SET estado = $3, updated_at = NOW()
		WHERE id = $1 AND estado = $4 AND content_hash = $2`,
		id, expectHash, EstadoSigned, EstadoDraft)
	if err != nil {
		return fmt.Errorf("mark record signed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The compare-and-set missed: report why.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Estado != EstadoDraft {
		return errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is already %s", id, current.Estado)
	}
	return errs.Newf(errs.CodeContentHashMismatch,
		"clinical record %s stored hash diverges from the hash being signed", id)
}

func (r *RepoPG) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_record SET estado = $2, updated_at = NOW()
		WHERE id = $1 AND estado = $3`,
		id, EstadoCancelled, EstadoDraft)
	if err != nil {
		return fmt.Errorf("cancel clinical record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is %s and cannot be cancelled", id, current.Estado)
	}
	return nil
}
