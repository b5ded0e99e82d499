package signature

import (
	"context"
	"errors"
	"fmt"
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

const signatureCols = `id, record_id, signer_id, signer_name, signer_role,
	cert_serial, cert_issuer, cert_not_before, cert_not_after, cert_pem,
	algorithm, purpose, cadena_original, document_hash, signature_b64,
	signed_at, state, revoked_by, revocation_reason, revoked_at, created_at`

func scanSignature(row pgx.Row) (*Signature, error) {
	var s Signature
	err := row.Scan(
		&s.ID, &s.RecordID, &s.SignerID, &s.SignerName, &s.SignerRole,
		&s.CertSerial, &s.CertIssuer, &s.CertNotBefore, &s.CertNotAfter, &s.CertPEM,
		&s.Algorithm, &s.Purpose, &s.CadenaOriginal, &s.DocumentHash, &s.SignatureB64,
		&s.SignedAt, &s.State, &s.RevokedBy, &s.RevocationReason, &s.RevokedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RepoPG) Create(ctx context.Context, sig *Signature) error {
	const q = `
		INSERT INTO signature (
			record_id, signer_id, signer_name, signer_role,
			cert_serial, cert_issuer, cert_not_before, cert_not_after, cert_pem,
			algorithm, purpose, cadena_original, document_hash, signature_b64,
			signed_at, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at`

	err := r.conn(ctx).QueryRow(ctx, q,
		sig.RecordID, sig.SignerID, sig.SignerName, sig.SignerRole,
		sig.CertSerial, sig.CertIssuer, sig.CertNotBefore, sig.CertNotAfter, sig.CertPEM,
		sig.Algorithm, sig.Purpose, sig.CadenaOriginal, sig.DocumentHash, sig.SignatureB64,
		sig.SignedAt, sig.State,
	).Scan(&sig.ID, &sig.CreatedAt)
	if err != nil {
		// The partial unique index on (record_id) WHERE state = 'valid' is the
		// backstop for concurrent sign races.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Newf(errs.CodeRecordAlreadySigned,
				"clinical record %s already carries a valid signature", sig.RecordID)
		}
		return fmt.Errorf("create signature: %w", err)
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Signature, error) {
	q := fmt.Sprintf("SELECT %s FROM signature WHERE id = $1", signatureCols)
	sig, err := scanSignature(r.conn(ctx).QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "signature %s not found", id)
	}
	return sig, err
}

func (r *RepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Signature, error) {
	q := fmt.Sprintf("SELECT %s FROM signature WHERE record_id = $1 ORDER BY signed_at DESC, id DESC", signatureCols)
	rows, err := r.conn(ctx).Query(ctx, q, recordID)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

func (r *RepoPG) ActiveByRecord(ctx context.Context, recordID uuid.UUID) (*Signature, error) {
	q := fmt.Sprintf("SELECT %s FROM signature WHERE record_id = $1 AND state = $2", signatureCols)
	sig, err := scanSignature(r.conn(ctx).QueryRow(ctx, q, recordID, StateValid))
	if err == pgx.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "clinical record %s has no valid signature", recordID)
	}
	return sig, err
}

func (r *RepoPG) Revoke(ctx context.Context, id uuid.UUID, rev Revocation) (*Signature, error) {
	q := fmt.Sprintf(`
		UPDATE signature
		SET state = $2, revoked_by = $3, revocation_reason = $4, revoked_at = $5
		WHERE id = $1 AND state = $6
		RETURNING %s`, signatureCols)

	sig, err := scanSignature(r.conn(ctx).QueryRow(ctx, q,
		id, StateRevoked, rev.RevokedBy, rev.Reason, time.Now().UTC(), StateValid))
	if err == pgx.ErrNoRows {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == StateRevoked {
			return nil, errs.Newf(errs.CodeAlreadyRevoked, "signature %s is already revoked", id)
		}
		return nil, errs.Newf(errs.CodeInternal, "signature %s could not be revoked", id)
	}
	if err != nil {
		return nil, fmt.Errorf("revoke signature: %w", err)
	}
	return sig, nil
}
