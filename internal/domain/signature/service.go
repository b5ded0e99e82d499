package signature

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firmamed/firmamed/internal/domain/audit"
	"github.com/firmamed/firmamed/internal/domain/record"
	"github.com/firmamed/firmamed/internal/platform/errs"
	"github.com/firmamed/firmamed/internal/platform/integrity"
)

// TxRunner executes fn atomically. The postgres wiring runs fn inside one
// transaction; the in-memory wiring just calls fn.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error

// NopTx runs fn directly, for repositories with no transaction support.
func NopTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// Service is the signature lifecycle manager: sign, verify, revoke.
type Service struct {
	sigs        Repository
	records     record.Repository
	recorder    *audit.Recorder
	tx          TxRunner
	allowResign bool
	log         zerolog.Logger
}

func NewService(sigs Repository, records record.Repository, recorder *audit.Recorder, tx TxRunner, allowResign bool, log zerolog.Logger) *Service {
	if tx == nil {
		tx = NopTx
	}
	return &Service{
		sigs:        sigs,
		records:     records,
		recorder:    recorder,
		tx:          tx,
		allowResign: allowResign,
		log:         log,
	}
}

// SignRequest carries everything a sign operation needs beyond the caller.
// The signature bytes are produced client-side with the signer's private key
// over the cadena for these exact inputs; the engine never holds private keys.
type SignRequest struct {
	RecordID     uuid.UUID
	Purpose      Purpose
	Algorithm    Algorithm
	CertPEM      string
	SignatureB64 string
	SignedAt     time.Time
}

// Sign validates the request end to end and, on success, atomically creates
// the Signature and freezes the owning record. Exactly one audit record is
// emitted whether the operation succeeds or fails.
func (s *Service) Sign(ctx context.Context, caller audit.Caller, req SignRequest) (*Signature, error) {
	sig, err := s.sign(ctx, caller, req)

	entry := audit.Entry{
		Action:      audit.ActionSign,
		SubjectType: "clinical_record",
		SubjectID:   &req.RecordID,
		Succeeded:   err == nil,
		ErrorCode:   codeFor(err),
	}
	if errs.Is(err, errs.CodeUnauthorized) {
		entry.Action = audit.ActionAccessDenied
	}
	if err == nil {
		entry.Message = "clinical record signed"
		entry.Detail = audit.NewSignatureDetail(audit.SignatureDetail{
			SignatureID:       sig.ID.String(),
			RecordID:          sig.RecordID.String(),
			Algorithm:         string(sig.Algorithm),
			Purpose:           string(sig.Purpose),
			CertificateSerial: sig.CertSerial,
		})
		s.log.Info().
			Str("signature_id", sig.ID.String()).
			Str("record_id", sig.RecordID.String()).
			Str("purpose", string(sig.Purpose)).
			Msg("record signed")
	} else {
		entry.Message = errs.MessageOf(err)
		entry.Detail = audit.NewErrorDetail(string(errs.CodeOf(err)), "")
	}
	s.recorder.Record(ctx, caller, entry)

	return sig, err
}

func (s *Service) sign(ctx context.Context, caller audit.Caller, req SignRequest) (*Signature, error) {
	if caller.Actor == nil {
		return nil, errs.New(errs.CodeUnauthorized, "signing requires an authenticated actor")
	}
	if !ValidPurpose(req.Purpose) {
		return nil, errs.Newf(errs.CodeInvalidArgument, "unknown signing purpose %q", req.Purpose)
	}
	if !SupportedAlgorithm(req.Algorithm) {
		return nil, errs.Newf(errs.CodeUnsupportedAlgorithm, "algorithm %q is not supported", req.Algorithm)
	}
	if !CanSign(caller.Actor.Role, req.Purpose) {
		return nil, errs.Newf(errs.CodeUnauthorized,
			"role %q holds no signing capability for purpose %q", caller.Actor.Role, req.Purpose)
	}

	rec, err := s.records.GetByID(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}

	resigning := false
	switch rec.Estado {
	case record.EstadoDraft:
		// normal path
	case record.EstadoSigned:
		if !s.allowResign {
			return nil, errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is already signed", rec.ID)
		}
		// Re-signing a record whose prior signature was revoked. The one
		// valid signature per record rule still applies at the repository.
		resigning = true
	default:
		return nil, errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is %s and cannot be signed", rec.ID, rec.Estado)
	}

	// The stored hash must match the hash of the content as it exists right
	// now. A divergence means stale or tampered content; signing it would
	// attest to something other than what is stored.
	if !integrity.Verify(rec.Content, rec.ContentHash) {
		return nil, errs.Newf(errs.CodeContentHashMismatch,
			"clinical record %s content does not match its stored hash", rec.ID)
	}

	cert, err := ParseCertificatePEM(req.CertPEM)
	if err != nil {
		return nil, errs.New(errs.CodeCryptographicMismatch, "certificate PEM cannot be parsed")
	}
	now := time.Now().UTC()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errs.Newf(errs.CodeExpiredCertificate,
			"certificate valid %s to %s", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	signedAt := req.SignedAt
	if signedAt.IsZero() {
		signedAt = now
	}
	cadena := BuildCadena(CadenaInput{
		RecordID:     rec.ID,
		DocumentHash: rec.ContentHash,
		SignerID:     caller.Actor.ID,
		CertSerial:   cert.SerialNumber.String(),
		CertIssuer:   cert.Issuer.String(),
		Algorithm:    req.Algorithm,
		Purpose:      req.Purpose,
		SignedAt:     signedAt,
	})

	raw, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil {
		return nil, errs.New(errs.CodeCryptographicMismatch, "signature bytes are not valid base64")
	}
	if err := VerifyBytes(cert, req.Algorithm, []byte(cadena), raw); err != nil {
		return nil, err
	}

	sig := &Signature{
		RecordID:       rec.ID,
		SignerID:       caller.Actor.ID,
		SignerName:     caller.Actor.Name,
		SignerRole:     caller.Actor.Role,
		CertSerial:     cert.SerialNumber.String(),
		CertIssuer:     cert.Issuer.String(),
		CertNotBefore:  cert.NotBefore.UTC(),
		CertNotAfter:   cert.NotAfter.UTC(),
		CertPEM:        req.CertPEM,
		Algorithm:      req.Algorithm,
		Purpose:        req.Purpose,
		CadenaOriginal: cadena,
		DocumentHash:   rec.ContentHash,
		SignatureB64:   req.SignatureB64,
		SignedAt:       signedAt,
		State:          StateValid,
	}

	// Signature creation and the record's draft -> signed transition commit
	// together or not at all. The CAS on the record's hash makes concurrent
	// sign calls linearizable: at most one write sees the draft row.
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.sigs.Create(ctx, sig); err != nil {
			return err
		}
		if resigning {
			return nil
		}
		if err := s.records.MarkSigned(ctx, rec.ID, rec.ContentHash); err != nil {
			// Postgres rolls the insert back with the transaction. A
			// repository without transactions compensates explicitly so
			// no valid signature survives a failed record transition.
			if comp, ok := s.sigs.(interface {
				discard(ctx context.Context, id uuid.UUID) error
			}); ok {
				_ = comp.discard(ctx, sig.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Cadena returns the exact string a signer must sign for the given inputs,
// so clients can produce the signature bytes before calling Sign.
func (s *Service) Cadena(ctx context.Context, caller audit.Caller, req SignRequest) (string, string, error) {
	if caller.Actor == nil {
		return "", "", errs.New(errs.CodeUnauthorized, "signing requires an authenticated actor")
	}
	rec, err := s.records.GetByID(ctx, req.RecordID)
	if err != nil {
		return "", "", err
	}
	cert, err := ParseCertificatePEM(req.CertPEM)
	if err != nil {
		return "", "", errs.New(errs.CodeCryptographicMismatch, "certificate PEM cannot be parsed")
	}
	signedAt := req.SignedAt
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	cadena := BuildCadena(CadenaInput{
		RecordID:     rec.ID,
		DocumentHash: rec.ContentHash,
		SignerID:     caller.Actor.ID,
		CertSerial:   cert.SerialNumber.String(),
		CertIssuer:   cert.Issuer.String(),
		Algorithm:    req.Algorithm,
		Purpose:      req.Purpose,
		SignedAt:     signedAt,
	})
	return cadena, rec.ContentHash, nil
}

// VerifySignature re-verifies one signature by id.
func (s *Service) VerifySignature(ctx context.Context, caller audit.Caller, id uuid.UUID) (*VerifyResult, error) {
	sig, err := s.sigs.GetByID(ctx, id)
	if err != nil {
		s.auditVerify(ctx, caller, nil, &id, err)
		return nil, err
	}
	res := Verify(sig, time.Now().UTC())
	s.auditVerify(ctx, caller, &res, &id, nil)
	return &res, nil
}

// VerifyRecord verifies a record's active signature and additionally checks
// that the record's current content still hashes to the signed document hash.
func (s *Service) VerifyRecord(ctx context.Context, caller audit.Caller, recordID uuid.UUID) (*VerifyResult, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		s.auditVerify(ctx, caller, nil, &recordID, err)
		return nil, err
	}
	sig, err := s.sigs.ActiveByRecord(ctx, recordID)
	if err != nil {
		s.auditVerify(ctx, caller, nil, &recordID, err)
		return nil, err
	}

	res := Verify(sig, time.Now().UTC())
	if res.Valid && !integrity.Verify(rec.Content, sig.DocumentHash) {
		res.Valid = false
		res.FailureCode = string(errs.CodeContentHashMismatch)
		res.Message = "record content no longer matches the signed document hash"
	}
	s.auditVerify(ctx, caller, &res, &recordID, nil)
	return &res, nil
}

// ListByRecord returns a record's full signature history, newest first.
func (s *Service) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Signature, error) {
	return s.sigs.ListByRecord(ctx, recordID)
}

// Get returns one signature by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Signature, error) {
	return s.sigs.GetByID(ctx, id)
}

// Revoke performs the one-way valid -> revoked transition. The cryptographic
// material is untouched; revocation is an overlay fact, not erasure.
func (s *Service) Revoke(ctx context.Context, caller audit.Caller, id uuid.UUID, reason string) (*Signature, error) {
	sig, err := s.revoke(ctx, caller, id, reason)

	entry := audit.Entry{
		Action:      audit.ActionRevoke,
		SubjectType: "signature",
		SubjectID:   &id,
		Succeeded:   err == nil,
		ErrorCode:   codeFor(err),
	}
	if errs.Is(err, errs.CodeUnauthorized) {
		entry.Action = audit.ActionAccessDenied
	}
	if err == nil {
		entry.Message = "signature revoked"
		entry.Detail = audit.NewSignatureDetail(audit.SignatureDetail{
			SignatureID: sig.ID.String(),
			RecordID:    sig.RecordID.String(),
			Reason:      reason,
		})
		s.log.Info().
			Str("signature_id", sig.ID.String()).
			Str("record_id", sig.RecordID.String()).
			Str("revoked_by", caller.Actor.ID).
			Msg("signature revoked")
	} else {
		entry.Message = errs.MessageOf(err)
		entry.Detail = audit.NewErrorDetail(string(errs.CodeOf(err)), "")
	}
	s.recorder.Record(ctx, caller, entry)

	return sig, err
}

func (s *Service) revoke(ctx context.Context, caller audit.Caller, id uuid.UUID, reason string) (*Signature, error) {
	if caller.Actor == nil {
		return nil, errs.New(errs.CodeUnauthorized, "revocation requires an authenticated actor")
	}
	if reason == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "revocation requires a reason")
	}

	sig, err := s.sigs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanRevoke(caller.Actor.ID, caller.Actor.Role, sig) {
		return nil, errs.Newf(errs.CodeUnauthorized,
			"actor %s may not revoke a signature made by %s", caller.Actor.ID, sig.SignerID)
	}

	return s.sigs.Revoke(ctx, id, Revocation{RevokedBy: caller.Actor.ID, Reason: reason})
}

func (s *Service) auditVerify(ctx context.Context, caller audit.Caller, res *VerifyResult, subjectID *uuid.UUID, err error) {
	entry := audit.Entry{
		Action:      audit.ActionVerify,
		SubjectType: "signature",
		SubjectID:   subjectID,
		Succeeded:   err == nil,
		ErrorCode:   codeFor(err),
	}
	switch {
	case err != nil:
		entry.Message = errs.MessageOf(err)
	case res.Valid:
		entry.Message = "signature verified"
	default:
		// A clean verification run that found the signature invalid is still
		// a successful operation; the result rides in the message.
		entry.Message = res.Message
		entry.Detail = audit.NewErrorDetail(res.FailureCode, "")
	}
	s.recorder.Record(ctx, caller, entry)
}

func codeFor(err error) string {
	if err == nil {
		return ""
	}
	return string(errs.CodeOf(err))
}
