package signature

import (
	"time"

	"github.com/google/uuid"
)

// Algorithm identifies the signature scheme. Only the two schemes below are
// accepted; anything else is rejected before cryptographic verification.
type Algorithm string

const (
	AlgorithmRSASHA256 Algorithm = "RSA-SHA256"
	AlgorithmECDSAP256 Algorithm = "ECDSA-P256-SHA256"
)

// SupportedAlgorithm reports whether a is one of the accepted schemes.
func SupportedAlgorithm(a Algorithm) bool {
	return a == AlgorithmRSASHA256 || a == AlgorithmECDSAP256
}

// Purpose declares what a signature attests to. The signer's role must be
// entitled to the purpose; see policy.go.
type Purpose string

const (
	PurposeRecordCreation  Purpose = "record-creation"
	PurposeRecordUpdate    Purpose = "record-update"
	PurposeClinicalNote    Purpose = "clinical-note"
	PurposePrescription    Purpose = "prescription"
	PurposeInformedConsent Purpose = "informed-consent"
	PurposeLabResult       Purpose = "lab-result"
)

// KnownPurposes lists every accepted signing purpose.
var KnownPurposes = []Purpose{
	PurposeRecordCreation, PurposeRecordUpdate, PurposeClinicalNote,
	PurposePrescription, PurposeInformedConsent, PurposeLabResult,
}

// ValidPurpose reports whether p is part of the fixed purpose set.
func ValidPurpose(p Purpose) bool {
	for _, known := range KnownPurposes {
		if p == known {
			return true
		}
	}
	return false
}

// State is the stored lifecycle state of a signature. Expiry is not a stored
// state: it is derived from the certificate validity window at read time, so
// a signature row never mutates just because the clock advanced.
type State string

const (
	StateValid   State = "valid"
	StateRevoked State = "revoked"
)

// Signature is one digital signature over one frozen clinical record. The row
// is the authoritative proof object: everything needed to re-verify it later
// (certificate, algorithm, signed string, hash) is snapshotted here.
type Signature struct {
	ID       uuid.UUID `db:"id" json:"id"`
	RecordID uuid.UUID `db:"record_id" json:"record_id"`

	SignerID   string `db:"signer_id" json:"signer_id"`
	SignerName string `db:"signer_name" json:"signer_name"`
	SignerRole string `db:"signer_role" json:"signer_role"`

	// Certificate snapshot. The full PEM is stored so verification does not
	// depend on any external certificate registry still holding the cert.
	CertSerial    string    `db:"cert_serial" json:"cert_serial"`
	CertIssuer    string    `db:"cert_issuer" json:"cert_issuer"`
	CertNotBefore time.Time `db:"cert_not_before" json:"cert_not_before"`
	CertNotAfter  time.Time `db:"cert_not_after" json:"cert_not_after"`
	CertPEM       string    `db:"cert_pem" json:"-"`

	Algorithm Algorithm `db:"algorithm" json:"algorithm"`
	Purpose   Purpose   `db:"purpose" json:"purpose"`

	// CadenaOriginal is the exact string that was signed, and DocumentHash is
	// the record content hash bound into it. Stored verbatim: verification
	// recomputes nothing from mutable state.
	CadenaOriginal string `db:"cadena_original" json:"cadena_original"`
	DocumentHash   string `db:"document_hash" json:"document_hash"`

	// SignatureB64 is the raw signature bytes, base64 standard encoding.
	SignatureB64 string `db:"signature_b64" json:"signature_b64"`

	SignedAt time.Time `db:"signed_at" json:"signed_at"`

	State            State      `db:"state" json:"state"`
	RevokedBy        *string    `db:"revoked_by" json:"revoked_by,omitempty"`
	RevocationReason *string    `db:"revocation_reason" json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Expired reports whether the certificate validity window does not cover the
// given instant. Expiry is always derived against the moment of the check,
// never written back to the row.
func (s *Signature) Expired(now time.Time) bool {
	return now.Before(s.CertNotBefore) || now.After(s.CertNotAfter)
}

// EffectiveState folds derived expiry into the stored state for API output.
// Revocation wins over expiry.
func (s *Signature) EffectiveState(now time.Time) string {
	if s.State == StateRevoked {
		return string(StateRevoked)
	}
	if s.Expired(now) {
		return "expired"
	}
	return string(StateValid)
}

// VerifyResult is the outcome of re-verifying one signature. Valid is true
// only when every check passed; otherwise FailureCode names the first check
// that failed, in fixed order: validity window, revocation, algorithm,
// cryptography, content hash.
type VerifyResult struct {
	SignatureID uuid.UUID `json:"signature_id"`
	RecordID    uuid.UUID `json:"record_id"`
	Valid       bool      `json:"valid"`
	State       string    `json:"state"`
	FailureCode string    `json:"failure_code,omitempty"`
	Message     string    `json:"message"`
	CheckedAt   time.Time `json:"checked_at"`
}
