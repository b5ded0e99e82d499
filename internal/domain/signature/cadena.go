package signature

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// cadenaVersion is baked into every signed string so the layout can evolve
// without making old signatures unverifiable.
const cadenaVersion = "1.0"

// CadenaInput carries every field bound into the signed string.
type CadenaInput struct {
	RecordID     uuid.UUID
	DocumentHash string
	SignerID     string
	CertSerial   string
	CertIssuer   string
	Algorithm    Algorithm
	Purpose      Purpose
	SignedAt     time.Time
}

// BuildCadena constructs the exact string a signer signs and a verifier
// checks. The layout is fixed and fully determined by its inputs: the same
// record, hash, signer, certificate, purpose and instant always produce the
// same string, so any later re-derivation is reproducible.
func BuildCadena(in CadenaInput) string {
	return fmt.Sprintf("||%s|%s|%s|%s|%s|%s|%s|%s|%s||",
		cadenaVersion,
		in.RecordID,
		in.DocumentHash,
		in.SignerID,
		in.CertSerial,
		in.CertIssuer,
		in.Algorithm,
		in.Purpose,
		in.SignedAt.UTC().Format(time.RFC3339),
	)
}
