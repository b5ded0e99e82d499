package record

import (
	"time"

	"github.com/google/uuid"
)

// Estado values of a clinical record. A record reaches EstadoSigned only
// through a successful signing operation.
const (
	EstadoDraft     = "draft"
	EstadoSigned    = "signed"
	EstadoCancelled = "cancelled"
)

// ClinicalRecord is the signed artifact: a mutable content payload bound to
// a content hash. The stored hash must equal the hash of the content as last
// persisted; any divergence signals tampering.
type ClinicalRecord struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	PatientID   uuid.UUID      `db:"patient_id" json:"patient_id"`
	RecordType  string         `db:"record_type" json:"record_type"`
	Content     map[string]any `db:"content" json:"content"`
	ContentHash string         `db:"content_hash" json:"content_hash"`
	Estado      string         `db:"estado" json:"estado"`
	VersionID   int            `db:"version_id" json:"version_id"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}
