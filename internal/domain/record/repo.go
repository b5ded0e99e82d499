package record

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, rec *ClinicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error)
	// UpdateContent replaces the content and its bound hash. Only draft
	// records accept content updates.
	UpdateContent(ctx context.Context, id uuid.UUID, content map[string]any, contentHash string) (*ClinicalRecord, error)
	// MarkSigned transitions the record draft -> signed, guarded by an
	// optimistic check on the stored content hash. Concurrent callers
	// race on the same compare-and-set: exactly one wins. Losers receive
	// RecordAlreadySigned or ContentHashMismatch depending on what the
	// row looked like when the update missed.
	MarkSigned(ctx context.Context, id uuid.UUID, expectHash string) error
	// Cancel transitions a draft record to cancelled.
	Cancel(ctx context.Context, id uuid.UUID) error
}
