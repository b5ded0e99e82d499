package audit

import (
	"context"

	"github.com/google/uuid"
)

// Capacity is the hard retention ceiling of the trail. When either bound is
// reached, the oldest records are evicted first. Zero disables that bound.
type Capacity struct {
	MaxRecords int
	MaxBytes   int64
}

// Repository is the append-only store behind the trail. The interface
// deliberately has no update or delete methods: immutability is structural,
// not conventional. Append must additionally reject any record that already
// carries an identity.
type Repository interface {
	Append(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Search(ctx context.Context, filter Filter, limit, offset int) ([]*Record, int, error)
	Stats(ctx context.Context, filter Filter) (*Stats, error)
	// TotalSize returns the current record count and byte footprint, for
	// retention monitoring.
	TotalSize(ctx context.Context) (int, int64, error)
}
