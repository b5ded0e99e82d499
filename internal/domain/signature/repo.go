package signature

import (
	"context"

	"github.com/google/uuid"
)

// Revocation carries the overlay facts of a revoke transition.
type Revocation struct {
	RevokedBy string
	Reason    string
}

// Repository persists signatures. There is no update of cryptographic
// material and no delete: revocation is the only permitted mutation, and it
// only overlays the revocation fields on a currently valid row.
type Repository interface {
	Create(ctx context.Context, sig *Signature) error
	GetByID(ctx context.Context, id uuid.UUID) (*Signature, error)

	// ListByRecord returns every signature ever made over a record, newest
	// first. Revoked signatures stay listed; they remain legally relevant.
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Signature, error)

	// ActiveByRecord returns the record's single valid signature, or
	// NotFound when none exists.
	ActiveByRecord(ctx context.Context, recordID uuid.UUID) (*Signature, error)

	// Revoke transitions valid -> revoked. Fails with AlreadyRevoked when the
	// row is already revoked, NotFound when it does not exist.
	Revoke(ctx context.Context, id uuid.UUID, rev Revocation) (*Signature, error)
}
