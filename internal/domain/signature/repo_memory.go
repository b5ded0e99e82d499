package signature

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firmamed/firmamed/internal/platform/errs"
)

// RepoMemory keeps signatures in process memory for tests and dev.
type RepoMemory struct {
	mu   sync.Mutex
	sigs map[uuid.UUID]*Signature
}

func NewRepoMemory() *RepoMemory {
	return &RepoMemory{sigs: make(map[uuid.UUID]*Signature)}
}

func (r *RepoMemory) Create(ctx context.Context, sig *Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// One valid signature per record, same rule the partial unique index
	// enforces in postgres.
	for _, existing := range r.sigs {
		if existing.RecordID == sig.RecordID && existing.State == StateValid {
			return errs.Newf(errs.CodeRecordAlreadySigned,
				"clinical record %s already carries a valid signature", sig.RecordID)
		}
	}

	sig.ID = uuid.New()
	sig.CreatedAt = time.Now().UTC()
	cp := *sig
	r.sigs[sig.ID] = &cp
	return nil
}

// discard removes a signature created inside a failed logical transaction.
// Only the signing service's compensation path uses it; it is deliberately
// not part of the Repository surface.
func (r *RepoMemory) discard(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sigs, id)
	return nil
}

func (r *RepoMemory) GetByID(ctx context.Context, id uuid.UUID) (*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig, ok := r.sigs[id]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "signature %s not found", id)
	}
	cp := *sig
	return &cp, nil
}

func (r *RepoMemory) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sigs []*Signature
	for _, sig := range r.sigs {
		if sig.RecordID == recordID {
			cp := *sig
			sigs = append(sigs, &cp)
		}
	}
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].SignedAt.After(sigs[j].SignedAt)
	})
	return sigs, nil
}

func (r *RepoMemory) ActiveByRecord(ctx context.Context, recordID uuid.UUID) (*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sig := range r.sigs {
		if sig.RecordID == recordID && sig.State == StateValid {
			cp := *sig
			return &cp, nil
		}
	}
	return nil, errs.Newf(errs.CodeNotFound, "clinical record %s has no valid signature", recordID)
}

func (r *RepoMemory) Revoke(ctx context.Context, id uuid.UUID, rev Revocation) (*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig, ok := r.sigs[id]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "signature %s not found", id)
	}
	if sig.State == StateRevoked {
		return nil, errs.Newf(errs.CodeAlreadyRevoked, "signature %s is already revoked", id)
	}

	now := time.Now().UTC()
	sig.State = StateRevoked
	sig.RevokedBy = &rev.RevokedBy
	sig.RevocationReason = &rev.Reason
	sig.RevokedAt = &now
	cp := *sig
	return &cp, nil
}
