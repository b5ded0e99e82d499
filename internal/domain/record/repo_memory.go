package record

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firmamed/firmamed/internal/platform/errs"
)

// RepoMemory keeps clinical records in process memory. Tests and the
// dev environment use it in place of postgres.
type RepoMemory struct {
	mu      sync.Mutex
	records map[uuid.UUID]*ClinicalRecord
}

func NewRepoMemory() *RepoMemory {
	return &RepoMemory{records: make(map[uuid.UUID]*ClinicalRecord)}
}

// clone detaches a record from the store. Content is copied recursively:
// a caller mutating a returned map must never reach the stored record,
// the same isolation a postgres round-trip gives.
func clone(rec *ClinicalRecord) *ClinicalRecord {
	cp := *rec
	cp.Content = cloneContent(rec.Content)
	return &cp
}

func cloneContent(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneContent(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}

func (r *RepoMemory) Create(ctx context.Context, rec *ClinicalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.ID = uuid.New()
	rec.VersionID = 1
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.records[rec.ID] = clone(rec)
	return nil
}

func (r *RepoMemory) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "clinical record %s not found", id)
	}
	return clone(rec), nil
}

func (r *RepoMemory) UpdateContent(ctx context.Context, id uuid.UUID, content map[string]any, contentHash string) (*ClinicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "clinical record %s not found", id)
	}
	if rec.Estado != EstadoDraft {
		return nil, errs.Newf(errs.CodeRecordAlreadySigned,
			"clinical record %s is %s; content is frozen", id, rec.Estado)
	}
	rec.Content = cloneContent(content)
	rec.ContentHash = contentHash
	rec.VersionID++
	rec.UpdatedAt = time.Now().UTC()
	return clone(rec), nil
}

func (r *RepoMemory) MarkSigned(ctx context.Context, id uuid.UUID, expectHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errs.Newf(errs.CodeNotFound, "clinical record %s not found", id)
	}
	if rec.Estado != EstadoDraft {
		return errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is already %s", id, rec.Estado)
	}
	if rec.ContentHash != expectHash {
		return errs.Newf(errs.CodeContentHashMismatch,
			"clinical record %s stored hash diverges from the hash being signed", id)
	}
	rec.Estado = EstadoSigned
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *RepoMemory) Cancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errs.Newf(errs.CodeNotFound, "clinical record %s not found", id)
	}
	if rec.Estado != EstadoDraft {
		return errs.Newf(errs.CodeRecordAlreadySigned, "clinical record %s is %s and cannot be cancelled", id, rec.Estado)
	}
	rec.Estado = EstadoCancelled
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
