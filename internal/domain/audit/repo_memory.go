package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firmamed/firmamed/internal/platform/errs"
)

// RepoMemory is a ring-buffer trail used by development mode and tests.
// Capacity bookkeeping is guarded by the same mutex as the buffer itself so
// concurrent appends never observe torn counters.
type RepoMemory struct {
	mu      sync.RWMutex
	records []*Record
	bytes   int64
	cap     Capacity
}

func NewRepoMemory(cap Capacity) *RepoMemory {
	return &RepoMemory{cap: cap}
}

func (r *RepoMemory) Append(ctx context.Context, rec *Record) error {
	if rec.ID != uuid.Nil {
		return errs.Newf(errs.CodeImmutableRecordViolation,
			"audit record %s already persisted; records are append-only", rec.ID)
	}
	if rec.Recorded.IsZero() {
		rec.Recorded = time.Now().UTC()
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now().UTC()
	rec.SizeBytes = rec.EstimateSize()

	stored := *rec

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, &stored)
	r.bytes += stored.SizeBytes

	// Oldest-first eviction once either ceiling is crossed.
	for (r.cap.MaxRecords > 0 && len(r.records) > r.cap.MaxRecords) ||
		(r.cap.MaxBytes > 0 && r.bytes > r.cap.MaxBytes && len(r.records) > 1) {
		r.bytes -= r.records[0].SizeBytes
		r.records = r.records[1:]
	}
	return nil
}

func (r *RepoMemory) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.ID == id {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, errs.Newf(errs.CodeNotFound, "audit record %s not found", id)
}

func matches(rec *Record, filter Filter) bool {
	if filter.ActorID != "" && rec.ActorID != filter.ActorID {
		return false
	}
	if filter.ActorRole != "" && rec.ActorRole != filter.ActorRole {
		return false
	}
	if filter.Action != "" && rec.Action != filter.Action {
		return false
	}
	if filter.SubjectType != "" && !strings.EqualFold(rec.SubjectType, filter.SubjectType) {
		return false
	}
	if filter.SubjectID != nil && (rec.SubjectID == nil || *rec.SubjectID != *filter.SubjectID) {
		return false
	}
	if filter.Succeeded != nil && rec.Succeeded != *filter.Succeeded {
		return false
	}
	if filter.From != nil && rec.Recorded.Before(*filter.From) {
		return false
	}
	if filter.To != nil && rec.Recorded.After(*filter.To) {
		return false
	}
	if filter.Before != nil && !olderThan(rec, *filter.Before) {
		return false
	}
	return true
}

// olderThan reports whether rec sorts strictly after pos in the
// newest-first (recorded, id) order, matching the postgres row
// comparison (recorded, id) < (pos.recorded, pos.id).
func olderThan(rec *Record, pos Position) bool {
	if rec.Recorded.Before(pos.Recorded) {
		return true
	}
	return rec.Recorded.Equal(pos.Recorded) && uuidLess(rec.ID, pos.ID)
}

func uuidLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (r *RepoMemory) Search(ctx context.Context, filter Filter, limit, offset int) ([]*Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Record
	for _, rec := range r.records {
		if matches(rec, filter) {
			copied := *rec
			matched = append(matched, &copied)
		}
	}

	// Newest first, id as the tie-break so the order is total and the
	// keyset cursor never skips equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Recorded.Equal(matched[j].Recorded) {
			return matched[i].Recorded.After(matched[j].Recorded)
		}
		return uuidLess(matched[j].ID, matched[i].ID)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *RepoMemory) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{
		ByAction: make(map[string]int),
		ByRole:   make(map[string]int),
	}
	byDay := make(map[string]int)
	for _, rec := range r.records {
		if !matches(rec, filter) {
			continue
		}
		stats.Total++
		stats.ByAction[string(rec.Action)]++
		stats.ByRole[rec.ActorRole]++
		byDay[rec.Recorded.UTC().Format("2006-01-02")]++
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days {
		stats.ByDay = append(stats.ByDay, DayCount{Date: d, Count: byDay[d]})
	}
	return stats, nil
}

func (r *RepoMemory) TotalSize(ctx context.Context) (int, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records), r.bytes, nil
}
