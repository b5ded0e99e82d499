package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firmamed/firmamed/internal/platform/auth"
)

// Caller bundles the acting identity and request context every core
// operation receives explicitly. Nothing here is read from ambient state.
type Caller struct {
	Actor     *auth.Actor
	OriginIP  string
	UserAgent string
	SessionID string
	RequestID string
}

// Entry is a pending trail record; Recorder turns it into a persisted one.
type Entry struct {
	Action      Action
	SubjectType string
	SubjectID   *uuid.UUID
	Detail      *Detail
	Succeeded   bool
	Message     string
	ErrorCode   string
}

// Recorder appends trail records best-effort: a failed append must never
// propagate as a failure of the operation being audited. Failures are
// written, entry included, to the fallback diagnostic sink instead.
type Recorder struct {
	repo     Repository
	fallback zerolog.Logger
}

func NewRecorder(repo Repository, fallback zerolog.Logger) *Recorder {
	return &Recorder{
		repo:     repo,
		fallback: fallback.With().Str("component", "audit-recorder").Logger(),
	}
}

// Record persists one entry for the caller. Every security-relevant action
// calls this exactly once, success or failure alike.
func (r *Recorder) Record(ctx context.Context, caller Caller, entry Entry) {
	rec := &Record{
		Action:      entry.Action,
		SubjectType: entry.SubjectType,
		SubjectID:   entry.SubjectID,
		Detail:      entry.Detail,
		Succeeded:   entry.Succeeded,
		Message:     entry.Message,
		ErrorCode:   entry.ErrorCode,
		OriginIP:    caller.OriginIP,
		UserAgent:   caller.UserAgent,
		SessionID:   caller.SessionID,
		RequestID:   caller.RequestID,
		Recorded:    time.Now().UTC(),
	}
	if caller.Actor != nil {
		rec.ActorID = caller.Actor.ID
		rec.ActorName = caller.Actor.Name
		rec.ActorEmail = caller.Actor.Email
		rec.ActorRole = caller.Actor.Role
	}

	if err := r.repo.Append(ctx, rec); err != nil {
		r.fallback.Error().
			Err(err).
			Str("action", string(entry.Action)).
			Str("actor_id", rec.ActorID).
			Str("subject_type", entry.SubjectType).
			Bool("succeeded", entry.Succeeded).
			Str("message", entry.Message).
			Str("request_id", caller.RequestID).
			Msg("audit append failed; entry preserved in diagnostic log only")
	}
}

// Service is the query engine over the trail. Queries against the trail are
// themselves security-relevant and are recorded like any other action.
type Service struct {
	repo Repository
	rec  *Recorder
}

func NewService(repo Repository, rec *Recorder) *Service {
	return &Service{repo: repo, rec: rec}
}

func (s *Service) GetRecord(ctx context.Context, caller Caller, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	s.rec.Record(ctx, caller, Entry{
		Action:      ActionAuditQuery,
		SubjectType: "audit_record",
		SubjectID:   &id,
		Succeeded:   err == nil,
		Message:     messageOrOK(err, "audit record read"),
		ErrorCode:   codeOf(err),
	})
	return rec, err
}

// Query returns matching records newest-first plus the total match count.
func (s *Service) Query(ctx context.Context, caller Caller, filter Filter, limit, offset int) ([]*Record, int, error) {
	items, total, err := s.repo.Search(ctx, filter, limit, offset)
	s.rec.Record(ctx, caller, Entry{
		Action:      ActionAuditQuery,
		SubjectType: "audit_record",
		Detail:      NewQueryDetail(filter.Map(), total),
		Succeeded:   err == nil,
		Message:     messageOrOK(err, "audit trail queried"),
		ErrorCode:   codeOf(err),
	})
	return items, total, err
}

// GetStats aggregates trail activity by action, role, and day.
func (s *Service) GetStats(ctx context.Context, caller Caller, filter Filter) (*Stats, error) {
	stats, err := s.repo.Stats(ctx, filter)
	results := 0
	if stats != nil {
		results = stats.Total
	}
	s.rec.Record(ctx, caller, Entry{
		Action:      ActionAuditQuery,
		SubjectType: "audit_record",
		Detail:      NewQueryDetail(filter.Map(), results),
		Succeeded:   err == nil,
		Message:     messageOrOK(err, "audit trail aggregated"),
		ErrorCode:   codeOf(err),
	})
	return stats, err
}

// exportPageSize bounds memory per export batch.
const exportPageSize = 500

// ExportCSV streams the filtered trail as delimited rows. Returns the number
// of data rows written.
func (s *Service) ExportCSV(ctx context.Context, caller Caller, filter Filter, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	header := []string{
		"timestamp", "actor_name", "actor_email", "actor_role", "action",
		"subject_type", "subject_id", "succeeded", "message", "origin_ip", "user_agent",
	}

	rows := 0
	writeErr := func() error {
		if err := cw.Write(header); err != nil {
			return fmt.Errorf("write export header: %w", err)
		}
		// Keyset paging on (recorded, id): a concurrent append lands
		// ahead of the cursor and cannot shift, duplicate, or drop the
		// rows still to be written.
		page := filter
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			items, _, err := s.repo.Search(ctx, page, exportPageSize, 0)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				break
			}
			for _, rec := range items {
				subjectID := ""
				if rec.SubjectID != nil {
					subjectID = rec.SubjectID.String()
				}
				row := []string{
					rec.Recorded.UTC().Format(time.RFC3339),
					rec.ActorName,
					rec.ActorEmail,
					rec.ActorRole,
					string(rec.Action),
					rec.SubjectType,
					subjectID,
					strconv.FormatBool(rec.Succeeded),
					rec.Message,
					rec.OriginIP,
					rec.UserAgent,
				}
				if err := cw.Write(row); err != nil {
					return fmt.Errorf("write export row: %w", err)
				}
				rows++
			}
			last := items[len(items)-1]
			page.Before = &Position{Recorded: last.Recorded, ID: last.ID}
			if len(items) < exportPageSize {
				break
			}
		}
		cw.Flush()
		return cw.Error()
	}()

	s.rec.Record(ctx, caller, Entry{
		Action:      ActionExport,
		SubjectType: "audit_record",
		Detail:      NewExportDetail("csv", rows),
		Succeeded:   writeErr == nil,
		Message:     messageOrOK(writeErr, "audit trail exported"),
		ErrorCode:   codeOf(writeErr),
	})
	return rows, writeErr
}

// TrailSize reports count and byte footprint against the retention ceiling.
func (s *Service) TrailSize(ctx context.Context) (int, int64, error) {
	return s.repo.TotalSize(ctx)
}
