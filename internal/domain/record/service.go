package record

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firmamed/firmamed/internal/domain/audit"
	"github.com/firmamed/firmamed/internal/platform/errs"
	"github.com/firmamed/firmamed/internal/platform/integrity"
)

// Service owns the clinical-record lifecycle. Every content mutation
// rebinds the canonical hash so the stored hash always matches the
// stored content.
type Service struct {
	repo     Repository
	recorder *audit.Recorder
	log      zerolog.Logger
}

func NewService(repo Repository, recorder *audit.Recorder, log zerolog.Logger) *Service {
	return &Service{repo: repo, recorder: recorder, log: log}
}

// CreateDraft binds the content hash and stores a new draft record.
func (s *Service) CreateDraft(ctx context.Context, caller audit.Caller, patientID uuid.UUID, recordType string, content map[string]any) (*ClinicalRecord, error) {
	hash, err := integrity.Bind(content)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "bind record content")
	}

	rec := &ClinicalRecord{
		PatientID:   patientID,
		RecordType:  recordType,
		Content:     content,
		ContentHash: hash,
		Estado:      EstadoDraft,
	}
	err = s.repo.Create(ctx, rec)
	s.recorder.Record(ctx, caller, audit.Entry{
		Action:      audit.ActionCreate,
		SubjectType: "clinical_record",
		SubjectID:   subjectID(rec.ID),
		Succeeded:   err == nil,
		Message:     messageFor(err, "clinical record created"),
		ErrorCode:   codeFor(err),
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("record_id", rec.ID.String()).
		Str("record_type", rec.RecordType).
		Msg("draft record created")
	return rec, nil
}

// Get fetches a record and audits the read.
func (s *Service) Get(ctx context.Context, caller audit.Caller, id uuid.UUID) (*ClinicalRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	s.recorder.Record(ctx, caller, audit.Entry{
		Action:      audit.ActionRead,
		SubjectType: "clinical_record",
		SubjectID:   &id,
		Succeeded:   err == nil,
		Message:     messageFor(err, "clinical record read"),
		ErrorCode:   codeFor(err),
	})
	return rec, err
}

// UpdateContent replaces a draft's content and rebinds the hash. Signed
// and cancelled records are frozen; the repository enforces that.
func (s *Service) UpdateContent(ctx context.Context, caller audit.Caller, id uuid.UUID, content map[string]any) (*ClinicalRecord, error) {
	prev, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.auditUpdate(ctx, caller, id, nil, err)
		return nil, err
	}

	hash, err := integrity.Bind(content)
	if err != nil {
		err = errs.Wrap(err, errs.CodeInternal, "bind record content")
		s.auditUpdate(ctx, caller, id, nil, err)
		return nil, err
	}

	rec, err := s.repo.UpdateContent(ctx, id, content, hash)
	var detail *audit.Detail
	if err == nil {
		detail = audit.NewDiffDetail(prev.Content, content)
		s.log.Debug().
			Str("record_id", id.String()).
			Int("version", rec.VersionID).
			Msg("record content rebound")
	}
	s.auditUpdate(ctx, caller, id, detail, err)
	return rec, err
}

// Cancel retires a draft that will never be signed.
func (s *Service) Cancel(ctx context.Context, caller audit.Caller, id uuid.UUID) error {
	err := s.repo.Cancel(ctx, id)
	s.recorder.Record(ctx, caller, audit.Entry{
		Action:      audit.ActionDelete,
		SubjectType: "clinical_record",
		SubjectID:   &id,
		Succeeded:   err == nil,
		Message:     messageFor(err, "clinical record cancelled"),
		ErrorCode:   codeFor(err),
	})
	return err
}

func (s *Service) auditUpdate(ctx context.Context, caller audit.Caller, id uuid.UUID, detail *audit.Detail, err error) {
	s.recorder.Record(ctx, caller, audit.Entry{
		Action:      audit.ActionUpdate,
		SubjectType: "clinical_record",
		SubjectID:   &id,
		Detail:      detail,
		Succeeded:   err == nil,
		Message:     messageFor(err, "clinical record content updated"),
		ErrorCode:   codeFor(err),
	})
}

func subjectID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func messageFor(err error, ok string) string {
	if err != nil {
		return errs.MessageOf(err)
	}
	return ok
}

func codeFor(err error) string {
	if err == nil {
		return ""
	}
	return string(errs.CodeOf(err))
}
