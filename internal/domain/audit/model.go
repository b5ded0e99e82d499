package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action tags classify every security-relevant event the trail records.
type Action string

const (
	ActionLogin        Action = "login"
	ActionLoginFailed  Action = "login-failed"
	ActionLogout       Action = "logout"
	ActionCreate       Action = "create"
	ActionRead         Action = "read"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionSearch       Action = "search"
	ActionSign         Action = "sign"
	ActionVerify       Action = "verify"
	ActionRevoke       Action = "revoke"
	ActionAccessDenied Action = "access-denied"
	ActionExport       Action = "export"
	ActionAuditQuery   Action = "audit-query"
)

// KnownActions lists every action tag accepted by the trail.
var KnownActions = []Action{
	ActionLogin, ActionLoginFailed, ActionLogout,
	ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSearch,
	ActionSign, ActionVerify, ActionRevoke,
	ActionAccessDenied, ActionExport, ActionAuditQuery,
}

// ValidAction reports whether a is part of the fixed taxonomy.
func ValidAction(a Action) bool {
	for _, known := range KnownActions {
		if a == known {
			return true
		}
	}
	return false
}

// Record is one immutable fact about one action. Once appended it is never
// updated or deleted through the application; retention eviction at the
// storage engine is the only path that removes rows.
type Record struct {
	ID uuid.UUID `db:"id" json:"id"`

	// Actor identity with the role held at the time of the action. The role
	// is snapshotted, not re-derived later: assignments change and history
	// must reflect the role in force when the action occurred.
	ActorID    string `db:"actor_id" json:"actor_id"`
	ActorName  string `db:"actor_name" json:"actor_name"`
	ActorEmail string `db:"actor_email" json:"actor_email"`
	ActorRole  string `db:"actor_role" json:"actor_role"`

	Action Action `db:"action" json:"action"`

	// Subject identifies the affected entity. SubjectID is nil only for
	// actions with no single subject (searches, stats, exports).
	SubjectType string     `db:"subject_type" json:"subject_type"`
	SubjectID   *uuid.UUID `db:"subject_id" json:"subject_id,omitempty"`

	// Detail is the structured payload for the action, serialized as JSON.
	Detail *Detail `db:"detail" json:"detail,omitempty"`

	// Request context captured from the identity/session layer.
	OriginIP  string `db:"origin_ip" json:"origin_ip"`
	UserAgent string `db:"user_agent" json:"user_agent"`
	SessionID string `db:"session_id" json:"session_id"`
	RequestID string `db:"request_id" json:"request_id"`

	Succeeded bool   `db:"succeeded" json:"succeeded"`
	Message   string `db:"message" json:"message"`
	ErrorCode string `db:"error_code" json:"error_code,omitempty"`

	// Recorded is set once at creation and never modified.
	Recorded time.Time `db:"recorded" json:"recorded"`

	// SizeBytes is the serialized footprint of the record, maintained by the
	// store for byte-ceiling retention bookkeeping.
	SizeBytes int64 `db:"size_bytes" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EstimateSize returns the retention-accounting footprint of the record.
func (r *Record) EstimateSize() int64 {
	raw, err := json.Marshal(r)
	if err != nil {
		return 512
	}
	return int64(len(raw))
}

// Detail is a tagged union of per-action payload schemas. Kind names the
// variant; exactly one variant field is populated.
type Detail struct {
	Kind string `json:"kind"`

	Diff      *DiffDetail      `json:"diff,omitempty"`
	Error     *ErrorDetail     `json:"error,omitempty"`
	Query     *QueryDetail     `json:"query,omitempty"`
	Signature *SignatureDetail `json:"signature,omitempty"`
	Export    *ExportDetail    `json:"export,omitempty"`
}

// Detail kind tags.
const (
	DetailKindDiff      = "diff"
	DetailKindError     = "error"
	DetailKindQuery     = "query"
	DetailKindSignature = "signature"
	DetailKindExport    = "export"
)

// DiffDetail records a before/after snapshot for mutations.
type DiffDetail struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// ErrorDetail carries the operational code behind a failed action.
type ErrorDetail struct {
	Code string `json:"code"`
	Hint string `json:"hint,omitempty"`
}

// QueryDetail records the filters of a search or audit query.
type QueryDetail struct {
	Filters map[string]string `json:"filters,omitempty"`
	Results int               `json:"results"`
}

// SignatureDetail records the identifiers of a signature operation.
type SignatureDetail struct {
	SignatureID       string `json:"signature_id,omitempty"`
	RecordID          string `json:"record_id,omitempty"`
	Algorithm         string `json:"algorithm,omitempty"`
	Purpose           string `json:"purpose,omitempty"`
	CertificateSerial string `json:"certificate_serial,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// ExportDetail records the shape of a tabular export.
type ExportDetail struct {
	Format string `json:"format"`
	Rows   int    `json:"rows"`
}

// NewDiffDetail builds a diff-variant detail.
func NewDiffDetail(before, after map[string]any) *Detail {
	return &Detail{Kind: DetailKindDiff, Diff: &DiffDetail{Before: before, After: after}}
}

// NewErrorDetail builds an error-variant detail.
func NewErrorDetail(code, hint string) *Detail {
	return &Detail{Kind: DetailKindError, Error: &ErrorDetail{Code: code, Hint: hint}}
}

// NewQueryDetail builds a query-variant detail.
func NewQueryDetail(filters map[string]string, results int) *Detail {
	return &Detail{Kind: DetailKindQuery, Query: &QueryDetail{Filters: filters, Results: results}}
}

// NewSignatureDetail builds a signature-variant detail.
func NewSignatureDetail(d SignatureDetail) *Detail {
	return &Detail{Kind: DetailKindSignature, Signature: &d}
}

// NewExportDetail builds an export-variant detail.
func NewExportDetail(format string, rows int) *Detail {
	return &Detail{Kind: DetailKindExport, Export: &ExportDetail{Format: format, Rows: rows}}
}

// Filter narrows a trail query. Zero values mean "no constraint".
type Filter struct {
	ActorID     string
	ActorRole   string
	Action      Action
	SubjectType string
	SubjectID   *uuid.UUID
	Succeeded   *bool
	From        *time.Time
	To          *time.Time

	// Before restricts results to records strictly older than the given
	// position in the (recorded, id) sort order. The CSV export pages
	// with it so concurrent appends cannot shift or duplicate rows.
	Before *Position
}

// Position is a keyset cursor into the newest-first (recorded, id) order.
type Position struct {
	Recorded time.Time
	ID       uuid.UUID
}

// Map renders the filter as string pairs for query-detail auditing.
func (f Filter) Map() map[string]string {
	m := make(map[string]string)
	if f.ActorID != "" {
		m["actor"] = f.ActorID
	}
	if f.ActorRole != "" {
		m["role"] = f.ActorRole
	}
	if f.Action != "" {
		m["action"] = string(f.Action)
	}
	if f.SubjectType != "" {
		m["subject_type"] = f.SubjectType
	}
	if f.SubjectID != nil {
		m["subject_id"] = f.SubjectID.String()
	}
	if f.Succeeded != nil {
		if *f.Succeeded {
			m["success"] = "true"
		} else {
			m["success"] = "false"
		}
	}
	if f.From != nil {
		m["from"] = f.From.Format(time.RFC3339)
	}
	if f.To != nil {
		m["to"] = f.To.Format(time.RFC3339)
	}
	return m
}

// Stats aggregates trail activity for compliance reporting.
type Stats struct {
	Total    int            `json:"total"`
	ByAction map[string]int `json:"by_action"`
	ByRole   map[string]int `json:"by_role"`
	ByDay    []DayCount     `json:"by_day"`
}

// DayCount is one time bucket of trail activity.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
