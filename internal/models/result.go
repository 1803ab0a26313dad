package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a sync error for reporting and retry decisions.
type ErrorKind string

const (
	ErrKindFetch        ErrorKind = "FETCH"
	ErrKindTransform    ErrorKind = "TRANSFORM"
	ErrKindValidation   ErrorKind = "VALIDATION"
	ErrKindLinkedRecord ErrorKind = "LINKED_RECORD"
	ErrKindRateLimit    ErrorKind = "RATE_LIMIT"
	ErrKindWrite        ErrorKind = "WRITE"
	ErrKindAuth         ErrorKind = "AUTH"
	ErrKindCancelled    ErrorKind = "CANCELLED"
	ErrKindUnknown      ErrorKind = "UNKNOWN"
)

// SyncError is one error recorded during a run. Row is 1-based when set;
// zero means the error is not tied to a row.
type SyncError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	RecordID string    `json:"recordId,omitempty"`
	Row      int       `json:"row,omitempty"`
	Field    string    `json:"field,omitempty"`
	Err      error     `json:"-"`
}

func (e *SyncError) Error() string {
	switch {
	case e.RecordID != "":
		return fmt.Sprintf("%s: %s (record %s)", e.Kind, e.Message, e.RecordID)
	case e.Row > 0:
		return fmt.Sprintf("%s: %s (row %d)", e.Kind, e.Message, e.Row)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// Fatal reports whether the error must terminate the run regardless of
// validation mode.
func (e *SyncError) Fatal() bool {
	switch e.Kind {
	case ErrKindFetch, ErrKindAuth, ErrKindCancelled:
		return true
	}
	return false
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictBothModified      ConflictKind = "BOTH_MODIFIED"
	ConflictDeletedInAirtable ConflictKind = "DELETED_IN_AIRTABLE"
	ConflictDeletedInSheets   ConflictKind = "DELETED_IN_SHEETS"
)

// ConflictInfo describes one record that diverged on both sides since the
// last known state.
type ConflictInfo struct {
	RecordID      string                 `json:"recordId"`
	Kind          ConflictKind           `json:"kind"`
	AirtableSide  map[string]interface{} `json:"airtableSide,omitempty"`
	SheetsSide    map[string]interface{} `json:"sheetsSide,omitempty"`
	LastKnownHash string                 `json:"lastKnownHash,omitempty"`
}

// ConflictAction is the resolved outcome for one conflict.
type ConflictAction string

const (
	ActionUseAirtable ConflictAction = "USE_AIRTABLE"
	ActionUseSheets   ConflictAction = "USE_SHEETS"
	ActionDelete      ConflictAction = "DELETE"
	ActionSkip        ConflictAction = "SKIP"
)

// ConflictResolution pairs a conflict with the action the policy chose.
type ConflictResolution struct {
	RecordID string         `json:"recordId"`
	Kind     ConflictKind   `json:"kind"`
	Action   ConflictAction `json:"action"`
	Reason   string         `json:"reason"`
}

// maxReportedErrors bounds the error list carried on a SyncResult so one
// broken sheet cannot balloon log rows.
const maxReportedErrors = 100

// SyncResult is the only observable surface of a run.
type SyncResult struct {
	RunID        string        `json:"runId"`
	SyncConfigID string        `json:"syncConfigId"`
	Direction    SyncDirection `json:"direction"`
	Success      bool          `json:"success"`

	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Total   int `json:"total"`

	Conflicts []ConflictResolution `json:"conflicts,omitempty"`
	Errors    []SyncError          `json:"errors,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`

	errorsDropped int

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// NewSyncResult starts a result for one run.
func NewSyncResult(runID, configID string, dir SyncDirection) *SyncResult {
	return &SyncResult{
		RunID:        runID,
		SyncConfigID: configID,
		Direction:    dir,
		StartedAt:    time.Now().UTC(),
	}
}

// AddError appends an error, keeping the list bounded.
func (r *SyncResult) AddError(e SyncError) {
	if len(r.Errors) >= maxReportedErrors {
		r.errorsDropped++
		return
	}
	r.Errors = append(r.Errors, e)
}

// AddWarning appends a warning message.
func (r *SyncResult) AddWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Finalize stamps timestamps and the success flag.
func (r *SyncResult) Finalize(success bool) *SyncResult {
	if r.errorsDropped > 0 {
		r.AddWarning("%d additional errors were dropped from the report", r.errorsDropped)
	}
	r.Success = success
	r.FinishedAt = time.Now().UTC()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
	return r
}

// HasErrors reports whether any error was recorded.
func (r *SyncResult) HasErrors() bool { return len(r.Errors) > 0 || r.errorsDropped > 0 }
