package models

import "time"

// RecordState is the engine's memory of one record at the end of the last
// successful run. The content hash covers every field of the record, not
// just mapped ones, so edits to unmapped fields still register as changes.
type RecordState struct {
	RecordID             string     `json:"recordId"`
	ContentHash          string     `json:"contentHash"`
	AirtableModifiedTime *time.Time `json:"airtableModifiedTime,omitempty"`
	SheetsModifiedTime   *time.Time `json:"sheetsModifiedTime,omitempty"`
	CapturedAt           time.Time  `json:"capturedAt"`
}

// SyncState is the persisted last-known state for one sync config. Created
// on first successful run, mutated only by the engine, cleared on config
// change or explicit reset.
type SyncState struct {
	SyncConfigID string                 `json:"syncConfigId"`
	Records      map[string]RecordState `json:"records"`
	LastSyncTime time.Time              `json:"lastSyncTime"`
}

// NewSyncState returns an empty state for a config.
func NewSyncState(configID string) *SyncState {
	return &SyncState{
		SyncConfigID: configID,
		Records:      make(map[string]RecordState),
	}
}

// Hash returns the stored content hash for a record id, or "" when the
// record is unknown.
func (s *SyncState) Hash(recordID string) string {
	if s == nil {
		return ""
	}
	if rs, ok := s.Records[recordID]; ok {
		return rs.ContentHash
	}
	return ""
}

// Has reports whether the state remembers a record id.
func (s *SyncState) Has(recordID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Records[recordID]
	return ok
}

// Remember stores the hash for a record id, stamping CapturedAt.
func (s *SyncState) Remember(recordID, hash string, now time.Time) {
	s.Records[recordID] = RecordState{
		RecordID:    recordID,
		ContentHash: hash,
		CapturedAt:  now,
	}
}

// Forget drops a record id from the state.
func (s *SyncState) Forget(recordID string) {
	delete(s.Records, recordID)
}
