package models

import "fmt"

// SyncDirection selects which pipeline a config runs.
type SyncDirection string

const (
	DirectionAirtableToSheets SyncDirection = "airtable_to_sheets"
	DirectionSheetsToAirtable SyncDirection = "sheets_to_airtable"
	DirectionBidirectional    SyncDirection = "bidirectional"
)

// ConflictPolicy decides the winner when both sides changed since the last
// known state.
type ConflictPolicy string

const (
	PolicyAirtableWins ConflictPolicy = "airtable_wins"
	PolicySheetsWins   ConflictPolicy = "sheets_wins"
	// PolicyNewestWins degrades to PolicyAirtableWins for BOTH_MODIFIED
	// conflicts: neither provider exposes reliable per-cell modification
	// timestamps, so "newest" is undecidable for concurrent edits.
	// Deletions are treated as newer than edits under this policy.
	PolicyNewestWins ConflictPolicy = "newest_wins"
)

// ValidationMode controls whether per-row conversion errors abort the run.
type ValidationMode string

const (
	ValidationStrict  ValidationMode = "strict"
	ValidationLenient ValidationMode = "lenient"
)

// DefaultIDColumn is the sheet column reserved for Airtable record ids.
// Index 26 is column "AA", past the user-visible A-Z range.
const DefaultIDColumn = 26

// SyncConfig is one sync definition, immutable for the duration of a run.
type SyncConfig struct {
	ID     string `db:"id" json:"id"`
	UserID string `db:"user_id" json:"userId"`

	AirtableBaseID  string `db:"airtable_base_id" json:"airtableBaseId"`
	AirtableTableID string `db:"airtable_table_id" json:"airtableTableId"`

	SpreadsheetID string `db:"spreadsheet_id" json:"spreadsheetId"`
	SheetName     string `db:"sheet_name" json:"sheetName"`
	SheetID       int64  `db:"sheet_id" json:"sheetId"`

	Direction      SyncDirection  `db:"direction" json:"direction"`
	ConflictPolicy ConflictPolicy `db:"conflict_policy" json:"conflictPolicy"`
	ValidationMode ValidationMode `db:"validation_mode" json:"validationMode"`

	// FieldMappings maps Airtable field id -> zero-based sheet column.
	// Empty means positional mapping in schema order.
	FieldMappings []FieldMapping `json:"fieldMappings,omitempty"`

	// IDColumnIndex is the sheet column holding Airtable record ids.
	// Zero means DefaultIDColumn.
	IDColumnIndex int `db:"id_column_index" json:"idColumnIndex"`

	SkipHeaderRow              bool `db:"skip_header_row" json:"skipHeaderRow"`
	DeleteExtras               bool `db:"delete_extras" json:"deleteExtras"`
	ResolveLinkedRecords       bool `db:"resolve_linked_records" json:"resolveLinkedRecords"`
	CreateMissingLinkedRecords bool `db:"create_missing_linked_records" json:"createMissingLinkedRecords"`

	MaxRetries int `db:"max_retries" json:"maxRetries"`
	BatchSize  int `db:"batch_size" json:"batchSize"`
}

// FieldMapping binds one Airtable field to one sheet column.
type FieldMapping struct {
	FieldID     string `json:"fieldId"`
	ColumnIndex int    `json:"columnIndex"`
}

// IDColumn returns the effective id-column index.
func (c *SyncConfig) IDColumn() int {
	if c.IDColumnIndex > 0 {
		return c.IDColumnIndex
	}
	return DefaultIDColumn
}

// Strict reports whether per-row errors terminate the run.
func (c *SyncConfig) Strict() bool {
	return c.ValidationMode == ValidationStrict
}

// Validate rejects configs the engine cannot run.
func (c *SyncConfig) Validate() error {
	if c.AirtableBaseID == "" || c.AirtableTableID == "" {
		return fmt.Errorf("sync config %s: airtable base and table are required", c.ID)
	}
	if c.SpreadsheetID == "" {
		return fmt.Errorf("sync config %s: spreadsheet id is required", c.ID)
	}
	switch c.Direction {
	case DirectionAirtableToSheets, DirectionSheetsToAirtable, DirectionBidirectional:
	default:
		return fmt.Errorf("sync config %s: unknown direction %q", c.ID, c.Direction)
	}
	seenField := map[string]bool{}
	seenCol := map[int]bool{}
	for _, m := range c.FieldMappings {
		if seenField[m.FieldID] {
			return fmt.Errorf("sync config %s: duplicate field mapping for %s", c.ID, m.FieldID)
		}
		if seenCol[m.ColumnIndex] {
			return fmt.Errorf("sync config %s: duplicate column mapping for %d", c.ID, m.ColumnIndex)
		}
		if m.ColumnIndex == c.IDColumn() {
			return fmt.Errorf("sync config %s: field %s mapped onto the id column", c.ID, m.FieldID)
		}
		seenField[m.FieldID] = true
		seenCol[m.ColumnIndex] = true
	}
	return nil
}
