package engine

import (
	"context"

	"tablebridge/engine/internal/models"
)

// ConfigStore loads sync configurations by id.
type ConfigStore interface {
	Get(ctx context.Context, id string) (*models.SyncConfig, error)
}

// TokenProvider hands out access tokens per user and provider. Provider
// names are "airtable" and "google". Implementations may refresh behind
// the scenes; the engine never caches tokens.
type TokenProvider interface {
	ForUser(ctx context.Context, userID, provider string) (string, error)
}

// ListOptions narrows an Airtable list call.
type ListOptions struct {
	View          string
	FilterFormula string
	MaxRecords    int
}

// RecordUpdate is one record mutation for UpdateRecords.
type RecordUpdate struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// AirtableClient is the engine's view of the Airtable API. ListRecords
// pages internally and returns the full result.
type AirtableClient interface {
	ListRecords(ctx context.Context, baseID, tableID string, opts ListOptions) ([]models.AirtableRecord, error)
	GetBaseSchema(ctx context.Context, baseID string) ([]models.TableSchema, error)
	CreateRecords(ctx context.Context, baseID, tableID string, fields []map[string]interface{}) ([]models.AirtableRecord, error)
	UpdateRecords(ctx context.Context, baseID, tableID string, updates []RecordUpdate) error
	DeleteRecords(ctx context.Context, baseID, tableID string, ids []string) error
}

// SheetsClient is the engine's view of the Sheets API. Ranges are A1
// notation without the sheet prefix; implementations qualify them.
type SheetsClient interface {
	GetSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string) ([][]interface{}, error)
	UpdateSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string, values [][]interface{}) error
	AppendRows(ctx context.Context, spreadsheetID, sheetName string, values [][]interface{}) error
	DeleteRows(ctx context.Context, spreadsheetID string, sheetID int64, startRow, count int) error
	EnsureColumnsExist(ctx context.Context, spreadsheetID string, sheetID int64, minColumns int) error
	HideColumn(ctx context.Context, spreadsheetID string, sheetID int64, columnIndex int) error
}

// StateStore persists last-known sync state per config.
type StateStore interface {
	Get(ctx context.Context, configID string) (*models.SyncState, error)
	Put(ctx context.Context, configID string, state *models.SyncState) error
	Clear(ctx context.Context, configID string) error
}

// LogSink receives the result of every run.
type LogSink interface {
	Write(ctx context.Context, result *models.SyncResult) error
}

// AirtableClientFactory builds a client bound to one access token.
type AirtableClientFactory func(token string) AirtableClient

// SheetsClientFactory builds a client bound to one access token.
type SheetsClientFactory func(ctx context.Context, token string) (SheetsClient, error)
