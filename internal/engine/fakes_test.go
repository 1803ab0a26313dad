package engine

import (
	"context"
	"fmt"
	"sync"

	"tablebridge/engine/internal/models"
)

// fakeAirtable implements AirtableClient with per-method func fields.
// Unset methods fail loudly so a test only wires what it expects.
type fakeAirtable struct {
	listFn   func(ctx context.Context, baseID, tableID string, opts ListOptions) ([]models.AirtableRecord, error)
	schemaFn func(ctx context.Context, baseID string) ([]models.TableSchema, error)
	createFn func(ctx context.Context, baseID, tableID string, fields []map[string]interface{}) ([]models.AirtableRecord, error)
	updateFn func(ctx context.Context, baseID, tableID string, updates []RecordUpdate) error
	deleteFn func(ctx context.Context, baseID, tableID string, ids []string) error
}

func (f *fakeAirtable) ListRecords(ctx context.Context, baseID, tableID string, opts ListOptions) ([]models.AirtableRecord, error) {
	if f.listFn == nil {
		return nil, fmt.Errorf("unexpected ListRecords(%s, %s)", baseID, tableID)
	}
	return f.listFn(ctx, baseID, tableID, opts)
}

func (f *fakeAirtable) GetBaseSchema(ctx context.Context, baseID string) ([]models.TableSchema, error) {
	if f.schemaFn == nil {
		return nil, fmt.Errorf("unexpected GetBaseSchema(%s)", baseID)
	}
	return f.schemaFn(ctx, baseID)
}

func (f *fakeAirtable) CreateRecords(ctx context.Context, baseID, tableID string, fields []map[string]interface{}) ([]models.AirtableRecord, error) {
	if f.createFn == nil {
		return nil, fmt.Errorf("unexpected CreateRecords(%s, %s)", baseID, tableID)
	}
	return f.createFn(ctx, baseID, tableID, fields)
}

func (f *fakeAirtable) UpdateRecords(ctx context.Context, baseID, tableID string, updates []RecordUpdate) error {
	if f.updateFn == nil {
		return fmt.Errorf("unexpected UpdateRecords(%s, %s)", baseID, tableID)
	}
	return f.updateFn(ctx, baseID, tableID, updates)
}

func (f *fakeAirtable) DeleteRecords(ctx context.Context, baseID, tableID string, ids []string) error {
	if f.deleteFn == nil {
		return fmt.Errorf("unexpected DeleteRecords(%s, %s)", baseID, tableID)
	}
	return f.deleteFn(ctx, baseID, tableID, ids)
}

// fakeSheets is an in-memory spreadsheet. Reads and writes operate on the
// grid; the mutation log records the calls a test wants to assert on.
type fakeSheets struct {
	mu   sync.Mutex
	grid [][]interface{}

	updates []string
	appends int
	deletes []string
	hidden  []int

	updateErr error
}

func (f *fakeSheets) GetSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string) ([][]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]interface{}, len(f.grid))
	for i, row := range f.grid {
		out[i] = append([]interface{}(nil), row...)
	}
	return out, nil
}

func (f *fakeSheets) UpdateSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, a1Range)

	var startRow int
	if _, err := fmt.Sscanf(a1Range, "A%d:", &startRow); err != nil {
		// Single-cell ranges like "AA3" are id write-backs; logged only.
		return nil
	}
	for i, row := range values {
		idx := startRow - 1 + i
		for idx >= len(f.grid) {
			f.grid = append(f.grid, nil)
		}
		f.grid[idx] = append([]interface{}(nil), row...)
	}
	return nil
}

func (f *fakeSheets) AppendRows(ctx context.Context, spreadsheetID, sheetName string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends += len(values)
	for _, row := range values {
		f.grid = append(f.grid, append([]interface{}(nil), row...))
	}
	return nil
}

func (f *fakeSheets) DeleteRows(ctx context.Context, spreadsheetID string, sheetID int64, startRow, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, fmt.Sprintf("%d+%d", startRow, count))
	start := startRow - 1
	if start < 0 || start >= len(f.grid) {
		return nil
	}
	end := start + count
	if end > len(f.grid) {
		end = len(f.grid)
	}
	f.grid = append(f.grid[:start], f.grid[end:]...)
	return nil
}

func (f *fakeSheets) EnsureColumnsExist(ctx context.Context, spreadsheetID string, sheetID int64, minColumns int) error {
	return nil
}

func (f *fakeSheets) HideColumn(ctx context.Context, spreadsheetID string, sheetID int64, columnIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = append(f.hidden, columnIndex)
	return nil
}

// cell returns the grid value at (row, col), zero-based, or "".
func (f *fakeSheets) cell(row, col int) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row >= len(f.grid) || col >= len(f.grid[row]) {
		return ""
	}
	return f.grid[row][col]
}

// fakeStateStore keeps states per config in memory.
type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]*models.SyncState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]*models.SyncState)}
}

func (f *fakeStateStore) Get(ctx context.Context, configID string) (*models.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[configID], nil
}

func (f *fakeStateStore) Put(ctx context.Context, configID string, state *models.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[configID] = state
	return nil
}

func (f *fakeStateStore) Clear(ctx context.Context, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, configID)
	return nil
}

// fakeConfigStore serves a fixed set of configs.
type fakeConfigStore struct {
	configs map[string]*models.SyncConfig
}

func (f *fakeConfigStore) Get(ctx context.Context, id string) (*models.SyncConfig, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, fmt.Errorf("config %s not found", id)
	}
	return cfg, nil
}

// fakeLogSink collects results.
type fakeLogSink struct {
	mu      sync.Mutex
	results []*models.SyncResult
}

func (f *fakeLogSink) Write(ctx context.Context, result *models.SyncResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

// fakeTokens returns a fixed token for every provider.
type fakeTokens struct{}

func (fakeTokens) ForUser(ctx context.Context, userID, provider string) (string, error) {
	return "test-token", nil
}
