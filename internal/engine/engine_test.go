package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tablebridge/engine/internal/cache"
	"tablebridge/engine/internal/models"
)

// newTestEngine wires an Engine around fakes, with the provider rate
// limiters opened up so tests do not pace real quotas.
func newTestEngine(cfg *models.SyncConfig, at AirtableClient, sh SheetsClient) (*Engine, *fakeStateStore, *fakeLogSink) {
	states := newFakeStateStore()
	logs := &fakeLogSink{}
	e := New(Dependencies{
		Configs: &fakeConfigStore{configs: map[string]*models.SyncConfig{cfg.ID: cfg}},
		States:  states,
		Logs:    logs,
		Tokens:  fakeTokens{},
		NewAirtable: func(token string) AirtableClient {
			return at
		},
		NewSheets: func(ctx context.Context, token string) (SheetsClient, error) {
			return sh, nil
		},
		Cache:       cache.NewTTLCache(time.Minute, time.Minute),
		ResolverTTL: time.Minute,
	})
	e.atInvoke = NewRateLimitedInvoker(10000, 10000, nil)
	e.shInvoke = NewRateLimitedInvoker(10000, 10000, nil)
	return e, states, logs
}

func a2sConfig() *models.SyncConfig {
	return &models.SyncConfig{
		ID:              "cfg1",
		UserID:          "user1",
		AirtableBaseID:  "appX",
		AirtableTableID: "tblMain",
		SpreadsheetID:   "ss1",
		SheetName:       "Sheet1",
		Direction:       models.DirectionAirtableToSheets,
		ValidationMode:  models.ValidationLenient,
		IDColumnIndex:   3,
		FieldMappings: []models.FieldMapping{
			{FieldID: "fldName", ColumnIndex: 0},
			{FieldID: "fldDone", ColumnIndex: 1},
			{FieldID: "fldCount", ColumnIndex: 2},
		},
	}
}

func a2sClient(records []models.AirtableRecord) *fakeAirtable {
	return &fakeAirtable{
		schemaFn: func(ctx context.Context, baseID string) ([]models.TableSchema, error) {
			return []models.TableSchema{*testSchema()}, nil
		},
		listFn: func(ctx context.Context, baseID, tableID string, opts ListOptions) ([]models.AirtableRecord, error) {
			return records, nil
		},
	}
}

func TestRunSyncAirtableToSheetsFirstRunThenIdempotent(t *testing.T) {
	records := []models.AirtableRecord{
		{ID: "rec1", Fields: map[string]interface{}{"Name": "Alice", "Done": true, "Count": 1.0}},
		{ID: "rec2", Fields: map[string]interface{}{"Name": "Bob", "Done": false, "Count": 2.0}},
	}
	sh := &fakeSheets{}
	e, states, logs := newTestEngine(a2sConfig(), a2sClient(records), sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if res.Added != 2 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("first run counts = %d/%d/%d, want 2/0/0", res.Added, res.Updated, res.Deleted)
	}
	if sh.appends != 2 {
		t.Errorf("appended rows = %d, want 2", sh.appends)
	}
	if sh.cell(0, 0) != "Alice" || sh.cell(0, 3) != "rec1" {
		t.Errorf("row 1 = %v / %v, want Alice / rec1", sh.cell(0, 0), sh.cell(0, 3))
	}
	if len(sh.hidden) == 0 || sh.hidden[0] != 3 {
		t.Errorf("id column was not hidden: %v", sh.hidden)
	}

	state, _ := states.Get(context.Background(), "cfg1")
	if state == nil || !state.Has("rec1") || !state.Has("rec2") {
		t.Fatalf("state not persisted after the first run: %+v", state)
	}
	if len(logs.results) != 1 || !logs.results[0].Success {
		t.Errorf("log sink results = %+v", logs.results)
	}

	// Second run against the now-populated sheet performs no writes.
	res, err = e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if res.Added != 0 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("second run counts = %d/%d/%d, want 0/0/0", res.Added, res.Updated, res.Deleted)
	}
	if sh.appends != 2 || len(sh.updates) != 0 || len(sh.deletes) != 0 {
		t.Errorf("second run wrote to the sheet: appends=%d updates=%v deletes=%v", sh.appends, sh.updates, sh.deletes)
	}
}

func TestRunSyncAirtableToSheetsUpdatesAndDeletes(t *testing.T) {
	records := []models.AirtableRecord{
		{ID: "rec1", Fields: map[string]interface{}{"Name": "Alice", "Done": true, "Count": 1.0}},
	}
	sh := &fakeSheets{grid: [][]interface{}{
		{"Stale", "TRUE", 1.0, "rec1"},
		{"Ghost", "FALSE", 9.0, "recGone"},
	}}
	cfg := a2sConfig()
	cfg.DeleteExtras = true
	e, _, _ := newTestEngine(cfg, a2sClient(records), sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Updated != 1 || res.Deleted != 1 || res.Added != 0 {
		t.Errorf("counts = %d/%d/%d, want 0 added, 1 updated, 1 deleted", res.Added, res.Updated, res.Deleted)
	}
	if sh.cell(0, 0) != "Alice" {
		t.Errorf("row 1 = %v, want Alice", sh.cell(0, 0))
	}
	if len(sh.grid) != 1 {
		t.Errorf("grid has %d rows, want 1 after the stale row delete", len(sh.grid))
	}
}

func TestRunSyncAirtableToSheetsKeepsOrphansByDefault(t *testing.T) {
	sh := &fakeSheets{grid: [][]interface{}{
		{"Ghost", "FALSE", 9.0, "recGone"},
	}}
	e, _, _ := newTestEngine(a2sConfig(), a2sClient(nil), sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Deleted != 0 || len(sh.grid) != 1 {
		t.Errorf("orphan row was deleted: deleted=%d rows=%d", res.Deleted, len(sh.grid))
	}
	if !warningContains(res, "left in place") {
		t.Errorf("expected an orphan warning, got %v", res.Warnings)
	}
}

func TestRunSyncAirtableToSheetsGuardsFormulas(t *testing.T) {
	records := []models.AirtableRecord{
		{ID: "rec1", Fields: map[string]interface{}{"Name": "=SUM(A1)", "Done": false, "Count": 0.0}},
	}
	sh := &fakeSheets{}
	e, _, _ := newTestEngine(a2sConfig(), a2sClient(records), sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sh.cell(0, 0) != "'=SUM(A1)" {
		t.Errorf("formula landed unguarded: %v", sh.cell(0, 0))
	}
	if !warningContains(res, CodeFormulaInjection) {
		t.Errorf("expected a formula warning, got %v", res.Warnings)
	}
}

func TestRunSyncSheetsToAirtableCreatesAndWritesBackIDs(t *testing.T) {
	sh := &fakeSheets{grid: [][]interface{}{
		{"Name", "Done", "Count", "ID"},
		{"Charlie", "TRUE", "5", ""},
		{"Alice", "FALSE", 2.0, ""},
	}}

	var createdBatch []map[string]interface{}
	at := a2sClient([]models.AirtableRecord{
		{ID: "recA", Fields: map[string]interface{}{"Name": "Alice", "Done": false, "Count": 2.0}},
	})
	at.createFn = func(ctx context.Context, baseID, tableID string, fields []map[string]interface{}) ([]models.AirtableRecord, error) {
		createdBatch = append(createdBatch, fields...)
		out := make([]models.AirtableRecord, len(fields))
		for i, f := range fields {
			out[i] = models.AirtableRecord{ID: "recNew1", Fields: f}
		}
		return out, nil
	}

	cfg := a2sConfig()
	cfg.Direction = models.DirectionSheetsToAirtable
	cfg.SkipHeaderRow = true
	e, states, _ := newTestEngine(cfg, at, sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("added = %d, want 1", res.Added)
	}
	if len(createdBatch) != 1 {
		t.Fatalf("created batches = %v, want one record", createdBatch)
	}
	f := createdBatch[0]
	if f["Name"] != "Charlie" || f["Done"] != true || f["Count"] != 5.0 {
		t.Errorf("created fields = %v", f)
	}

	// Ids land in the id cells of both the created record's row and the
	// row recovered by primary field match.
	wrote := map[string]bool{}
	for _, a1 := range sh.updates {
		wrote[a1] = true
	}
	if !wrote["D2"] {
		t.Errorf("id write-back to D2 missing, updates = %v", sh.updates)
	}
	if !wrote["D3"] {
		t.Errorf("id write-back to D3 missing, updates = %v", sh.updates)
	}

	state, _ := states.Get(context.Background(), "cfg1")
	if state == nil || !state.Has("recNew1") || !state.Has("recA") {
		t.Errorf("state missing record hashes: %+v", state)
	}
}

func TestRunSyncSheetsToAirtableMatchesByPrimaryField(t *testing.T) {
	sh := &fakeSheets{grid: [][]interface{}{
		{"alice", "TRUE", 2.0, ""},
	}}

	var updated []RecordUpdate
	at := a2sClient([]models.AirtableRecord{
		{ID: "recA", Fields: map[string]interface{}{"Name": "Alice", "Done": false, "Count": 2.0}},
	})
	at.updateFn = func(ctx context.Context, baseID, tableID string, ups []RecordUpdate) error {
		updated = append(updated, ups...)
		return nil
	}

	cfg := a2sConfig()
	cfg.Direction = models.DirectionSheetsToAirtable
	e, _, _ := newTestEngine(cfg, at, sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Added != 0 {
		t.Errorf("added = %d, the row should have matched recA by name", res.Added)
	}
	if len(updated) != 1 || updated[0].ID != "recA" {
		t.Fatalf("updates = %v, want one update of recA", updated)
	}
	if updated[0].Fields["Done"] != true {
		t.Errorf("update fields = %v", updated[0].Fields)
	}

	// The recovered id is written into the row's id cell so the next run
	// matches by id directly.
	found := false
	for _, a1 := range sh.updates {
		if a1 == "D1" {
			found = true
		}
	}
	if !found {
		t.Errorf("id write-back to D1 missing, updates = %v", sh.updates)
	}
}

func TestRunSyncAirtableToSheetsLenientContinuesPastWriteFailure(t *testing.T) {
	records := []models.AirtableRecord{
		{ID: "rec1", Fields: map[string]interface{}{"Name": "Alice-2", "Done": true, "Count": 1.0}},
		{ID: "rec2", Fields: map[string]interface{}{"Name": "Bob", "Done": false, "Count": 2.0}},
	}
	sh := &fakeSheets{
		grid:      [][]interface{}{{"Alice", "TRUE", 1.0, "rec1"}},
		updateErr: errors.New("backend error"),
	}
	e, states, _ := newTestEngine(a2sConfig(), a2sClient(records), sh)
	e.shInvoke.sleep = func(context.Context, time.Duration) error { return nil }
	e.shInvoke.jitter = func() time.Duration { return 0 }

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("lenient run aborted on a write failure: %v", err)
	}
	if sh.appends != 1 {
		t.Errorf("appends = %d, want Bob appended despite the update failure", sh.appends)
	}
	if len(res.Errors) == 0 {
		t.Errorf("the failed update was not recorded on the result")
	}

	// rec1 keeps no state entry, so the next run retries its row.
	state, _ := states.Get(context.Background(), "cfg1")
	if state == nil || state.Has("rec1") || !state.Has("rec2") {
		t.Errorf("state = %+v, want rec2 remembered and rec1 dropped", state)
	}
}

func TestRunSyncBidirectionalConflictAirtableWins(t *testing.T) {
	cfg := &models.SyncConfig{
		ID:              "cfg1",
		UserID:          "user1",
		AirtableBaseID:  "appX",
		AirtableTableID: "tblMain",
		SpreadsheetID:   "ss1",
		SheetName:       "Sheet1",
		Direction:       models.DirectionBidirectional,
		ConflictPolicy:  models.PolicyAirtableWins,
		ValidationMode:  models.ValidationLenient,
		IDColumnIndex:   1,
		DeleteExtras:    true,
		FieldMappings: []models.FieldMapping{
			{FieldID: "fldName", ColumnIndex: 0},
		},
	}

	at := a2sClient([]models.AirtableRecord{
		{ID: "rec1", Fields: map[string]interface{}{"Name": "A-edit"}},
	})
	sh := &fakeSheets{grid: [][]interface{}{
		{"S-edit", "rec1"},
	}}
	e, states, _ := newTestEngine(cfg, at, sh)

	prev := models.NewSyncState("cfg1")
	prev.Remember("rec1", HashFields(map[string]interface{}{"Name": "old"}), time.Now().UTC())
	_ = states.Put(context.Background(), "cfg1", prev)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %v, want one", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.RecordID != "rec1" || c.Kind != models.ConflictBothModified || c.Action != models.ActionUseAirtable {
		t.Errorf("resolution = %+v", c)
	}
	if sh.cell(0, 0) != "A-edit" {
		t.Errorf("sheet cell = %v, want the Airtable value", sh.cell(0, 0))
	}

	state, _ := states.Get(context.Background(), "cfg1")
	if got := state.Hash("rec1"); got != HashFields(map[string]interface{}{"Name": "A-edit"}) {
		t.Errorf("state hash does not match the winning content")
	}
}

func TestRunSyncBidirectionalUnmappedEditConverges(t *testing.T) {
	cfg := &models.SyncConfig{
		ID:              "cfg1",
		UserID:          "user1",
		AirtableBaseID:  "appX",
		AirtableTableID: "tblMain",
		SpreadsheetID:   "ss1",
		SheetName:       "Sheet1",
		Direction:       models.DirectionBidirectional,
		ConflictPolicy:  models.PolicyAirtableWins,
		ValidationMode:  models.ValidationLenient,
		IDColumnIndex:   1,
		FieldMappings: []models.FieldMapping{
			{FieldID: "fldName", ColumnIndex: 0},
		},
	}

	oldFields := map[string]interface{}{"Name": "x", "Notes": "v1"}
	newFields := map[string]interface{}{"Name": "x", "Notes": "v2"}
	at := a2sClient([]models.AirtableRecord{{ID: "rec1", Fields: newFields}})
	sh := &fakeSheets{grid: [][]interface{}{
		{"x", "rec1"},
	}}
	e, states, _ := newTestEngine(cfg, at, sh)

	prev := models.NewSyncState("cfg1")
	prev.Remember("rec1", HashFields(oldFields), time.Now().UTC())
	_ = states.Put(context.Background(), "cfg1", prev)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// An edit to a field the sheet does not carry must not read as a sheet
	// change: both sides hash to the new content and no writes happen.
	if len(res.Conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", res.Conflicts)
	}
	if len(sh.updates) != 0 || sh.appends != 0 || len(sh.deletes) != 0 {
		t.Errorf("sheet was written: updates=%v appends=%d deletes=%v", sh.updates, sh.appends, sh.deletes)
	}

	state, _ := states.Get(context.Background(), "cfg1")
	if got := state.Hash("rec1"); got != HashFields(newFields) {
		t.Errorf("state did not advance to the new content hash")
	}
}

func TestRunSyncBidirectionalAdoptsPrePopulatedRows(t *testing.T) {
	cfg := a2sConfig()
	cfg.Direction = models.DirectionBidirectional
	cfg.ConflictPolicy = models.PolicyAirtableWins

	at := a2sClient([]models.AirtableRecord{
		{ID: "recA", Fields: map[string]interface{}{"Name": "Alice", "Done": false, "Count": 2.0}},
	})
	sh := &fakeSheets{grid: [][]interface{}{
		{"Alice", "FALSE", 2.0, ""},
	}}
	e, states, _ := newTestEngine(cfg, at, sh)

	res, err := e.RunSync(context.Background(), "cfg1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// First contact with identical content on both sides: the row adopts
	// recA instead of spawning a duplicate record and a duplicate row.
	if res.Added != 0 || sh.appends != 0 {
		t.Errorf("added=%d appends=%d, want no duplicates", res.Added, sh.appends)
	}

	found := false
	for _, a1 := range sh.updates {
		if a1 == "D1" {
			found = true
		}
	}
	if !found {
		t.Errorf("id write-back to D1 missing, updates = %v", sh.updates)
	}

	state, _ := states.Get(context.Background(), "cfg1")
	if state == nil || !state.Has("recA") {
		t.Errorf("state missing recA after first contact: %+v", state)
	}
}

func warningContains(res *models.SyncResult, substr string) bool {
	for _, w := range res.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
