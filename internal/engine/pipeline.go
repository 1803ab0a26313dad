package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/models"
)

// preloadFanOut bounds concurrent linked-table preloads within one run.
const preloadFanOut = 10

// run carries everything one sync invocation needs. A run is built fresh
// per invocation and never shared.
type run struct {
	cfg      *models.SyncConfig
	at       AirtableClient
	sh       SheetsClient
	mapper   *FieldMapper
	valid    *DataValidator
	detector *ConflictDetector
	resolver *LinkedRecordResolver

	atInvoke *RateLimitedInvoker
	shInvoke *RateLimitedInvoker

	prev   *models.SyncState
	next   *models.SyncState
	result *models.SyncResult
	log    *zap.SugaredLogger
	meter  *metrics.MetricsRegistry

	schema   *models.TableSchema
	mappings []models.FieldMapping

	// skipState collects record ids whose writes failed in lenient mode.
	skipState map[string]bool
}

// countWritten records written-record metrics; destination is "airtable"
// or "sheets", operation "create", "update" or "delete".
func (r *run) countWritten(destination, operation string, n int) {
	if r.meter == nil || n == 0 {
		return
	}
	r.meter.RecordsWritten.WithLabelValues(destination, operation).Add(float64(n))
}

// fatal wraps an error into the result and reports whether the run must
// stop. Per-row error kinds only stop strict runs.
func (r *run) fatal(e models.SyncError) bool {
	r.result.AddError(e)
	if e.Fatal() {
		return true
	}
	return r.cfg.Strict()
}

// fetchSchema loads the base schema, locates the configured table and
// derives the effective field mappings.
func (r *run) fetchSchema(ctx context.Context) error {
	var tables []models.TableSchema
	err := r.atInvoke.Invoke(ctx, func(ctx context.Context) error {
		var err error
		tables, err = r.at.GetBaseSchema(ctx, r.cfg.AirtableBaseID)
		return err
	}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "airtable.getBaseSchema"})
	if err != nil {
		return err
	}

	for i := range tables {
		if tables[i].ID == r.cfg.AirtableTableID || tables[i].Name == r.cfg.AirtableTableID {
			r.schema = &tables[i]
			break
		}
	}
	if r.schema == nil {
		return fmt.Errorf("table %s not found in base %s", r.cfg.AirtableTableID, r.cfg.AirtableBaseID)
	}

	r.mappings = r.effectiveMappings()
	return nil
}

// effectiveMappings returns the configured mappings, or a positional
// mapping over the schema's fields when none are configured. Positional
// mapping skips the id column.
func (r *run) effectiveMappings() []models.FieldMapping {
	if len(r.cfg.FieldMappings) > 0 {
		return r.cfg.FieldMappings
	}
	idCol := r.cfg.IDColumn()
	out := make([]models.FieldMapping, 0, len(r.schema.Fields))
	col := 0
	for _, f := range r.schema.Fields {
		if col == idCol {
			col++
		}
		out = append(out, models.FieldMapping{FieldID: f.ID, ColumnIndex: col})
		col++
	}
	return out
}

// writableMappings filters the effective mappings down to fields Airtable
// accepts on write.
func (r *run) writableMappings() []models.FieldMapping {
	out := make([]models.FieldMapping, 0, len(r.mappings))
	for _, fm := range r.mappings {
		f := r.schema.FieldByID(fm.FieldID)
		if f != nil && !f.Type.ReadOnly() {
			out = append(out, fm)
		}
	}
	return out
}

// preloadLinkedTables warms the resolver cache for every linked field,
// fanning out up to preloadFanOut fetches at a time.
func (r *run) preloadLinkedTables(ctx context.Context) error {
	if !r.cfg.ResolveLinkedRecords || r.resolver == nil {
		return nil
	}
	seen := map[string]bool{}
	var tableIDs []string
	for _, f := range r.schema.Fields {
		if f.Type != models.FieldTypeRecordLinks || f.Options == nil || f.Options.LinkedTableID == "" {
			continue
		}
		if !seen[f.Options.LinkedTableID] {
			seen[f.Options.LinkedTableID] = true
			tableIDs = append(tableIDs, f.Options.LinkedTableID)
		}
	}
	if len(tableIDs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadFanOut)
	for _, tableID := range tableIDs {
		tableID := tableID
		g.Go(func() error {
			count, elapsed, err := r.resolver.PreloadTable(gctx, r.cfg.AirtableBaseID, tableID)
			if err != nil {
				if r.cfg.Strict() {
					return fmt.Errorf("preloading linked table %s: %w", tableID, err)
				}
				r.result.AddWarning("linked table %s could not be preloaded: %v", tableID, err)
				return nil
			}
			r.log.Debugw("preloaded linked table",
				"table", tableID, "records", count, "elapsed_ms", elapsed.Milliseconds())
			return nil
		})
	}
	return g.Wait()
}

// listAirtableRecords fetches the full table through the invoker.
func (r *run) listAirtableRecords(ctx context.Context) ([]models.AirtableRecord, error) {
	var records []models.AirtableRecord
	err := r.atInvoke.Invoke(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.at.ListRecords(ctx, r.cfg.AirtableBaseID, r.cfg.AirtableTableID, ListOptions{})
		return err
	}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "airtable.listRecords"})
	return records, err
}

// sheetFetchRange covers columns A through the id column so the id cell
// is always part of the response, even when empty.
func (r *run) sheetFetchRange() string {
	return "A:" + models.ColumnNumberToLetter(r.cfg.IDColumn()+1)
}

// fetchSheetRows reads the configured sheet. The returned slice is
// indexed from the first data row; firstRow is its 1-based sheet row
// number (2 when the header row is skipped).
func (r *run) fetchSheetRows(ctx context.Context) ([]models.SheetRow, int, error) {
	var values [][]interface{}
	err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
		var err error
		values, err = r.sh.GetSheetData(ctx, r.cfg.SpreadsheetID, r.cfg.SheetName, r.sheetFetchRange())
		return err
	}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.getSheetData"})
	if err != nil {
		return nil, 0, err
	}

	firstRow := 1
	if r.cfg.SkipHeaderRow && len(values) > 0 {
		values = values[1:]
		firstRow = 2
	}
	rows := make([]models.SheetRow, len(values))
	for i, v := range values {
		rows[i] = models.SheetRow(v)
	}
	return rows, firstRow, nil
}

// rowID extracts the record id from a row's id column.
func (r *run) rowID(row models.SheetRow) string {
	return strings.TrimSpace(stringifyCell(row.Cell(r.cfg.IDColumn())))
}

// rowEmpty reports whether a row has no content outside the id column.
func (r *run) rowEmpty(row models.SheetRow) bool {
	for i, cell := range row {
		if i == r.cfg.IDColumn() {
			continue
		}
		if strings.TrimSpace(stringifyCell(cell)) != "" {
			return false
		}
	}
	return true
}

// batchSize returns the configured sheet write batch, defaulting to 100.
func (r *run) batchSize() int {
	if r.cfg.BatchSize > 0 {
		return r.cfg.BatchSize
	}
	return SheetBatchSize
}

// skipStateFor marks a record whose write failed in a lenient run.
func (r *run) skipStateFor(id string) {
	if id == "" {
		return
	}
	if r.skipState == nil {
		r.skipState = make(map[string]bool)
	}
	r.skipState[id] = true
}

// finishState drops state entries for records whose writes failed, so
// the next run picks them up again, and stamps the sync time.
func (r *run) finishState(now time.Time) {
	for id := range r.skipState {
		r.next.Forget(id)
	}
	r.next.LastSyncTime = now
}

// classifyWriteErr folds a provider write failure into the taxonomy.
func classifyWriteErr(err error, opName string) models.SyncError {
	kind := models.ErrKindWrite
	switch {
	case err == context.Canceled || err == context.DeadlineExceeded:
		kind = models.ErrKindCancelled
	case IsAuthError(err):
		kind = models.ErrKindAuth
	case IsRateLimited(err):
		kind = models.ErrKindRateLimit
	}
	return models.SyncError{Kind: kind, Message: opName + ": " + err.Error(), Err: err}
}

// classifyFetchErr folds a provider read failure into the taxonomy.
func classifyFetchErr(err error, opName string) models.SyncError {
	kind := models.ErrKindFetch
	switch {
	case err == context.Canceled || err == context.DeadlineExceeded:
		kind = models.ErrKindCancelled
	case IsAuthError(err):
		kind = models.ErrKindAuth
	case IsRateLimited(err):
		kind = models.ErrKindRateLimit
	}
	return models.SyncError{Kind: kind, Message: opName + ": " + err.Error(), Err: err}
}
