package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tablebridge/engine/internal/models"
)

// sheetRowRef locates one existing sheet row: its position in the fetched
// data slice and its 1-based sheet row number.
type sheetRowRef struct {
	dataIndex int
	sheetRow  int
	row       models.SheetRow
}

// syncAirtableToSheets runs the one-way Airtable-to-Sheets pipeline:
// fetch, transform, diff against the current sheet by record id, then
// batched writes. Rows carrying ids that no longer exist in Airtable are
// deleted only when the config allows it.
func (r *run) syncAirtableToSheets(ctx context.Context) error {
	records, err := r.listAirtableRecords(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "airtable.listRecords"))
		return err
	}
	r.result.Total = len(records)

	if err := r.fetchSchema(ctx); err != nil {
		r.result.AddError(classifyFetchErr(err, "airtable.getBaseSchema"))
		return err
	}
	if err := r.preloadLinkedTables(ctx); err != nil {
		r.result.AddError(models.SyncError{Kind: models.ErrKindLinkedRecord, Message: err.Error(), Err: err})
		return err
	}

	idCol := r.cfg.IDColumn()
	rowsByID := make(map[string]models.SheetRow, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		row, warns, errs := r.mapper.RecordToRow(ctx, rec, r.schema, r.mappings, idCol)
		for _, w := range warns {
			r.result.AddWarning("record %s: %s", rec.ID, w)
		}
		failed := false
		for _, e := range errs {
			if r.fatal(e) {
				return &e
			}
			failed = true
		}
		if failed {
			// The record stays out of this run; its state entry is not
			// advanced so the next run retries it.
			continue
		}
		rowsByID[rec.ID] = row
		order = append(order, rec.ID)
	}

	// Sheet-bound sanitization runs after transform so guarded formulas
	// and stripped control characters are what actually lands in cells.
	allRows := make([]models.SheetRow, 0, len(order))
	for _, id := range order {
		allRows = append(allRows, rowsByID[id])
	}
	for _, issue := range r.valid.SanitizeRows(allRows, idCol) {
		r.result.AddWarning("%s", issue)
	}

	existing, firstRow, err := r.fetchSheetRows(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "sheets.getSheetData"))
		return err
	}

	byID := make(map[string]sheetRowRef, len(existing))
	var extras []sheetRowRef
	for i, row := range existing {
		if r.rowEmpty(row) && r.rowID(row) == "" {
			continue
		}
		ref := sheetRowRef{dataIndex: i, sheetRow: firstRow + i, row: row}
		id := r.rowID(row)
		if id == "" {
			extras = append(extras, ref)
			continue
		}
		if _, dup := byID[id]; dup {
			r.result.AddWarning("duplicate id %s at sheet row %d, keeping the first occurrence", id, ref.sheetRow)
			extras = append(extras, ref)
			continue
		}
		byID[id] = ref
	}

	if err := r.ensureIDColumn(ctx); err != nil {
		r.result.AddError(classifyWriteErr(err, "sheets.ensureColumnsExist"))
		return err
	}

	var toAppend []models.SheetRow
	var toUpdate []sheetRowRef
	for _, id := range order {
		row := rowsByID[id]
		ref, ok := byID[id]
		if !ok {
			toAppend = append(toAppend, row)
			continue
		}
		if !RowsEqual(ref.row, row, idCol) {
			toUpdate = append(toUpdate, sheetRowRef{dataIndex: ref.dataIndex, sheetRow: ref.sheetRow, row: row})
		}
	}

	var toDelete []sheetRowRef
	for id, ref := range byID {
		if _, alive := rowsByID[id]; !alive && strings.HasPrefix(id, "rec") {
			toDelete = append(toDelete, ref)
		}
	}
	toDelete = append(toDelete, extras...)
	if !r.cfg.DeleteExtras && len(toDelete) > 0 {
		r.result.AddWarning("%d orphan rows left in place (deleteExtras is off)", len(toDelete))
		toDelete = nil
	}

	if err := r.writeSheetUpdates(ctx, toUpdate); err != nil {
		return err
	}
	if err := r.appendSheetRows(ctx, toAppend); err != nil {
		return err
	}
	if err := r.deleteSheetRows(ctx, toDelete); err != nil {
		return err
	}
	r.hideIDColumn(ctx)

	now := time.Now().UTC()
	for _, rec := range records {
		if _, written := rowsByID[rec.ID]; !written {
			continue
		}
		r.next.Remember(rec.ID, HashFields(rec.Fields), now)
	}
	r.finishState(now)
	return nil
}

// writeSheetUpdates rewrites changed rows in place. Adjacent rows collapse
// into one ranged update so a mostly-changed sheet does not turn into one
// API call per row.
func (r *run) writeSheetUpdates(ctx context.Context, updates []sheetRowRef) error {
	if len(updates) == 0 {
		return nil
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].sheetRow < updates[j].sheetRow })

	lastCol := models.ColumnNumberToLetter(r.rowWidth())
	var block []sheetRowRef
	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		start := block[0].sheetRow
		end := block[len(block)-1].sheetRow
		values := make([][]interface{}, len(block))
		for i, ref := range block {
			values[i] = r.padRow(ref.row)
		}
		a1 := fmt.Sprintf("A%d:%s%d", start, lastCol, end)
		err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
			return r.sh.UpdateSheetData(ctx, r.cfg.SpreadsheetID, r.cfg.SheetName, a1, values)
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.updateSheetData"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "sheets.updateSheetData")) {
				return err
			}
			// Lenient: the rows of this block stay unsynced and the rest
			// of the run proceeds.
			for _, ref := range block {
				r.skipStateFor(r.rowID(ref.row))
			}
			block = block[:0]
			return nil
		}
		r.result.Updated += len(block)
		r.countWritten("sheets", "update", len(block))
		block = block[:0]
		return nil
	}

	batch := r.batchSize()
	for _, ref := range updates {
		if len(block) > 0 && (ref.sheetRow != block[len(block)-1].sheetRow+1 || len(block) >= batch) {
			if err := flush(); err != nil {
				return err
			}
		}
		block = append(block, ref)
	}
	return flush()
}

// appendSheetRows appends new rows in batches.
func (r *run) appendSheetRows(ctx context.Context, rows []models.SheetRow) error {
	for _, chunk := range BatchOperations(rows, r.batchSize()) {
		values := make([][]interface{}, len(chunk))
		for i, row := range chunk {
			values[i] = r.padRow(row)
		}
		err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
			return r.sh.AppendRows(ctx, r.cfg.SpreadsheetID, r.cfg.SheetName, values)
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.appendRows"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "sheets.appendRows")) {
				return err
			}
			for _, row := range chunk {
				r.skipStateFor(r.rowID(row))
			}
			continue
		}
		r.result.Added += len(chunk)
		r.countWritten("sheets", "create", len(chunk))
	}
	return nil
}

// deleteSheetRows removes rows bottom-up so earlier deletions do not shift
// the row numbers of later ones. Contiguous runs delete in one call.
func (r *run) deleteSheetRows(ctx context.Context, refs []sheetRowRef) error {
	if len(refs) == 0 {
		return nil
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].sheetRow > refs[j].sheetRow })

	start, count := refs[0].sheetRow, 1
	flush := func() error {
		err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
			return r.sh.DeleteRows(ctx, r.cfg.SpreadsheetID, r.cfg.SheetID, start, count)
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.deleteRows"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "sheets.deleteRows")) {
				return err
			}
			// Rows that refuse to delete just stay; the next run retries.
			return nil
		}
		r.result.Deleted += count
		r.countWritten("sheets", "delete", count)
		return nil
	}
	for _, ref := range refs[1:] {
		if ref.sheetRow == start-1 {
			start = ref.sheetRow
			count++
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		start, count = ref.sheetRow, 1
	}
	return flush()
}

// ensureIDColumn grows the sheet grid so the id column exists before any
// write touches it.
func (r *run) ensureIDColumn(ctx context.Context) error {
	return r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
		return r.sh.EnsureColumnsExist(ctx, r.cfg.SpreadsheetID, r.cfg.SheetID, r.cfg.IDColumn()+1)
	}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.ensureColumnsExist"})
}

// hideIDColumn hides the id column. Failures degrade to a warning since
// the column being visible breaks nothing.
func (r *run) hideIDColumn(ctx context.Context) {
	err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
		return r.sh.HideColumn(ctx, r.cfg.SpreadsheetID, r.cfg.SheetID, r.cfg.IDColumn())
	}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.hideColumn"})
	if err != nil {
		r.result.AddWarning("could not hide the id column: %v", err)
	}
}

// rowWidth is the written row width in columns, id column included.
func (r *run) rowWidth() int {
	width := r.cfg.IDColumn() + 1
	for _, fm := range r.mappings {
		if fm.ColumnIndex+1 > width {
			width = fm.ColumnIndex + 1
		}
	}
	return width
}

// padRow right-pads a row with empty strings up to the full write width so
// ranged updates clear stale cells.
func (r *run) padRow(row models.SheetRow) []interface{} {
	width := r.rowWidth()
	out := make([]interface{}, width)
	for i := 0; i < width; i++ {
		if i < len(row) && row[i] != nil {
			out[i] = row[i]
		} else {
			out[i] = ""
		}
	}
	return out
}
