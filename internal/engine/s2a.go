package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"tablebridge/engine/internal/models"
)

// idWriteBackDelay spaces the id write-back groups so they do not eat the
// whole Sheets quota right after the record mutations.
const idWriteBackDelay = 500 * time.Millisecond

// pendingRow is one sheet row that survived transformation and is headed
// for Airtable.
type pendingRow struct {
	sheetRow int
	recordID string // empty until matched or created
	fields   map[string]interface{}
}

// syncSheetsToAirtable runs the one-way Sheets-to-Airtable pipeline. Row
// identity is resolved in two passes: by the id column first, then by a
// case-insensitive match on the primary field value. Created records get
// their id written back into the sheet so the next run matches them
// directly.
func (r *run) syncSheetsToAirtable(ctx context.Context) error {
	if err := r.ensureIDColumn(ctx); err != nil {
		r.result.AddError(classifyWriteErr(err, "sheets.ensureColumnsExist"))
		return err
	}

	rows, firstRow, err := r.fetchSheetRows(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "sheets.getSheetData"))
		return err
	}

	if err := r.fetchSchema(ctx); err != nil {
		r.result.AddError(classifyFetchErr(err, "airtable.getBaseSchema"))
		return err
	}
	if err := r.preloadLinkedTables(ctx); err != nil {
		r.result.AddError(models.SyncError{Kind: models.ErrKindLinkedRecord, Message: err.Error(), Err: err})
		return err
	}

	records, err := r.listAirtableRecords(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "airtable.listRecords"))
		return err
	}

	recByID := make(map[string]models.AirtableRecord, len(records))
	recByName := make(map[string]models.AirtableRecord, len(records))
	primary := r.schema.PrimaryField()
	for _, rec := range records {
		recByID[rec.ID] = rec
		if primary != nil {
			if raw, ok := rec.Fields[primary.Name]; ok && raw != nil {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
				if key != "" {
					if _, dup := recByName[key]; !dup {
						recByName[key] = rec
					}
				}
			}
		}
	}

	writable := r.writableMappings()
	seen := make(map[string]bool, len(rows))
	var pending []pendingRow

	for i, row := range rows {
		if r.rowEmpty(row) {
			continue
		}
		sheetRow := firstRow + i
		rowIdx := i + 1
		fields, warns, errs := r.mapper.RowToFields(ctx, row, r.schema, writable, r.cfg.Strict())
		for _, w := range warns {
			r.result.AddWarning("row %d: %s", sheetRow, w)
		}
		failed := false
		for _, e := range errs {
			e.Row = sheetRow
			if r.fatal(e) {
				return &e
			}
			failed = true
		}

		for name, value := range fields {
			field := r.schema.FieldByName(name)
			if field == nil {
				continue
			}
			clean, issues := r.valid.ValidateFieldValue(value, field, rowIdx)
			for _, issue := range issues {
				e := models.SyncError{
					Kind: models.ErrKindValidation, Row: sheetRow,
					Field: issue.FieldName, Message: issue.String(),
				}
				if r.cfg.Strict() {
					if r.fatal(e) {
						return &e
					}
					failed = true
				} else {
					r.result.AddWarning("row %d: %s", sheetRow, issue)
				}
			}
			if clean == nil {
				delete(fields, name)
			} else {
				fields[name] = clean
			}
		}

		id := r.rowID(row)
		if id != "" {
			// Even when the row fails, its id counts as present so the
			// record is not treated as removed from the sheet.
			seen[id] = true
		}
		if failed {
			continue
		}
		if len(fields) == 0 && id == "" {
			continue
		}
		pending = append(pending, pendingRow{sheetRow: sheetRow, recordID: id, fields: fields})
	}
	r.result.Total = len(pending)

	var creates []pendingRow
	var updates []pendingRow
	var writeBacks []pendingRow
	for _, p := range pending {
		rec, matched := models.AirtableRecord{}, false
		if p.recordID != "" {
			rec, matched = recByID[p.recordID]
			if !matched {
				r.result.AddWarning("row %d: id %s no longer exists in Airtable, recreating", p.sheetRow, p.recordID)
				p.recordID = ""
			}
		}
		if !matched && primary != nil {
			if raw, ok := p.fields[primary.Name]; ok && raw != nil {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
				if rc, ok := recByName[key]; ok && key != "" {
					rec, matched = rc, true
					p.recordID = rc.ID
					seen[rc.ID] = true
					// The id cell was blank or stale; refill it so the
					// next run matches by id directly.
					writeBacks = append(writeBacks, p)
				}
			}
		}
		if !matched {
			creates = append(creates, p)
			continue
		}
		if !fieldsChanged(rec.Fields, p.fields) {
			r.rememberMerged(rec.Fields, nil, rec.ID)
			continue
		}
		updates = append(updates, p)
	}

	var toDelete []string
	for _, rec := range records {
		if !seen[rec.ID] {
			toDelete = append(toDelete, rec.ID)
		}
	}
	if !r.cfg.DeleteExtras && len(toDelete) > 0 {
		r.result.AddWarning("%d records have no matching row and were left in place (deleteExtras is off)", len(toDelete))
		toDelete = nil
	}

	for _, chunk := range BatchOperations(creates, AirtableBatchSize) {
		batch := make([]map[string]interface{}, len(chunk))
		for i, p := range chunk {
			batch[i] = p.fields
		}
		var created []models.AirtableRecord
		err := r.atInvoke.Invoke(ctx, func(ctx context.Context) error {
			var err error
			created, err = r.at.CreateRecords(ctx, r.cfg.AirtableBaseID, r.cfg.AirtableTableID, batch)
			return err
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "airtable.createRecords"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "airtable.createRecords")) {
				return err
			}
			// Lenient: the rows of this chunk stay unsynced and the rest
			// of the run proceeds.
			continue
		}
		for i, rec := range created {
			if i >= len(chunk) {
				break
			}
			p := chunk[i]
			p.recordID = rec.ID
			writeBacks = append(writeBacks, p)
			r.rememberMerged(rec.Fields, p.fields, rec.ID)
		}
		r.result.Added += len(created)
		r.countWritten("airtable", "create", len(created))
	}

	for _, chunk := range BatchOperations(updates, AirtableBatchSize) {
		batch := make([]RecordUpdate, len(chunk))
		for i, p := range chunk {
			batch[i] = RecordUpdate{ID: p.recordID, Fields: p.fields}
		}
		err := r.atInvoke.Invoke(ctx, func(ctx context.Context) error {
			return r.at.UpdateRecords(ctx, r.cfg.AirtableBaseID, r.cfg.AirtableTableID, batch)
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "airtable.updateRecords"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "airtable.updateRecords")) {
				return err
			}
			continue
		}
		for _, p := range chunk {
			r.rememberMerged(recByID[p.recordID].Fields, p.fields, p.recordID)
		}
		r.result.Updated += len(chunk)
		r.countWritten("airtable", "update", len(chunk))
	}

	for _, chunk := range BatchOperations(toDelete, AirtableBatchSize) {
		err := r.atInvoke.Invoke(ctx, func(ctx context.Context) error {
			return r.at.DeleteRecords(ctx, r.cfg.AirtableBaseID, r.cfg.AirtableTableID, chunk)
		}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "airtable.deleteRecords"})
		if err != nil {
			if r.fatal(classifyWriteErr(err, "airtable.deleteRecords")) {
				return err
			}
			continue
		}
		for _, id := range chunk {
			r.next.Forget(id)
		}
		r.result.Deleted += len(chunk)
		r.countWritten("airtable", "delete", len(chunk))
	}

	r.writeBackIDs(ctx, writeBacks)
	r.hideIDColumn(ctx)

	r.finishState(time.Now().UTC())
	return nil
}

// rememberMerged stores the post-write content hash for a record: its
// fetched fields overlaid with the fields just written.
func (r *run) rememberMerged(existing, written map[string]interface{}, recordID string) {
	merged := make(map[string]interface{}, len(existing)+len(written))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range written {
		merged[k] = v
	}
	r.next.Remember(recordID, HashFields(merged), time.Now().UTC())
}

// writeBackIDs fills the id column of rows whose records were just
// created or recovered by a primary field match. Failures degrade to
// warnings; the next run re-matches those rows by primary field and
// tries again.
func (r *run) writeBackIDs(ctx context.Context, rows []pendingRow) {
	if len(rows) == 0 {
		return
	}
	col := models.ColumnNumberToLetter(r.cfg.IDColumn() + 1)
	for gi, group := range BatchOperations(rows, AirtableBatchSize) {
		if gi > 0 {
			if err := sleepCtx(ctx, idWriteBackDelay); err != nil {
				r.result.AddWarning("id write-back interrupted: %v", err)
				return
			}
		}
		for _, p := range group {
			a1 := fmt.Sprintf("%s%d", col, p.sheetRow)
			err := r.shInvoke.Invoke(ctx, func(ctx context.Context) error {
				return r.sh.UpdateSheetData(ctx, r.cfg.SpreadsheetID, r.cfg.SheetName, a1, [][]interface{}{{p.recordID}})
			}, InvokeOptions{MaxRetries: r.cfg.MaxRetries, OpName: "sheets.writeBackID"})
			if err != nil {
				r.result.AddWarning("row %d: could not write back record id %s: %v", p.sheetRow, p.recordID, err)
			}
		}
	}
}

// fieldsChanged reports whether writing the given fields would actually
// change the record, comparing values in normalized form.
func fieldsChanged(existing, written map[string]interface{}) bool {
	for name, value := range written {
		if !reflect.DeepEqual(NormalizeValue(existing[name]), NormalizeValue(value)) {
			return true
		}
	}
	return false
}
