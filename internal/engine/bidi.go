package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tablebridge/engine/internal/models"
)

// sheetSide is what the bidirectional pass knows about one sheet row: its
// location, its mapped content projected into field space, and the hash
// of the record as the sheet sees it.
type sheetSide struct {
	ref    sheetRowRef
	fields map[string]interface{}
	hash   string
}

// syncBidirectional merges both sides against the last known state. Each
// record is classified by comparing current content hashes to the stored
// hash, conflicts are resolved by policy, and mutations are applied
// Airtable first, sheet second, so a mid-run failure leaves the sheet
// behind rather than ahead.
func (r *run) syncBidirectional(ctx context.Context) error {
	records, err := r.listAirtableRecords(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "airtable.listRecords"))
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
	if err := r.ensureIDColumn(ctx); err != nil {
		r.result.AddError(classifyWriteErr(err, "sheets.ensureColumnsExist"))
		return err
	}
	rows, firstRow, err := r.fetchSheetRows(ctx)
	if err != nil {
		r.result.AddError(classifyFetchErr(err, "sheets.getSheetData"))
		return err
	}

	aRec := make(map[string]models.AirtableRecord, len(records))
	aHash := make(map[string]string, len(records))
	for _, rec := range records {
		aRec[rec.ID] = rec
		aHash[rec.ID] = HashFields(rec.Fields)
	}

	writable := r.writableMappings()
	mappedNames := make(map[string]bool, len(writable))
	for _, fm := range writable {
		if f := r.schema.FieldByID(fm.FieldID); f != nil {
			mappedNames[f.Name] = true
		}
	}

	// Rows that predate the id column are matched to records by primary
	// field value, same as the one-way sheet import. Only rows that match
	// nothing fall back to synthetic ids.
	primary := r.schema.PrimaryField()
	recByName := make(map[string]string, len(records))
	if primary != nil {
		for _, rec := range records {
			if raw, ok := rec.Fields[primary.Name]; ok && raw != nil {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
				if _, dup := recByName[key]; key != "" && !dup {
					recByName[key] = rec.ID
				}
			}
		}
	}

	var writeBacks []pendingRow
	sSide := make(map[string]sheetSide, len(rows))
	sHash := make(map[string]string, len(rows))
	for i, row := range rows {
		if r.rowEmpty(row) && r.rowID(row) == "" {
			continue
		}
		sheetRow := firstRow + i

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
		if failed {
			continue
		}

		id := r.rowID(row)
		matchedByName := false
		if id == "" && primary != nil {
			if raw, ok := fields[primary.Name]; ok && raw != nil {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
				if recID, ok := recByName[key]; ok && key != "" {
					id = recID
					matchedByName = true
				}
			}
		}
		if id == "" {
			id = SyntheticRowID(sheetRow)
		}
		if _, dup := sSide[id]; dup {
			r.result.AddWarning("duplicate id %s at sheet row %d, row ignored", id, sheetRow)
			continue
		}
		if matchedByName {
			writeBacks = append(writeBacks, pendingRow{sheetRow: sheetRow, recordID: id})
		}

		side := sheetSide{
			ref:    sheetRowRef{dataIndex: i, sheetRow: sheetRow, row: row},
			fields: fields,
			hash:   r.sheetViewHash(aRec, mappedNames, id, fields),
		}
		sSide[id] = side
		sHash[id] = side.hash
	}

	cs := r.detector.Classify(aHash, sHash, r.prev)
	resolutions := r.detector.ResolveConflicts(cs.Conflicts, r.cfg.ConflictPolicy)
	r.result.Conflicts = append(r.result.Conflicts, resolutions...)
	r.result.Total = len(cs.Classes)

	now := time.Now().UTC()
	var atCreates []pendingRow
	var atUpdates []pendingRow
	var atDeletes []string
	var shFromRecord []string // record ids to render into existing rows
	var shAppends []string    // record ids to append as new rows
	var shDeletes []sheetRowRef

	skipDelete := func(id string, what string) {
		r.result.AddWarning("%s for %s left in place (deleteExtras is off)", what, id)
		if r.prev.Has(id) {
			r.next.Remember(id, r.prev.Hash(id), now)
		}
	}

	for id, class := range cs.Classes {
		switch class {
		case ClassNoChange:
			if _, ok := aRec[id]; ok {
				r.next.Remember(id, aHash[id], now)
			} else if s, ok := sSide[id]; ok {
				r.next.Remember(id, s.hash, now)
			}

		case ClassNewInAirtable:
			shAppends = append(shAppends, id)
			r.next.Remember(id, aHash[id], now)

		case ClassNewInSheets:
			atCreates = append(atCreates, pendingRow{
				sheetRow: sSide[id].ref.sheetRow,
				fields:   sSide[id].fields,
			})

		case ClassAirtableChanged:
			shFromRecord = append(shFromRecord, id)
			r.next.Remember(id, aHash[id], now)

		case ClassSheetsChanged:
			atUpdates = append(atUpdates, pendingRow{
				sheetRow: sSide[id].ref.sheetRow,
				recordID: id,
				fields:   sSide[id].fields,
			})
			r.next.Remember(id, sHash[id], now)

		case ClassAirtableDeleted:
			if !r.cfg.DeleteExtras {
				skipDelete(id, "row whose record was deleted")
				continue
			}
			shDeletes = append(shDeletes, sSide[id].ref)

		case ClassSheetsDeleted:
			if !r.cfg.DeleteExtras {
				skipDelete(id, "record whose row was deleted")
				continue
			}
			atDeletes = append(atDeletes, id)

		case ClassSeedBoth:
			// First contact with divergent content: the policy picks a
			// winner but this is not reported as a conflict.
			if r.cfg.ConflictPolicy == models.PolicySheetsWins {
				atUpdates = append(atUpdates, pendingRow{
					sheetRow: sSide[id].ref.sheetRow,
					recordID: id,
					fields:   sSide[id].fields,
				})
				r.next.Remember(id, sHash[id], now)
			} else {
				shFromRecord = append(shFromRecord, id)
				r.next.Remember(id, aHash[id], now)
			}
			r.result.AddWarning("record %s diverged on first contact, %s content applied", id, r.cfg.ConflictPolicy)
		}
	}

	for _, res := range resolutions {
		id := res.RecordID
		switch res.Action {
		case models.ActionUseAirtable:
			if _, ok := aRec[id]; !ok {
				continue
			}
			if _, ok := sSide[id]; ok {
				shFromRecord = append(shFromRecord, id)
			} else {
				shAppends = append(shAppends, id)
			}
			r.next.Remember(id, aHash[id], now)

		case models.ActionUseSheets:
			s, ok := sSide[id]
			if !ok {
				continue
			}
			if _, ok := aRec[id]; ok {
				atUpdates = append(atUpdates, pendingRow{sheetRow: s.ref.sheetRow, recordID: id, fields: s.fields})
				r.next.Remember(id, sHash[id], now)
			} else {
				// The record is gone; recreate it under a fresh id.
				atCreates = append(atCreates, pendingRow{sheetRow: s.ref.sheetRow, fields: s.fields})
			}

		case models.ActionDelete:
			if s, ok := sSide[id]; ok {
				if r.cfg.DeleteExtras {
					shDeletes = append(shDeletes, s.ref)
				} else {
					skipDelete(id, "conflicted row")
				}
			}
			if _, ok := aRec[id]; ok {
				if r.cfg.DeleteExtras {
					atDeletes = append(atDeletes, id)
				} else {
					skipDelete(id, "conflicted record")
				}
			}

		case models.ActionSkip:
			if r.prev.Has(id) {
				r.next.Remember(id, r.prev.Hash(id), now)
			}
		}
	}

	// Airtable side first.
	for _, chunk := range BatchOperations(atCreates, AirtableBatchSize) {
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

	for _, chunk := range BatchOperations(atUpdates, AirtableBatchSize) {
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
			// These records were already marked in the new state when the
			// sheet edit was classified; un-advance them.
			for _, p := range chunk {
				r.skipStateFor(p.recordID)
			}
			continue
		}
		r.result.Updated += len(chunk)
		r.countWritten("airtable", "update", len(chunk))
	}

	for _, chunk := range BatchOperations(atDeletes, AirtableBatchSize) {
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

	// Then the sheet.
	idCol := r.cfg.IDColumn()
	renderRow := func(id string) (models.SheetRow, bool) {
		rec, ok := aRec[id]
		if !ok {
			return nil, false
		}
		row, warns, errs := r.mapper.RecordToRow(ctx, rec, r.schema, r.mappings, idCol)
		for _, w := range warns {
			r.result.AddWarning("record %s: %s", id, w)
		}
		for _, e := range errs {
			r.result.AddError(e)
			if e.Fatal() || r.cfg.Strict() {
				return nil, false
			}
		}
		return row, true
	}

	var shUpdates []sheetRowRef
	for _, id := range shFromRecord {
		row, ok := renderRow(id)
		if !ok {
			continue
		}
		ref := sSide[id].ref
		shUpdates = append(shUpdates, sheetRowRef{dataIndex: ref.dataIndex, sheetRow: ref.sheetRow, row: row})
	}
	var appendRows []models.SheetRow
	for _, id := range shAppends {
		if row, ok := renderRow(id); ok {
			appendRows = append(appendRows, row)
		}
	}

	sanitizable := make([]models.SheetRow, 0, len(shUpdates)+len(appendRows))
	for _, ref := range shUpdates {
		sanitizable = append(sanitizable, ref.row)
	}
	sanitizable = append(sanitizable, appendRows...)
	for _, issue := range r.valid.SanitizeRows(sanitizable, idCol) {
		r.result.AddWarning("%s", issue)
	}

	if err := r.writeSheetUpdates(ctx, shUpdates); err != nil {
		return err
	}
	if err := r.appendSheetRows(ctx, appendRows); err != nil {
		return err
	}
	if err := r.deleteSheetRows(ctx, shDeletes); err != nil {
		return err
	}
	r.writeBackIDs(ctx, writeBacks)
	r.hideIDColumn(ctx)

	r.finishState(time.Now().UTC())
	return nil
}

// sheetViewHash hashes the record as the sheet sees it: the live record's
// fields with every writable mapped field replaced by the sheet's value.
// Unmapped fields pass through untouched, so an Airtable-only edit to an
// unmapped field does not read as a sheet change, while a cleared cell
// reads as a cleared field.
func (r *run) sheetViewHash(aRec map[string]models.AirtableRecord, mappedNames map[string]bool, id string, sheetFields map[string]interface{}) string {
	rec, ok := aRec[id]
	if !ok {
		return HashFields(sheetFields)
	}
	merged := make(map[string]interface{}, len(rec.Fields))
	for name, value := range rec.Fields {
		if mappedNames[name] {
			continue
		}
		merged[name] = value
	}
	for name, value := range sheetFields {
		merged[name] = value
	}
	return HashFields(merged)
}
