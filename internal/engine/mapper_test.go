package engine

import (
	"context"
	"testing"

	"tablebridge/engine/internal/models"
)

func testSchema() *models.TableSchema {
	return &models.TableSchema{
		ID:             "tblMain",
		Name:           "Tasks",
		PrimaryFieldID: "fldName",
		Fields: []models.FieldSchema{
			{ID: "fldName", Name: "Name", Type: models.FieldTypeSingleLineText},
			{ID: "fldDone", Name: "Done", Type: models.FieldTypeCheckbox},
			{ID: "fldCount", Name: "Count", Type: models.FieldTypeNumber},
			{ID: "fldDue", Name: "Due", Type: models.FieldTypeDate},
			{ID: "fldTags", Name: "Tags", Type: models.FieldTypeMultipleSelects},
			{ID: "fldStatus", Name: "Status", Type: models.FieldTypeSingleSelect,
				Options: &models.FieldOptions{Choices: []models.SelectChoice{
					{ID: "sel1", Name: "Open"}, {ID: "sel2", Name: "Closed"},
				}}},
			{ID: "fldTotal", Name: "Total", Type: models.FieldTypeFormula},
		},
	}
}

func testMappings() []models.FieldMapping {
	return []models.FieldMapping{
		{FieldID: "fldName", ColumnIndex: 0},
		{FieldID: "fldDone", ColumnIndex: 1},
		{FieldID: "fldCount", ColumnIndex: 2},
		{FieldID: "fldDue", ColumnIndex: 3},
		{FieldID: "fldTags", ColumnIndex: 4},
		{FieldID: "fldStatus", ColumnIndex: 5},
		{FieldID: "fldTotal", ColumnIndex: 6},
	}
}

func TestAirtableToCellConversions(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	ctx := context.Background()
	schema := testSchema()

	cell, _, err := m.AirtableToCell(ctx, true, schema.FieldByName("Done"))
	if err != nil || cell != "TRUE" {
		t.Errorf("checkbox true = %v (%v), want TRUE", cell, err)
	}

	cell, _, err = m.AirtableToCell(ctx, 42.5, schema.FieldByName("Count"))
	if err != nil || cell != 42.5 {
		t.Errorf("number = %v (%v), want 42.5", cell, err)
	}

	cell, _, err = m.AirtableToCell(ctx, "2024-03-15", schema.FieldByName("Due"))
	if err != nil || cell != "2024-03-15" {
		t.Errorf("date = %v (%v), want 2024-03-15", cell, err)
	}

	cell, _, err = m.AirtableToCell(ctx, []interface{}{"a", "b"}, schema.FieldByName("Tags"))
	if err != nil || cell != "a, b" {
		t.Errorf("multipleSelects = %v (%v), want \"a, b\"", cell, err)
	}

	cell, _, err = m.AirtableToCell(ctx, nil, schema.FieldByName("Name"))
	if err != nil || cell != "" {
		t.Errorf("nil = %v (%v), want empty string", cell, err)
	}
}

func TestCellToAirtableCheckbox(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	ctx := context.Background()
	field := testSchema().FieldByName("Done")

	for _, s := range []string{"true", "TRUE", "1", "yes", "checked"} {
		v, _, err := m.CellToAirtable(ctx, s, field, false)
		if err != nil || v != true {
			t.Errorf("CellToAirtable(%q) = %v (%v), want true", s, v, err)
		}
	}
	for _, s := range []string{"false", "0", "no"} {
		v, _, err := m.CellToAirtable(ctx, s, field, false)
		if err != nil || v != false {
			t.Errorf("CellToAirtable(%q) = %v (%v), want false", s, v, err)
		}
	}
	if _, _, err := m.CellToAirtable(ctx, "maybe", field, false); err == nil {
		t.Errorf("unreadable checkbox value must error")
	}

	// An empty cell omits the field rather than writing an explicit false.
	for _, cell := range []interface{}{nil, "", "  "} {
		v, _, err := m.CellToAirtable(ctx, cell, field, false)
		if err != nil || v != nil {
			t.Errorf("CellToAirtable(%#v) = %v (%v), want omitted", cell, v, err)
		}
	}
}

func TestCellToAirtableSelectChoiceMatching(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	ctx := context.Background()
	field := testSchema().FieldByName("Status")

	// Case-insensitive match returns the canonical choice name.
	v, warns, err := m.CellToAirtable(ctx, "open", field, true)
	if err != nil || v != "Open" || len(warns) != 0 {
		t.Errorf("select match = %v (%v, %v), want Open", v, warns, err)
	}

	// Unknown choice fails strict, passes lenient with a warning.
	if _, _, err := m.CellToAirtable(ctx, "Bogus", field, true); err == nil {
		t.Errorf("strict mode must reject an unknown choice")
	}
	v, warns, err = m.CellToAirtable(ctx, "Bogus", field, false)
	if err != nil || v != "Bogus" || len(warns) == 0 {
		t.Errorf("lenient mode = %v (%v, %v), want value with warning", v, warns, err)
	}
}

func TestCellToAirtableSkipsReadOnly(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	v, warns, err := m.CellToAirtable(context.Background(), "whatever", testSchema().FieldByName("Total"), true)
	if v != nil || err != nil || len(warns) != 0 {
		t.Errorf("read-only field = (%v, %v, %v), want all empty", v, warns, err)
	}
}

func TestRecordToRowPlacesID(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	rec := models.AirtableRecord{
		ID: "recABC",
		Fields: map[string]interface{}{
			"Name": "Task one", "Done": true, "Count": 3.0,
		},
	}

	row, warns, errs := m.RecordToRow(context.Background(), rec, testSchema(), testMappings(), 26)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	_ = warns
	if len(row) != 27 {
		t.Fatalf("row width = %d, want 27", len(row))
	}
	if row[26] != "recABC" {
		t.Errorf("id column = %v, want recABC", row[26])
	}
	if row[0] != "Task one" || row[1] != "TRUE" || row[2] != 3.0 {
		t.Errorf("mapped cells wrong: %v", row[:3])
	}
}

func TestRowToFieldsRoundTrip(t *testing.T) {
	m := NewFieldMapper(nil, "appX", false, false)
	row := models.SheetRow{"Task one", "TRUE", "3", "2024-03-15", "a, b", "Open", "ignored"}

	fields, _, errs := m.RowToFields(context.Background(), row, testSchema(), testMappings(), true)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if fields["Name"] != "Task one" || fields["Done"] != true || fields["Count"] != 3.0 {
		t.Errorf("fields wrong: %v", fields)
	}
	if fields["Due"] != "2024-03-15" || fields["Status"] != "Open" {
		t.Errorf("date/select wrong: %v", fields)
	}
	if _, ok := fields["Total"]; ok {
		t.Errorf("read-only formula field must not be written")
	}
	tags, ok := fields["Tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("tags = %v", fields["Tags"])
	}
}

func TestParseDateFormats(t *testing.T) {
	for _, s := range []string{
		"2024-03-15", "2024-03-15T10:30:00Z", "03/15/2024", "3/15/2024", "2024-03-15 10:30:00",
	} {
		if _, err := ParseDate(s); err != nil {
			t.Errorf("ParseDate(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseDate("the ides of march"); err == nil {
		t.Errorf("nonsense date must fail")
	}
}
