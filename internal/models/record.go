package models

// AirtableRecord is one row of an Airtable table as returned by the list
// endpoint. Field values keep the API's loose typing; the mapper narrows
// them per field type.
type AirtableRecord struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
}

// SheetRow is one row of sheet cell values indexed by column. Cells are
// strings, float64s, bools or nil the way the Sheets values API returns
// them.
type SheetRow []interface{}

// Cell returns the value at col, or nil when the row is shorter.
func (r SheetRow) Cell(col int) interface{} {
	if col < 0 || col >= len(r) {
		return nil
	}
	return r[col]
}

// TableSchema describes one Airtable table from the base schema endpoint.
type TableSchema struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	PrimaryFieldID string        `json:"primaryFieldId"`
	Fields         []FieldSchema `json:"fields"`
}

// FieldSchema describes one field of a table.
type FieldSchema struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Type    FieldType     `json:"type"`
	Options *FieldOptions `json:"options,omitempty"`
}

// FieldOptions carries the subset of per-type options the engine uses.
type FieldOptions struct {
	// Choices for single/multiple select fields.
	Choices []SelectChoice `json:"choices,omitempty"`
	// LinkedTableID for multipleRecordLinks fields.
	LinkedTableID string `json:"linkedTableId,omitempty"`
	// Precision for number fields.
	Precision int `json:"precision,omitempty"`
}

// SelectChoice is one allowed option of a select field.
type SelectChoice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PrimaryField returns the schema of the table's primary field. Falls back
// to the first field when the schema does not carry a primary field id.
func (t *TableSchema) PrimaryField() *FieldSchema {
	for i := range t.Fields {
		if t.Fields[i].ID == t.PrimaryFieldID {
			return &t.Fields[i]
		}
	}
	if len(t.Fields) > 0 {
		return &t.Fields[0]
	}
	return nil
}

// FieldByID looks a field up by schema id.
func (t *TableSchema) FieldByID(id string) *FieldSchema {
	for i := range t.Fields {
		if t.Fields[i].ID == id {
			return &t.Fields[i]
		}
	}
	return nil
}

// FieldByName looks a field up by display name.
func (t *TableSchema) FieldByName(name string) *FieldSchema {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// WritableFields filters out read-only field types.
func (t *TableSchema) WritableFields() []FieldSchema {
	out := make([]FieldSchema, 0, len(t.Fields))
	for _, f := range t.Fields {
		if !f.Type.ReadOnly() {
			out = append(out, f)
		}
	}
	return out
}
