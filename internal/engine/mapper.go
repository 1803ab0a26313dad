package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tablebridge/engine/internal/models"
)

// dateLayouts are the accepted input formats for date cells, tried in
// order. Output is always ISO-8601.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

// FieldMapper converts values between Airtable's typed fields and sheet
// cells. Conversion problems are returned, never panicked; the pipeline
// decides what to do with them based on the validation mode.
type FieldMapper struct {
	resolver *LinkedRecordResolver
	baseID   string

	resolveLinks  bool
	createMissing bool
}

// NewFieldMapper builds a mapper for one base. resolver may be nil when
// linked record resolution is disabled.
func NewFieldMapper(resolver *LinkedRecordResolver, baseID string, resolveLinks, createMissing bool) *FieldMapper {
	return &FieldMapper{
		resolver:      resolver,
		baseID:        baseID,
		resolveLinks:  resolveLinks,
		createMissing: createMissing,
	}
}

// AirtableToCell converts one Airtable field value to a sheet cell. It is
// total: every input yields a cell, possibly the empty string, plus
// warnings for lossy conversions.
func (m *FieldMapper) AirtableToCell(ctx context.Context, value interface{}, field *models.FieldSchema) (interface{}, []string, error) {
	if value == nil {
		return "", nil, nil
	}

	switch field.Type {
	case models.FieldTypeCheckbox:
		if b, ok := value.(bool); ok {
			if b {
				return "TRUE", nil, nil
			}
			return "FALSE", nil, nil
		}
		return "FALSE", nil, nil

	case models.FieldTypeNumber, models.FieldTypeCurrency, models.FieldTypePercent,
		models.FieldTypeDuration, models.FieldTypeRating, models.FieldTypeCount,
		models.FieldTypeAutoNumber:
		f, err := toFloat(value)
		if err != nil {
			return "", nil, &models.SyncError{
				Kind: models.ErrKindTransform, Field: field.Name,
				Message: fmt.Sprintf("expected number, got %T", value), Err: err,
			}
		}
		return f, nil, nil

	case models.FieldTypeDate, models.FieldTypeDateTime,
		models.FieldTypeCreatedTime, models.FieldTypeLastModifiedTime:
		s := fmt.Sprintf("%v", value)
		t, err := ParseDate(s)
		if err != nil {
			return "", nil, &models.SyncError{
				Kind: models.ErrKindTransform, Field: field.Name,
				Message: fmt.Sprintf("unparseable date %q", s), Err: err,
			}
		}
		if field.Type == models.FieldTypeDate {
			return t.Format("2006-01-02"), nil, nil
		}
		return t.UTC().Format(time.RFC3339), nil, nil

	case models.FieldTypeMultipleSelects:
		if arr, ok := value.([]interface{}); ok {
			names := make([]string, 0, len(arr))
			for _, item := range arr {
				names = append(names, strings.TrimSpace(fmt.Sprintf("%v", item)))
			}
			return strings.Join(names, ", "), nil, nil
		}
		return fmt.Sprintf("%v", value), nil, nil

	case models.FieldTypeRecordLinks:
		return m.linkedToCell(ctx, value, field)

	case models.FieldTypeAttachments:
		if arr, ok := value.([]interface{}); ok {
			urls := make([]string, 0, len(arr))
			for _, item := range arr {
				if att, ok := item.(map[string]interface{}); ok {
					if u, ok := att["url"].(string); ok {
						urls = append(urls, u)
					}
				}
			}
			return strings.Join(urls, ", "), nil, nil
		}
		return "", nil, nil

	case models.FieldTypeCollaborator, models.FieldTypeCreatedBy, models.FieldTypeLastModifiedBy:
		return collaboratorName(value), nil, nil

	case models.FieldTypeMultiCollabs:
		if arr, ok := value.([]interface{}); ok {
			names := make([]string, 0, len(arr))
			for _, item := range arr {
				names = append(names, collaboratorName(item))
			}
			return strings.Join(names, ", "), nil, nil
		}
		return collaboratorName(value), nil, nil

	case models.FieldTypeBarcode:
		if bc, ok := value.(map[string]interface{}); ok {
			if text, ok := bc["text"].(string); ok {
				return text, nil, nil
			}
		}
		return fmt.Sprintf("%v", value), nil, nil

	case models.FieldTypeButton:
		if btn, ok := value.(map[string]interface{}); ok {
			if label, ok := btn["label"].(string); ok {
				return label, nil, nil
			}
		}
		return "", nil, nil

	case models.FieldTypeSingleLineText, models.FieldTypeMultilineText,
		models.FieldTypeRichText, models.FieldTypeEmail, models.FieldTypeURL,
		models.FieldTypePhoneNumber, models.FieldTypeSingleSelect,
		models.FieldTypeFormula, models.FieldTypeRollup, models.FieldTypeLookup:
		return stringifyCell(value), nil, nil

	default:
		warn := fmt.Sprintf("field %s has unsupported type %s, coerced to string", field.Name, field.Type)
		return stringifyCell(value), []string{warn}, nil
	}
}

// CellToAirtable converts one sheet cell to an Airtable field value. A nil
// result with nil error means the field should be omitted from the write.
func (m *FieldMapper) CellToAirtable(ctx context.Context, cell interface{}, field *models.FieldSchema, strict bool) (interface{}, []string, error) {
	if field.Type.ReadOnly() {
		// Readable but never written. At most a warning.
		return nil, nil, nil
	}
	s := strings.TrimSpace(stringifyCell(cell))
	if s == "" {
		// An empty cell omits the field; clearing a checkbox takes an
		// explicit FALSE.
		return nil, nil, nil
	}

	switch field.Type {
	case models.FieldTypeCheckbox:
		if b, ok := cell.(bool); ok {
			return b, nil, nil
		}
		switch strings.ToLower(s) {
		case "true", "1", "yes", "checked":
			return true, nil, nil
		case "false", "0", "no", "unchecked":
			return false, nil, nil
		}
		return nil, nil, &models.SyncError{
			Kind: models.ErrKindTransform, Field: field.Name,
			Message: fmt.Sprintf("cannot read %q as checkbox", s),
		}

	case models.FieldTypeNumber, models.FieldTypeCurrency, models.FieldTypePercent,
		models.FieldTypeDuration, models.FieldTypeRating:
		f, err := toFloat(cell)
		if err != nil {
			return nil, nil, &models.SyncError{
				Kind: models.ErrKindTransform, Field: field.Name,
				Message: fmt.Sprintf("cannot read %q as number", s), Err: err,
			}
		}
		return f, nil, nil

	case models.FieldTypeDate, models.FieldTypeDateTime:
		t, err := ParseDate(s)
		if err != nil {
			return nil, nil, &models.SyncError{
				Kind: models.ErrKindTransform, Field: field.Name,
				Message: fmt.Sprintf("unparseable date %q", s), Err: err,
			}
		}
		if field.Type == models.FieldTypeDate {
			return t.Format("2006-01-02"), nil, nil
		}
		return t.UTC().Format(time.RFC3339), nil, nil

	case models.FieldTypeSingleSelect:
		if field.Options != nil && len(field.Options.Choices) > 0 {
			for _, c := range field.Options.Choices {
				if strings.EqualFold(c.Name, s) {
					return c.Name, nil, nil
				}
			}
			err := &models.SyncError{
				Kind: models.ErrKindValidation, Field: field.Name,
				Message: fmt.Sprintf("%q is not a valid choice", s),
			}
			if strict {
				return nil, nil, err
			}
			return s, []string{err.Error()}, nil
		}
		return s, nil, nil

	case models.FieldTypeMultipleSelects:
		parts := splitTrim(s)
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil, nil

	case models.FieldTypeRecordLinks:
		return m.cellToLinked(ctx, s, field, strict)

	case models.FieldTypeAttachments:
		return nil, []string{fmt.Sprintf("field %s: attachment writes are not supported, skipped", field.Name)}, nil

	case models.FieldTypeCollaborator, models.FieldTypeMultiCollabs:
		return nil, []string{fmt.Sprintf("field %s: collaborator writes are not supported, skipped", field.Name)}, nil

	case models.FieldTypeBarcode:
		return nil, []string{fmt.Sprintf("field %s: barcode writes are not supported, skipped", field.Name)}, nil

	case models.FieldTypeSingleLineText, models.FieldTypeMultilineText,
		models.FieldTypeRichText, models.FieldTypeEmail, models.FieldTypeURL,
		models.FieldTypePhoneNumber:
		return s, nil, nil

	default:
		warn := fmt.Sprintf("field %s has unsupported type %s, wrote string value", field.Name, field.Type)
		return s, []string{warn}, nil
	}
}

// RecordToRow projects an Airtable record onto a sheet row using the
// ordered field mappings. The returned row is wide enough to include the
// id column, which carries the record id.
func (m *FieldMapper) RecordToRow(ctx context.Context, rec models.AirtableRecord, schema *models.TableSchema, mappings []models.FieldMapping, idColumn int) (models.SheetRow, []string, []models.SyncError) {
	width := idColumn + 1
	for _, fm := range mappings {
		if fm.ColumnIndex+1 > width {
			width = fm.ColumnIndex + 1
		}
	}
	row := make(models.SheetRow, width)
	for i := range row {
		row[i] = ""
	}

	var warnings []string
	var errs []models.SyncError
	for _, fm := range mappings {
		field := schema.FieldByID(fm.FieldID)
		if field == nil {
			warnings = append(warnings, fmt.Sprintf("mapped field %s is not in the table schema", fm.FieldID))
			continue
		}
		cell, warns, err := m.AirtableToCell(ctx, rec.Fields[field.Name], field)
		warnings = append(warnings, warns...)
		if err != nil {
			if se, ok := err.(*models.SyncError); ok {
				se.RecordID = rec.ID
				errs = append(errs, *se)
			} else {
				errs = append(errs, models.SyncError{
					Kind: models.ErrKindTransform, RecordID: rec.ID,
					Field: field.Name, Message: err.Error(), Err: err,
				})
			}
			cell = ""
		}
		row[fm.ColumnIndex] = cell
	}
	row[idColumn] = rec.ID
	return row, warnings, errs
}

// RowToFields converts the mapped cells of a sheet row into an Airtable
// field-value map. Read-only fields and unsupported write types are
// skipped with warnings.
func (m *FieldMapper) RowToFields(ctx context.Context, row models.SheetRow, schema *models.TableSchema, mappings []models.FieldMapping, strict bool) (map[string]interface{}, []string, []models.SyncError) {
	fields := make(map[string]interface{})
	var warnings []string
	var errs []models.SyncError

	for _, fm := range mappings {
		field := schema.FieldByID(fm.FieldID)
		if field == nil || field.Type.ReadOnly() {
			continue
		}
		value, warns, err := m.CellToAirtable(ctx, row.Cell(fm.ColumnIndex), field, strict)
		warnings = append(warnings, warns...)
		if err != nil {
			if se, ok := err.(*models.SyncError); ok {
				errs = append(errs, *se)
			} else {
				errs = append(errs, models.SyncError{
					Kind: models.ErrKindTransform, Field: field.Name,
					Message: err.Error(), Err: err,
				})
			}
			continue
		}
		if value != nil {
			fields[field.Name] = value
		}
	}
	return fields, warnings, errs
}

func (m *FieldMapper) linkedToCell(ctx context.Context, value interface{}, field *models.FieldSchema) (interface{}, []string, error) {
	arr, ok := value.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, nil
	}
	ids := make([]string, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case string:
			ids = append(ids, v)
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if !m.resolveLinks || m.resolver == nil || field.Options == nil || field.Options.LinkedTableID == "" {
		return strings.Join(ids, ", "), nil, nil
	}

	names, missing, err := m.resolver.ResolveIDsToNames(ctx, m.baseID, field.Options.LinkedTableID, ids)
	if err != nil {
		// Fall back to raw ids so the export still carries the reference.
		return strings.Join(ids, ", "), []string{
			fmt.Sprintf("field %s: linked record lookup failed (%v), wrote ids", field.Name, err),
		}, nil
	}
	var warnings []string
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, name)
		} else {
			out = append(out, id)
		}
	}
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("field %s: %d linked records had no name, wrote ids", field.Name, len(missing)))
	}
	return strings.Join(out, ", "), warnings, nil
}

func (m *FieldMapper) cellToLinked(ctx context.Context, s string, field *models.FieldSchema, strict bool) (interface{}, []string, error) {
	names := splitTrim(s)
	if len(names) == 0 {
		return nil, nil, nil
	}
	if m.resolver == nil || field.Options == nil || field.Options.LinkedTableID == "" {
		return nil, []string{fmt.Sprintf("field %s: no linked table configured, value skipped", field.Name)}, nil
	}

	ids, missing, err := m.resolver.ResolveNamesToIDs(ctx, m.baseID, field.Options.LinkedTableID, names, m.createMissing)
	if err != nil {
		se := &models.SyncError{
			Kind: models.ErrKindLinkedRecord, Field: field.Name,
			Message: fmt.Sprintf("linked record lookup failed: %v", err), Err: err,
		}
		if strict {
			return nil, nil, se
		}
		return nil, []string{se.Error()}, nil
	}

	var warnings []string
	out := make([]interface{}, 0, len(names))
	for _, name := range names {
		if id, ok := ids[strings.ToLower(name)]; ok {
			out = append(out, map[string]interface{}{"id": id})
		}
	}
	if len(missing) > 0 {
		se := &models.SyncError{
			Kind: models.ErrKindLinkedRecord, Field: field.Name,
			Message: fmt.Sprintf("no linked records found for: %s", strings.Join(missing, ", ")),
		}
		if strict {
			return nil, nil, se
		}
		warnings = append(warnings, se.Error())
	}
	if len(out) == 0 {
		return nil, warnings, nil
	}
	return out, warnings, nil
}

// ParseDate parses a date cell leniently: ISO-8601 first, then the common
// US and dash formats.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, fmt.Errorf("non-finite number")
		}
		return val, nil
	case float32:
		return toFloat(float64(val))
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		s := strings.TrimSpace(val)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return toFloat(f)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func stringifyCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func collaboratorName(v interface{}) string {
	if collab, ok := v.(map[string]interface{}); ok {
		if name, ok := collab["name"].(string); ok && name != "" {
			return name
		}
		if email, ok := collab["email"].(string); ok {
			return email
		}
	}
	return fmt.Sprintf("%v", v)
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
