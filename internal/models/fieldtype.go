package models

// FieldType is the closed set of Airtable field types the engine knows how
// to handle. Unknown types coming back from the schema endpoint are kept as
// FieldTypeUnknown so the mapper can fall back to string coercion.
type FieldType string

const (
	FieldTypeSingleLineText   FieldType = "singleLineText"
	FieldTypeMultilineText    FieldType = "multilineText"
	FieldTypeRichText         FieldType = "richText"
	FieldTypeEmail            FieldType = "email"
	FieldTypeURL              FieldType = "url"
	FieldTypePhoneNumber      FieldType = "phoneNumber"
	FieldTypeNumber           FieldType = "number"
	FieldTypeCurrency         FieldType = "currency"
	FieldTypePercent          FieldType = "percent"
	FieldTypeDuration         FieldType = "duration"
	FieldTypeRating           FieldType = "rating"
	FieldTypeDate             FieldType = "date"
	FieldTypeDateTime         FieldType = "dateTime"
	FieldTypeCheckbox         FieldType = "checkbox"
	FieldTypeSingleSelect     FieldType = "singleSelect"
	FieldTypeMultipleSelects  FieldType = "multipleSelects"
	FieldTypeRecordLinks      FieldType = "multipleRecordLinks"
	FieldTypeAttachments      FieldType = "multipleAttachments"
	FieldTypeCollaborator     FieldType = "singleCollaborator"
	FieldTypeMultiCollabs     FieldType = "multipleCollaborators"
	FieldTypeBarcode          FieldType = "barcode"
	FieldTypeFormula          FieldType = "formula"
	FieldTypeRollup           FieldType = "rollup"
	FieldTypeCount            FieldType = "count"
	FieldTypeLookup           FieldType = "multipleLookupValues"
	FieldTypeCreatedTime      FieldType = "createdTime"
	FieldTypeLastModifiedTime FieldType = "lastModifiedTime"
	FieldTypeCreatedBy        FieldType = "createdBy"
	FieldTypeLastModifiedBy   FieldType = "lastModifiedBy"
	FieldTypeAutoNumber       FieldType = "autoNumber"
	FieldTypeButton           FieldType = "button"
	FieldTypeUnknown          FieldType = "unknown"
)

// ParseFieldType maps a schema type string onto the closed set.
func ParseFieldType(s string) FieldType {
	switch FieldType(s) {
	case FieldTypeSingleLineText, FieldTypeMultilineText, FieldTypeRichText,
		FieldTypeEmail, FieldTypeURL, FieldTypePhoneNumber,
		FieldTypeNumber, FieldTypeCurrency, FieldTypePercent,
		FieldTypeDuration, FieldTypeRating,
		FieldTypeDate, FieldTypeDateTime, FieldTypeCheckbox,
		FieldTypeSingleSelect, FieldTypeMultipleSelects,
		FieldTypeRecordLinks, FieldTypeAttachments,
		FieldTypeCollaborator, FieldTypeMultiCollabs, FieldTypeBarcode,
		FieldTypeFormula, FieldTypeRollup, FieldTypeCount, FieldTypeLookup,
		FieldTypeCreatedTime, FieldTypeLastModifiedTime,
		FieldTypeCreatedBy, FieldTypeLastModifiedBy,
		FieldTypeAutoNumber, FieldTypeButton:
		return FieldType(s)
	default:
		return FieldTypeUnknown
	}
}

// ReadOnly reports whether Airtable computes the field itself. Read-only
// fields can be exported to a sheet but are never written back.
func (t FieldType) ReadOnly() bool {
	switch t {
	case FieldTypeFormula, FieldTypeRollup, FieldTypeCount, FieldTypeLookup,
		FieldTypeCreatedTime, FieldTypeLastModifiedTime,
		FieldTypeCreatedBy, FieldTypeLastModifiedBy,
		FieldTypeAutoNumber, FieldTypeButton:
		return true
	}
	return false
}

// Numeric reports whether the field carries a numeric value.
func (t FieldType) Numeric() bool {
	switch t {
	case FieldTypeNumber, FieldTypeCurrency, FieldTypePercent,
		FieldTypeDuration, FieldTypeRating:
		return true
	}
	return false
}

// Textual reports whether the field carries a free-form string value.
func (t FieldType) Textual() bool {
	switch t {
	case FieldTypeSingleLineText, FieldTypeMultilineText, FieldTypeRichText,
		FieldTypeEmail, FieldTypeURL, FieldTypePhoneNumber:
		return true
	}
	return false
}
