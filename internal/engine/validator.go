package engine

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"tablebridge/engine/internal/models"
)

// Length caps per destination.
const (
	maxAirtableTextLen = 100000
	maxSheetCellLen    = 50000
)

// validatorChunkSize bounds memory when validating large row sets.
const validatorChunkSize = 100

// Validation error codes.
const (
	CodeControlChars     = "CONTROL_CHARS_STRIPPED"
	CodeFormulaInjection = "FORMULA_PREFIXED"
	CodeTooLong          = "VALUE_TRUNCATED"
	CodeInvalidEmail     = "INVALID_EMAIL"
	CodeInvalidURL       = "INVALID_URL"
	CodeInvalidNumber    = "INVALID_NUMBER"
	CodeInvalidDate      = "INVALID_DATE"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidationIssue is one finding from the validator. Issues are advisory
// unless the pipeline runs strict.
type ValidationIssue struct {
	FieldName    string `json:"fieldName"`
	RowIndex     int    `json:"rowIndex"`
	Code         string `json:"code"`
	SampledValue string `json:"sampledValue"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s on %q (row %d): %s", i.Code, i.FieldName, i.RowIndex, i.SampledValue)
}

// DataValidator sanitizes values before they are written to either
// provider. It is stateless and safe for concurrent use.
type DataValidator struct{}

// NewDataValidator returns a validator.
func NewDataValidator() *DataValidator { return &DataValidator{} }

// SanitizeString strips null bytes and low control characters, keeping
// tab, newline and carriage return.
func (v *DataValidator) SanitizeString(s string) (string, bool) {
	if !strings.ContainsFunc(s, isStrippedControl) {
		return s, false
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isStrippedControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), true
}

func isStrippedControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r <= 0x1f
}

// GuardFormula prefixes a leading formula trigger with an apostrophe so
// the value renders as text in the sheet instead of executing.
func (v *DataValidator) GuardFormula(s string) (string, bool) {
	if s == "" {
		return s, false
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return "'" + s, true
	}
	return s, false
}

// ForSheetCell sanitizes a string bound for a sheet cell: control chars
// stripped, formula triggers guarded, length capped.
func (v *DataValidator) ForSheetCell(s string, fieldName string, rowIndex int) (string, []ValidationIssue) {
	var issues []ValidationIssue
	s, stripped := v.SanitizeString(s)
	if stripped {
		issues = append(issues, ValidationIssue{fieldName, rowIndex, CodeControlChars, sample(s)})
	}
	s, guarded := v.GuardFormula(s)
	if guarded {
		issues = append(issues, ValidationIssue{fieldName, rowIndex, CodeFormulaInjection, sample(s)})
	}
	if len(s) > maxSheetCellLen {
		s = s[:maxSheetCellLen]
		issues = append(issues, ValidationIssue{fieldName, rowIndex, CodeTooLong, sample(s)})
	}
	return s, issues
}

// ForAirtableText sanitizes a string bound for an Airtable text field.
func (v *DataValidator) ForAirtableText(s string, fieldName string, rowIndex int) (string, []ValidationIssue) {
	var issues []ValidationIssue
	s, stripped := v.SanitizeString(s)
	if stripped {
		issues = append(issues, ValidationIssue{fieldName, rowIndex, CodeControlChars, sample(s)})
	}
	if len(s) > maxAirtableTextLen {
		s = s[:maxAirtableTextLen]
		issues = append(issues, ValidationIssue{fieldName, rowIndex, CodeTooLong, sample(s)})
	}
	return s, issues
}

// CheckEmail validates an email address. Never fatal by itself.
func (v *DataValidator) CheckEmail(s, fieldName string, rowIndex int) *ValidationIssue {
	if s == "" || emailRe.MatchString(s) {
		return nil
	}
	return &ValidationIssue{fieldName, rowIndex, CodeInvalidEmail, sample(s)}
}

// CheckURL validates a URL. Never fatal by itself.
func (v *DataValidator) CheckURL(s, fieldName string, rowIndex int) *ValidationIssue {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationIssue{fieldName, rowIndex, CodeInvalidURL, sample(s)}
	}
	return nil
}

// CheckNumber rejects NaN and infinities.
func (v *DataValidator) CheckNumber(f float64, fieldName string, rowIndex int) *ValidationIssue {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &ValidationIssue{fieldName, rowIndex, CodeInvalidNumber, fmt.Sprintf("%v", f)}
	}
	return nil
}

// CheckDate validates against the mapper's shared date rule set.
func (v *DataValidator) CheckDate(s, fieldName string, rowIndex int) *ValidationIssue {
	if s == "" {
		return nil
	}
	if _, err := ParseDate(s); err != nil {
		return &ValidationIssue{fieldName, rowIndex, CodeInvalidDate, sample(s)}
	}
	return nil
}

// ValidateFieldValue applies the per-type checks to a value about to be
// written to Airtable. The returned value may be rewritten (sanitized).
func (v *DataValidator) ValidateFieldValue(value interface{}, field *models.FieldSchema, rowIndex int) (interface{}, []ValidationIssue) {
	switch val := value.(type) {
	case string:
		s, issues := v.ForAirtableText(val, field.Name, rowIndex)
		switch field.Type {
		case models.FieldTypeEmail:
			if issue := v.CheckEmail(s, field.Name, rowIndex); issue != nil {
				issues = append(issues, *issue)
			}
		case models.FieldTypeURL:
			if issue := v.CheckURL(s, field.Name, rowIndex); issue != nil {
				issues = append(issues, *issue)
			}
		case models.FieldTypeDate, models.FieldTypeDateTime:
			if issue := v.CheckDate(s, field.Name, rowIndex); issue != nil {
				issues = append(issues, *issue)
			}
		}
		return s, issues
	case float64:
		if issue := v.CheckNumber(val, field.Name, rowIndex); issue != nil {
			return nil, []ValidationIssue{*issue}
		}
		return val, nil
	default:
		return value, nil
	}
}

// SanitizeRows applies sheet-bound sanitization to every cell, processing
// in chunks to bound peak allocations. Rows are modified in place.
func (v *DataValidator) SanitizeRows(rows []models.SheetRow, idColumn int) []ValidationIssue {
	var issues []ValidationIssue
	for start := 0; start < len(rows); start += validatorChunkSize {
		end := start + validatorChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		for ri := start; ri < end; ri++ {
			for ci, cell := range rows[ri] {
				if ci == idColumn {
					continue
				}
				s, ok := cell.(string)
				if !ok {
					continue
				}
				clean, cellIssues := v.ForSheetCell(s, fmt.Sprintf("column %s", models.ColumnNumberToLetter(ci+1)), ri+1)
				rows[ri][ci] = clean
				issues = append(issues, cellIssues...)
			}
		}
	}
	return issues
}

func sample(s string) string {
	const max = 40
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
