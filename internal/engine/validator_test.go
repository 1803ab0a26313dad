package engine

import (
	"strings"
	"testing"

	"tablebridge/engine/internal/models"
)

func TestGuardFormula(t *testing.T) {
	v := NewDataValidator()

	cases := []struct {
		in      string
		want    string
		guarded bool
	}{
		{"=1+1", "'=1+1", true},
		{"+15", "'+15", true},
		{"-5", "'-5", true},
		{"@ref", "'@ref", true},
		{"hello", "hello", false},
		{"", "", false},
		{"1+1=2", "1+1=2", false},
	}
	for _, tc := range cases {
		got, guarded := v.GuardFormula(tc.in)
		if got != tc.want || guarded != tc.guarded {
			t.Errorf("GuardFormula(%q) = (%q, %v), want (%q, %v)", tc.in, got, guarded, tc.want, tc.guarded)
		}
	}
}

func TestSanitizeStringStripsControlChars(t *testing.T) {
	v := NewDataValidator()

	got, stripped := v.SanitizeString("a\x00b\x01c")
	if got != "abc" || !stripped {
		t.Errorf("SanitizeString = (%q, %v), want (abc, true)", got, stripped)
	}

	keep := "line1\nline2\ttab\rret"
	got, stripped = v.SanitizeString(keep)
	if got != keep || stripped {
		t.Errorf("tab, newline and carriage return must survive, got %q", got)
	}
}

func TestForSheetCellTruncates(t *testing.T) {
	v := NewDataValidator()
	long := strings.Repeat("x", maxSheetCellLen+10)

	got, issues := v.ForSheetCell(long, "Notes", 3)
	if len(got) != maxSheetCellLen {
		t.Errorf("len = %d, want %d", len(got), maxSheetCellLen)
	}
	found := false
	for _, issue := range issues {
		if issue.Code == CodeTooLong {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a %s issue, got %v", CodeTooLong, issues)
	}
}

func TestCheckEmailAndURL(t *testing.T) {
	v := NewDataValidator()

	if issue := v.CheckEmail("user@example.com", "Email", 1); issue != nil {
		t.Errorf("valid email flagged: %v", issue)
	}
	if issue := v.CheckEmail("not-an-email", "Email", 1); issue == nil {
		t.Errorf("invalid email not flagged")
	}
	if issue := v.CheckURL("https://example.com/x", "URL", 1); issue != nil {
		t.Errorf("valid url flagged: %v", issue)
	}
	if issue := v.CheckURL("nope", "URL", 1); issue == nil {
		t.Errorf("invalid url not flagged")
	}
	// Empty values are fine; presence is not the validator's concern.
	if issue := v.CheckEmail("", "Email", 1); issue != nil {
		t.Errorf("empty email flagged: %v", issue)
	}
}

func TestSanitizeRowsSkipsIDColumn(t *testing.T) {
	v := NewDataValidator()
	rows := []models.SheetRow{
		{"=SUM(A1)", "ok", "=rec123"},
	}

	issues := v.SanitizeRows(rows, 2)

	if rows[0][0] != "'=SUM(A1)" {
		t.Errorf("formula cell not guarded: %v", rows[0][0])
	}
	if rows[0][2] != "=rec123" {
		t.Errorf("id column must not be sanitized: %v", rows[0][2])
	}
	if len(issues) != 1 {
		t.Errorf("expected exactly one issue, got %v", issues)
	}
}
