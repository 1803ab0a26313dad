package engine

import (
	"testing"

	"tablebridge/engine/internal/models"
)

func TestHashFieldsKeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"Name": "Alice", "Age": 30.0, "Active": true}
	b := map[string]interface{}{"Active": true, "Age": 30.0, "Name": "Alice"}

	if HashFields(a) != HashFields(b) {
		t.Errorf("hash should not depend on map iteration order")
	}
}

func TestHashFieldsEpsilonRounding(t *testing.T) {
	a := map[string]interface{}{"Price": 1.0000001}
	b := map[string]interface{}{"Price": 1.0000002}
	c := map[string]interface{}{"Price": 1.1}

	if HashFields(a) != HashFields(b) {
		t.Errorf("differences below 1e-6 must not change the hash")
	}
	if HashFields(a) == HashFields(c) {
		t.Errorf("real numeric changes must change the hash")
	}
}

func TestHashFieldsLinkedRecordOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"Links": []interface{}{"rec111", "rec222"}}
	b := map[string]interface{}{"Links": []interface{}{"rec222", "rec111"}}

	if HashFields(a) != HashFields(b) {
		t.Errorf("linked record order must not change the hash")
	}
}

func TestHashFieldsEmptyEquivalence(t *testing.T) {
	a := map[string]interface{}{"Name": "Bob", "Notes": ""}
	b := map[string]interface{}{"Name": "Bob"}
	c := map[string]interface{}{"Name": "Bob", "Notes": nil, "Tags": []interface{}{}}

	if HashFields(a) != HashFields(b) || HashFields(b) != HashFields(c) {
		t.Errorf("empty string, nil and empty array must hash like an absent field")
	}
}

func TestHashFieldsDateFormatsEqual(t *testing.T) {
	// Airtable emits millisecond timestamps; a sheet round-trip drops
	// them. The same instant must hash the same either way.
	a := map[string]interface{}{"Due": "2024-01-02T03:04:05.000Z"}
	b := map[string]interface{}{"Due": "2024-01-02T03:04:05Z"}
	c := map[string]interface{}{"Due": "2024-01-02T03:04:06Z"}

	if HashFields(a) != HashFields(b) {
		t.Errorf("date formatting must not change the hash")
	}
	if HashFields(a) == HashFields(c) {
		t.Errorf("different instants must hash differently")
	}

	dateOnly := map[string]interface{}{"Due": "2024-03-15"}
	midnight := map[string]interface{}{"Due": "2024-03-15T00:00:00Z"}
	if HashFields(dateOnly) != HashFields(midnight) {
		t.Errorf("date-only and midnight UTC must hash the same")
	}
}

func TestCellsEqualDateFormats(t *testing.T) {
	cases := []struct {
		a, b interface{}
		want bool
	}{
		{"2024-01-02T03:04:05.000Z", "2024-01-02T03:04:05Z", true},
		{"03/15/2024", "2024-03-15", true},
		{"2024-03-15", "2024-03-16", false},
		{"not-a-date", "also-not-a-date", false},
	}
	for _, tc := range cases {
		if got := CellsEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("CellsEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestHashRowIgnoresIDColumnAndTrailingEmpties(t *testing.T) {
	a := models.SheetRow{"Alice", "30", "recAAA"}
	b := models.SheetRow{"Alice", "30", "recBBB"}
	c := models.SheetRow{"Alice", "30", "recAAA", "", ""}

	if HashRow(a, 2) != HashRow(b, 2) {
		t.Errorf("id column must be excluded from the row hash")
	}
	if HashRow(a, 2) != HashRow(c, 2) {
		t.Errorf("trailing empty cells must not change the row hash")
	}
}

func TestCellsEqualNumericStrings(t *testing.T) {
	cases := []struct {
		a, b interface{}
		want bool
	}{
		{"30", 30.0, true},
		{" Alice ", "Alice", true},
		{nil, "", true},
		{"", "x", false},
		{true, "TRUE", true},
		{1.0000001, 1.0000002, true},
		{"2", 3.0, false},
	}
	for _, tc := range cases {
		if got := CellsEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("CellsEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRowsEqual(t *testing.T) {
	a := models.SheetRow{"Alice", 30.0, "recAAA"}
	b := models.SheetRow{"Alice", "30", "recZZZ"}
	if !RowsEqual(a, b, 2) {
		t.Errorf("rows differing only in the id column must compare equal")
	}

	c := models.SheetRow{"Alice", 31.0, "recAAA"}
	if RowsEqual(a, c, 2) {
		t.Errorf("changed cell must make rows unequal")
	}

	short := models.SheetRow{"Alice", 30.0}
	if !RowsEqual(a, short, 2) {
		t.Errorf("missing trailing cells must compare as empty")
	}
}
