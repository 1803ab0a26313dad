package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"tablebridge/engine/internal/models"
)

// epsilonDigits is the number of decimals numeric values are rounded to
// before hashing, so float noise below 1e-6 never registers as a change.
const epsilonDigits = 6

// HashFields computes the content hash of a record's fields: SHA-256 over
// the canonical JSON of the normalized field map. Stable under key
// reordering and semantic-equality normalization.
func HashFields(fields map[string]interface{}) string {
	normalized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		nv := NormalizeValue(v)
		if nv == nil {
			continue
		}
		normalized[k] = nv
	}
	// encoding/json sorts map keys, which gives us canonical ordering.
	data, err := json.Marshal(normalized)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashRow computes the content hash of a sheet row with the id column
// excluded. The id cell is sync metadata, not content.
func HashRow(row models.SheetRow, idColumn int) string {
	cells := make([]interface{}, 0, len(row))
	for i, cell := range row {
		if i == idColumn {
			continue
		}
		cells = append(cells, NormalizeValue(cell))
	}
	// Trailing empty cells must not affect the hash; Sheets trims them
	// inconsistently depending on the fetched range.
	for len(cells) > 0 && cells[len(cells)-1] == nil {
		cells = cells[:len(cells)-1]
	}
	data, err := json.Marshal(cells)
	if err != nil {
		data = []byte("[]")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeValue reduces a value to its canonical comparable form:
// trimmed strings, date strings reduced to canonical instants,
// epsilon-rounded numbers, linked-record arrays reduced to sorted id
// lists, other arrays sorted by canonical encoding, maps normalized
// recursively. Empty values normalize to nil.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		if iso, ok := canonicalDate(s); ok {
			return iso
		}
		return s
	case bool:
		return val
	case float64:
		return roundEpsilon(val)
	case float32:
		return roundEpsilon(float64(val))
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return roundEpsilon(f)
		}
		return val.String()
	case []interface{}:
		if len(val) == 0 {
			return nil
		}
		if ids, ok := linkedRecordIDs(val); ok {
			sort.Strings(ids)
			out := make([]interface{}, len(ids))
			for i, id := range ids {
				out[i] = id
			}
			return out
		}
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			out = append(out, NormalizeValue(item))
		}
		sort.Slice(out, func(i, j int) bool {
			return canonicalString(out[i]) < canonicalString(out[j])
		})
		return out
	case map[string]interface{}:
		if len(val) == 0 {
			return nil
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	default:
		return canonicalString(v)
	}
}

// linkedRecordIDs detects the Airtable linked-record shape: an array of
// objects each carrying an "id". Plain string arrays of record ids are
// accepted too, since the list endpoint returns those for link fields.
func linkedRecordIDs(arr []interface{}) ([]string, bool) {
	ids := make([]string, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case map[string]interface{}:
			id, ok := v["id"].(string)
			if !ok || !strings.HasPrefix(id, "rec") {
				return nil, false
			}
			ids = append(ids, id)
		case string:
			if !strings.HasPrefix(v, "rec") {
				return nil, false
			}
			ids = append(ids, v)
		default:
			return nil, false
		}
	}
	return ids, len(ids) > 0
}

// canonicalDate reduces a date-looking string to one canonical UTC
// instant. Airtable and Sheets format the same moment differently
// (fractional seconds, date-only layouts), and that must never register
// as a change.
func canonicalDate(s string) (string, bool) {
	if len(s) < 8 || len(s) > 35 || !strings.ContainsAny(s, "-/") {
		return "", false
	}
	t, err := ParseDate(s)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func roundEpsilon(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	shift := math.Pow10(epsilonDigits)
	return math.Round(f*shift) / shift
}

func canonicalString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(val)
		if iso, ok := canonicalDate(s); ok {
			return iso
		}
		return s
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(roundEpsilon(val), 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(NormalizeValue(v))
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// CellsEqual compares two cell values after normalization: trimmed
// strings, canonical numbers, and nil/empty treated as equal. Strings
// that parse as numbers compare numerically so "30" equals 30.0.
func CellsEqual(a, b interface{}) bool {
	ca, cb := canonicalString(a), canonicalString(b)
	if ca == cb {
		return true
	}
	fa, errA := strconv.ParseFloat(ca, 64)
	fb, errB := strconv.ParseFloat(cb, 64)
	if errA == nil && errB == nil {
		return roundEpsilon(fa) == roundEpsilon(fb)
	}
	return false
}

// RowsEqual compares two sheet rows element-wise with the id column
// excluded, treating missing trailing cells as empty.
func RowsEqual(a, b models.SheetRow, idColumn int) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if i == idColumn {
			continue
		}
		if !CellsEqual(a.Cell(i), b.Cell(i)) {
			return false
		}
	}
	return true
}
