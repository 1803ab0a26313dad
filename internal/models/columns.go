package models

import "strings"

// ColumnNumberToLetter converts a 1-based column number to its A1 letter
// form: 1 -> "A", 26 -> "Z", 27 -> "AA".
func ColumnNumberToLetter(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	for n > 0 {
		n--
		b.WriteByte(byte('A' + n%26))
		n /= 26
	}
	// Built least-significant first; reverse.
	s := b.String()
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = s[len(s)-1-i]
	}
	return string(out)
}

// ColumnLetterToNumber converts an A1 column letter to its 1-based number:
// "A" -> 1, "Z" -> 26, "AA" -> 27. Returns 0 for invalid input.
func ColumnLetterToNumber(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return 0
		}
		n = n*26 + int(c-'A'+1)
	}
	return n
}
