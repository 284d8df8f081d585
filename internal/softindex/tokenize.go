package softindex

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it on anything that is not a letter or a
// digit.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
