package nats

import (
	"strings"
	"unicode"
)

// namespace joins values into a dot separated subject prefix, formatting
// each one with formatForNamespace and skipping empty ones.
func namespace(values ...string) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		parts = append(parts, formatForNamespace(value))
	}
	return strings.Join(parts, ".")
}

// formatForNamespace turns camelCase into kebab-case, maps underscores to
// dashes and drops anything that cannot appear in a NATS subject token.
func formatForNamespace(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 4)
	var prev rune
	for _, r := range value {
		switch {
		case r == '_':
			b.WriteRune('-')
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteRune('-')
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '.', r == '*', r == '>':
			b.WriteRune(r)
		default:
			continue
		}
		prev = r
	}
	return b.String()
}
