// Package subject implements the dot separated subject grammar shared by
// certify's transports, ledger and relay agent: tokens separated by '.', with
// '*' matching exactly one token and '>' matching one or more trailing tokens.
package subject

import "strings"

// Match reports whether subject is matched by pattern.
func Match(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return i == len(p)-1 && len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

// ValidPattern reports whether pattern is a well formed subject that may
// contain wildcards.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
		if tok == ">" && i != len(tokens)-1 {
			return false
		}
		if len(tok) > 1 && strings.ContainsAny(tok, "*>") {
			return false
		}
	}
	return true
}

// Valid reports whether s is a well formed subject without wildcards, i.e.
// one that may be published on.
func Valid(s string) bool {
	return ValidPattern(s) && !IsPattern(s)
}

// IsPattern reports whether s contains a wildcard token.
func IsPattern(s string) bool {
	for _, tok := range strings.Split(s, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// ValidToken reports whether tok can be used as a single subject token, for
// example a certified transport or relay client name.
func ValidToken(tok string) bool {
	return tok != "" && !strings.ContainsAny(tok, ".*> \t\r\n")
}

// Join joins non-empty tokens with '.'.
func Join(tokens ...string) string {
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			parts = append(parts, tok)
		}
	}
	return strings.Join(parts, ".")
}

// Token returns the i'th token of s, or "" when s has fewer tokens.
func Token(s string, i int) string {
	tokens := strings.Split(s, ".")
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}
