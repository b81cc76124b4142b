package subject

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{name: "exact", pattern: "orders.new", subject: "orders.new", expected: true},
		{name: "different", pattern: "orders.new", subject: "orders.old", expected: false},
		{name: "star one token", pattern: "orders.*", subject: "orders.new", expected: true},
		{name: "star does not span", pattern: "orders.*", subject: "orders.new.eu", expected: false},
		{name: "star middle", pattern: "orders.*.eu", subject: "orders.new.eu", expected: true},
		{name: "gt tail", pattern: "orders.>", subject: "orders.new.eu", expected: true},
		{name: "gt needs a token", pattern: "orders.>", subject: "orders", expected: false},
		{name: "gt alone", pattern: ">", subject: "a.b.c", expected: true},
		{name: "shorter subject", pattern: "a.b.c", subject: "a.b", expected: false},
		{name: "longer subject", pattern: "a.b", subject: "a.b.c", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Match(tt.pattern, tt.subject)
			if result != tt.expected {
				t.Errorf("Match(%q, %q): expected %v, got %v", tt.pattern, tt.subject, tt.expected, result)
			}
		})
	}
}

func TestValidPattern(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"a", true},
		{"a.b.c", true},
		{"a.*.c", true},
		{"a.>", true},
		{"", false},
		{"a..b", false},
		{".a", false},
		{"a.>.b", false},
		{"a.b*", false},
		{"a b", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := ValidPattern(tt.input); result != tt.expected {
				t.Errorf("ValidPattern(%q): expected %v, got %v", tt.input, tt.expected, result)
			}
		})
	}
}

func TestValid(t *testing.T) {
	if !Valid("orders.new") {
		t.Error("Expected concrete subject to be valid")
	}
	if Valid("orders.*") {
		t.Error("Expected wildcard subject to be invalid for publishing")
	}
}

func TestValidToken(t *testing.T) {
	if !ValidToken("listener-1") {
		t.Error("Expected plain token to be valid")
	}
	for _, tok := range []string{"", "a.b", "a*", ">", "a b"} {
		if ValidToken(tok) {
			t.Errorf("Expected %q to be an invalid token", tok)
		}
	}
}

func TestJoinAndToken(t *testing.T) {
	s := Join("_CM", "", "sender", "ACK")
	if s != "_CM.sender.ACK" {
		t.Errorf("Expected '_CM.sender.ACK', got '%s'", s)
	}
	if Token(s, 2) != "ACK" {
		t.Errorf("Expected token 'ACK', got '%s'", Token(s, 2))
	}
	if Token(s, 5) != "" {
		t.Error("Expected empty token for out of range index")
	}
}

func BenchmarkMatch(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Match("orders.*.>", "orders.new.eu.fr")
	}
}
