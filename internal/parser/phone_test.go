package parser

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"National", "040 123456", "040123456"},
		{"National with separators", "040 / 123-456", "040123456"},
		{"Plus prefix", "+49 40 123-456", "040123456"},
		{"Double zero prefix", "0049 40/123456", "040123456"},
		{"Redundant trunk zero", "+49 (0)40 123456", "040123456"},
		{"Mobile", "+49 171 2345678", "01712345678"},
		{"Foreign number", "+43 1 234567", "+431234567"},
		{"Too short", "12345", ""},
		{"Empty", "", ""},
		{"Whitespace", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePhone(tt.input); got != tt.expected {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFindPhone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Geöffnet · 040 123456", "040 123456"},
		{"Bäckerei · Hauptstraße 5", ""},
		{"Tel.: +49 30 9876543 (Zentrale)", "+49 30 9876543"},
	}

	for _, tt := range tests {
		if got := FindPhone(tt.input); got != tt.expected {
			t.Errorf("FindPhone(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
