package parser

import "testing"

func TestProviderFormParser_ParseProvider(t *testing.T) {
	p := NewProviderFormParser()

	tests := []struct {
		name     string
		html     string
		expected string
	}{
		{"Data attribute", `<div id="result" data-provider="Telekom Deutschland GmbH"></div>`, "Telekom Deutschland GmbH"},
		{"Labelled line", `<div class="result">Rufnummer: 040123456
Netzbetreiber: Vodafone GmbH</div>`, "Vodafone GmbH"},
		{"Unknown answer", `<div class="result">Anbieter: unbekannt</div>`, ""},
		{"No result block", `<div class="form"></div>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParseProvider(tt.html)
			if err != nil {
				t.Fatalf("ParseProvider: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParseProvider() = %q, want %q", got, tt.expected)
			}
		})
	}
}
