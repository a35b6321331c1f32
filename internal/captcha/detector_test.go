package captcha

import (
	"testing"

	"github.com/maltedev/listing-scraper/internal/browser"
)

func TestDetector_IsChallenged(t *testing.T) {
	d := NewDetector(WithTextMarkers("Zugriff verweigert"))

	tests := []struct {
		name     string
		page     *browser.PageState
		expected bool
	}{
		{"Nil page", nil, false},
		{"Plain listing page", &browser.PageState{
			Title: "Bäckerei in Hamburg - Google Maps",
			HTML:  `<html><body><div role="feed"><div class="Nv2PK">Bäckerei Schmidt</div></div></body></html>`,
		}, false},
		{"Robot title", &browser.PageState{Title: "Robot Check"}, true},
		{"Sorry url", &browser.PageState{URL: "https://www.google.com/sorry/index?continue=x"}, true},
		{"Recaptcha iframe", &browser.PageState{
			Title: "Anbieterauskunft",
			HTML:  `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`,
		}, true},
		{"Challenge form", &browser.PageState{
			HTML: `<html><body><form id="challenge-form" action="/cdn-cgi"></form></body></html>`,
		}, true},
		{"Unusual traffic text", &browser.PageState{
			HTML: `<html><body><p>Our systems have detected unusual traffic from your computer network.</p></body></html>`,
		}, true},
		{"Custom marker", &browser.PageState{
			HTML: `<html><body><h1>Zugriff verweigert</h1></body></html>`,
		}, true},
		{"Bare word in body", &browser.PageState{
			HTML: `<html><body><span>captcha</span></body></html>`,
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsChallenged(tt.page); got != tt.expected {
				t.Errorf("IsChallenged() = %v, want %v", got, tt.expected)
			}
		})
	}
}
