// Package captcha recognises anti-bot challenge pages.
package captcha

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/listing-scraper/internal/browser"
)

// ErrChallenged is returned by extraction steps that landed on a challenge page.
var ErrChallenged = errors.New("anti-bot challenge detected")

var defaultTitleMarkers = []string{
	"robot",
	"captcha",
	"just a moment",
	"attention required",
	"ungewöhnlicher datenverkehr",
	"sicherheitsüberprüfung",
}

var defaultTextMarkers = []string{
	"unusual traffic from your computer network",
	"our systems have detected unusual traffic",
	"ungewöhnlichen datenverkehr",
	"bestätigen sie, dass sie kein roboter sind",
	"verify you are human",
	"please complete the security check",
}

var defaultSelectors = []string{
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"div.g-recaptcha",
	"div.h-captcha",
	"#captcha-form",
	"#captchacharacters",
	"form[action*='captcha']",
	"form[action*='Captcha']",
	"#challenge-form",
	"#cf-challenge-running",
}

type Detector struct {
	titleMarkers []string
	textMarkers  []string
	selectors    []string
	logger       *slog.Logger
}

type Option func(*Detector)

func WithTitleMarkers(markers ...string) Option {
	return func(d *Detector) { d.titleMarkers = append(d.titleMarkers, lower(markers)...) }
}

func WithTextMarkers(markers ...string) Option {
	return func(d *Detector) { d.textMarkers = append(d.textMarkers, lower(markers)...) }
}

func WithSelectors(selectors ...string) Option {
	return func(d *Detector) { d.selectors = append(d.selectors, selectors...) }
}

func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		titleMarkers: append([]string(nil), defaultTitleMarkers...),
		textMarkers:  append([]string(nil), defaultTextMarkers...),
		selectors:    append([]string(nil), defaultSelectors...),
		logger:       slog.Default().With("component", "captcha_detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsChallenged inspects a page snapshot. It has no side effects; callers decide
// how to back off.
func (d *Detector) IsChallenged(page *browser.PageState) bool {
	if page == nil {
		return false
	}

	title := strings.ToLower(page.Title)
	for _, marker := range d.titleMarkers {
		if strings.Contains(title, marker) {
			d.logger.Debug("challenge detected in title", "marker", marker, "url", page.URL)
			return true
		}
	}

	if strings.Contains(strings.ToLower(page.URL), "/sorry/") {
		d.logger.Debug("challenge detected in url", "url", page.URL)
		return true
	}

	if page.HTML == "" {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return false
	}

	for _, selector := range d.selectors {
		if doc.Find(selector).Length() > 0 {
			d.logger.Debug("challenge detected by selector", "selector", selector, "url", page.URL)
			return true
		}
	}

	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range d.textMarkers {
		if strings.Contains(text, marker) {
			d.logger.Debug("challenge detected in text", "marker", marker, "url", page.URL)
			return true
		}
	}

	return false
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
