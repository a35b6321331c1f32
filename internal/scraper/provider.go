package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/parser"
	"github.com/maltedev/listing-scraper/internal/retry"
)

type ProviderFormOptions struct {
	FormURL        string
	PhoneInput     string
	SubmitButton   string
	ResultSelector string
}

func DefaultProviderFormOptions() ProviderFormOptions {
	return ProviderFormOptions{
		FormURL:        "https://www.bundesnetzagentur.de/rufnummernabfrage",
		PhoneInput:     `input[name="rufnummer"], input[type="tel"]`,
		SubmitButton:   `button[type="submit"], input[type="submit"]`,
		ResultSelector: `#result, .result, .ergebnis`,
	}
}

// ProviderForm submits a phone number to the provider lookup form.
type ProviderForm struct {
	opts     ProviderFormOptions
	parser   parser.ProviderParser
	detector ChallengeChecker
	logger   *slog.Logger
}

func NewProviderForm(p parser.ProviderParser, detector ChallengeChecker, opts ProviderFormOptions) *ProviderForm {
	def := DefaultProviderFormOptions()
	if opts.FormURL == "" {
		opts.FormURL = def.FormURL
	}
	if opts.PhoneInput == "" {
		opts.PhoneInput = def.PhoneInput
	}
	if opts.SubmitButton == "" {
		opts.SubmitButton = def.SubmitButton
	}
	if opts.ResultSelector == "" {
		opts.ResultSelector = def.ResultSelector
	}
	return &ProviderForm{
		opts:     opts,
		parser:   p,
		detector: detector,
		logger:   slog.Default().With("component", "provider_form"),
	}
}

// Lookup returns the provider named for phone, or "" when the form had no answer.
func (f *ProviderForm) Lookup(ctx context.Context, sess browser.Session, phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", retry.Permanent(ErrInvalidPhone)
	}

	if err := sess.Navigate(ctx, f.opts.FormURL); err != nil {
		return "", fmt.Errorf("failed to navigate to lookup form: %w", err)
	}
	if _, err := snapshot(ctx, sess, f.detector); err != nil {
		return "", err
	}

	if err := sess.Fill(ctx, f.opts.PhoneInput, phone); err != nil {
		return "", fmt.Errorf("failed to fill phone: %w", err)
	}
	if err := sess.Click(ctx, f.opts.SubmitButton); err != nil {
		return "", fmt.Errorf("failed to submit lookup form: %w", err)
	}
	if err := waitOrChallenge(ctx, sess, f.detector, f.opts.ResultSelector); err != nil {
		return "", err
	}

	page, err := snapshot(ctx, sess, f.detector)
	if err != nil {
		return "", err
	}

	provider, err := f.parser.ParseProvider(page.HTML)
	if err != nil {
		return "", fmt.Errorf("failed to parse provider: %w", err)
	}

	f.logger.Debug("provider lookup finished", "phone", phone, "provider", provider, "session_id", sess.ID())
	return provider, nil
}

func containsSelector(html, selector string) bool {
	if html == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}
