package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var providerLabelRegex = regexp.MustCompile(`(?i)(?:netzbetreiber|anbieter|provider|carrier)\s*:?\s*(.+)`)

// ProviderFormParser reads the result block of the provider lookup form.
type ProviderFormParser struct {
	ResultSelector string
}

func NewProviderFormParser() *ProviderFormParser {
	return &ProviderFormParser{
		ResultSelector: `#result, .result, .ergebnis, table.result td`,
	}
}

func (p *ProviderFormParser) ParseProvider(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var provider string
	doc.Find(p.ResultSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("data-provider"); ok && strings.TrimSpace(v) != "" {
			provider = cleanText(v)
			return false
		}
		for _, line := range strings.Split(s.Text(), "\n") {
			if m := providerLabelRegex.FindStringSubmatch(line); len(m) == 2 {
				provider = cleanText(m[1])
				return false
			}
		}
		return true
	})

	switch strings.ToLower(provider) {
	case "", "-", "unbekannt", "unknown", "nicht ermittelbar":
		return "", nil
	}
	return provider, nil
}
