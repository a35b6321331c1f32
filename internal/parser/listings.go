package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/listing-scraper/internal/models"
)

// MapsParser parses the result feed of the map search.
type MapsParser struct {
	ResultSelector   string
	NameSelector     string
	CategorySelector string
	InfoSelector     string
	PhoneSelector    string
}

func NewMapsParser() *MapsParser {
	return &MapsParser{
		ResultSelector:   `div[role="feed"] div.Nv2PK, div[role="article"]`,
		NameSelector:     `.qBF1Pd, .fontHeadlineSmall, a[aria-label]`,
		CategorySelector: `.W4Efsd span.category, .W4Efsd > span:first-child`,
		InfoSelector:     `.W4Efsd`,
		PhoneSelector:    `.UsdlK, [data-phone], a[href^="tel:"]`,
	}
}

func (p *MapsParser) ParseListings(html string, unit models.Unit) ([]models.Business, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool)
	var businesses []models.Business

	doc.Find(p.ResultSelector).Each(func(_ int, s *goquery.Selection) {
		name := p.extractName(s)
		if name == "" {
			return
		}

		phone := p.extractPhone(s)
		b := models.Business{
			Name:            name,
			Phone:           phone,
			NormalizedPhone: NormalizePhone(phone),
			Address:         p.extractAddress(s, phone),
			Category:        cleanText(s.Find(p.CategorySelector).First().Text()),
			Town:            unit.Town,
			Industry:        unit.Industry,
			DiscoveredAt:    now,
		}

		key := b.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		businesses = append(businesses, b)
	})

	return businesses, nil
}

func (p *MapsParser) extractName(s *goquery.Selection) string {
	nameSel := s.Find(p.NameSelector).First()
	if name := cleanText(nameSel.Text()); name != "" {
		return name
	}
	if label, ok := nameSel.Attr("aria-label"); ok {
		return cleanText(label)
	}
	return ""
}

func (p *MapsParser) extractPhone(s *goquery.Selection) string {
	phoneSel := s.Find(p.PhoneSelector).First()
	if v, ok := phoneSel.Attr("data-phone"); ok && v != "" {
		return cleanText(v)
	}
	if href, ok := phoneSel.Attr("href"); ok && strings.HasPrefix(href, "tel:") {
		return cleanText(strings.TrimPrefix(href, "tel:"))
	}
	if text := cleanText(phoneSel.Text()); text != "" {
		return text
	}
	return FindPhone(s.Find(p.InfoSelector).Text())
}

// extractAddress takes the info line segment that is neither category nor phone.
// Segments are separated by "·".
func (p *MapsParser) extractAddress(s *goquery.Selection, phone string) string {
	var address string
	s.Find(p.InfoSelector).EachWithBreak(func(_ int, info *goquery.Selection) bool {
		for _, part := range strings.Split(info.Text(), "·") {
			part = cleanText(part)
			if part == "" || (phone != "" && strings.Contains(part, phone)) {
				continue
			}
			if looksLikeAddress(part) {
				address = part
				return false
			}
		}
		return true
	})
	return address
}

func looksLikeAddress(s string) bool {
	if FindPhone(s) != "" && !strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyzäöüß") {
		return false
	}
	hasDigit := strings.ContainsAny(s, "0123456789")
	lower := strings.ToLower(s)
	return hasDigit && (strings.Contains(lower, "str") ||
		strings.Contains(lower, "weg") ||
		strings.Contains(lower, "platz") ||
		strings.Contains(lower, "allee") ||
		strings.Contains(lower, "gasse") ||
		strings.Contains(lower, "damm") ||
		strings.Contains(lower, "ring") ||
		strings.Contains(s, ","))
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
