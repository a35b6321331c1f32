package parser

import (
	"github.com/maltedev/listing-scraper/internal/models"
)

// ListingParser turns a map-search result page into business records.
type ListingParser interface {
	ParseListings(html string, unit models.Unit) ([]models.Business, error)
}

// ProviderParser reads the telecom provider from a lookup result page.
// An empty string means the page did not name a provider.
type ProviderParser interface {
	ParseProvider(html string) (string, error)
}
