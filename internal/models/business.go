package models

import (
	"strings"
	"time"
)

// ProviderUnknown is stored when the provider lookup gave no usable answer.
const ProviderUnknown = "unknown"

type Business struct {
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	NormalizedPhone string    `json:"normalized_phone"`
	Address         string    `json:"address"`
	Category        string    `json:"category"`
	Town            string    `json:"town"`
	Industry        string    `json:"industry"`
	Provider        string    `json:"provider,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// Key identifies a business inside one session. It is also the upsert key of the record store.
func (b *Business) Key() string {
	return strings.ToLower(strings.TrimSpace(b.Name)) + "|" + b.NormalizedPhone
}

func (b *Business) HasPhone() bool {
	return b.NormalizedPhone != ""
}

func (b *Business) IsEnriched() bool {
	return b.Provider != ""
}

// LookupRequest is a phone number waiting for provider enrichment.
type LookupRequest struct {
	Phone       string `json:"phone"`
	BusinessKey string `json:"business_key"`
}
