package models

import (
	"fmt"
	"strings"
)

const (
	MaxConcurrentTownsLimit      = 5
	MaxConcurrentIndustriesLimit = 3
	MaxConcurrentLookupsLimit    = 3
)

// ScrapeRequest is the immutable input of a session.
type ScrapeRequest struct {
	OwnerID                 string   `json:"owner_id"`
	Towns                   []string `json:"towns"`
	Industries              []string `json:"industries"`
	MaxConcurrentTowns      int      `json:"max_concurrent_towns"`
	MaxConcurrentIndustries int      `json:"max_concurrent_industries"`
	MaxConcurrentLookups    int      `json:"max_concurrent_lookups"`
}

// WithDefaults fills zero concurrency settings with 1 and trims empty entries.
func (r ScrapeRequest) WithDefaults() ScrapeRequest {
	r.Towns = compact(r.Towns)
	r.Industries = compact(r.Industries)
	if r.MaxConcurrentTowns == 0 {
		r.MaxConcurrentTowns = 1
	}
	if r.MaxConcurrentIndustries == 0 {
		r.MaxConcurrentIndustries = 1
	}
	if r.MaxConcurrentLookups == 0 {
		r.MaxConcurrentLookups = 1
	}
	return r
}

func (r ScrapeRequest) Validate() []string {
	var errors []string

	if len(r.Towns) == 0 {
		errors = append(errors, "at least one town is required")
	}
	if r.MaxConcurrentTowns < 1 || r.MaxConcurrentTowns > MaxConcurrentTownsLimit {
		errors = append(errors, fmt.Sprintf("max_concurrent_towns must be between 1 and %d", MaxConcurrentTownsLimit))
	}
	if r.MaxConcurrentIndustries < 1 || r.MaxConcurrentIndustries > MaxConcurrentIndustriesLimit {
		errors = append(errors, fmt.Sprintf("max_concurrent_industries must be between 1 and %d", MaxConcurrentIndustriesLimit))
	}
	if r.MaxConcurrentLookups < 1 || r.MaxConcurrentLookups > MaxConcurrentLookupsLimit {
		errors = append(errors, fmt.Sprintf("max_concurrent_lookups must be between 1 and %d", MaxConcurrentLookupsLimit))
	}

	return errors
}

// LiteralSearch reports whether towns are searched as business names instead of
// industry-in-town queries.
func (r ScrapeRequest) LiteralSearch() bool {
	return len(r.Industries) == 0
}

// UnitCount is the size of the town x industry product.
func (r ScrapeRequest) UnitCount() int {
	if r.LiteralSearch() {
		return len(r.Towns)
	}
	return len(r.Towns) * len(r.Industries)
}

// Unit resolves a linear unit index. Units are ordered industry-major.
func (r ScrapeRequest) Unit(index int) Unit {
	if r.LiteralSearch() {
		return Unit{Index: index, TownIndex: index, Town: r.Towns[index]}
	}
	industryIdx := index / len(r.Towns)
	townIdx := index % len(r.Towns)
	return Unit{
		Index:         index,
		IndustryIndex: industryIdx,
		TownIndex:     townIdx,
		Town:          r.Towns[townIdx],
		Industry:      r.Industries[industryIdx],
	}
}

// UnitIndex is the inverse of Unit for checkpoint positions.
func (r ScrapeRequest) UnitIndex(industryIdx, townIdx int) int {
	if r.LiteralSearch() {
		return townIdx
	}
	return industryIdx*len(r.Towns) + townIdx
}

// Unit is one town x industry extraction pass.
type Unit struct {
	Index         int
	IndustryIndex int
	TownIndex     int
	Town          string
	Industry      string
}

// Query is the text typed into the map search.
func (u Unit) Query() string {
	if u.Industry == "" {
		return u.Town
	}
	return u.Industry + " in " + u.Town
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
