package parser

import (
	"testing"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedHTML = `<html><body>
<div role="feed">
  <div class="Nv2PK">
    <div class="qBF1Pd">Bäckerei Schmidt</div>
    <div class="W4Efsd"><span>Bäckerei</span> · Hauptstraße 5, 20095 Hamburg</div>
    <div class="W4Efsd">Geöffnet · <span class="UsdlK">040 123456</span></div>
  </div>
  <div class="Nv2PK">
    <div class="qBF1Pd">Café am Markt</div>
    <div class="W4Efsd"><span>Café</span> · Marktplatz 1</div>
    <div class="W4Efsd">Geschlossen · +49 40 765 4321</div>
  </div>
  <div class="Nv2PK">
    <div class="qBF1Pd">Bäckerei Schmidt</div>
    <div class="W4Efsd"><span>Bäckerei</span> · Hauptstraße 5, 20095 Hamburg</div>
    <div class="W4Efsd"><span class="UsdlK">040 123456</span></div>
  </div>
  <div class="Nv2PK">
    <div class="qBF1Pd">Ohne Telefon GmbH</div>
    <div class="W4Efsd"><span>Handwerk</span> · Ringstraße 9</div>
  </div>
  <div class="Nv2PK"><div class="W4Efsd">no name here</div></div>
</div>
</body></html>`

func TestMapsParser_ParseListings(t *testing.T) {
	p := NewMapsParser()
	unit := models.Unit{Town: "Hamburg", Industry: "Bäckerei"}

	businesses, err := p.ParseListings(feedHTML, unit)
	require.NoError(t, err)
	require.Len(t, businesses, 3, "duplicates and nameless entries are dropped")

	first := businesses[0]
	assert.Equal(t, "Bäckerei Schmidt", first.Name)
	assert.Equal(t, "040 123456", first.Phone)
	assert.Equal(t, "040123456", first.NormalizedPhone)
	assert.Equal(t, "Hauptstraße 5, 20095 Hamburg", first.Address)
	assert.Equal(t, "Bäckerei", first.Category)
	assert.Equal(t, "Hamburg", first.Town)
	assert.Equal(t, "Bäckerei", first.Industry)

	second := businesses[1]
	assert.Equal(t, "Café am Markt", second.Name)
	assert.Equal(t, "+49 40 765 4321", second.Phone)
	assert.Equal(t, "0407654321", second.NormalizedPhone)
	assert.Equal(t, "Marktplatz 1", second.Address)

	third := businesses[2]
	assert.Equal(t, "Ohne Telefon GmbH", third.Name)
	assert.False(t, third.HasPhone())
}

func TestMapsParser_EmptyPage(t *testing.T) {
	p := NewMapsParser()

	businesses, err := p.ParseListings("<html><body></body></html>", models.Unit{Town: "Kiel"})
	require.NoError(t, err)
	assert.Empty(t, businesses)
}
