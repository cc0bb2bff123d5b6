package direct

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

const listingPage = `<!doctype html>
<html><head>
<title>Ignored title</title>
<meta property="og:image" content="https://img.test/og.jpg">
<script type="application/ld+json">{"@context":"https://schema.org","@type":"BreadcrumbList"}</script>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[{"@type":"Organization","name":"Site"},{
  "@type":"VacationRental",
  "name":"Casa Azul",
  "description":"Sunny flat near the river",
  "address":{"addressLocality":"Lisbon","addressCountry":"PT"},
  "aggregateRating":{"ratingValue":4.8,"reviewCount":"127"},
  "priceRange":"€120 per night",
  "amenityFeature":[{"name":"Wifi"},{"name":"Kitchen"}],
  "image":["https://img.test/1.jpg",{"url":"https://img.test/2.jpg"}],
  "review":[{"author":{"name":"Ana"},"datePublished":"2024-04-01","reviewBody":"Lovely","reviewRating":{"ratingValue":5}}]
}]}
</script>
</head><body><h1>Casa Azul</h1><p>Two bedrooms.</p></body></html>`

const ogOnlyPage = `<html><head>
<meta property="og:title" content="Beach House">
<meta name="description" content="Steps from the sand">
</head><body>Beach House</body></html>`

func newTestScraper(t *testing.T) (*Scraper, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	return New(Options{Transport: transport}, nil), transport
}

func TestScraper_LaunchReadsJSONLD(t *testing.T) {
	t.Parallel()
	s, transport := newTestScraper(t)
	transport.RegisterResponder(http.MethodGet, "https://www.vrbo.com/123", httpmock.NewStringResponder(http.StatusOK, listingPage).
		HeaderSet(http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}))

	run, err := s.Launch(context.Background(), scrape.Request{URL: "https://www.vrbo.com/123", Platform: constants.PlatformVrbo})
	require.NoError(t, err)
	assert.Equal(t, scrape.RunSucceeded, run.State)
	assert.Equal(t, ReferencePrefix+"https://www.vrbo.com/123", run.Reference)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(run.Document, &doc))
	assert.Equal(t, "Casa Azul", doc["property_name"])
	assert.Equal(t, "Lisbon, PT", doc["location"])
	assert.Equal(t, 4.8, doc["rating"])
	assert.Equal(t, "127", doc["review_count"])
	assert.Equal(t, "€120 per night", doc["price"])
	assert.Equal(t, []any{"Wifi", "Kitchen"}, doc["amenities"])
	assert.Equal(t, []any{"https://img.test/1.jpg", "https://img.test/2.jpg"}, doc["images"])
	reviews, ok := doc["recent_reviews"].([]any)
	require.True(t, ok)
	require.Len(t, reviews, 1)
	assert.Equal(t, "Ana", reviews[0].(map[string]any)["author"])
	assert.Contains(t, doc["raw_text"], "Two bedrooms.")
}

func TestScraper_FallsBackToMetaTags(t *testing.T) {
	t.Parallel()
	s, transport := newTestScraper(t)
	transport.RegisterResponder(http.MethodGet, "https://www.airbnb.com/rooms/1", httpmock.NewStringResponder(http.StatusOK, ogOnlyPage).
		HeaderSet(http.Header{"Content-Type": []string{"text/html"}}))

	run, err := s.Fetch(context.Background(), ReferencePrefix+"https://www.airbnb.com/rooms/1")
	require.NoError(t, err)
	require.Equal(t, scrape.RunSucceeded, run.State)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(run.Document, &doc))
	assert.Equal(t, "Beach House", doc["property_name"])
	assert.Equal(t, "Steps from the sand", doc["description"])
}

func TestScraper_Failures(t *testing.T) {
	t.Parallel()
	s, transport := newTestScraper(t)
	transport.RegisterResponder(http.MethodGet, "https://www.booking.com/hotel/gone.html", httpmock.NewStringResponder(http.StatusNotFound, "gone"))
	transport.RegisterResponder(http.MethodGet, "https://www.booking.com/hotel/blank.html", httpmock.NewStringResponder(http.StatusOK, "<html><body></body></html>").
		HeaderSet(http.Header{"Content-Type": []string{"text/html"}}))

	_, err := s.Launch(context.Background(), scrape.Request{URL: "https://www.booking.com/hotel/gone.html"})
	require.Error(t, err)
	assert.Equal(t, constants.FailurePermanent, scrape.FailureKind(err))

	run, err := s.Launch(context.Background(), scrape.Request{URL: "https://www.booking.com/hotel/blank.html"})
	require.NoError(t, err)
	assert.Equal(t, scrape.RunFailed, run.State)
	assert.True(t, run.Permanent)

	_, err = s.Fetch(context.Background(), "run-123")
	assert.Error(t, err)
}
