// Package direct is an in-process scraping collaborator. It fetches the listing page itself and
// reads schema.org JSON-LD and OpenGraph metadata, so runs finish inside Launch.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

// ReferencePrefix marks run references produced by this collaborator. The listing URL follows it,
// which lets Fetch repeat a run without keeping state.
const ReferencePrefix = "direct:"

var lodgingTypes = map[string]bool{
	"hotel":            true,
	"lodgingbusiness":  true,
	"vacationrental":   true,
	"accommodation":    true,
	"apartment":        true,
	"house":            true,
	"resort":           true,
	"bedandbreakfast":  true,
	"hostel":           true,
	"product":          true,
	"place":            true,
	"localbusiness":    true,
	"singlefamilyhome": true,
}

type Options struct {
	UserAgent string
	Timeout   time.Duration
	// Transport replaces the collector's HTTP transport.
	Transport http.RoundTripper
}

// Scraper implements scrape.Scraper with a fresh colly collector per run.
type Scraper struct {
	opts   Options
	logger *slog.Logger
}

var _ scrape.Scraper = (*Scraper)(nil)

func New(opts Options, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; listing-diagnostics/1.0)"
	}
	return &Scraper{opts: opts, logger: logger}
}

func (s *Scraper) Launch(ctx context.Context, req scrape.Request) (scrape.Run, error) {
	return s.run(ctx, req.URL)
}

func (s *Scraper) Fetch(ctx context.Context, reference string) (scrape.Run, error) {
	u, ok := strings.CutPrefix(reference, ReferencePrefix)
	if !ok || u == "" {
		return scrape.Run{}, scrape.ErrRejected{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("unknown run reference %q", reference)}
	}
	return s.run(ctx, u)
}

func (s *Scraper) run(ctx context.Context, pageURL string) (scrape.Run, error) {
	start := time.Now()
	c := colly.NewCollector(
		colly.UserAgent(s.opts.UserAgent),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.opts.Timeout)
	if s.opts.Transport != nil {
		c.WithTransport(s.opts.Transport)
	}

	var (
		doc        map[string]any
		statusCode int
	)
	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		doc = extractDocument(e.DOM)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	ref := ReferencePrefix + pageURL
	if err := c.Visit(pageURL); err != nil {
		classified := scrape.ClassifyError(err, statusCode)
		s.logger.Warn("scrape.direct.visit.failed", "url", pageURL, "status", statusCode,
			"category", scrape.ErrorLabel(classified), "error", err)
		return scrape.Run{}, classified
	}

	if name, _ := doc["property_name"].(string); name == "" {
		s.logger.Info("scrape.direct.empty", "url", pageURL, "elapsed_ms", time.Since(start).Milliseconds())
		return scrape.Run{
			Reference: ref,
			State:     scrape.RunFailed,
			Message:   "page carried no listing metadata",
			Permanent: true,
		}, nil
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("encode scraped document: %w", err)
	}
	s.logger.Info("scrape.direct.ok", "url", pageURL, "elapsed_ms", time.Since(start).Milliseconds())
	return scrape.Run{Reference: ref, State: scrape.RunSucceeded, Document: b}, nil
}

// extractDocument builds a property document from JSON-LD, falling back to OpenGraph and
// standard meta tags for anything the structured data did not provide.
func extractDocument(dom *goquery.Selection) map[string]any {
	doc := map[string]any{}
	if ld := findLodging(dom); ld != nil {
		mergeJSONLD(doc, ld)
	}

	setIfEmpty(doc, "property_name", metaContent(dom, "meta[property='og:title']"))
	setIfEmpty(doc, "property_name", strings.TrimSpace(dom.Find("title").First().Text()))
	setIfEmpty(doc, "description", metaContent(dom, "meta[property='og:description']"))
	setIfEmpty(doc, "description", metaContent(dom, "meta[name='description']"))
	if _, ok := doc["images"]; !ok {
		if img := metaContent(dom, "meta[property='og:image']"); img != "" {
			doc["images"] = []string{img}
		}
	}
	setIfEmpty(doc, "location", metaContent(dom, "meta[property='og:locality']"))

	text := strings.Join(strings.Fields(dom.Find("body").Text()), " ")
	if len(text) > 8000 {
		text = text[:8000]
	}
	if text != "" {
		doc["raw_text"] = text
	}
	return doc
}

func findLodging(dom *goquery.Selection) map[string]any {
	var found map[string]any
	dom.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &data); err != nil {
			return true
		}
		for _, obj := range flattenGraph(data) {
			if isLodging(obj["@type"]) {
				found = obj
				return false
			}
		}
		return true
	})
	return found
}

func flattenGraph(data any) []map[string]any {
	var out []map[string]any
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flattenGraph(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			out = append(out, flattenGraph(graph)...)
		}
		out = append(out, v)
	}
	return out
}

func isLodging(t any) bool {
	switch v := t.(type) {
	case string:
		return lodgingTypes[strings.ToLower(v)]
	case []any:
		for _, item := range v {
			if isLodging(item) {
				return true
			}
		}
	}
	return false
}

func mergeJSONLD(doc, ld map[string]any) {
	setIfEmpty(doc, "property_name", stringOf(ld["name"]))
	setIfEmpty(doc, "description", stringOf(ld["description"]))
	setIfEmpty(doc, "location", addressOf(ld["address"]))
	if agg, ok := ld["aggregateRating"].(map[string]any); ok {
		if v, ok := agg["ratingValue"]; ok {
			doc["rating"] = v
		}
		if v, ok := agg["reviewCount"]; ok {
			doc["review_count"] = v
		} else if v, ok := agg["ratingCount"]; ok {
			doc["review_count"] = v
		}
	}
	if p := stringOf(ld["priceRange"]); p != "" {
		doc["price"] = p
	} else if offers, ok := ld["offers"].(map[string]any); ok {
		price := strings.TrimSpace(stringOf(offers["price"]) + " " + stringOf(offers["priceCurrency"]))
		setIfEmpty(doc, "price", price)
	}
	if amenities := namesOf(ld["amenityFeature"]); len(amenities) > 0 {
		doc["amenities"] = amenities
	}
	if images := imagesOf(ld["image"]); len(images) > 0 {
		doc["images"] = images
	}
	if reviews := reviewsOf(ld["review"]); len(reviews) > 0 {
		doc["recent_reviews"] = reviews
	}
}

func addressOf(v any) string {
	switch a := v.(type) {
	case string:
		return strings.TrimSpace(a)
	case map[string]any:
		var parts []string
		for _, k := range []string{"streetAddress", "addressLocality", "addressRegion", "addressCountry"} {
			if s := stringOf(a[k]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func namesOf(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			if n := stringOf(x["name"]); n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

func imagesOf(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case map[string]any:
		if u := stringOf(x["url"]); u != "" {
			return []string{u}
		}
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, imagesOf(item)...)
		}
		return out
	}
	return nil
}

func reviewsOf(v any) []map[string]any {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case map[string]any:
		items = []any{x}
	}
	var out []map[string]any
	for _, item := range items {
		r, ok := item.(map[string]any)
		if !ok {
			continue
		}
		review := map[string]any{"text": stringOf(r["reviewBody"])}
		switch a := r["author"].(type) {
		case string:
			review["author"] = a
		case map[string]any:
			review["author"] = stringOf(a["name"])
		}
		if d := stringOf(r["datePublished"]); d != "" {
			review["date"] = d
		}
		if rr, ok := r["reviewRating"].(map[string]any); ok {
			review["rating"] = rr["ratingValue"]
		}
		out = append(out, review)
	}
	return out
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64, bool, json.Number:
		return fmt.Sprint(x)
	}
	return ""
}

func metaContent(dom *goquery.Selection, selector string) string {
	v, _ := dom.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func setIfEmpty(doc map[string]any, key, value string) {
	if value == "" {
		return
	}
	if cur, ok := doc[key].(string); ok && cur != "" {
		return
	}
	doc[key] = value
}
