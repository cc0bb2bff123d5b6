package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

const (
	maxRecentReviews = 10
	maxRawText       = 20000
)

// ErrNoPropertyName is returned when a collaborator document names no property.
var ErrNoPropertyName = errors.New("scraped document has no property name")

var reNumber = regexp.MustCompile(`\d[\d.,\s]*`)

var keySynonyms = map[string][]string{
	"property_name":  {"property_name", "name", "title", "listing_name", "listing_title", "hotel_name"},
	"location":       {"location", "address", "city", "locality"},
	"rating":         {"rating", "score", "rating_value", "average_rating", "overall_rating"},
	"review_count":   {"review_count", "reviews_count", "number_of_reviews", "num_reviews", "total_reviews"},
	"price":          {"price", "nightly_price", "price_per_night", "rate"},
	"amenities":      {"amenities", "facilities", "features"},
	"description":    {"description", "summary", "about"},
	"recent_reviews": {"recent_reviews", "reviews", "review_excerpts"},
	"images":         {"images", "photos", "image_urls", "pictures"},
	"raw_text":       {"raw_text", "text", "markdown", "content", "page_text"},
}

// Normalize maps a heterogeneous collaborator document into entity.PropertyData. It accepts the
// document bare or wrapped in {"data":…}, {"result":…}, {"listing":…} or {"property":…}.
func Normalize(doc []byte) (entity.PropertyData, error) {
	var out entity.PropertyData

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return out, fmt.Errorf("decode scraped document: %w", err)
	}
	m = unwrap(m)

	out.PropertyName = str(pick(m, "property_name"))
	if out.PropertyName == "" {
		return out, ErrNoPropertyName
	}
	out.Location = locationOf(pick(m, "location"))
	out.Rating = parseRating(pick(m, "rating"))
	out.ReviewCount = parseCount(pick(m, "review_count"))
	out.Price = priceOf(pick(m, "price"))
	out.Amenities = stringList(pick(m, "amenities"), "name")
	out.Description = str(pick(m, "description"))
	out.RecentReviews = reviewsOf(pick(m, "recent_reviews"))
	out.Images = stringList(pick(m, "images"), "url")
	out.RawText = str(pick(m, "raw_text"))
	if len(out.RawText) > maxRawText {
		out.RawText = out.RawText[:maxRawText]
	}

	if out.Amenities == nil {
		out.Amenities = []string{}
	}
	if out.RecentReviews == nil {
		out.RecentReviews = []entity.Review{}
	}
	return out, nil
}

func unwrap(m map[string]any) map[string]any {
	for range 3 {
		if _, ok := m["property_name"]; ok {
			return m
		}
		var inner map[string]any
		for _, k := range []string{"data", "result", "listing", "property"} {
			if v, ok := m[k].(map[string]any); ok {
				inner = v
				break
			}
		}
		if inner == nil {
			return m
		}
		m = inner
	}
	return m
}

func pick(m map[string]any, field string) any {
	for _, k := range keySynonyms[field] {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func locationOf(v any) string {
	if a, ok := v.(map[string]any); ok {
		var parts []string
		for _, k := range []string{"street", "streetAddress", "city", "addressLocality", "region", "addressRegion", "country", "addressCountry"} {
			if s := str(a[k]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return str(v)
}

// parseRating accepts 4.8, "4.8", "4,8", "4.8 out of 5" and "Rated 9.1".
func parseRating(v any) *float64 {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil && f >= 0 {
			return &f
		}
	case string:
		s := strings.TrimSpace(x)
		match := reNumber.FindString(s)
		if match == "" {
			return nil
		}
		match = strings.TrimSpace(match)
		if i := strings.IndexAny(match, " "); i > 0 {
			match = match[:i]
		}
		match = strings.ReplaceAll(match, ",", ".")
		if f, err := strconv.ParseFloat(strings.TrimRight(match, "."), 64); err == nil {
			return &f
		}
	case map[string]any:
		return parseRating(firstOf(x, "value", "ratingValue", "score", "overall"))
	}
	return nil
}

// parseCount accepts 127, "127", "1,234 reviews" and "1 234".
func parseCount(v any) *int {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil && n >= 0 {
			i := int(n)
			return &i
		}
		if f, err := x.Float64(); err == nil && f >= 0 {
			i := int(f)
			return &i
		}
	case string:
		match := strings.TrimSpace(reNumber.FindString(x))
		if match == "" {
			return nil
		}
		// "12.5" is a decimal, "1.234" a thousands separator.
		if whole, frac, ok := strings.Cut(match, "."); ok && len(strings.TrimSpace(frac)) != 3 {
			match = whole
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, match)
		if n, err := strconv.Atoi(digits); err == nil {
			return &n
		}
	case []any:
		n := len(x)
		return &n
	}
	return nil
}

func priceOf(v any) string {
	switch x := v.(type) {
	case map[string]any:
		amount := str(firstOf(x, "amount", "value", "price"))
		if amount == "" {
			return ""
		}
		parts := []string{amount}
		if cur := str(firstOf(x, "currency", "priceCurrency")); cur != "" {
			parts = append(parts, cur)
		}
		if per := str(firstOf(x, "period", "unit", "per")); per != "" {
			parts = append(parts, "per "+per)
		}
		return strings.Join(parts, " ")
	default:
		return str(v)
	}
}

// stringList accepts a list of strings, a list of objects carrying key, or a comma separated string.
func stringList(v any, key string) []string {
	var out []string
	switch x := v.(type) {
	case string:
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, item := range x {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if s := str(it[key]); s != "" {
					out = append(out, s)
				} else if s := str(it["name"]); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func reviewsOf(v any) []entity.Review {
	items, _ := v.([]any)
	var out []entity.Review
	for _, item := range items {
		if len(out) == maxRecentReviews {
			break
		}
		switch r := item.(type) {
		case string:
			if s := strings.TrimSpace(r); s != "" {
				out = append(out, entity.Review{Text: s})
			}
		case map[string]any:
			text := str(firstOf(r, "text", "comment", "body", "reviewBody", "content"))
			if text == "" {
				continue
			}
			rev := entity.Review{
				Text:   text,
				Date:   str(firstOf(r, "date", "datePublished", "created_at")),
				Rating: parseRating(firstOf(r, "rating", "score", "reviewRating")),
			}
			switch a := r["author"].(type) {
			case map[string]any:
				rev.Author = str(a["name"])
			default:
				rev.Author = str(firstOf(r, "author", "reviewer", "name"))
			}
			out = append(out, rev)
		}
	}
	return out
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
