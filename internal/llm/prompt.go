package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxRawTextInPrompt = 3000

// BuildSystemPrompt composes the system message: role, section rubric and formatting rules.
func BuildSystemPrompt(req AnalyzeRequest) string {
	platform := strings.TrimSpace(req.Platform.String())
	if platform == "" {
		platform = "a short-term rental platform"
	}

	parts := []string{
		"You are a hospitality consultant auditing a property listing on " + platform + ".",
		"Return ONLY a JSON object that matches the provided JSON Schema. Do not wrap it in markdown.",
		"Required top-level keys: " + strings.Join(AnalysisSections, ", ") + ".",
		"'diagnosis': a short summary of the listing's current position, an overall_score from 0 to 100, strengths and weaknesses.",
		"'reputation': what guests praise and complain about, recurring review themes, and how the host should respond to reviews.",
		"'pricing': an assessment of the visible price against the rating and amenities, with concrete recommendations.",
		"'infrastructure': comfort and equipment recommendations, each with item, priority (high, medium or low) and rationale.",
		"'online_presence': an audit of the title, photos and description, with a listing_score from 0 to 100.",
		"'guest_experience': concrete suggestions for check-in, communication and stay.",
		"'kpis': at least one tracked indicator with name, current value when known, target and timeframe.",
		"Base every statement on the data provided; when a field is missing, say so instead of inventing it.",
		"Never output null. If a field is not known, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt packages the normalized property data. raw_text is truncated; the structured
// fields carry most of the signal.
func BuildUserPrompt(req AnalyzeRequest) string {
	p := req.Property

	var b strings.Builder
	if u := strings.TrimSpace(req.PropertyURL); u != "" {
		b.WriteString("Listing URL: ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	writeLine(&b, "Name", p.PropertyName)
	writeLine(&b, "Location", p.Location)
	if p.Rating != nil {
		writeLine(&b, "Rating", fmt.Sprintf("%.2f", *p.Rating))
	}
	if p.ReviewCount != nil {
		writeLine(&b, "Review count", fmt.Sprintf("%d", *p.ReviewCount))
	}
	writeLine(&b, "Price", p.Price)
	if len(p.Amenities) > 0 {
		writeLine(&b, "Amenities", strings.Join(p.Amenities, ", "))
	}
	writeLine(&b, "Description", p.Description)
	if len(p.Images) > 0 {
		writeLine(&b, "Photo count", fmt.Sprintf("%d", len(p.Images)))
	}

	if len(p.RecentReviews) > 0 {
		b.WriteString("\nRecent reviews:\n")
		for _, r := range p.RecentReviews {
			b.WriteString("- ")
			if r.Rating != nil {
				b.WriteString(fmt.Sprintf("[%.1f] ", *r.Rating))
			}
			b.WriteString(strings.TrimSpace(r.Text))
			b.WriteString("\n")
		}
	}

	if raw := strings.TrimSpace(p.RawText); raw != "" {
		b.WriteString("\nPage text (first ~3k chars):\n")
		if len(raw) > maxRawTextInPrompt {
			b.WriteString(raw[:maxRawTextInPrompt])
			b.WriteString("\n…(truncated)")
		} else {
			b.WriteString(raw)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SchemaPrompt renders the output schema for providers without native structured output.
func SchemaPrompt(schema map[string]any) string {
	return "JSON Schema:\n" + mustJSON(schema)
}

func writeLine(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
