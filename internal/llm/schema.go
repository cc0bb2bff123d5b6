package llm

// AnalysisSections are the top-level keys every analysis document must carry.
var AnalysisSections = []string{
	"diagnosis",
	"reputation",
	"pricing",
	"infrastructure",
	"online_presence",
	"guest_experience",
	"kpis",
}

// BuildAnalysisJSONSchema returns the output contract for the analysis collaborator as a
// JSON-Schema (draft 2020-12 subset). It is sent to the provider and used locally to validate.
// Sections stay open (additionalProperties) so richer answers still validate.
func BuildAnalysisJSONSchema() map[string]any {
	props := map[string]any{
		"diagnosis": object(map[string]any{
			"summary":       nonEmptyString(),
			"overall_score": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			"strengths":     stringList(),
			"weaknesses":    stringList(),
		}, "summary"),
		"reputation": object(map[string]any{
			"summary":           nonEmptyString(),
			"review_themes":     stringList(),
			"response_strategy": map[string]any{"type": "string"},
		}, "summary"),
		"pricing": object(map[string]any{
			"assessment":      nonEmptyString(),
			"recommendations": stringList(),
			"suggested_range": map[string]any{"type": "string"},
		}, "assessment"),
		"infrastructure": object(map[string]any{
			"recommendations": map[string]any{
				"type":  "array",
				"items": recommendation(),
			},
		}, "recommendations"),
		"online_presence": object(map[string]any{
			"listing_score":               map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			"title_suggestion":            map[string]any{"type": "string"},
			"photo_recommendations":       stringList(),
			"description_recommendations": stringList(),
		}),
		"guest_experience": object(map[string]any{
			"suggestions": stringList(),
		}, "suggestions"),
		"kpis": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": object(map[string]any{
				"name":      nonEmptyString(),
				"current":   map[string]any{"type": []string{"string", "number"}},
				"target":    map[string]any{"type": []string{"string", "number"}},
				"timeframe": map[string]any{"type": "string"},
			}, "name", "target"),
		},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             AnalysisSections,
	}
}

// BuildPropertyJSONSchema describes the normalized property document. extra adds
// platform-specific properties; it never relaxes the base fields.
func BuildPropertyJSONSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"property_name": nonEmptyString(),
		"location":      map[string]any{"type": "string"},
		"rating":        map[string]any{"type": "number", "minimum": 0},
		"review_count":  map[string]any{"type": "integer", "minimum": 0},
		"price":         map[string]any{"type": "string"},
		"amenities":     stringList(),
		"description":   map[string]any{"type": "string"},
		"recent_reviews": map[string]any{
			"type": "array",
			"items": object(map[string]any{
				"author": map[string]any{"type": "string"},
				"date":   map[string]any{"type": "string"},
				"rating": map[string]any{"type": "number"},
				"text":   map[string]any{"type": "string"},
			}, "text"),
		},
		"images":   stringList(),
		"raw_text": map[string]any{"type": "string"},
	}
	for k, v := range extra {
		if _, ok := props[k]; ok {
			continue
		}
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"property_name"},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	m := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

func recommendation() map[string]any {
	return object(map[string]any{
		"item":      nonEmptyString(),
		"priority":  map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
		"rationale": map[string]any{"type": "string"},
	}, "item")
}

func nonEmptyString() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

func stringList() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}
