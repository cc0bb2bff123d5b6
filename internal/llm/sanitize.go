package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
)

// ExtractJSONObject pulls the outermost JSON object out of a provider answer, tolerating
// markdown fences and chatter around it.
func ExtractJSONObject(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in answer", ErrMalformedOutput)
	}
	candidate := []byte(s[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: answer is not valid JSON", ErrMalformedOutput)
	}
	return candidate, nil
}

// sectionSynonyms maps names providers commonly use onto the canonical section keys.
var sectionSynonyms = map[string]string{
	"initial_diagnosis":              "diagnosis",
	"diagnostic":                     "diagnosis",
	"review_analysis":                "reputation",
	"reputation_analysis":            "reputation",
	"reviews":                        "reputation",
	"pricing_strategy":               "pricing",
	"price_strategy":                 "pricing",
	"infrastructure_recommendations": "infrastructure",
	"comfort":                        "infrastructure",
	"online_presence_audit":          "online_presence",
	"onlinepresence":                 "online_presence",
	"guest_experience_suggestions":   "guest_experience",
	"guestexperience":                "guest_experience",
	"tracked_kpis":                   "kpis",
	"kpi":                            "kpis",
	"key_performance_indicators":     "kpis",
}

// NormalizeAnalysisJSON
// - Renames known section synonyms (case and separator insensitive)
// - Drops null sections
// - Removes unknown top-level keys (additionalProperties = false friendliness)
// It returns the cleaned document and a list of what changed.
func NormalizeAnalysisJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("%w: sanitize: decode: %v", ErrMalformedOutput, err)
	}

	changed := make([]string, 0, 4)
	allowed := make(map[string]struct{}, len(AnalysisSections))
	for _, k := range AnalysisSections {
		allowed[k] = struct{}{}
	}

	for k := range maps.Clone(m) {
		canon := canonicalKey(k)
		if syn, ok := sectionSynonyms[canon]; ok {
			canon = syn
		}
		if _, ok := allowed[canon]; !ok || canon == k {
			continue
		}
		v := m[k]
		delete(m, k)
		// don't overwrite a value already under the canonical key
		if _, exists := m[canon]; !exists {
			m[canon] = v
			changed = append(changed, k+"->"+canon)
		} else {
			changed = append(changed, k+"(duplicate)")
		}
	}

	for k, v := range maps.Clone(m) {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			changed = append(changed, k+"(unknown)")
			continue
		}
		if v == nil {
			delete(m, k)
			changed = append(changed, k+"(null)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, changed, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(changed) > 0 {
		logger.Warn("llm.analyze.normalize_sanitize", "changed", changed)
	}
	return out, changed, nil
}

func canonicalKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer("-", "_", " ", "_").Replace(k)
	return k
}

// NormalizeAndSanitize normalizes a provider document and, when lenient is set and the strict
// document fails schema, tries SanitizeOptionalFields. The sanitized copy is only kept when it
// validates; otherwise the normalized document is returned for the caller to reject.
func NormalizeAndSanitize(doc []byte, schema map[string]any, lenient bool, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	normalized, changed, err := NormalizeAnalysisJSON(doc, logger)
	if err != nil {
		return nil, changed, err
	}
	if !lenient || schema == nil {
		return normalized, changed, nil
	}
	if err := ValidateJSONAgainstSchema(schema, normalized); err == nil {
		return normalized, changed, nil
	}
	cleaned, fixed, err := SanitizeOptionalFields(normalized)
	if err != nil {
		return normalized, changed, nil
	}
	if vErr := ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
		return normalized, changed, nil
	}
	logger.Warn("llm.analyze.lenient_sanitize_applied", "fixed", fixed)
	return cleaned, append(changed, fixed...), nil
}
