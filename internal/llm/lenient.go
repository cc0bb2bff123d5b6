package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var scoreFields = map[string]string{
	"diagnosis":       "overall_score",
	"online_presence": "listing_score",
}

// SanitizeOptionalFields removes or normalizes optional fields that don't meet the stricter schema,
// so the overall document can still validate. Required keys are never invented.
//   - scores given as strings ("82", "82/100") become numbers; unparseable ones are dropped
//   - a kpis object ({"occupancy":"75%"}) becomes a list of {name, target}
//   - string lists given as a single string become one-element lists
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var changed []string

	for section, field := range scoreFields {
		sec, ok := m[section].(map[string]any)
		if !ok {
			continue
		}
		switch v := sec[field].(type) {
		case nil:
			if _, present := sec[field]; present {
				delete(sec, field)
				changed = append(changed, section+"."+field)
			}
		case string:
			s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "/100"))
			if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 100 {
				sec[field] = f
			} else {
				delete(sec, field)
			}
			changed = append(changed, section+"."+field)
		case float64:
			if v < 0 || v > 100 {
				delete(sec, field)
				changed = append(changed, section+"."+field)
			}
		}
	}

	listFields := map[string][]string{
		"diagnosis":        {"strengths", "weaknesses"},
		"reputation":       {"review_themes"},
		"pricing":          {"recommendations"},
		"online_presence":  {"photo_recommendations", "description_recommendations"},
		"guest_experience": {"suggestions"},
	}
	for section, fields := range listFields {
		sec, ok := m[section].(map[string]any)
		if !ok {
			continue
		}
		for _, f := range fields {
			if s, ok := sec[f].(string); ok {
				sec[f] = []any{s}
				changed = append(changed, section+"."+f)
			}
		}
	}

	if kpis, ok := m["kpis"].(map[string]any); ok {
		names := make([]string, 0, len(kpis))
		for k := range kpis {
			names = append(names, k)
		}
		sort.Strings(names)
		list := make([]any, 0, len(names))
		for _, name := range names {
			switch v := kpis[name].(type) {
			case map[string]any:
				if _, ok := v["name"]; !ok {
					v["name"] = name
				}
				list = append(list, v)
			case nil:
			default:
				list = append(list, map[string]any{"name": name, "target": fmt.Sprint(v)})
			}
		}
		m["kpis"] = list
		changed = append(changed, "kpis(object)")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, changed, nil
}
