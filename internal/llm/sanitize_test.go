package llm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

const validAnalysis = `{
  "diagnosis": {"summary": "Solid listing with weak photos", "overall_score": 72, "strengths": ["location"], "weaknesses": ["photos"]},
  "reputation": {"summary": "Guests love the host", "review_themes": ["cleanliness"]},
  "pricing": {"assessment": "Slightly under market", "recommendations": ["raise weekend rate by 10%"]},
  "infrastructure": {"recommendations": [{"item": "blackout curtains", "priority": "medium"}]},
  "online_presence": {"listing_score": 60, "title_suggestion": "Sunny flat by the river"},
  "guest_experience": {"suggestions": ["self check-in"]},
  "kpis": [{"name": "occupancy", "current": "61%", "target": "75%", "timeframe": "90 days"}]
}`

func TestValidateAnalysisSchema(t *testing.T) {
	t.Parallel()
	schema := BuildAnalysisJSONSchema()

	require.NoError(t, ValidateJSONAgainstSchema(schema, []byte(validAnalysis)))

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(validAnalysis), &doc))
	delete(doc, "kpis")
	b, _ := json.Marshal(doc)
	assert.Error(t, ValidateJSONAgainstSchema(schema, b))

	assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(`{"diagnosis":`)))
}

func TestValidateUsesCompiledCache(t *testing.T) {
	schema := BuildPropertyJSONSchema(map[string]any{"host_name": map[string]any{"type": "string"}})

	require.NoError(t, ValidateJSONAgainstSchema(schema, []byte(`{"property_name":"Casa","host_name":"Ana"}`)))
	before := schemaCache.Len()
	require.NoError(t, ValidateJSONAgainstSchema(schema, []byte(`{"property_name":"Casa"}`)))
	assert.Equal(t, before, schemaCache.Len())
	assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(`{"property_name":""}`)))
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"chatter", "Here you go: {\"a\":{\"b\":2}} Hope it helps", `{"a":{"b":2}}`, false},
		{"no object", "I cannot help with that", "", true},
		{"truncated", `{"a": [1, 2`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSONObject(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedOutput))
				assert.Equal(t, constants.FailureSchema, FailureKind(err))
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNormalizeAnalysisJSON(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
	  "Initial Diagnosis": {"summary": "ok"},
	  "reviewAnalysis": {"summary": "fine"},
	  "review_analysis": {"summary": "fine"},
	  "pricing-strategy": {"assessment": "cheap"},
	  "onlinePresence": {"listing_score": 50},
	  "notes": "extra",
	  "kpis": null
	}`)
	out, changed, err := NormalizeAnalysisJSON(raw, nil)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "diagnosis")
	assert.Contains(t, m, "reputation")
	assert.Contains(t, m, "pricing")
	assert.Contains(t, m, "online_presence")
	assert.NotContains(t, m, "notes")
	assert.NotContains(t, m, "kpis")
	assert.NotEmpty(t, changed)

	_, _, err = NormalizeAnalysisJSON([]byte(`[1,2]`), nil)
	assert.True(t, errors.Is(err, ErrMalformedOutput))
}

func TestNormalizeAndSanitize_Lenient(t *testing.T) {
	t.Parallel()
	schema := BuildAnalysisJSONSchema()

	raw := []byte(`{
	  "diagnosis": {"summary": "ok", "overall_score": "81/100", "strengths": "location"},
	  "reputation": {"summary": "fine"},
	  "pricing": {"assessment": "cheap"},
	  "infrastructure": {"recommendations": []},
	  "online_presence": {"listing_score": 140},
	  "guest_experience": {"suggestions": ["welcome basket"]},
	  "kpis": {"occupancy": "75%", "adr": {"target": 140}}
	}`)

	strict, _, err := NormalizeAndSanitize(raw, schema, false, nil)
	require.NoError(t, err)
	assert.Error(t, ValidateJSONAgainstSchema(schema, strict))

	lenient, changed, err := NormalizeAndSanitize(raw, schema, true, nil)
	require.NoError(t, err)
	require.NoError(t, ValidateJSONAgainstSchema(schema, lenient))
	assert.Contains(t, changed, "kpis(object)")

	var m struct {
		Diagnosis struct {
			Score     float64  `json:"overall_score"`
			Strengths []string `json:"strengths"`
		} `json:"diagnosis"`
		KPIs []map[string]any `json:"kpis"`
	}
	require.NoError(t, json.Unmarshal(lenient, &m))
	assert.Equal(t, 81.0, m.Diagnosis.Score)
	assert.Equal(t, []string{"location"}, m.Diagnosis.Strengths)
	require.Len(t, m.KPIs, 2)
	assert.Equal(t, "adr", m.KPIs[0]["name"])
	assert.Equal(t, "occupancy", m.KPIs[1]["name"])
}

func TestStatusErrorKinds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, constants.FailureTransient, FailureKind(&StatusError{Provider: "x", StatusCode: 429}))
	assert.Equal(t, constants.FailureTransient, FailureKind(&StatusError{Provider: "x", StatusCode: 503}))
	assert.Equal(t, constants.FailurePermanent, FailureKind(&StatusError{Provider: "x", StatusCode: 400}))
	assert.Equal(t, constants.FailureTransient, FailureKind(errors.New("dial tcp: timeout")))
}
