package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

const endpoint = "https://llm.test/v1/chat/completions"

const analysisDoc = `{"diagnosis":{"summary":"ok"},"reputation":{"summary":"fine"},"pricing":{"assessment":"fair"},` +
	`"infrastructure":{"recommendations":[]},"online_presence":{},"guest_experience":{"suggestions":[]},` +
	`"kpis":[{"name":"occupancy","target":"75%"}]}`

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c := NewClient(Config{
		APIKey:          "sk-test",
		BaseURL:         "https://llm.test/v1/",
		Model:           "test-model",
		LenientOptional: true,
		HTTPClient:      &http.Client{Transport: transport},
	}, nil)
	return c, transport
}

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func testRequest() llm.AnalyzeRequest {
	rating := 4.6
	return llm.AnalyzeRequest{
		SubmissionID: "s-1",
		PropertyURL:  "https://www.airbnb.com/rooms/1",
		Platform:     constants.PlatformAirbnb,
		Property:     entity.PropertyData{PropertyName: "Casa Azul", Rating: &rating, Amenities: []string{"Wifi"}},
	}
}

func TestAnalyze_OK(t *testing.T) {
	t.Parallel()
	c, transport := newTestClient(t)

	transport.RegisterResponder(http.MethodPost, endpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
		var body struct {
			Model          string            `json:"model"`
			ResponseFormat map[string]string `json:"response_format"`
			Messages       []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		assert.Equal(t, "json_object", body.ResponseFormat["type"])
		require.Len(t, body.Messages, 3)
		assert.Contains(t, body.Messages[1].Content, "Casa Azul")
		assert.Contains(t, body.Messages[2].Content, "guest_experience")
		return httpmock.NewJsonResponse(http.StatusOK, completion("```json\n"+analysisDoc+"\n```"))
	})

	out, err := c.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, analysisDoc, string(out))
	require.NoError(t, llm.ValidateJSONAgainstSchema(llm.BuildAnalysisJSONSchema(), out))
}

func TestAnalyze_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
		kind      constants.FailureKind
	}{
		{"rate limited", httpmock.NewStringResponder(http.StatusTooManyRequests, `{"error":"slow down"}`), constants.FailureTransient},
		{"server error", httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"), constants.FailureTransient},
		{"bad request", httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"context length"}`), constants.FailurePermanent},
		{"transport", httpmock.NewErrorResponder(errors.New("connection reset")), constants.FailureTransient},
		{"prose answer", httpmock.NewJsonResponderOrPanic(http.StatusOK, completion("Sorry, I can't do that.")), constants.FailureSchema},
		{"no choices", httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"choices": []any{}}), constants.FailureSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, transport := newTestClient(t)
			transport.RegisterResponder(http.MethodPost, endpoint, tt.responder)

			_, err := c.Analyze(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tt.kind, llm.FailureKind(err))
		})
	}
}
