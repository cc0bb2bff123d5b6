package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

const validDoc = `{"diagnosis":{"summary":"ok"},"reputation":{"summary":"fine"},"pricing":{"assessment":"fair"},` +
	`"infrastructure":{"recommendations":[]},"online_presence":{},"guest_experience":{"suggestions":[]},` +
	`"kpis":[{"name":"occupancy","target":"75%"}]}`

type analyzerFunc func(ctx context.Context, req llm.AnalyzeRequest) ([]byte, error)

func (f analyzerFunc) Analyze(ctx context.Context, req llm.AnalyzeRequest) ([]byte, error) {
	return f(ctx, req)
}

func scraped() *entity.Submission {
	return &entity.Submission{
		ID:          uuid.New(),
		PropertyURL: "https://www.booking.com/hotel/pt/sol.html",
		Platform:    constants.PlatformBooking,
		Status:      constants.StatusAnalyzing,
		ScrapedData: json.RawMessage(`{"property_name":"Hotel Sol","location":"Porto","amenities":[],"recent_reviews":[]}`),
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		answer []byte
		err    error
		ok     bool
		kind   constants.FailureKind
	}{
		{name: "valid", answer: []byte(validDoc), ok: true},
		{name: "missing kpis", answer: []byte(`{"diagnosis":{"summary":"ok"}}`), kind: constants.FailureSchema},
		{name: "not json", answer: []byte(`diagnosis: fine`), kind: constants.FailureSchema},
		{name: "malformed from provider", err: fmt.Errorf("%w: prose", llm.ErrMalformedOutput), kind: constants.FailureSchema},
		{name: "provider down", err: &llm.StatusError{Provider: "openai", StatusCode: 503}, kind: constants.FailureTransient},
		{name: "provider refuses", err: &llm.StatusError{Provider: "openai", StatusCode: 400}, kind: constants.FailurePermanent},
		{name: "network", err: errors.New("connection refused"), kind: constants.FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got llm.AnalyzeRequest
			c := NewCoordinator(analyzerFunc(func(_ context.Context, req llm.AnalyzeRequest) ([]byte, error) {
				got = req
				return tt.answer, tt.err
			}), nil)

			sub := scraped()
			out := c.Analyze(context.Background(), sub)
			require.Equal(t, tt.ok, out.OK(), out.Message)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, "Hotel Sol", got.Property.PropertyName)
			assert.Equal(t, sub.ID.String(), got.SubmissionID)
			assert.NotNil(t, got.Schema)
			if tt.ok {
				require.JSONEq(t, validDoc, string(out.Result))
			} else {
				assert.NotEmpty(t, out.Message)
				assert.Nil(t, out.Result)
			}
		})
	}
}

func TestAnalyze_RequiresScrapedData(t *testing.T) {
	t.Parallel()
	called := false
	c := NewCoordinator(analyzerFunc(func(context.Context, llm.AnalyzeRequest) ([]byte, error) {
		called = true
		return nil, nil
	}), nil)

	sub := scraped()
	sub.ScrapedData = nil
	out := c.Analyze(context.Background(), sub)
	assert.False(t, out.OK())
	assert.False(t, called)
	assert.Contains(t, out.Message, "no scraped data")
}
