package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

type fakeScraper struct {
	launchRun scrape.Run
	launchErr error
	fetchRun  scrape.Run
	fetchErr  error

	lastRequest scrape.Request
	fetched     []string
}

func (f *fakeScraper) Launch(_ context.Context, req scrape.Request) (scrape.Run, error) {
	f.lastRequest = req
	return f.launchRun, f.launchErr
}

func (f *fakeScraper) Fetch(_ context.Context, ref string) (scrape.Run, error) {
	f.fetched = append(f.fetched, ref)
	return f.fetchRun, f.fetchErr
}

func mustContracts(t *testing.T) *Contracts {
	t.Helper()
	c, err := LoadContracts("")
	require.NoError(t, err)
	return c
}

func submission(platform constants.Platform, ref string) *entity.Submission {
	s := &entity.Submission{
		ID:          uuid.New(),
		PropertyURL: "https://www.airbnb.com/rooms/1",
		Platform:    platform,
		Status:      constants.StatusProcessing,
	}
	if ref != "" {
		s.ExternalRunReference = &ref
	}
	return s
}

func TestContracts(t *testing.T) {
	t.Parallel()
	c := mustContracts(t)

	for _, p := range constants.SupportedPlatforms() {
		ct := c.For(p)
		assert.Equal(t, p, ct.Platform)
		assert.NotEmpty(t, ct.Instructions, p)
		props, ok := ct.Schema["properties"].(map[string]any)
		require.True(t, ok)
		for _, field := range []string{"property_name", "location", "rating", "review_count", "price", "amenities", "description", "recent_reviews", "images", "raw_text"} {
			assert.Contains(t, props, field, "%s missing %s", p, field)
		}
	}

	airbnb := c.For(constants.PlatformAirbnb).Schema["properties"].(map[string]any)
	assert.Contains(t, airbnb, "superhost")
	booking := c.For(constants.PlatformBooking)
	assert.Contains(t, booking.Instructions, "out of 10")
}

func TestLoadContractsOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "contracts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platforms:\n  vrbo:\n    instructions: Only the headline.\n"), 0o600))
	c, err := LoadContracts(path)
	require.NoError(t, err)
	assert.Contains(t, c.For(constants.PlatformVrbo).Instructions, "Only the headline.")
	assert.Contains(t, c.For(constants.PlatformAirbnb).Instructions, "Superhost")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("platforms:\n  myspace:\n    instructions: x\n"), 0o600))
	_, err = LoadContracts(bad)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, p entity.PropertyData)
	}{
		{
			name: "canonical",
			doc: `{"property_name":"Casa Azul","location":"Lisbon, PT","rating":4.8,"review_count":127,"price":"€120 per night",
				"amenities":["Wifi","Kitchen"],"description":"Sunny","recent_reviews":[{"author":"Ana","text":"Lovely","rating":5}],
				"images":["https://img/1.jpg"],"raw_text":"Casa Azul two bedrooms"}`,
			check: func(t *testing.T, p entity.PropertyData) {
				assert.Equal(t, "Casa Azul", p.PropertyName)
				assert.Equal(t, "Lisbon, PT", p.Location)
				require.NotNil(t, p.Rating)
				assert.Equal(t, 4.8, *p.Rating)
				require.NotNil(t, p.ReviewCount)
				assert.Equal(t, 127, *p.ReviewCount)
				assert.Equal(t, []string{"Wifi", "Kitchen"}, p.Amenities)
				require.Len(t, p.RecentReviews, 1)
				assert.Equal(t, "Ana", p.RecentReviews[0].Author)
			},
		},
		{
			name: "wrapped with synonyms and strings",
			doc: `{"data":{"listing":{"title":"Hotel Sol","address":{"city":"Porto","country":"PT"},"score":"9,1 Superb",
				"number_of_reviews":"1,234 reviews","price":{"amount":95,"currency":"EUR","period":"night"},
				"facilities":"Pool, Parking","reviews":["Great breakfast",{"comment":"Noisy","author":{"name":"Jo"}}],
				"photos":[{"url":"https://img/a.jpg"}],"markdown":"# Hotel Sol"}}}`,
			check: func(t *testing.T, p entity.PropertyData) {
				assert.Equal(t, "Hotel Sol", p.PropertyName)
				assert.Equal(t, "Porto, PT", p.Location)
				require.NotNil(t, p.Rating)
				assert.InDelta(t, 9.1, *p.Rating, 1e-9)
				require.NotNil(t, p.ReviewCount)
				assert.Equal(t, 1234, *p.ReviewCount)
				assert.Equal(t, "95 EUR per night", p.Price)
				assert.Equal(t, []string{"Pool", "Parking"}, p.Amenities)
				require.Len(t, p.RecentReviews, 2)
				assert.Equal(t, "Jo", p.RecentReviews[1].Author)
				assert.Equal(t, []string{"https://img/a.jpg"}, p.Images)
				assert.Equal(t, "# Hotel Sol", p.RawText)
			},
		},
		{
			name: "minimal",
			doc:  `{"name":"Cabin"}`,
			check: func(t *testing.T, p entity.PropertyData) {
				assert.Equal(t, "Cabin", p.PropertyName)
				assert.Nil(t, p.Rating)
				assert.Nil(t, p.ReviewCount)
				assert.NotNil(t, p.Amenities)
				assert.NotNil(t, p.RecentReviews)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Normalize([]byte(tt.doc))
			require.NoError(t, err)
			tt.check(t, p)
		})
	}

	_, err := Normalize([]byte(`{"rating":4}`))
	assert.ErrorIs(t, err, ErrNoPropertyName)
	_, err = Normalize([]byte(`not json`))
	assert.Error(t, err)
}

func TestCoordinator_Start(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scraper *fakeScraper
		state   State
		kind    constants.FailureKind
		ref     string
	}{
		{
			name:    "async launch",
			scraper: &fakeScraper{launchRun: scrape.Run{Reference: "run-1", State: scrape.RunRunning}},
			state:   StateLaunched,
			ref:     "run-1",
		},
		{
			name: "synchronous success",
			scraper: &fakeScraper{launchRun: scrape.Run{Reference: "direct:x", State: scrape.RunSucceeded,
				Document: json.RawMessage(`{"property_name":"Casa","rating":"4.5"}`)}},
			state: StateSucceeded,
			ref:   "direct:x",
		},
		{
			name:    "transient launch error",
			scraper: &fakeScraper{launchErr: scrape.ErrUnavailable{Err: errors.New("503")}},
			state:   StateFailed,
			kind:    constants.FailureTransient,
		},
		{
			name:    "permanent launch error",
			scraper: &fakeScraper{launchErr: scrape.ErrRejected{StatusCode: http.StatusUnprocessableEntity, Err: errors.New("bad url")}},
			state:   StateFailed,
			kind:    constants.FailurePermanent,
		},
		{
			name: "unusable document",
			scraper: &fakeScraper{launchRun: scrape.Run{Reference: "r", State: scrape.RunSucceeded,
				Document: json.RawMessage(`{"rating":5}`)}},
			state: StateFailed,
			kind:  constants.FailurePermanent,
			ref:   "r",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewCoordinator(tt.scraper, mustContracts(t), nil)
			out := c.Start(context.Background(), submission(constants.PlatformAirbnb, ""))

			assert.Equal(t, tt.state, out.State)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.ref, out.RunReference)
			assert.Equal(t, "https://www.airbnb.com/rooms/1", tt.scraper.lastRequest.URL)
			assert.Equal(t, constants.PlatformAirbnb, tt.scraper.lastRequest.Platform)
			assert.NotEmpty(t, tt.scraper.lastRequest.Instructions)
			if out.State == StateFailed {
				assert.NotEmpty(t, out.Message)
			}
			if out.State == StateSucceeded {
				var p entity.PropertyData
				require.NoError(t, json.Unmarshal(out.Data, &p))
				assert.Equal(t, "Casa", p.PropertyName)
				require.NotNil(t, p.Rating)
				assert.Equal(t, 4.5, *p.Rating)
			}
		})
	}
}

func TestCoordinator_Check(t *testing.T) {
	t.Parallel()

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		f := &fakeScraper{fetchRun: scrape.Run{State: scrape.RunRunning}}
		out := NewCoordinator(f, mustContracts(t), nil).Check(context.Background(), submission(constants.PlatformVrbo, "run-9"))
		assert.Equal(t, StateRunning, out.State)
		assert.Equal(t, "run-9", out.RunReference)
		assert.Equal(t, []string{"run-9"}, f.fetched)
	})

	t.Run("collaborator reports permanent failure", func(t *testing.T) {
		t.Parallel()
		f := &fakeScraper{fetchRun: scrape.Run{Reference: "run-9", State: scrape.RunFailed, Message: "listing removed", Permanent: true}}
		out := NewCoordinator(f, mustContracts(t), nil).Check(context.Background(), submission(constants.PlatformVrbo, "run-9"))
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, constants.FailurePermanent, out.Kind)
		assert.Contains(t, out.Message, "listing removed")
	})

	t.Run("poll timeout", func(t *testing.T) {
		t.Parallel()
		f := &fakeScraper{fetchErr: scrape.ErrTimeout{Err: context.DeadlineExceeded}}
		out := NewCoordinator(f, mustContracts(t), nil).Check(context.Background(), submission(constants.PlatformVrbo, "run-9"))
		assert.Equal(t, StateRunning, out.State)
		assert.Equal(t, constants.FailureTransient, out.Kind)
		assert.Contains(t, out.Message, "poll failed")
	})

	t.Run("run no longer exists", func(t *testing.T) {
		t.Parallel()
		f := &fakeScraper{fetchErr: scrape.ErrRejected{StatusCode: http.StatusNotFound, Err: errors.New("run not found")}}
		out := NewCoordinator(f, mustContracts(t), nil).Check(context.Background(), submission(constants.PlatformVrbo, "run-9"))
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, constants.FailurePermanent, out.Kind)
	})

	t.Run("missing reference", func(t *testing.T) {
		t.Parallel()
		f := &fakeScraper{}
		out := NewCoordinator(f, mustContracts(t), nil).Check(context.Background(), submission(constants.PlatformVrbo, ""))
		assert.Equal(t, StateFailed, out.State)
		assert.Empty(t, f.fetched)
	})
}
