package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/analysis"
	"github.com/joseph-ayodele/listing-diagnostics/internal/classifier"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/events"
	"github.com/joseph-ayodele/listing-diagnostics/internal/extraction"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
	"github.com/joseph-ayodele/listing-diagnostics/internal/metrics"
	"github.com/joseph-ayodele/listing-diagnostics/internal/report"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

const propertyDoc = `{
  "property_name": "Canal House",
  "location": "Amsterdam",
  "rating": 9.1,
  "review_count": 1234,
  "price": "€180 per night",
  "amenities": ["wifi", "canal view"],
  "recent_reviews": [{"author": "Ana", "text": "Lovely stay"}],
  "raw_text": "Canal House, Amsterdam"
}`

const validAnalysis = `{
  "diagnosis": {"summary": "Well rated, under-marketed", "overall_score": 78},
  "reputation": {"summary": "Guests praise the host"},
  "pricing": {"assessment": "Priced below comparable canal-side stays"},
  "infrastructure": {"recommendations": [{"item": "Blackout curtains", "priority": "medium"}]},
  "online_presence": {"listing_score": 62},
  "guest_experience": {"suggestions": ["Welcome basket"]},
  "kpis": [{"name": "occupancy", "current": "64%", "target": "80%", "timeframe": "6 months"}]
}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type launchResult struct {
	run scrape.Run
	err error
}

// scriptedScraper answers Launch and Fetch from scripts; the last entry repeats.
type scriptedScraper struct {
	mu       sync.Mutex
	launches []launchResult
	fetches  []launchResult
	launched int
	fetched  int
}

func (s *scriptedScraper) Launch(_ context.Context, _ scrape.Request) (scrape.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.launches[min(s.launched, len(s.launches)-1)]
	s.launched++
	return r.run, r.err
}

func (s *scriptedScraper) Fetch(_ context.Context, ref string) (scrape.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fetches) == 0 {
		return scrape.Run{Reference: ref, State: scrape.RunRunning}, nil
	}
	r := s.fetches[min(s.fetched, len(s.fetches)-1)]
	s.fetched++
	return r.run, r.err
}

func (s *scriptedScraper) counts() (launched, fetched int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched, s.fetched
}

func syncSuccess(ref string) launchResult {
	return launchResult{run: scrape.Run{Reference: ref, State: scrape.RunSucceeded, Document: []byte(propertyDoc)}}
}

func launched(ref string) launchResult {
	return launchResult{run: scrape.Run{Reference: ref, State: scrape.RunRunning}}
}

func unavailable() launchResult {
	return launchResult{err: scrape.ErrUnavailable{Err: errors.New("502 bad gateway")}}
}

type analyzeResult struct {
	raw string
	err error
}

type scriptedAnalyzer struct {
	mu      sync.Mutex
	results []analyzeResult
	calls   int
}

func (a *scriptedAnalyzer) Analyze(_ context.Context, _ llm.AnalyzeRequest) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.results[min(a.calls, len(a.results)-1)]
	a.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.raw), nil
}

func (a *scriptedAnalyzer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// switchStore fails while broken is set.
type switchStore struct {
	mu     sync.Mutex
	inner  report.ObjectStore
	broken bool
}

func (s *switchStore) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return "", errors.New("object store unavailable")
	}
	return s.inner.Put(ctx, key, contentType, body)
}

func (s *switchStore) setBroken(b bool) {
	s.mu.Lock()
	s.broken = b
	s.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	repo      repository.SubmissionRepository
	clock     *testClock
	scraper   *scriptedScraper
	analyzer  *scriptedAnalyzer
	store     *switchStore
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	ctrl      *Controller
	monitor   *Monitor
}

func newEnv(t *testing.T, scraper *scriptedScraper, analyzer *scriptedAnalyzer) *env {
	t.Helper()
	ctx := context.Background()

	db, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, nil) })
	require.NoError(t, repository.Migrate(db, nil))

	clock := &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	repo := repository.NewSubmissionRepository(db, nil, repository.WithClock(clock.Now))

	cls, err := classifier.New(classifier.WithHosts(constants.PlatformBooking, "example.com"))
	require.NoError(t, err)
	contracts, err := extraction.LoadContracts("")
	require.NoError(t, err)
	renderer, err := report.NewHTMLRenderer()
	require.NoError(t, err)
	fs, err := report.NewFSStore(t.TempDir(), "https://reports.test")
	require.NoError(t, err)
	store := &switchStore{inner: fs}

	pub := &recordingPublisher{}
	m := metrics.New()
	ctrl := NewController(repo, Stages{
		Classifier: cls,
		Extraction: extraction.NewCoordinator(scraper, contracts, nil),
		Analysis:   analysis.NewCoordinator(analyzer, nil),
		Reports:    report.NewCoordinator(renderer, store, repo, nil),
	}, WithClock(clock.Now), WithPublisher(pub), WithMetrics(m))

	return &env{
		repo:      repo,
		clock:     clock,
		scraper:   scraper,
		analyzer:  analyzer,
		store:     store,
		publisher: pub,
		metrics:   m,
		ctrl:      ctrl,
		monitor:   ctrl.Monitor(),
	}
}

func (e *env) create(t *testing.T, url string) *entity.Submission {
	t.Helper()
	sub, err := e.ctrl.Create(context.Background(), url)
	require.NoError(t, err)
	return sub
}

func (e *env) advance(t *testing.T, id uuid.UUID) *entity.Submission {
	t.Helper()
	sub, err := e.ctrl.Advance(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (e *env) get(t *testing.T, id uuid.UUID) *entity.Submission {
	t.Helper()
	sub, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

// drive advances until the submission is terminal, checking the data invariants after every call.
func (e *env) drive(t *testing.T, id uuid.UUID, maxCalls int) *entity.Submission {
	t.Helper()
	var sub *entity.Submission
	for i := 0; i < maxCalls; i++ {
		sub = e.advance(t, id)
		assertInvariants(t, sub, e.ctrl.Policy())
		if sub.Status.IsTerminal() {
			return sub
		}
	}
	t.Fatalf("submission %s not terminal after %d advances, status %s", id, maxCalls, sub.Status)
	return nil
}

func assertInvariants(t *testing.T, sub *entity.Submission, p Policy) {
	t.Helper()
	require.LessOrEqual(t, sub.RetryCount, p.MaxRetries, "retry_count above budget")
	require.LessOrEqual(t, sub.AnalysisAttempts, p.MaxAnalysisAttempts, "analysis_attempts above budget")
	if sub.HasAnalysis() {
		require.True(t, sub.HasScrapedData(), "analysis_result without scraped_data")
	}
	if sub.ReportURL != nil {
		require.Equal(t, constants.StatusCompleted, sub.Status)
		require.True(t, sub.HasAnalysis())
	}
	switch sub.Status {
	case constants.StatusFailed, constants.StatusPendingManualReview:
		require.NotEmpty(t, sub.ErrorText(), "terminal failure without error_message")
	case constants.StatusCompleted:
		require.True(t, sub.HasAnalysis())
	}
}
