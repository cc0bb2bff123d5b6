package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/events"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

func TestController_HappyPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)

	sub := e.create(t, "https://example.com/listing/123")
	assert.Equal(t, constants.StatusPending, sub.Status)

	got := e.advance(t, sub.ID)
	assertInvariants(t, got, e.ctrl.Policy())
	assert.Equal(t, constants.StatusCompleted, got.Status)
	assert.Equal(t, constants.PlatformBooking, got.Platform)
	assert.True(t, got.HasScrapedData())
	assert.JSONEq(t, validAnalysis, string(got.AnalysisResult))
	require.NotNil(t, got.ReportURL)
	assert.Equal(t, "https://reports.test/reports/"+sub.ID.String()+".html", *got.ReportURL)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ExternalRunReference)
	assert.Zero(t, got.RetryCount)

	stored := e.get(t, sub.ID)
	assert.Equal(t, got.ReportURL, stored.ReportURL)

	launched, _ := e.scraper.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, e.analyzer.count())

	var path []constants.SubmissionStatus
	for _, ev := range e.publisher.ofType(events.TypeTransitioned) {
		path = append(path, ev.To)
	}
	assert.Equal(t, []constants.SubmissionStatus{
		constants.StatusProcessing,
		constants.StatusScraping,
		constants.StatusScrapingCompleted,
		constants.StatusAnalyzing,
		constants.StatusCompleted,
	}, path)
	ready := e.publisher.ofType(events.TypeReportReady)
	require.Len(t, ready, 1)
	assert.Equal(t, *got.ReportURL, ready[0].ReportURL)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.TransitionsTotal.WithLabelValues("analyzing", "completed")), 0)
}

func TestController_ShareLinkGoesToManualReview(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)

	for _, url := range []string{
		"https://abnb.me/xK2pQ9",
		"https://www.airbnb.com/rooms/42?sharer=1",
		"https://www.booking.com/Share-AbCd12",
	} {
		sub := e.create(t, url)
		got := e.advance(t, sub.ID)
		assert.Equal(t, constants.StatusPendingManualReview, got.Status, url)
		assert.Contains(t, got.ErrorText(), "unsupported link form", url)

		for _, ev := range e.publisher.ofType(events.TypeTransitioned) {
			if ev.SubmissionID == sub.ID {
				assert.NotEqual(t, constants.StatusProcessing, ev.To, "share link reached processing")
			}
		}
	}

	launched, fetched := e.scraper.counts()
	assert.Zero(t, launched)
	assert.Zero(t, fetched)
	assert.Zero(t, e.analyzer.count())
}

func TestController_MalformedAndUnsupportedURLs(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)

	tests := []struct {
		url  string
		want string
	}{
		{url: "ftp://www.airbnb.com/rooms/1", want: "malformed URL"},
		{url: "https://www.unknown-rentals.test/home/9", want: "unsupported platform"},
	}
	for _, tt := range tests {
		sub := e.create(t, tt.url)
		got := e.advance(t, sub.ID)
		assert.Equal(t, constants.StatusPendingManualReview, got.Status)
		assert.Contains(t, got.ErrorText(), tt.want)
		assert.Equal(t, constants.PlatformUnknown, got.Platform)
	}

	_, err := e.ctrl.Create(context.Background(), "   ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestController_ExtractionRetryBudget(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{unavailable()}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.airbnb.com/rooms/77")

	got := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScrapingRetry, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.ErrorText(), "unavailable")

	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScrapingRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastRetryAt)

	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusPendingManualReview, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorText(), "extraction failed 3 times")
	assert.Contains(t, got.ErrorText(), "unavailable")
	assertInvariants(t, got, e.ctrl.Policy())

	launched, _ := e.scraper.counts()
	assert.Equal(t, 3, launched)
	assert.Zero(t, e.analyzer.count())

	// Terminal: further calls change nothing.
	again := e.advance(t, sub.ID)
	assert.Equal(t, got.Status, again.Status)
	assert.Equal(t, 3, again.RetryCount)
	launched, _ = e.scraper.counts()
	assert.Equal(t, 3, launched)
}

func TestController_PermanentFailuresShareTheBudget(t *testing.T) {
	t.Parallel()
	gone := launchResult{run: scrape.Run{Reference: "run-x", State: scrape.RunFailed, Permanent: true, Message: "listing not found"}}
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{gone}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.vrbo.com/123456")

	got := e.drive(t, sub.ID, 10)
	assert.Equal(t, constants.StatusPendingManualReview, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorText(), "listing not found")
	launched, _ := e.scraper.counts()
	assert.Equal(t, 3, launched)
}

func TestController_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{unavailable(), syncSuccess("direct:2")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.expedia.com/h123.Hotel-Information")

	got := e.drive(t, sub.ID, 5)
	assert.Equal(t, constants.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
}

func TestController_AnalysisRetryDoesNotRescrape(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{
			{raw: "Sure! The listing looks great overall."},
			{raw: validAnalysis},
		}},
	)
	sub := e.create(t, "https://example.com/listing/123")

	first := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScrapingCompleted, first.Status)
	assert.Equal(t, 1, first.AnalysisAttempts)
	assert.Contains(t, first.ErrorText(), "analysis output")
	assert.False(t, first.HasAnalysis())
	scraped := append([]byte(nil), first.ScrapedData...)

	final := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, final.Status)
	assert.Equal(t, scraped, []byte(final.ScrapedData))
	assert.True(t, final.HasAnalysis())
	assert.Nil(t, final.ErrorMessage)

	launched, fetched := e.scraper.counts()
	assert.Equal(t, 1, launched)
	assert.Zero(t, fetched)
	assert.Equal(t, 2, e.analyzer.count())
}

func TestController_AnalysisAttemptsExhausted(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{
			{raw: `{"diagnosis": {"summary": "only one section"}}`},
			{err: &llm.StatusError{Provider: "openai", StatusCode: 503}},
			{raw: "no json"},
		}},
	)
	sub := e.create(t, "https://www.tripadvisor.com/VacationRentalReview-g1-d2")

	got := e.drive(t, sub.ID, 10)
	assert.Equal(t, constants.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AnalysisAttempts)
	assert.Contains(t, got.ErrorText(), "analysis failed after 3 attempts")
	assert.False(t, got.HasAnalysis())
	assert.True(t, got.HasScrapedData())
	assert.Equal(t, 3, e.analyzer.count())
	launched, _ := e.scraper.counts()
	assert.Equal(t, 1, launched)
}

func TestController_AsyncRunCompletesOnPoll(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{
			launches: []launchResult{launched("run-1")},
			fetches: []launchResult{
				{run: scrape.Run{Reference: "run-1", State: scrape.RunRunning}},
				{err: scrape.ErrTimeout{Err: context.DeadlineExceeded}},
				{run: scrape.Run{Reference: "run-1", State: scrape.RunSucceeded, Document: []byte(propertyDoc)}},
			},
		},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.airbnb.co.uk/rooms/5")

	got := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScraping, got.Status)
	assert.Equal(t, "run-1", got.RunReference())

	e.clock.Advance(time.Minute)
	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScraping, got.Status, "still running")

	e.clock.Advance(time.Minute)
	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScraping, got.Status, "poll timeouts do not fail the run")
	assert.Zero(t, got.RetryCount)

	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, got.Status)
	assert.Nil(t, got.ExternalRunReference)
	_, fetched := e.scraper.counts()
	assert.Equal(t, 3, fetched)
}

func TestController_StalledRunIsRelaunched(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{launched("run-1"), launched("run-2")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.booking.com/hotel/nl/canal-house.html")

	got := e.advance(t, sub.ID)
	require.Equal(t, constants.StatusScraping, got.Status)

	e.clock.Advance(5*time.Minute + time.Second)
	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScrapingRetry, got.Status)
	assert.Contains(t, got.ErrorText(), "stalled")

	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusScraping, got.Status)
	assert.Equal(t, "run-2", got.RunReference(), "stale run reference replaced")
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.StallsTotal.WithLabelValues("scraping")), 0)
}

func TestController_DoubleDriveIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://example.com/listing/123")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ctrl.Advance(context.Background(), sub.ID)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	once := e.get(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, once.Status)
	assert.Zero(t, once.RetryCount)
	assert.Zero(t, once.AnalysisAttempts)

	again := e.advance(t, sub.ID)
	assert.Equal(t, once.Status, again.Status)
	assert.True(t, once.UpdatedAt.Equal(again.UpdatedAt))
	assert.Equal(t, once.ReportURL, again.ReportURL)

	launched, _ := e.scraper.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, e.analyzer.count())
	assert.Len(t, e.publisher.ofType(events.TypeTransitioned), 5)
	assert.Len(t, e.publisher.ofType(events.TypeReportReady), 1)
}

func TestController_ReportIsBestEffort(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	e.store.setBroken(true)
	sub := e.create(t, "https://www.google.com/travel/hotels/entity/abc")

	got := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, got.Status)
	assert.Nil(t, got.ReportURL)
	assert.Len(t, e.publisher.ofType(events.TypeReportFailed), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.ReportFailuresTotal), 0)

	e.store.setBroken(false)
	got = e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, got.Status)
	require.NotNil(t, got.ReportURL)
	assert.Equal(t, got.ReportURL, e.get(t, sub.ID).ReportURL)
	assert.Equal(t, 1, e.analyzer.count())
}

func TestController_Requeue(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{unavailable(), unavailable(), unavailable(), syncSuccess("direct:4")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.airbnb.com/rooms/9")
	got := e.drive(t, sub.ID, 10)
	require.Equal(t, constants.StatusPendingManualReview, got.Status)

	requeued, err := e.ctrl.Requeue(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)
	assert.Nil(t, requeued.ErrorMessage)

	got = e.drive(t, sub.ID, 5)
	assert.Equal(t, constants.StatusCompleted, got.Status)

	_, err = e.ctrl.Requeue(context.Background(), sub.ID)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestController_RequeueGrantsFreshRetryBudget(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{
			unavailable(), unavailable(), unavailable(),
			unavailable(), unavailable(), syncSuccess("direct:6"),
		}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://www.airbnb.com/rooms/10")
	got := e.drive(t, sub.ID, 10)
	require.Equal(t, constants.StatusPendingManualReview, got.Status)
	require.Equal(t, 3, got.RetryCount)

	requeued, err := e.ctrl.Requeue(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Zero(t, requeued.RetryCount)

	// Two more failures fit in the restored budget; without the reset the first one would escalate.
	prev := 0
	for i := 0; i < 10; i++ {
		got = e.advance(t, sub.ID)
		assertInvariants(t, got, e.ctrl.Policy())
		require.GreaterOrEqual(t, got.RetryCount, prev, "retry_count decreased outside requeue")
		prev = got.RetryCount
		if got.Status.IsTerminal() {
			break
		}
	}
	assert.Equal(t, constants.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	launched, _ := e.scraper.counts()
	assert.Equal(t, 6, launched)
}

func TestController_InvariantsAcrossFailureMixes(t *testing.T) {
	t.Parallel()
	bad := analyzeResult{raw: "{}"}
	good := analyzeResult{raw: validAnalysis}

	tests := []struct {
		name     string
		launches []launchResult
		analyses []analyzeResult
		want     constants.SubmissionStatus
	}{
		{name: "clean", launches: []launchResult{syncSuccess("a")}, analyses: []analyzeResult{good}, want: constants.StatusCompleted},
		{name: "two launch failures", launches: []launchResult{unavailable(), unavailable(), syncSuccess("b")}, analyses: []analyzeResult{good}, want: constants.StatusCompleted},
		{name: "launch and analysis failures", launches: []launchResult{unavailable(), syncSuccess("c")}, analyses: []analyzeResult{bad, bad, good}, want: constants.StatusCompleted},
		{name: "analysis never valid", launches: []launchResult{syncSuccess("d")}, analyses: []analyzeResult{bad}, want: constants.StatusFailed},
		{name: "extraction never works", launches: []launchResult{unavailable()}, analyses: []analyzeResult{good}, want: constants.StatusPendingManualReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, &scriptedScraper{launches: tt.launches}, &scriptedAnalyzer{results: tt.analyses})
			sub := e.create(t, "https://www.airbnb.com/rooms/1")
			got := e.drive(t, sub.ID, 12)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestController_LockContention(t *testing.T) {
	t.Parallel()
	e := newEnv(t,
		&scriptedScraper{launches: []launchResult{syncSuccess("direct:1")}},
		&scriptedAnalyzer{results: []analyzeResult{{raw: validAnalysis}}},
	)
	sub := e.create(t, "https://example.com/listing/1")

	unlock, err := e.ctrl.locker.Lock(context.Background(), sub.ID.String())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.ctrl.Advance(ctx, sub.ID)
	assert.True(t, IsLocked(err))
	assert.True(t, errors.Is(err, common.ErrLocked))
	unlock()

	got := e.advance(t, sub.ID)
	assert.Equal(t, constants.StatusCompleted, got.Status)
}
