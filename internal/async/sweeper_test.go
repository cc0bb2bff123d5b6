package async

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Shutdown(context.Context) {}

func (q *recordingQueue) reasons() map[uuid.UUID]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uuid.UUID]string, len(q.jobs))
	for _, j := range q.jobs {
		out[j.SubmissionID] = j.Reason
	}
	return out
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	db, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sweep.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, nil) })
	require.NoError(t, repository.Migrate(db, nil))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-time.Hour)
	repo := repository.NewSubmissionRepository(db, nil, repository.WithClock(func() time.Time { return clock }))

	newSub := func(url string) *entity.Submission {
		sub := &entity.Submission{PropertyURL: url}
		require.NoError(t, repo.Create(ctx, sub))
		return sub
	}
	move := func(id uuid.UUID, steps ...repository.Patch) {
		path := []constants.SubmissionStatus{
			constants.StatusPending, constants.StatusProcessing, constants.StatusScraping,
			constants.StatusScrapingCompleted, constants.StatusAnalyzing, constants.StatusCompleted,
		}
		for i, p := range steps {
			_, err := repo.Transition(ctx, id, path[i], path[i+1], p)
			require.NoError(t, err)
		}
	}

	stranded := newSub("https://www.airbnb.com/rooms/1")
	move(stranded.ID, repository.Patch{}, repository.Patch{})

	noReport := newSub("https://www.airbnb.com/rooms/2")
	move(noReport.ID,
		repository.Patch{},
		repository.Patch{},
		repository.Patch{ScrapedData: json.RawMessage(`{"property_name":"x"}`)},
		repository.Patch{},
		repository.Patch{AnalysisResult: json.RawMessage(`{"diagnosis":{}}`)},
	)

	manual := newSub("https://abnb.me/x")
	msg := "unsupported link form"
	_, err = repo.Transition(ctx, manual.ID, constants.StatusPending, constants.StatusPendingManualReview, repository.Patch{ErrorMessage: &msg})
	require.NoError(t, err)

	clock = now.Add(-time.Second)
	fresh := newSub("https://www.airbnb.com/rooms/3")

	q := &recordingQueue{}
	s, err := NewSweeper(repo, q, SweepConfig{MinAge: 30 * time.Second}, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reasons := q.reasons()
	assert.Equal(t, "sweep", reasons[stranded.ID])
	assert.Equal(t, "sweep_report", reasons[noReport.ID])
	assert.NotContains(t, reasons, manual.ID, "terminal submissions are left alone")
	assert.NotContains(t, reasons, fresh.ID, "recently touched submissions are skipped")
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(nil, &recordingQueue{}, SweepConfig{Schedule: "every now and then"}, nil)
	assert.Error(t, err)

	s, err := NewSweeper(nil, &recordingQueue{}, SweepConfig{Schedule: "*/5 * * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, s.cfg.Batch)
}
