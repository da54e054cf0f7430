package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/analysis"
	"github.com/ledgerlens/ledgerlens/pkg/logger"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

type fakeAnalyzer struct {
	mu   sync.Mutex
	reqs []models.AnalysisRequest
	err  error
}

func (f *fakeAnalyzer) Refresh(_ context.Context, req models.AnalysisRequest) (*analysis.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.Outcome{Result: &models.AnalysisResult{Type: req.Type, Provider: models.ProviderLocal}}, nil
}

func (f *fakeAnalyzer) requests() []models.AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AnalysisRequest(nil), f.reqs...)
}

func newTestRunner(t *testing.T, engine Analyzer, now time.Time) (*Runner, *Store) {
	t.Helper()
	store := newTestStore(t)
	r := NewRunner(store, engine, time.Minute, logger.Discard())
	r.now = func() time.Time { return now }
	return r, store
}

func TestRunDue(t *testing.T) {
	engine := &fakeAnalyzer{}
	runAt := baseTime.Add(24*time.Hour + time.Minute)
	r, store := newTestRunner(t, engine, runAt)
	ctx := context.Background()

	created, err := store.Create(ctx, models.Schedule{SubjectID: "u1", Task: models.TaskReport, Frequency: models.FrequencyDaily, Model: models.ModelHybrid})
	if err != nil {
		t.Fatal(err)
	}

	ran, err := r.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected 1 run, got %d", ran)
	}
	reqs := engine.requests()
	if len(reqs) != 1 || reqs[0].SubjectID != "u1" || reqs[0].Type != models.AnalysisReport || reqs[0].Model != models.ModelHybrid {
		t.Errorf("unexpected requests: %+v", reqs)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != models.StatusSuccess || got.LastRunAt == nil || !got.LastRunAt.Equal(runAt) {
		t.Errorf("expected a recorded successful run, got %+v", got)
	}
	if want := baseTime.Add(48 * time.Hour); !got.NextRunAt.Equal(want) {
		t.Errorf("expected next run %v, got %v", want, got.NextRunAt)
	}

	ran, err = r.RunDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran != 0 {
		t.Errorf("expected nothing due after the run, got %d", ran)
	}
}

func TestRunDueRecordsFailure(t *testing.T) {
	engine := &fakeAnalyzer{err: errors.New("all providers failed")}
	r, store := newTestRunner(t, engine, baseTime.Add(8*24*time.Hour))
	ctx := context.Background()

	created, err := store.Create(ctx, models.Schedule{SubjectID: "u1", Task: models.TaskMonthly, Frequency: models.FrequencyWeekly})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != models.StatusError || got.LastError != "all providers failed" {
		t.Errorf("expected the failure recorded, got %+v", got)
	}
	if want := baseTime.AddDate(0, 0, 14); !got.NextRunAt.Equal(want) {
		t.Errorf("expected next run %v, got %v", want, got.NextRunAt)
	}
	if reqs := engine.requests(); len(reqs) != 1 || reqs[0].Type != models.AnalysisPattern || reqs[0].DaysBack != 9 {
		t.Errorf("unexpected monthly request: %+v", reqs)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAnalyzer{}, baseTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
