package analysis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/ledgerlens/pkg/cache"
	"github.com/ledgerlens/ledgerlens/pkg/fallback"
	"github.com/ledgerlens/ledgerlens/pkg/logger"
	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/provider"
	"github.com/ledgerlens/ledgerlens/pkg/tracker"
)

type fakeProvider struct {
	id      models.ProviderID
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	err     error
	lastJob *models.AnalysisJob
}

func newFake(id models.ProviderID) *fakeProvider {
	return &fakeProvider{id: id}
}

func (f *fakeProvider) ID() models.ProviderID { return f.id }

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProvider) Invoke(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastJob = job
	if f.err != nil {
		return nil, f.err
	}
	return &models.AnalysisResult{
		Type:       job.Request.Type,
		Payload:    []byte(`{"summary":"ok"}`),
		Provider:   f.id,
		ComputedAt: time.Now(),
	}, nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []models.AnalysisLogEntry
}

func (a *recordingAuditor) Log(_ context.Context, e models.AnalysisLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAuditor) all() []models.AnalysisLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AnalysisLogEntry(nil), a.entries...)
}

type staticLedger struct {
	txns []models.Transaction
	err  error
}

func (s staticLedger) Transactions(context.Context, string, time.Time, time.Time) ([]models.Transaction, error) {
	return s.txns, s.err
}

type harness struct {
	orch    *Orchestrator
	cloud   *fakeProvider
	local   *fakeProvider
	cache   *cache.LRU
	tracker *tracker.Tracker
	auditor *recordingAuditor
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		cloud:   newFake(models.ProviderCloud),
		local:   newFake(models.ProviderLocal),
		cache:   cache.New(100, 0),
		tracker: tracker.New(),
		auditor: &recordingAuditor{},
	}
	ctrl, err := fallback.New(
		[]provider.Provider{h.cloud, h.local},
		[]models.ProviderID{models.ProviderCloud, models.ProviderLocal},
		logger.Discard(),
	)
	require.NoError(t, err)

	opts := Options{
		MaxDaysBack:    365,
		ComputeTimeout: 5 * time.Second,
		Auditor:        h.auditor,
		Logger:         logger.Discard(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.orch = New(ctrl, h.cache, h.tracker, opts)
	return h
}

func request(model models.ModelChoice) models.AnalysisRequest {
	return models.AnalysisRequest{SubjectID: "u1", Type: models.AnalysisPattern, DaysBack: 30, Model: model}
}

func providerRecord(snap models.PerformanceSnapshot, id models.ProviderID) models.ProviderRecord {
	for _, r := range snap.PerProvider {
		if r.Provider == id {
			return r
		}
	}
	return models.ProviderRecord{Provider: id}
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.AnalysisRequest
		want error
	}{
		{"zero days", models.AnalysisRequest{SubjectID: "u1", Type: models.AnalysisPattern, DaysBack: 0}, ErrInvalidDaysBack},
		{"too many days", models.AnalysisRequest{SubjectID: "u1", Type: models.AnalysisPattern, DaysBack: 366}, ErrInvalidDaysBack},
		{"bad type", models.AnalysisRequest{SubjectID: "u1", Type: "forecast", DaysBack: 30}, ErrInvalidAnalysisType},
		{"bad model", models.AnalysisRequest{SubjectID: "u1", Type: models.AnalysisPattern, DaysBack: 30, Model: "gpt"}, ErrInvalidModel},
		{"no subject", models.AnalysisRequest{SubjectID: "  ", Type: models.AnalysisPattern, DaysBack: 30}, ErrMissingSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Analyze(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Equal(t, int32(0), h.cloud.calls.Load()+h.local.calls.Load(), "invalid requests must not reach providers")
	assert.Equal(t, int64(0), h.orch.Performance().TotalAnalyses, "invalid requests must not be counted")
	assert.Equal(t, 0, h.cache.Len())
	assert.Empty(t, h.auditor.all())
}

func TestCacheHitSkipsProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Same(t, first.Result, second.Result)

	assert.Equal(t, int32(1), h.cloud.calls.Load())
	assert.Equal(t, int64(1), h.orch.Performance().TotalAnalyses, "cache hits must not touch the tracker")
	assert.Len(t, h.auditor.all(), 1, "cache hits are not logged")
}

func TestEquivalentModelsShareCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)

	out, err := h.orch.Analyze(ctx, request(models.ModelHybrid))
	require.NoError(t, err)
	assert.True(t, out.Cached, "hybrid resolves to the auto order and should hit")

	out, err = h.orch.Analyze(ctx, request(models.ModelLocal))
	require.NoError(t, err)
	assert.False(t, out.Cached, "local resolves to a different order")
	assert.Equal(t, models.ProviderLocal, out.Result.Provider)
}

func TestConcurrentIdenticalRequestsInvokeOnce(t *testing.T) {
	h := newHarness(t)
	h.cloud.started = make(chan struct{}, 1)
	h.cloud.release = make(chan struct{})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Analyze(context.Background(), request(models.ModelAuto))
		}(i)
	}

	<-h.cloud.started
	time.Sleep(50 * time.Millisecond)
	close(h.cloud.release)
	wg.Wait()

	assert.Equal(t, int32(1), h.cloud.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0].Result, results[i].Result)
	}
	snap := h.orch.Performance()
	assert.Equal(t, int64(1), snap.TotalAnalyses)
	assert.Equal(t, 1, snap.CacheSize)
}

func TestHybridFallsBackOnCloudTimeout(t *testing.T) {
	h := newHarness(t)
	h.cloud.setErr(provider.NewError(models.ProviderCloud, provider.KindTimeout, context.DeadlineExceeded))

	out, err := h.orch.Analyze(context.Background(), request(models.ModelHybrid))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderLocal, out.Result.Provider)

	snap := h.orch.Performance()
	assert.Equal(t, models.ProviderRecord{Provider: models.ProviderCloud, Invocations: 1, Errors: 1}, providerRecord(snap, models.ProviderCloud))
	assert.Equal(t, models.ProviderRecord{Provider: models.ProviderLocal, Invocations: 1, Successes: 1}, providerRecord(snap, models.ProviderLocal))

	entries := h.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, models.ProviderLocal, entries[0].Provider)
}

func TestAllProvidersFail(t *testing.T) {
	h := newHarness(t)
	h.cloud.setErr(provider.NewError(models.ProviderCloud, provider.KindRateLimited, nil))
	h.local.setErr(provider.NewError(models.ProviderLocal, provider.KindUnavailable, errors.New("connection refused")))

	_, err := h.orch.Analyze(context.Background(), request(models.ModelHybrid))
	require.ErrorIs(t, err, fallback.ErrAllProvidersFailed)

	var apf *fallback.AllProvidersFailedError
	require.ErrorAs(t, err, &apf)
	assert.Len(t, apf.Reasons(), 2)

	assert.Equal(t, 0, h.cache.Len(), "failures must not be cached")
	snap := h.orch.Performance()
	assert.Equal(t, int64(1), providerRecord(snap, models.ProviderCloud).Errors)
	assert.Equal(t, int64(1), providerRecord(snap, models.ProviderLocal).Errors)
	assert.Equal(t, 0.0, snap.SuccessRate)

	entries := h.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusError, entries[0].Status)

	// Failures are not cached, so the next call tries again.
	h.cloud.setErr(nil)
	out, err := h.orch.Analyze(context.Background(), request(models.ModelHybrid))
	require.NoError(t, err)
	assert.False(t, out.Cached)
}

func TestSuccessRateProgression(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 0.0, h.orch.Performance().SuccessRate)

	h.cloud.setErr(provider.NewError(models.ProviderCloud, provider.KindUnavailable, nil))
	_, err := h.orch.Analyze(context.Background(), request(models.ModelHybrid))
	require.NoError(t, err)

	snap := h.orch.Performance()
	assert.Equal(t, int64(2), snap.TotalAnalyses)
	assert.InDelta(t, 0.5, snap.SuccessRate, 1e-9)
	assert.Equal(t, int64(1), snap.Successful)
	assert.Equal(t, int64(1), snap.Failed)
}

func TestClearCacheForcesRecompute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.Equal(t, 1, h.orch.ClearCache(""))

	out, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, int32(2), h.cloud.calls.Load())
}

func TestClearCacheBySubject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := request(models.ModelAuto)
	other.SubjectID = "u2"
	_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	_, err = h.orch.Analyze(ctx, other)
	require.NoError(t, err)

	assert.Equal(t, 1, h.orch.ClearCache("u1"))

	out, err := h.orch.Analyze(ctx, other)
	require.NoError(t, err)
	assert.True(t, out.Cached, "other subjects keep their entries")
}

func TestCallerCancelDoesNotCancelComputation(t *testing.T) {
	h := newHarness(t)
	h.cloud.started = make(chan struct{}, 1)
	h.cloud.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
		errCh <- err
	}()

	<-h.cloud.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// A second caller joins the still-running computation.
	secondCh := make(chan *Outcome, 1)
	go func() {
		out, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
		assert.NoError(t, err)
		secondCh <- out
	}()
	time.Sleep(20 * time.Millisecond)
	close(h.cloud.release)

	second := <-secondCh
	require.NotNil(t, second)
	assert.Equal(t, int32(1), h.cloud.calls.Load())

	third, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
	require.NoError(t, err)
	assert.True(t, third.Cached, "abandoned computation still populates the cache")
}

func TestClearDuringComputationIsNotCached(t *testing.T) {
	h := newHarness(t)
	h.cloud.started = make(chan struct{}, 1)
	h.cloud.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
		assert.NoError(t, err)
	}()

	<-h.cloud.started
	h.orch.ClearCache("u1")
	close(h.cloud.release)
	<-done

	assert.Equal(t, 0, h.cache.Len())
}

func TestClearDuringComputationJoinsRunningFlight(t *testing.T) {
	h := newHarness(t)
	h.cloud.started = make(chan struct{}, 1)
	h.cloud.release = make(chan struct{})

	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		_, err := h.orch.Analyze(context.Background(), request(models.ModelHybrid))
		assert.NoError(t, err)
	}

	wg.Add(1)
	go run()
	<-h.cloud.started

	h.orch.ClearCache("u1")
	wg.Add(1)
	go run()
	time.Sleep(50 * time.Millisecond)
	close(h.cloud.release)
	wg.Wait()

	assert.Equal(t, int32(1), h.cloud.calls.Load())
	assert.Equal(t, 0, h.cache.Len())
}

func TestConcurrentRefreshInvokesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Analyze(ctx, request(models.ModelHybrid))
	require.NoError(t, err)

	h.cloud.started = make(chan struct{}, 1)
	h.cloud.release = make(chan struct{})

	var wg sync.WaitGroup
	outs := make([]*Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			outs[i], err = h.orch.Refresh(ctx, request(models.ModelHybrid))
			assert.NoError(t, err)
		}(i)
		if i == 0 {
			<-h.cloud.started
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(h.cloud.release)
	wg.Wait()

	assert.Equal(t, int32(2), h.cloud.calls.Load(), "one initial computation and one refresh")
	require.NotNil(t, outs[0])
	require.NotNil(t, outs[1])
	assert.False(t, outs[0].Cached)
	assert.Same(t, outs[0].Result, outs[1].Result)
	assert.Equal(t, 1, h.cache.Len())
}

func TestRefreshKeepsOtherEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	report := request(models.ModelAuto)
	report.Type = models.AnalysisReport

	_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	_, err = h.orch.Analyze(ctx, report)
	require.NoError(t, err)

	out, err := h.orch.Refresh(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.False(t, out.Cached)

	out, err = h.orch.Analyze(ctx, report)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, int32(3), h.cloud.calls.Load())
	assert.Equal(t, 2, h.cache.Len())
}

func TestComputedRequestCountsOneMiss(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
	require.NoError(t, err)

	stats := h.orch.CacheStats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestStaleEntryRecomputes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var now atomic.Value
	now.Store(base)
	clock := func() time.Time { return now.Load().(time.Time) }

	h := newHarness(t, func(o *Options) { o.Now = clock })
	h.cache = cache.New(100, time.Hour)
	h.cache.SetClock(clock)
	h.orch = New(h.orch.controller, h.cache, h.tracker, h.orch.opts)
	ctx := context.Background()

	_, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)

	now.Store(base.Add(30 * time.Minute))
	out, err := h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.True(t, out.Cached)

	now.Store(base.Add(2 * time.Hour))
	out, err = h.orch.Analyze(ctx, request(models.ModelAuto))
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, int32(2), h.cloud.calls.Load())
}

func TestLedgerSummaryReachesProvider(t *testing.T) {
	src := staticLedger{txns: []models.Transaction{
		{Amount: decimal.NewFromInt(12000), Category: "dining"},
		{Amount: decimal.NewFromInt(3000), Category: "dining"},
	}}
	h := newHarness(t, func(o *Options) { o.Ledger = src })

	_, err := h.orch.Analyze(context.Background(), request(models.ModelCloud))
	require.NoError(t, err)

	h.cloud.mu.Lock()
	job := h.cloud.lastJob
	h.cloud.mu.Unlock()
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Ledger.TotalTransactions)
	assert.True(t, job.Ledger.Categories["dining"].Amount.Equal(decimal.NewFromInt(15000)))
}

func TestLedgerFailure(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Ledger = staticLedger{err: errors.New("db locked")} })

	_, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, int32(0), h.cloud.calls.Load())
	assert.Equal(t, int64(0), h.orch.Performance().TotalAnalyses)
}

func TestTestProviderBypassesCacheAndTelemetry(t *testing.T) {
	h := newHarness(t)

	check := h.orch.TestProvider(context.Background(), models.ProviderLocal)
	assert.True(t, check.OK)
	assert.Empty(t, check.Error)

	h.cloud.setErr(provider.NewError(models.ProviderCloud, provider.KindTimeout, nil))
	check = h.orch.TestProvider(context.Background(), models.ProviderCloud)
	assert.False(t, check.OK)
	assert.Contains(t, check.Error, "timed out")

	assert.Equal(t, int64(0), h.orch.Performance().TotalAnalyses)
	assert.Equal(t, 0, h.cache.Len())
	assert.Empty(t, h.auditor.all())

	h.local.mu.Lock()
	job := h.local.lastJob
	h.local.mu.Unlock()
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Ledger.TotalTransactions, "diagnostics use the synthetic ledger")
}

func TestTestModel(t *testing.T) {
	h := newHarness(t)
	h.cloud.setErr(provider.NewError(models.ProviderCloud, provider.KindUnavailable, nil))

	report, err := h.orch.TestModel(context.Background(), models.ModelHybrid)
	require.NoError(t, err)
	assert.True(t, report.OK, "one healthy provider is enough")
	require.Len(t, report.Checks, 2)
	assert.False(t, report.Checks[0].OK)
	assert.True(t, report.Checks[1].OK)

	report, err = h.orch.TestModel(context.Background(), models.ModelCloud)
	require.NoError(t, err)
	assert.False(t, report.OK)

	_, err = h.orch.TestModel(context.Background(), "gpt")
	assert.ErrorIs(t, err, ErrInvalidModel)

	assert.Equal(t, int64(0), h.orch.Performance().TotalAnalyses)
}

func TestResetPerformance(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Analyze(context.Background(), request(models.ModelAuto))
	require.NoError(t, err)

	h.orch.ResetPerformance()
	snap := h.orch.Performance()
	assert.Equal(t, int64(0), snap.TotalAnalyses)
	assert.Equal(t, 1, snap.CacheSize, "reset leaves the cache alone")
}
