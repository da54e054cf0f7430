// Package analysis serves analysis requests from the result cache or by
// running providers, deduplicating concurrent identical work.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerlens/ledgerlens/pkg/cache"
	"github.com/ledgerlens/ledgerlens/pkg/fallback"
	"github.com/ledgerlens/ledgerlens/pkg/fingerprint"
	"github.com/ledgerlens/ledgerlens/pkg/ledger"
	"github.com/ledgerlens/ledgerlens/pkg/metrics"
	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/provider"
	"github.com/ledgerlens/ledgerlens/pkg/tracker"
)

// DefaultMaxDaysBack bounds DaysBack when no limit is configured.
const DefaultMaxDaysBack = 365

// diagnosticDaysBack is the window reported in diagnostic prompts.
const diagnosticDaysBack = 7

// Auditor records computed analyses.
type Auditor interface {
	Log(ctx context.Context, entry models.AnalysisLogEntry) error
}

// Options configures an Orchestrator. Zero values are valid.
type Options struct {
	MaxDaysBack int
	// ComputeTimeout bounds a computation, which runs detached from the
	// callers waiting on it. Zero means no bound.
	ComputeTimeout time.Duration
	Ledger         ledger.Source
	Auditor        Auditor
	Metrics        *metrics.Collector
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Outcome is the answer to one Analyze call.
type Outcome struct {
	Result *models.AnalysisResult
	// Cached is set when no provider ran for this call's computation.
	Cached bool
	// Shared is set when the call joined a computation started by another caller.
	Shared bool
}

type computed struct {
	result *models.AnalysisResult
	cached bool
}

// Orchestrator answers analysis requests.
type Orchestrator struct {
	controller *fallback.Controller
	cache      *cache.LRU
	tracker    *tracker.Tracker
	opts       Options
	log        logrus.FieldLogger

	group singleflight.Group

	// Clearing bumps a generation so computations started before the clear
	// do not populate the cache.
	genMu      sync.Mutex
	generation uint64
	subjectGen map[string]uint64
}

// New creates an Orchestrator over the given components.
func New(controller *fallback.Controller, c *cache.LRU, t *tracker.Tracker, opts Options) *Orchestrator {
	if opts.MaxDaysBack <= 0 {
		opts.MaxDaysBack = DefaultMaxDaysBack
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		controller: controller,
		cache:      c,
		tracker:    t,
		opts:       opts,
		log:        log.WithField("component", "analysis"),
		subjectGen: make(map[string]uint64),
	}
}

// Validate normalizes req and returns the provider order it resolves to.
func (o *Orchestrator) Validate(req models.AnalysisRequest) (models.AnalysisRequest, []models.ProviderID, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		return req, nil, ErrMissingSubject
	}
	if !req.Type.Valid() {
		return req, nil, fmt.Errorf("%w: %q", ErrInvalidAnalysisType, req.Type)
	}
	if req.DaysBack < 1 || req.DaysBack > o.opts.MaxDaysBack {
		return req, nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidDaysBack, req.DaysBack, o.opts.MaxDaysBack)
	}
	if req.Model == "" {
		req.Model = models.ModelAuto
	}
	order, err := o.controller.Resolve(req.Model)
	if err != nil {
		return req, nil, fmt.Errorf("%w: %q", ErrInvalidModel, req.Model)
	}
	return req, order, nil
}

// Analyze returns the analysis for req, from the cache when possible.
// Concurrent calls with the same fingerprint share one computation. If ctx
// ends first, Analyze returns ctx.Err() and the computation carries on.
func (o *Orchestrator) Analyze(ctx context.Context, req models.AnalysisRequest) (*Outcome, error) {
	req, order, err := o.Validate(req)
	if err != nil {
		return nil, err
	}
	fp := fingerprint.Of(req, order)

	if e, ok := o.cache.Get(fp); ok {
		o.opts.Metrics.CacheLookup(true)
		return &Outcome{Result: e.Result, Cached: true}, nil
	}
	o.opts.Metrics.CacheLookup(false)

	return o.await(ctx, req, order, fp, false)
}

// Refresh recomputes the analysis for req, ignoring any cached result. A
// computation already running for the same fingerprint is joined rather than
// duplicated.
func (o *Orchestrator) Refresh(ctx context.Context, req models.AnalysisRequest) (*Outcome, error) {
	req, order, err := o.Validate(req)
	if err != nil {
		return nil, err
	}
	fp := fingerprint.Of(req, order)
	return o.await(ctx, req, order, fp, true)
}

func (o *Orchestrator) await(ctx context.Context, req models.AnalysisRequest, order []models.ProviderID, fp fingerprint.Fingerprint, fresh bool) (*Outcome, error) {
	ch := o.group.DoChan(string(fp), func() (any, error) {
		return o.compute(req, order, fp, fresh)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		c := r.Val.(*computed)
		return &Outcome{Result: c.result, Cached: c.cached, Shared: r.Shared}, nil
	}
}

type clearGen struct {
	global, subject uint64
}

func (o *Orchestrator) currentGen(subjectID string) clearGen {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return clearGen{global: o.generation, subject: o.subjectGen[subjectID]}
}

// putIfCurrent stores e unless the cache was cleared for its subject since
// gen was taken.
func (o *Orchestrator) putIfCurrent(e cache.Entry, gen clearGen) bool {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	if o.generation != gen.global || o.subjectGen[e.SubjectID] != gen.subject {
		return false
	}
	o.cache.Put(e)
	return true
}

func (o *Orchestrator) compute(req models.AnalysisRequest, order []models.ProviderID, fp fingerprint.Fingerprint, fresh bool) (*computed, error) {
	gen := o.currentGen(req.SubjectID)

	o.opts.Metrics.InflightInc()
	defer o.opts.Metrics.InflightDec()

	ctx := context.Background()
	if o.opts.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ComputeTimeout)
		defer cancel()
	}

	if fresh {
		if o.cache.Remove(fp) {
			o.opts.Metrics.SetCacheEntries(o.cache.Len())
		}
	} else if e, ok := o.cache.Peek(fp); ok {
		// A computation for this fingerprint may have finished between the
		// caller's cache miss and this flight starting.
		return &computed{result: e.Result, cached: true}, nil
	}

	log := o.log.WithFields(logrus.Fields{"fingerprint": fp, "model": req.Model})
	start := o.opts.Now()

	summary, err := ledger.Load(ctx, o.opts.Ledger, req.SubjectID, req.DaysBack, start)
	if err != nil {
		log.Errorf("ledger load failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	job := &models.AnalysisJob{Request: req, Ledger: summary}
	res, attempts, runErr := o.controller.Run(ctx, order, job)
	o.recordAttempts(attempts)

	entry := models.AnalysisLogEntry{
		SubjectID:      req.SubjectID,
		Fingerprint:    fp.String(),
		AnalysisType:   req.Type,
		DaysBack:       req.DaysBack,
		RequestedModel: req.Model,
		Attempts:       len(attempts),
		LatencyMs:      o.opts.Now().Sub(start).Milliseconds(),
	}

	if runErr != nil {
		entry.Status = models.StatusError
		entry.ErrorMessage = runErr.Error()
		o.audit(entry)
		log.Warnf("analysis failed: %v", runErr)
		return nil, runErr
	}

	entry.Status = models.StatusSuccess
	entry.Provider = res.Provider
	o.audit(entry)

	stored := o.putIfCurrent(cache.Entry{
		Fingerprint: fp,
		SubjectID:   req.SubjectID,
		Result:      res,
		ComputedAt:  o.opts.Now(),
		Provider:    res.Provider,
	}, gen)
	if stored {
		o.opts.Metrics.SetCacheEntries(o.cache.Len())
	} else {
		log.Debug("cache cleared during computation, result not cached")
	}

	log.WithField("provider", res.Provider).Infof("analysis computed in %dms", entry.LatencyMs)
	return &computed{result: res}, nil
}

func (o *Orchestrator) recordAttempts(attempts []fallback.Attempt) {
	for _, a := range attempts {
		if a.Skipped {
			continue
		}
		status, outcome := models.StatusSuccess, string(models.StatusSuccess)
		if a.Err != nil {
			status = models.StatusError
			outcome = string(provider.KindOf(a.Err))
			if outcome == "" {
				outcome = string(provider.KindUnavailable)
			}
		}
		o.tracker.Record(a.Provider, status)
		o.opts.Metrics.ObserveInvocation(a.Provider, outcome, a.Duration)
	}
}

func (o *Orchestrator) audit(entry models.AnalysisLogEntry) {
	if o.opts.Auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.opts.Auditor.Log(ctx, entry); err != nil {
		o.log.Warnf("analysis log write failed: %v", err)
	}
}

// Performance returns provider telemetry and the current cache size.
func (o *Orchestrator) Performance() models.PerformanceSnapshot {
	snap := o.tracker.Snapshot()
	snap.CacheSize = o.cache.Len()
	return snap
}

// ResetPerformance zeroes provider telemetry.
func (o *Orchestrator) ResetPerformance() {
	o.tracker.Reset()
	o.log.Info("performance counters reset")
}

// CacheStats returns result cache counters.
func (o *Orchestrator) CacheStats() models.CacheStats {
	return o.cache.Stats()
}

// ClearCache drops cached results for subjectID, or all results when
// subjectID is empty, and returns how many were dropped. Computations
// already running will not cache their results.
func (o *Orchestrator) ClearCache(subjectID string) int {
	o.genMu.Lock()
	if subjectID == "" {
		o.generation++
	} else {
		o.subjectGen[subjectID]++
	}
	o.genMu.Unlock()

	var n int
	if subjectID == "" {
		n = o.cache.Clear()
	} else {
		n = o.cache.RemoveSubject(subjectID)
	}
	o.opts.Metrics.SetCacheEntries(o.cache.Len())
	o.log.WithField("subject", subjectID).Infof("cleared %d cached analyses", n)
	return n
}

// TestProvider invokes one provider with a synthetic ledger. It touches
// neither the cache nor the tracker.
func (o *Orchestrator) TestProvider(ctx context.Context, id models.ProviderID) models.ProviderCheck {
	check := models.ProviderCheck{Provider: id}
	p, ok := o.controller.Provider(id)
	if !ok {
		check.Error = provider.NewError(id, provider.KindUnavailable, errors.New("provider not configured")).Error()
		return check
	}

	start := o.opts.Now()
	_, err := p.Invoke(ctx, o.diagnosticJob(models.ModelChoice(id)))
	check.LatencyMs = o.opts.Now().Sub(start).Milliseconds()
	if err != nil {
		check.Error = provider.Classify(id, err).Error()
		return check
	}
	check.OK = true
	return check
}

// TestModel runs TestProvider for every provider the model choice resolves
// to. The report is OK when at least one provider succeeded.
func (o *Orchestrator) TestModel(ctx context.Context, choice models.ModelChoice) (*models.TestReport, error) {
	if choice == "" {
		choice = models.ModelAuto
	}
	order, err := o.controller.Resolve(choice)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModel, choice)
	}

	report := &models.TestReport{Model: choice}
	for _, id := range order {
		check := o.TestProvider(ctx, id)
		report.OK = report.OK || check.OK
		report.Checks = append(report.Checks, check)
	}
	return report, nil
}

func (o *Orchestrator) diagnosticJob(choice models.ModelChoice) *models.AnalysisJob {
	now := o.opts.Now()
	from, to := ledger.Window(now, diagnosticDaysBack)
	return &models.AnalysisJob{
		Request: models.AnalysisRequest{
			SubjectID: "diagnostic",
			Type:      models.AnalysisPattern,
			DaysBack:  diagnosticDaysBack,
			Model:     choice,
		},
		Ledger: ledger.Summarize(ledger.Synthetic(now), from, to),
	}
}
