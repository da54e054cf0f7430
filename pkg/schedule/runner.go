package schedule

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/analysis"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Analyzer computes fresh analyses.
type Analyzer interface {
	Refresh(ctx context.Context, req models.AnalysisRequest) (*analysis.Outcome, error)
}

// Runner executes due schedules.
type Runner struct {
	store    *Store
	engine   Analyzer
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRunner creates a Runner that polls store every interval.
func NewRunner(store *Store, engine Analyzer, interval time.Duration, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		store:    store,
		engine:   engine,
		interval: interval,
		log:      log.WithField("component", "schedule"),
		now:      time.Now,
	}
}

// Run executes due schedules every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
			r.log.Errorf("run due schedules: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDue runs every due schedule once and returns how many ran. A failed
// analysis is recorded on its schedule and does not stop the others.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		log := r.log.WithFields(logrus.Fields{"schedule": s.ID, "subject": s.SubjectID, "task": s.Task})

		status, errMsg := models.StatusSuccess, ""
		out, err := r.engine.Refresh(ctx, Request(s, now))
		if err != nil {
			status, errMsg = models.StatusError, err.Error()
			log.Warnf("scheduled analysis failed: %v", err)
		} else {
			log.WithField("provider", out.Result.Provider).Info("scheduled analysis done")
		}
		ran++

		next, err := nextAfter(s, now)
		if err != nil {
			log.Errorf("schedule has no next run, deactivating: %v", err)
			if err := r.store.Deactivate(ctx, s.ID, ""); err != nil {
				return ran, err
			}
			continue
		}
		if err := r.store.MarkRun(ctx, s.ID, now, status, errMsg, next); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// nextAfter steps s forward from its planned run until it lands after now,
// so missed runs are skipped and the cadence does not drift.
func nextAfter(s models.Schedule, now time.Time) (time.Time, error) {
	next := s.NextRunAt
	for !next.After(now) {
		n, err := Next(s, next)
		if err != nil {
			return time.Time{}, err
		}
		if !n.After(next) {
			return Next(s, now)
		}
		next = n
	}
	return next, nil
}
