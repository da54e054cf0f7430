// Package tracker keeps per-provider invocation telemetry.
package tracker

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

type counters struct {
	invocations atomic.Int64
	successes   atomic.Int64
	errors      atomic.Int64

	// Increments not yet written to a store.
	pendingInvocations atomic.Int64
	pendingSuccesses   atomic.Int64
	pendingErrors      atomic.Int64
}

func (c *counters) add(status models.AnalysisStatus) {
	// The invocation is counted before its outcome so that a concurrent
	// snapshot never sees more outcomes than invocations.
	c.invocations.Add(1)
	c.pendingInvocations.Add(1)
	if status == models.StatusSuccess {
		c.successes.Add(1)
		c.pendingSuccesses.Add(1)
	} else {
		c.errors.Add(1)
		c.pendingErrors.Add(1)
	}
}

// Tracker records provider outcomes. It is safe for concurrent use and never
// loses an update.
type Tracker struct {
	mu        sync.RWMutex
	providers map[models.ProviderID]*counters
	// epoch changes whenever the counters are replaced.
	epoch uint64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{providers: make(map[models.ProviderID]*counters)}
}

// Record counts one invocation of provider id with the given outcome.
func (t *Tracker) Record(id models.ProviderID, status models.AnalysisStatus) {
	t.mu.RLock()
	c, ok := t.providers[id]
	if ok {
		c.add(status)
		t.mu.RUnlock()
		return
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok = t.providers[id]
	if !ok {
		c = &counters{}
		t.providers[id] = c
	}
	c.add(status)
}

// Records returns the per-provider counters sorted by provider.
func (t *Tracker) Records() []models.ProviderRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.ProviderRecord, 0, len(t.providers))
	for id, c := range t.providers {
		// Outcomes are read before invocations; see Record.
		succ := c.successes.Load()
		errs := c.errors.Load()
		out = append(out, models.ProviderRecord{
			Provider:    id,
			Invocations: c.invocations.Load(),
			Successes:   succ,
			Errors:      errs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Snapshot returns aggregate telemetry. SuccessRate is zero when nothing has
// been invoked.
func (t *Tracker) Snapshot() models.PerformanceSnapshot {
	snap := models.PerformanceSnapshot{PerProvider: t.Records()}
	for _, r := range snap.PerProvider {
		snap.TotalAnalyses += r.Invocations
		snap.Successful += r.Successes
		snap.Failed += r.Errors
	}
	if snap.TotalAnalyses > 0 {
		snap.SuccessRate = float64(snap.Successful) / float64(snap.TotalAnalyses)
	}
	return snap
}

// Restore replaces the counters with previously saved records. The restored
// counts are not pending.
func (t *Tracker) Restore(records []models.ProviderRecord) {
	providers := make(map[models.ProviderID]*counters, len(records))
	for _, r := range records {
		c := &counters{}
		c.invocations.Store(r.Invocations)
		c.successes.Store(r.Successes)
		c.errors.Store(r.Errors)
		providers[r.Provider] = c
	}

	t.mu.Lock()
	t.providers = providers
	t.epoch++
	t.mu.Unlock()
}

// Rebase sets the counters to records plus the increments still pending,
// which stay pending.
func (t *Tracker) Rebase(records []models.ProviderRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	providers := make(map[models.ProviderID]*counters, len(records))
	for _, r := range records {
		c := &counters{}
		c.invocations.Store(r.Invocations)
		c.successes.Store(r.Successes)
		c.errors.Store(r.Errors)
		providers[r.Provider] = c
	}
	for id, old := range t.providers {
		c, ok := providers[id]
		if !ok {
			c = &counters{}
			providers[id] = c
		}
		inv := old.pendingInvocations.Load()
		succ := old.pendingSuccesses.Load()
		errs := old.pendingErrors.Load()
		c.invocations.Add(inv)
		c.successes.Add(succ)
		c.errors.Add(errs)
		c.pendingInvocations.Store(inv)
		c.pendingSuccesses.Store(succ)
		c.pendingErrors.Store(errs)
	}
	t.providers = providers
}

// Reset zeroes all counters, pending increments included.
func (t *Tracker) Reset() {
	t.Restore(nil)
}

// Delta is a set of increments taken from a Tracker for writing to a store.
type Delta struct {
	Records []models.ProviderRecord
	epoch   uint64
}

// Empty reports whether d carries no increments.
func (d Delta) Empty() bool { return len(d.Records) == 0 }

// Pending returns the increments recorded since they were last acknowledged,
// one record per provider with any.
func (t *Tracker) Pending() Delta {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d := Delta{epoch: t.epoch}
	for id, c := range t.providers {
		succ := c.pendingSuccesses.Load()
		errs := c.pendingErrors.Load()
		inv := c.pendingInvocations.Load()
		if inv == 0 && succ == 0 && errs == 0 {
			continue
		}
		d.Records = append(d.Records, models.ProviderRecord{Provider: id, Invocations: inv, Successes: succ, Errors: errs})
	}
	sort.Slice(d.Records, func(i, j int) bool { return d.Records[i].Provider < d.Records[j].Provider })
	return d
}

// Ack marks the increments in d as written. Increments recorded after d was
// taken stay pending. A delta taken before a Restore or Reset is ignored.
func (t *Tracker) Ack(d Delta) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if d.epoch != t.epoch {
		return
	}
	for _, r := range d.Records {
		c, ok := t.providers[r.Provider]
		if !ok {
			continue
		}
		c.pendingInvocations.Add(-r.Invocations)
		c.pendingSuccesses.Add(-r.Successes)
		c.pendingErrors.Add(-r.Errors)
	}
}
