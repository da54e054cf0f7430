package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/analysis"
	"github.com/ledgerlens/ledgerlens/pkg/audit"
	"github.com/ledgerlens/ledgerlens/pkg/cache"
	cachedb "github.com/ledgerlens/ledgerlens/pkg/cache/sqlite"
	"github.com/ledgerlens/ledgerlens/pkg/config"
	"github.com/ledgerlens/ledgerlens/pkg/fallback"
	"github.com/ledgerlens/ledgerlens/pkg/ledger"
	"github.com/ledgerlens/ledgerlens/pkg/logger"
	"github.com/ledgerlens/ledgerlens/pkg/metrics"
	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/provider"
	"github.com/ledgerlens/ledgerlens/pkg/schedule"
	"github.com/ledgerlens/ledgerlens/pkg/tracker"
)

// app holds the wired engine and the stores backing it.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Collector
	orch    *analysis.Orchestrator
	lru     *cache.LRU
	tracker *tracker.Tracker

	cacheStore *cachedb.Store
	statStore  *tracker.SQLiteStore
	auditor    *audit.Logger
	ledger     *ledger.SQLiteSource
	schedules  *schedule.Store

	// syncMu guards the positions below, which track what this process has
	// seen of the shared database.
	syncMu    sync.Mutex
	statEpoch int64
	clearMark int64
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the engine from configuration and restores the persisted
// cache snapshot and provider counters.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Metrics.Enabled {
		m, err := metrics.NewCollector()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		a.metrics = m
	}

	providers, err := buildProviders(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	controller, err := fallback.New(providers, cfg.Analysis.AutoOrder, a.log)
	if err != nil {
		return fmt.Errorf("init fallback: %w", err)
	}

	a.cacheStore, err = cachedb.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init cache store: %w", err)
	}
	a.lru = cache.New(cfg.Cache.Capacity, cfg.Cache.StaleAfter)
	a.clearMark, err = a.cacheStore.LastClear(ctx)
	if err != nil {
		return fmt.Errorf("read cache clears: %w", err)
	}
	if cfg.Cache.Persist {
		entries, err := a.cacheStore.Load(ctx)
		if err != nil {
			return fmt.Errorf("load cache snapshot: %w", err)
		}
		for _, e := range entries {
			a.lru.Put(e)
		}
		a.log.Debugf("restored %d cached analyses", a.lru.Len())
	}

	a.statStore, err = tracker.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init tracker store: %w", err)
	}
	a.tracker = tracker.New()
	records, epoch, err := a.statStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load provider stats: %w", err)
	}
	a.tracker.Restore(records)
	a.statEpoch = epoch

	if cfg.Audit.Enabled {
		a.auditor, err = audit.New(auditConfig(cfg))
		if err != nil {
			return fmt.Errorf("init analysis log: %w", err)
		}
	}

	a.ledger, err = ledger.NewSQLiteSource(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	a.schedules, err = schedule.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init schedules: %w", err)
	}

	opts := analysis.Options{
		MaxDaysBack:    cfg.Analysis.MaxDaysBack,
		ComputeTimeout: cfg.Analysis.ComputeTimeout,
		Ledger:         a.ledger,
		Metrics:        a.metrics,
		Logger:         a.log,
	}
	if a.auditor != nil {
		opts.Auditor = a.auditor
	}
	a.orch = analysis.New(controller, a.lru, a.tracker, opts)
	a.metrics.SetCacheEntries(a.lru.Len())
	return nil
}

func buildProviders(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) ([]provider.Provider, error) {
	var out []provider.Provider
	if c := cfg.Providers.Cloud; c.Enabled {
		cloud, err := provider.NewCloud(ctx, provider.CloudConfig{
			BaseURL:           c.BaseURL,
			APIKey:            c.APIKey,
			Model:             c.Model,
			Timeout:           c.Timeout,
			RequestsPerMinute: c.RequestsPerMinute,
			Burst:             c.Burst,
			Retry:             retryPolicy(c.Retry),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("init cloud provider: %w", err)
		}
		out = append(out, cloud)
	}
	if l := cfg.Providers.Local; l.Enabled {
		out = append(out, provider.NewLocal(provider.LocalConfig{
			URL:     l.URL,
			Model:   l.Model,
			Timeout: l.Timeout,
			Retry:   retryPolicy(l.Retry),
		}, log))
	}
	return out, nil
}

func retryPolicy(rc config.RetryConfig) provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
	}
}

func auditConfig(cfg *config.Config) models.AuditConfig {
	return models.AuditConfig{
		Enabled:       cfg.Audit.Enabled,
		DBPath:        cfg.DBPath,
		RetentionDays: cfg.Audit.RetentionDays,
	}
}

// sync exchanges state with the shared database: clears made by other
// processes are applied to the in-memory cache, the cache snapshot is
// written, and provider counters are added as increments. A partially opened
// app syncs nothing.
func (a *app) sync(ctx context.Context) error {
	if a.orch == nil {
		return nil
	}
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	if err := a.syncCache(ctx); err != nil {
		return err
	}

	epoch, err := a.statStore.Sync(ctx, a.tracker, a.statEpoch)
	if err != nil {
		return fmt.Errorf("sync provider stats: %w", err)
	}
	if epoch != a.statEpoch {
		a.log.Info("provider stats were reset by another process")
	}
	a.statEpoch = epoch
	return nil
}

// syncCacheAttempts bounds how often a snapshot write is retried when other
// processes keep clearing the cache.
const syncCacheAttempts = 3

func (a *app) syncCache(ctx context.Context) error {
	for attempt := 0; attempt < syncCacheAttempts; attempt++ {
		subjects, mark, err := a.cacheStore.ClearsSince(ctx, a.clearMark)
		if err != nil {
			return err
		}
		for _, subject := range subjects {
			a.orch.ClearCache(subject)
		}
		a.clearMark = mark

		if !a.cfg.Cache.Persist {
			return nil
		}
		err = a.cacheStore.SaveUnlessCleared(ctx, a.clearMark, a.lru.Entries())
		if !errors.Is(err, cachedb.ErrClearedSince) {
			if err != nil {
				return fmt.Errorf("save cache snapshot: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("save cache snapshot: %w", cachedb.ErrClearedSince)
}

// resetStats zeroes provider counters here and in the database.
func (a *app) resetStats(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	epoch, err := a.statStore.Reset(ctx)
	if err != nil {
		return err
	}
	a.orch.ResetPerformance()
	a.statEpoch = epoch
	return nil
}

// clearCache drops cached analyses here and in the database, where the clear
// is journaled for other processes.
func (a *app) clearCache(ctx context.Context, subjectID string) (int, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	n := a.orch.ClearCache(subjectID)
	if _, err := a.cacheStore.Clear(ctx, subjectID); err != nil {
		return n, err
	}
	return n, nil
}

// syncLoop calls sync every interval until ctx is done.
func (a *app) syncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sync(ctx); err != nil && ctx.Err() == nil {
				a.log.Errorf("sync state: %v", err)
			}
		}
	}
}

// Close syncs state and releases every store. It is safe on a partially
// opened app.
func (a *app) Close() {
	if err := a.sync(context.Background()); err != nil {
		a.log.Errorf("sync state: %v", err)
	}
	closers := []interface{ Close() error }{}
	if a.cacheStore != nil {
		closers = append(closers, a.cacheStore)
	}
	if a.statStore != nil {
		closers = append(closers, a.statStore)
	}
	if a.auditor != nil {
		closers = append(closers, a.auditor)
	}
	if a.ledger != nil {
		closers = append(closers, a.ledger)
	}
	if a.schedules != nil {
		closers = append(closers, a.schedules)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			a.log.Warnf("close store: %v", err)
		}
	}
}
