// Package audit records every computed analysis in SQLite.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Logger writes and queries analysis log entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database, creates the schema and starts the
// hourly retention loop.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS analysis_log (
		id              TEXT PRIMARY KEY,
		subject_id      TEXT NOT NULL,
		fingerprint     TEXT NOT NULL,
		analysis_type   TEXT NOT NULL,
		days_back       INTEGER NOT NULL,
		requested_model TEXT NOT NULL,
		provider        TEXT,
		status          TEXT NOT NULL,
		error_message   TEXT,
		attempts        INTEGER NOT NULL,
		latency_ms      INTEGER NOT NULL,
		created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_analysis_subject ON analysis_log(subject_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_analysis_created ON analysis_log(created_at)`)
	return err
}

// Log inserts an entry. A missing ID or timestamp is filled in.
func (l *Logger) Log(ctx context.Context, entry models.AnalysisLogEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analysis_log
		(id, subject_id, fingerprint, analysis_type, days_back, requested_model,
		 provider, status, error_message, attempts, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubjectID, entry.Fingerprint, string(entry.AnalysisType),
		entry.DaysBack, string(entry.RequestedModel), string(entry.Provider),
		string(entry.Status), entry.ErrorMessage, entry.Attempts, entry.LatencyMs,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log analysis: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AnalysisLogEntry, error) {
	q := `SELECT id, subject_id, fingerprint, analysis_type, days_back, requested_model,
		provider, status, error_message, attempts, latency_ms, created_at
		FROM analysis_log WHERE 1=1`
	var args []any

	if opts.SubjectID != "" {
		q += " AND subject_id = ?"
		args = append(args, opts.SubjectID)
	}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, string(opts.Provider))
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query analysis log: %w", err)
	}
	defer rows.Close()

	var entries []models.AnalysisLogEntry
	for rows.Next() {
		var e models.AnalysisLogEntry
		var typ, model, status string
		var provider, errMsg sql.NullString
		if err := rows.Scan(
			&e.ID, &e.SubjectID, &e.Fingerprint, &typ, &e.DaysBack, &model,
			&provider, &status, &errMsg, &e.Attempts, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan analysis log row: %w", err)
		}
		e.AnalysisType = models.AnalysisType(typ)
		e.RequestedModel = models.ModelChoice(model)
		e.Provider = models.ProviderID(provider.String)
		e.Status = models.AnalysisStatus(status)
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns counts grouped by provider, day and status.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT COALESCE(provider, ''), date(created_at) as day, status, count(*) as cnt
		 FROM analysis_log GROUP BY provider, day, status ORDER BY day DESC, provider, status`)
	if err != nil {
		return nil, fmt.Errorf("analysis log stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var provider, status string
		var day sql.NullString
		if err := rows.Scan(&provider, &day, &status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan analysis log stat: %w", err)
		}
		s.Provider = models.ProviderID(provider)
		s.Status = models.AnalysisStatus(status)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM analysis_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("analysis log cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	if l.cfg.RetentionDays <= 0 {
		<-l.done
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
