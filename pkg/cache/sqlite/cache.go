// Package sqlite persists result cache snapshots across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/pkg/cache"
	"github.com/ledgerlens/ledgerlens/pkg/fingerprint"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Store saves and restores cache entries in SQLite.
type Store struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	position INTEGER NOT NULL,
	fingerprint TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	analysis_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	payload BLOB NOT NULL,
	computed_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_clears (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id TEXT NOT NULL,
	cleared_at DATETIME NOT NULL
);
`

// New opens the store at dbPath and creates its table.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db}, nil
}

// ErrClearedSince is returned by SaveUnlessCleared when a clear was journaled
// after the caller's position.
var ErrClearedSince = errors.New("cache cleared since last sync")

// Save replaces the stored snapshot with entries, which are expected oldest
// first. The previous snapshot survives if any write fails.
func (s *Store) Save(ctx context.Context, entries []cache.Entry) error {
	return s.save(ctx, -1, entries)
}

// SaveUnlessCleared is Save, except that it writes nothing and returns
// ErrClearedSince when the clear journal has moved past mark.
func (s *Store) SaveUnlessCleared(ctx context.Context, mark int64, entries []cache.Entry) error {
	return s.save(ctx, mark, entries)
}

func (s *Store) save(ctx context.Context, mark int64, entries []cache.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	defer tx.Rollback()

	if mark >= 0 {
		var last int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM cache_clears`).Scan(&last); err != nil {
			return fmt.Errorf("cache save: %w", err)
		}
		if last > mark {
			return ErrClearedSince
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_entries (position, fingerprint, subject_id, analysis_type, provider, payload, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if e.Result == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			i, string(e.Fingerprint), e.SubjectID, string(e.Result.Type),
			string(e.Provider), []byte(e.Result.Payload), e.ComputedAt.UTC(),
		); err != nil {
			return fmt.Errorf("cache save %s: %w", e.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Load returns the stored snapshot oldest first.
func (s *Store) Load(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, subject_id, analysis_type, provider, payload, computed_at
		 FROM cache_entries ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var entries []cache.Entry
	for rows.Next() {
		var (
			fp, subject, typ, provider string
			payload                    []byte
			computedAt                 time.Time
		)
		if err := rows.Scan(&fp, &subject, &typ, &provider, &payload, &computedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, cache.Entry{
			Fingerprint: fingerprint.Fingerprint(fp),
			SubjectID:   subject,
			ComputedAt:  computedAt,
			Provider:    models.ProviderID(provider),
			Result: &models.AnalysisResult{
				Type:       models.AnalysisType(typ),
				Payload:    payload,
				Provider:   models.ProviderID(provider),
				ComputedAt: computedAt,
			},
		})
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Clear removes stored entries and journals the clear so that other
// processes holding the cache in memory can apply it. An empty subjectID
// removes all of them.
func (s *Store) Clear(ctx context.Context, subjectID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if subjectID == "" {
		res, err = tx.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE subject_id = ?`, subjectID)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_clears (subject_id, cleared_at) VALUES (?, ?)`,
		subjectID, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// ClearsSince returns the subjects cleared after journal position after, in
// order, and the latest position. An empty subject means everything.
func (s *Store) ClearsSince(ctx context.Context, after int64) ([]string, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id FROM cache_clears WHERE id > ? ORDER BY id`, after)
	if err != nil {
		return nil, after, fmt.Errorf("cache clears: %w", err)
	}
	defer rows.Close()

	var subjects []string
	last := after
	for rows.Next() {
		var subject string
		if err := rows.Scan(&last, &subject); err != nil {
			return nil, after, fmt.Errorf("scan cache clear: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, after, err
	}
	return subjects, last, nil
}

// LastClear returns the latest clear journal position.
func (s *Store) LastClear(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM cache_clears`).Scan(&id); err != nil {
		return 0, fmt.Errorf("cache clears: %w", err)
	}
	return id, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
