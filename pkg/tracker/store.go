package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// ErrStoreReset is returned by Add when the store was reset after the
// caller's epoch was read.
var ErrStoreReset = errors.New("provider stats were reset")

// SQLiteStore persists tracker counters. Several processes may share one
// store: each adds its own increments, and a reset bumps an epoch so that
// increments counted before it are not written back.
type SQLiteStore struct {
	db *sql.DB
}

const createStatsTables = `
CREATE TABLE IF NOT EXISTS provider_stats (
	provider TEXT PRIMARY KEY,
	invocations INTEGER NOT NULL,
	successes INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS provider_stats_epoch (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	epoch INTEGER NOT NULL
);
INSERT OR IGNORE INTO provider_stats_epoch (id, epoch) VALUES (1, 0);
`

// NewStore opens the counter store at dbPath.
func NewStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createStatsTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func readEpoch(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int64, error) {
	var epoch int64
	if err := q.QueryRowContext(ctx, `SELECT epoch FROM provider_stats_epoch WHERE id = 1`).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("read stats epoch: %w", err)
	}
	return epoch, nil
}

// Add adds deltas to the stored counters in one transaction. It fails with
// ErrStoreReset, writing nothing, when the store's epoch is not epoch.
func (s *SQLiteStore) Add(ctx context.Context, epoch int64, deltas []models.ProviderRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add provider stats: %w", err)
	}
	defer tx.Rollback()

	current, err := readEpoch(ctx, tx)
	if err != nil {
		return err
	}
	if current != epoch {
		return ErrStoreReset
	}

	now := time.Now().UTC()
	for _, r := range deltas {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_stats (provider, invocations, successes, errors, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(provider) DO UPDATE SET
			   invocations = invocations + excluded.invocations,
			   successes = successes + excluded.successes,
			   errors = errors + excluded.errors,
			   updated_at = excluded.updated_at`,
			string(r.Provider), r.Invocations, r.Successes, r.Errors, now,
		)
		if err != nil {
			return fmt.Errorf("add provider stats for %s: %w", r.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add provider stats: %w", err)
	}
	return nil
}

// Load returns the stored records sorted by provider and the current epoch,
// read together.
func (s *SQLiteStore) Load(ctx context.Context) ([]models.ProviderRecord, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("load provider stats: %w", err)
	}
	defer tx.Rollback()

	epoch, err := readEpoch(ctx, tx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT provider, invocations, successes, errors FROM provider_stats ORDER BY provider`)
	if err != nil {
		return nil, 0, fmt.Errorf("load provider stats: %w", err)
	}
	defer rows.Close()

	var records []models.ProviderRecord
	for rows.Next() {
		var r models.ProviderRecord
		var provider string
		if err := rows.Scan(&provider, &r.Invocations, &r.Successes, &r.Errors); err != nil {
			return nil, 0, fmt.Errorf("scan provider stats: %w", err)
		}
		r.Provider = models.ProviderID(provider)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return records, epoch, nil
}

// Reset deletes all stored counters and returns the new epoch.
func (s *SQLiteStore) Reset(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset provider stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_stats`); err != nil {
		return 0, fmt.Errorf("reset provider stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE provider_stats_epoch SET epoch = epoch + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("reset provider stats: %w", err)
	}
	epoch, err := readEpoch(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset provider stats: %w", err)
	}
	return epoch, nil
}

// Sync writes t's pending increments to the store, then reloads t so that
// it also reflects increments written by other processes. It returns the
// epoch to pass next time. If the store was reset since epoch, the pending
// increments are dropped.
func (s *SQLiteStore) Sync(ctx context.Context, t *Tracker, epoch int64) (int64, error) {
	d := t.Pending()
	if !d.Empty() {
		switch err := s.Add(ctx, epoch, d.Records); {
		case err == nil:
			t.Ack(d)
		case errors.Is(err, ErrStoreReset):
		default:
			return epoch, err
		}
	}

	records, current, err := s.Load(ctx)
	if err != nil {
		return epoch, err
	}
	if current != epoch {
		t.Restore(records)
		return current, nil
	}
	t.Rebase(records)
	return epoch, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
