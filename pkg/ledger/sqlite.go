package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// SQLiteSource stores transactions in SQLite.
type SQLiteSource struct {
	db *sql.DB
}

const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'expense',
	merchant TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	memo TEXT NOT NULL DEFAULT '',
	posted_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_subject_time ON transactions(subject_id, posted_at);
`

// NewSQLiteSource opens the transaction store at dbPath.
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(createTransactionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &SQLiteSource{db: db}, nil
}

// Add stores a transaction and returns its ID.
func (s *SQLiteSource) Add(ctx context.Context, t models.Transaction) (int64, error) {
	if t.Kind == "" {
		t.Kind = "expense"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (subject_id, amount, kind, merchant, category, memo, posted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SubjectID, t.Amount.String(), t.Kind, t.Merchant, t.Category, t.Memo, t.PostedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("add transaction: %w", err)
	}
	return res.LastInsertId()
}

// Transactions implements Source.
func (s *SQLiteSource) Transactions(ctx context.Context, subjectID string, from, to time.Time) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, amount, kind, merchant, category, memo, posted_at
		 FROM transactions WHERE subject_id = ? AND posted_at >= ? AND posted_at <= ?
		 ORDER BY posted_at ASC`,
		subjectID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.SubjectID, &amount, &t.Kind, &t.Merchant, &t.Category, &t.Memo, &t.PostedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of transaction %d: %w", t.ID, err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
