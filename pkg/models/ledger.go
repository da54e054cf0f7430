package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single ledger movement for a subject.
type Transaction struct {
	ID        int64           `json:"id"`
	SubjectID string          `json:"subject_id"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      string          `json:"kind"`
	Merchant  string          `json:"merchant"`
	Category  string          `json:"category"`
	Memo      string          `json:"memo,omitempty"`
	PostedAt  time.Time       `json:"posted_at"`
}

// CategorySummary aggregates transactions in one category.
type CategorySummary struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// LedgerSummary is the condensed view of a subject's transactions that
// providers analyze.
type LedgerSummary struct {
	From              time.Time                  `json:"from"`
	To                time.Time                  `json:"to"`
	TotalTransactions int                        `json:"total_transactions"`
	TotalAmount       decimal.Decimal            `json:"total_amount"`
	Categories        map[string]CategorySummary `json:"categories"`
}
