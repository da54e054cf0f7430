// Package ledger supplies the transaction summaries that analyses run over.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// UncategorizedLabel is used for transactions without a category.
const UncategorizedLabel = "other"

// Source returns a subject's transactions posted in [from, to].
type Source interface {
	Transactions(ctx context.Context, subjectID string, from, to time.Time) ([]models.Transaction, error)
}

// Summarize condenses txns into per-category counts and totals.
func Summarize(txns []models.Transaction, from, to time.Time) models.LedgerSummary {
	s := models.LedgerSummary{
		From:        from,
		To:          to,
		TotalAmount: decimal.Zero,
		Categories:  make(map[string]models.CategorySummary),
	}
	for _, t := range txns {
		cat := strings.TrimSpace(t.Category)
		if cat == "" {
			cat = UncategorizedLabel
		}
		c := s.Categories[cat]
		c.Count++
		c.Amount = c.Amount.Add(t.Amount)
		s.Categories[cat] = c

		s.TotalTransactions++
		s.TotalAmount = s.TotalAmount.Add(t.Amount)
	}
	return s
}

// Window returns the [from, to] range covering the last daysBack days.
func Window(now time.Time, daysBack int) (from, to time.Time) {
	return now.AddDate(0, 0, -daysBack), now
}

// Load summarizes the subject's last daysBack days from src. A nil source
// yields an empty summary.
func Load(ctx context.Context, src Source, subjectID string, daysBack int, now time.Time) (models.LedgerSummary, error) {
	from, to := Window(now, daysBack)
	if src == nil {
		return Summarize(nil, from, to), nil
	}
	txns, err := src.Transactions(ctx, subjectID, from, to)
	if err != nil {
		return models.LedgerSummary{}, fmt.Errorf("load transactions for %s: %w", subjectID, err)
	}
	return Summarize(txns, from, to), nil
}

// Synthetic returns the three fixed transactions used by diagnostic runs.
func Synthetic(now time.Time) []models.Transaction {
	return []models.Transaction{
		{ID: 1, SubjectID: "diagnostic", Amount: decimal.NewFromInt(15000), Kind: "expense", Merchant: "Corner Coffee", Category: "coffee", PostedAt: now.AddDate(0, 0, -1)},
		{ID: 2, SubjectID: "diagnostic", Amount: decimal.NewFromInt(50000), Kind: "expense", Merchant: "Fresh Market", Category: "grocery", PostedAt: now.AddDate(0, 0, -2)},
		{ID: 3, SubjectID: "diagnostic", Amount: decimal.NewFromInt(8000), Kind: "expense", Merchant: "Metro Card", Category: "transit", PostedAt: now.AddDate(0, 0, -3)},
	}
}
