package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisResult is a completed analysis. Results are shared by pointer
// between the cache and callers and must not be modified.
type AnalysisResult struct {
	Type       AnalysisType    `json:"analysis_type"`
	Payload    json.RawMessage `json:"payload"`
	Provider   ProviderID      `json:"provider_used"`
	ComputedAt time.Time       `json:"computed_at"`
}

// CategoryInsight is one category entry of a pattern analysis.
type CategoryInsight struct {
	Percentage float64 `json:"percentage"`
	Insight    string  `json:"insight"`
}

// PatternAnalysis is the payload of a "pattern" analysis.
type PatternAnalysis struct {
	Summary          string                     `json:"summary"`
	CategoryAnalysis map[string]CategoryInsight `json:"category_analysis"`
	SpendingHabits   []string                   `json:"spending_habits"`
	Recommendations  []string                   `json:"recommendations"`
}

// ReportMetrics holds the headline numbers of a monthly report.
type ReportMetrics struct {
	TotalSpending     decimal.Decimal `json:"total_spending"`
	TransactionCount  int             `json:"transaction_count"`
	MostSpentCategory string          `json:"most_spent_category"`
}

// CategoryBreakdown is one category entry of a monthly report.
type CategoryBreakdown struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage float64         `json:"percentage"`
	Analysis   string          `json:"analysis"`
}

// MonthlyReport is the payload of a "report" analysis.
type MonthlyReport struct {
	Title             string                       `json:"title"`
	ExecutiveSummary  string                       `json:"executive_summary"`
	KeyMetrics        ReportMetrics                `json:"key_metrics"`
	CategoryBreakdown map[string]CategoryBreakdown `json:"category_breakdown"`
	Insights          []string                     `json:"insights"`
	NextMonthGoals    []string                     `json:"next_month_goals"`
}
