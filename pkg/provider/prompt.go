package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

const (
	patternSystemPrompt = "You are a personal finance analyst. Analyze the user's transactions, " +
		"identify spending patterns and give practical advice. Respond with JSON only."
	reportSystemPrompt = "You write monthly personal finance reports from summarized spending data. " +
		"Respond with JSON only."
)

const patternSchema = `{
  "summary": "two or three sentences on overall spending",
  "category_analysis": {
    "<category>": {"percentage": 0.0, "insight": "observation about this category"}
  },
  "spending_habits": ["habit"],
  "recommendations": ["concrete recommendation"]
}`

const reportSchema = `{
  "title": "report title",
  "executive_summary": "short overview of the period",
  "key_metrics": {
    "total_spending": 0,
    "transaction_count": 0,
    "most_spent_category": "category"
  },
  "category_breakdown": {
    "<category>": {"amount": 0, "percentage": 0.0, "analysis": "comment"}
  },
  "insights": ["insight"],
  "next_month_goals": ["goal"]
}`

// BuildPrompt returns the system and user prompts for job.
func BuildPrompt(job *models.AnalysisJob) (system, user string) {
	var b strings.Builder
	l := job.Ledger

	fmt.Fprintf(&b, "Period: last %d days", job.Request.DaysBack)
	if !l.From.IsZero() {
		fmt.Fprintf(&b, " (%s to %s)", l.From.Format("2006-01-02"), l.To.Format("2006-01-02"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Transactions: %d\n", l.TotalTransactions)
	fmt.Fprintf(&b, "Total spending: %s\n", l.TotalAmount.StringFixed(0))

	if len(l.Categories) > 0 {
		b.WriteString("By category:\n")
		for _, name := range categoriesByAmount(l) {
			c := l.Categories[name]
			fmt.Fprintf(&b, "- %s: %s (%d transactions)\n", name, c.Amount.StringFixed(0), c.Count)
		}
	}
	b.WriteString("\n")

	if job.Request.Type == models.AnalysisReport {
		b.WriteString("Write a monthly report. Return exactly this JSON shape with no markdown:\n")
		b.WriteString(reportSchema)
		return reportSystemPrompt, b.String()
	}

	b.WriteString("Analyze the spending patterns. Return exactly this JSON shape with no markdown:\n")
	b.WriteString(patternSchema)
	return patternSystemPrompt, b.String()
}

func categoriesByAmount(l models.LedgerSummary) []string {
	names := make([]string, 0, len(l.Categories))
	for name := range l.Categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := l.Categories[names[i]].Amount, l.Categories[names[j]].Amount
		if !ai.Equal(aj) {
			return ai.GreaterThan(aj)
		}
		return names[i] < names[j]
	})
	return names
}

// extractJSON strips markdown fences and any prose around the outermost JSON
// object in a model reply.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// DecodePayload validates a model reply for the given analysis type and
// returns it re-encoded in canonical form.
func DecodePayload(typ models.AnalysisType, reply string) (json.RawMessage, error) {
	raw := []byte(extractJSON(reply))

	var v any
	switch typ {
	case models.AnalysisPattern:
		var p models.PatternAnalysis
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode pattern analysis: %w", err)
		}
		if strings.TrimSpace(p.Summary) == "" {
			return nil, errors.New("pattern analysis missing summary")
		}
		v = p
	case models.AnalysisReport:
		var r models.MonthlyReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode monthly report: %w", err)
		}
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.ExecutiveSummary) == "" {
			return nil, errors.New("monthly report missing title or executive summary")
		}
		v = r
	default:
		return nil, fmt.Errorf("unsupported analysis type %q", typ)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
