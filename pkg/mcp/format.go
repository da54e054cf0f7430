package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// formatOutcome renders an analysis result with its provenance.
func formatOutcome(res *models.AnalysisResult, cached bool) string {
	source := "computed"
	if cached {
		source = "cached"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s analysis by %s (%s at %s)\n\n",
		res.Type, res.Provider, source, res.ComputedAt.Format("2006-01-02 15:04:05"))

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, res.Payload, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(res.Payload)
	}
	b.Write(pretty.Bytes())
	b.WriteString("\n")
	return b.String()
}

// formatPerformance formats the performance snapshot as a text table.
func formatPerformance(snap models.PerformanceSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyses: %d  Success rate: %.1f%%  Cache size: %d\n\n",
		snap.TotalAnalyses, snap.SuccessRate*100, snap.CacheSize)
	if len(snap.PerProvider) == 0 {
		b.WriteString("No provider invocations recorded.")
		return b.String()
	}
	fmt.Fprintf(&b, "%-10s %12s %10s %8s\n", "Provider", "Invocations", "Successes", "Errors")
	b.WriteString(strings.Repeat("-", 43) + "\n")
	for _, r := range snap.PerProvider {
		fmt.Fprintf(&b, "%-10s %12d %10d %8d\n", r.Provider, r.Invocations, r.Successes, r.Errors)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:   %d / %d\n"+
		"  Hits:      %d\n"+
		"  Misses:    %d\n"+
		"  Evictions: %d\n"+
		"  Hit Rate:  %.1f%%\n",
		stats.Entries, stats.Capacity, stats.Hits, stats.Misses, stats.Evictions, hitRate)
}

func formatCleared(n int, subjectID string) string {
	if subjectID == "" {
		return fmt.Sprintf("Cleared %d cached analyses.", n)
	}
	return fmt.Sprintf("Cleared %d cached analyses for %s.", n, subjectID)
}

// formatTestReport formats per-provider diagnostic checks.
func formatTestReport(r *models.TestReport) string {
	var b strings.Builder
	verdict := "FAILED"
	if r.OK {
		verdict = "OK"
	}
	fmt.Fprintf(&b, "Model %s: %s\n\n", r.Model, verdict)
	fmt.Fprintf(&b, "%-10s %-6s %10s  %s\n", "Provider", "Status", "Latency", "Error")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, c := range r.Checks {
		status := "fail"
		if c.OK {
			status = "ok"
		}
		fmt.Fprintf(&b, "%-10s %-6s %8dms  %s\n", c.Provider, status, c.LatencyMs, c.Error)
	}
	return b.String()
}

// formatLogEntries formats analysis log entries as a text table.
func formatLogEntries(entries []models.AnalysisLogEntry) string {
	if len(entries) == 0 {
		return "No analysis log entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-8s %5s %-8s %-8s %-8s %8s\n",
		"Time", "Subject", "Type", "Days", "Model", "Provider", "Status", "Latency")
	b.WriteString(strings.Repeat("-", 92) + "\n")
	for _, e := range entries {
		subject := e.SubjectID
		if len(subject) > 16 {
			subject = subject[:13] + "..."
		}
		provider := string(e.Provider)
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(&b, "%-20s %-16s %-8s %5d %-8s %-8s %-8s %6dms\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), subject, e.AnalysisType, e.DaysBack,
			e.RequestedModel, provider, e.Status, e.LatencyMs)
		if e.ErrorMessage != "" {
			fmt.Fprintf(&b, "    %s\n", e.ErrorMessage)
		}
	}
	return b.String()
}
