package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"ledgerlens_analyze":      handleAnalyze,
	"ledgerlens_performance":  handlePerformance,
	"ledgerlens_cache_stats":  handleCacheStats,
	"ledgerlens_clear_cache":  handleClearCache,
	"ledgerlens_test_model":   handleTestModel,
	"ledgerlens_analysis_log": handleAnalysisLog,
}

func stringProp(desc string) Property {
	return Property{Type: "string", Description: desc}
}

func object(required []string, props map[string]Property) ObjectSchema {
	if props == nil {
		props = map[string]Property{}
	}
	return ObjectSchema{Type: "object", Required: required, Properties: props}
}

var minOneDay = 1

var modelProp = Property{
	Type:        "string",
	Enum:        []string{"auto", "cloud", "local", "hybrid"},
	Description: "Provider selection (optional, defaults to auto)",
}

var allTools = []ToolDefinition{
	{
		Name:        "ledgerlens_analyze",
		Description: "Run a spending pattern analysis or monthly report for a subject, served from cache when possible.",
		InputSchema: object([]string{"subject_id"}, map[string]Property{
			"subject_id":    stringProp("Subject whose transactions are analyzed"),
			"analysis_type": {Type: "string", Enum: []string{"pattern", "report"}, Description: "Analysis kind (optional, defaults to pattern)"},
			"days_back":     {Type: "integer", Minimum: &minOneDay, Description: "Look-back window in days (optional)"},
			"model":         modelProp,
			"force_refresh": {Type: "boolean", Description: "Recompute even when a cached result exists"},
		}),
	},
	{
		Name:        "ledgerlens_performance",
		Description: "Show provider invocation counts, success rate and cache size.",
		InputSchema: object(nil, nil),
	},
	{
		Name:        "ledgerlens_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, evictions, hit rate).",
		InputSchema: object(nil, nil),
	},
	{
		Name:        "ledgerlens_clear_cache",
		Description: "Drop cached analyses for one subject, or all of them.",
		InputSchema: object(nil, map[string]Property{
			"subject_id": stringProp("Subject to clear (optional, omit to clear everything)"),
		}),
	},
	{
		Name:        "ledgerlens_test_model",
		Description: "Invoke each provider behind a model choice with synthetic transactions. Bypasses cache and telemetry.",
		InputSchema: object(nil, map[string]Property{"model": modelProp}),
	},
	{
		Name:        "ledgerlens_analysis_log",
		Description: "Search the analysis log with optional filters.",
		InputSchema: object(nil, map[string]Property{
			"subject_id": stringProp("Filter by subject (optional)"),
			"provider":   stringProp("Filter by provider used (optional)"),
			"status":     {Type: "string", Enum: []string{"success", "error"}, Description: "Filter by status (optional)"},
			"since":      stringProp("Start date in YYYY-MM-DD format (optional)"),
			"limit":      {Type: "integer", Description: "Maximum entries (optional, defaults to 50)"},
		}),
	},
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

type analyzeArgs struct {
	SubjectID    string `json:"subject_id"`
	AnalysisType string `json:"analysis_type"`
	DaysBack     int    `json:"days_back"`
	Model        string `json:"model"`
	ForceRefresh bool   `json:"force_refresh"`
}

func handleAnalyze(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args analyzeArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" {
		return errorResult("subject_id is required")
	}
	model, err := models.ParseModelChoice(args.Model)
	if err != nil {
		return errorResult(err.Error())
	}
	if args.DaysBack == 0 {
		args.DaysBack = s.opts.DefaultDaysBack
	}
	if args.AnalysisType == "" {
		args.AnalysisType = string(models.AnalysisPattern)
	}
	req := models.AnalysisRequest{
		SubjectID: args.SubjectID,
		Type:      models.AnalysisType(args.AnalysisType),
		DaysBack:  args.DaysBack,
		Model:     model,
	}
	analyze := s.engine.Analyze
	if args.ForceRefresh {
		analyze = s.engine.Refresh
	}
	out, err := analyze(ctx, req)
	if err != nil {
		return errorResult("Analysis failed: " + err.Error())
	}
	return textResult(formatOutcome(out.Result, out.Cached))
}

func handlePerformance(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatPerformance(s.engine.Performance()))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatCacheStats(s.engine.CacheStats()))
}

type clearCacheArgs struct {
	SubjectID string `json:"subject_id"`
}

func handleClearCache(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args clearCacheArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	n := s.engine.ClearCache(args.SubjectID)
	return textResult(formatCleared(n, args.SubjectID))
}

type testModelArgs struct {
	Model string `json:"model"`
}

func handleTestModel(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args testModelArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	model, err := models.ParseModelChoice(args.Model)
	if err != nil {
		return errorResult(err.Error())
	}
	report, err := s.engine.TestModel(ctx, model)
	if err != nil {
		return errorResult("Test failed: " + err.Error())
	}
	res := textResult(formatTestReport(report))
	res.IsError = !report.OK
	return res
}

type analysisLogArgs struct {
	SubjectID string `json:"subject_id"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

func handleAnalysisLog(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.logs == nil {
		return textResult("Analysis logging is not configured.")
	}
	var args analysisLogArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	opts := models.AuditQueryOpts{
		SubjectID: args.SubjectID,
		Provider:  models.ProviderID(args.Provider),
		Status:    models.AnalysisStatus(args.Status),
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.logs.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching analysis log: " + err.Error())
	}
	return textResult(formatLogEntries(entries))
}
