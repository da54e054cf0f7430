package models

// ProviderRecord holds running invocation counters for one provider.
type ProviderRecord struct {
	Provider    ProviderID `json:"provider"`
	Invocations int64      `json:"invocation_count"`
	Successes   int64      `json:"success_count"`
	Errors      int64      `json:"error_count"`
}

// PerformanceSnapshot is a point-in-time view of provider telemetry.
type PerformanceSnapshot struct {
	TotalAnalyses int64            `json:"total_analyses"`
	SuccessRate   float64          `json:"success_rate"`
	Successful    int64            `json:"successful_analyses"`
	Failed        int64            `json:"failed_analyses"`
	PerProvider   []ProviderRecord `json:"per_provider"`
	CacheSize     int              `json:"cache_size"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ProviderCheck is the outcome of a diagnostic provider invocation.
type ProviderCheck struct {
	Provider  ProviderID `json:"provider"`
	OK        bool       `json:"ok"`
	LatencyMs int64      `json:"latency_ms"`
	Error     string     `json:"error,omitempty"`
}

// TestReport is the outcome of a diagnostic run of a model choice.
type TestReport struct {
	Model  ModelChoice     `json:"model"`
	OK     bool            `json:"ok"`
	Checks []ProviderCheck `json:"checks"`
}
