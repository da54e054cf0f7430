package models

import "time"

// AnalysisStatus is the terminal state of a computation.
type AnalysisStatus string

const (
	StatusSuccess AnalysisStatus = "success"
	StatusError   AnalysisStatus = "error"
)

// AnalysisLogEntry records one computed analysis (cache hits are not logged).
type AnalysisLogEntry struct {
	ID             string         `json:"id"`
	SubjectID      string         `json:"subject_id"`
	Fingerprint    string         `json:"fingerprint"`
	AnalysisType   AnalysisType   `json:"analysis_type"`
	DaysBack       int            `json:"days_back"`
	RequestedModel ModelChoice    `json:"requested_model"`
	Provider       ProviderID     `json:"provider,omitempty"`
	Status         AnalysisStatus `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Attempts       int            `json:"attempts"`
	LatencyMs      int64          `json:"latency_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditConfig controls the analysis log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying the analysis log.
type AuditQueryOpts struct {
	SubjectID string
	Provider  ProviderID
	Status    AnalysisStatus
	Since     time.Time
	Limit     int
}

// AuditStat holds aggregate counts for a provider/day/status combination.
type AuditStat struct {
	Provider ProviderID
	Day      string
	Status   AnalysisStatus
	Count    int
}
