package models

import "time"

// TaskType is the kind of analysis a schedule produces.
type TaskType string

const (
	// TaskReport is a report over the last 30 days.
	TaskReport TaskType = "ai_report_generation"
	// TaskMonthly is a pattern analysis of the current month so far.
	TaskMonthly TaskType = "monthly_analysis"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return t == TaskReport || t == TaskMonthly
}

// Frequency is how often a schedule runs.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCron:
		return true
	}
	return false
}

// Schedule is a recurring analysis for one subject.
type Schedule struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subject_id"`
	Task       TaskType       `json:"task_type"`
	Frequency  Frequency      `json:"schedule_type"`
	CronExpr   string         `json:"cron_expression,omitempty"`
	Model      ModelChoice    `json:"model"`
	Active     bool           `json:"active"`
	NextRunAt  time.Time      `json:"next_run_at"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastStatus AnalysisStatus `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
