package models

import (
	"fmt"
	"strings"
)

// AnalysisType selects the kind of analysis a provider produces.
type AnalysisType string

const (
	AnalysisPattern AnalysisType = "pattern"
	AnalysisReport  AnalysisType = "report"
)

// Valid reports whether t is a supported analysis type.
func (t AnalysisType) Valid() bool {
	return t == AnalysisPattern || t == AnalysisReport
}

// ModelChoice is the caller's provider preference.
type ModelChoice string

const (
	ModelAuto   ModelChoice = "auto"
	ModelCloud  ModelChoice = "cloud"
	ModelLocal  ModelChoice = "local"
	ModelHybrid ModelChoice = "hybrid"
)

// ParseModelChoice normalizes a model selector. An empty string means auto.
// The dashboard labels "gemini" and "ollama" map to cloud and local.
func ParseModelChoice(s string) (ModelChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModelAuto, nil
	case "cloud", "gemini":
		return ModelCloud, nil
	case "local", "ollama":
		return ModelLocal, nil
	case "hybrid":
		return ModelHybrid, nil
	default:
		return "", fmt.Errorf("unknown model %q", s)
	}
}

// ProviderID identifies a model provider.
type ProviderID string

const (
	ProviderCloud ProviderID = "cloud"
	ProviderLocal ProviderID = "local"
)

// Valid reports whether p is a known provider.
func (p ProviderID) Valid() bool {
	return p == ProviderCloud || p == ProviderLocal
}

// AnalysisRequest is one caller's request for an analysis. It is never mutated
// after construction.
type AnalysisRequest struct {
	SubjectID string       `json:"subject_id"`
	Type      AnalysisType `json:"analysis_type"`
	DaysBack  int          `json:"days_back"`
	Model     ModelChoice  `json:"model"`
}

// AnalysisJob is what a provider receives: the request plus the ledger
// summary it should analyze.
type AnalysisJob struct {
	Request AnalysisRequest `json:"request"`
	Ledger  LedgerSummary   `json:"ledger"`
}
