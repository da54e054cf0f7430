// Package provider adapts model backends to a single analysis contract.
package provider

import (
	"context"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Provider turns an analysis job into a structured result. Implementations
// return *Error on failure and have no caching or telemetry side effects.
type Provider interface {
	ID() models.ProviderID
	Invoke(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error)
}
