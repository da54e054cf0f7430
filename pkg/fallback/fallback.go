// Package fallback resolves model choices to provider orders and tries
// providers in order until one succeeds.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/provider"
)

// ErrAllProvidersFailed matches any *AllProvidersFailedError.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ErrUnknownModel is returned by Resolve for an unsupported model choice.
var ErrUnknownModel = errors.New("unknown model choice")

// Attempt is the outcome of trying one provider.
type Attempt struct {
	Provider models.ProviderID
	Err      error
	Duration time.Duration
	// Skipped is set when the provider is not configured and was never invoked.
	Skipped bool
}

// AllProvidersFailedError carries the reason each provider failed.
type AllProvidersFailedError struct {
	Attempts []Attempt
	// Cause is set when the run stopped early because its context ended.
	Cause error
}

func (e *AllProvidersFailedError) Error() string {
	reasons := make([]string, 0, len(e.Attempts)+1)
	for _, a := range e.Attempts {
		reasons = append(reasons, a.Err.Error())
	}
	if e.Cause != nil {
		reasons = append(reasons, e.Cause.Error())
	}
	if len(reasons) == 0 {
		return ErrAllProvidersFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAllProvidersFailed, strings.Join(reasons, "; "))
}

// Is reports whether target is ErrAllProvidersFailed.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes the per-provider errors.
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Reasons returns each attempted provider's failure message.
func (e *AllProvidersFailedError) Reasons() map[models.ProviderID]string {
	out := make(map[models.ProviderID]string, len(e.Attempts))
	for _, a := range e.Attempts {
		out[a.Provider] = a.Err.Error()
	}
	return out
}

// Controller runs provider orders.
type Controller struct {
	providers map[models.ProviderID]provider.Provider
	autoOrder []models.ProviderID
	log       logrus.FieldLogger
	now       func() time.Time
}

// New creates a Controller over providers. autoOrder is the order used for
// the "auto" choice and may only name registered providers.
func New(providers []provider.Provider, autoOrder []models.ProviderID, log logrus.FieldLogger) (*Controller, error) {
	index := make(map[models.ProviderID]provider.Provider, len(providers))
	for _, p := range providers {
		if _, dup := index[p.ID()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.ID())
		}
		index[p.ID()] = p
	}

	if len(autoOrder) == 0 {
		return nil, fmt.Errorf("auto order is empty")
	}
	for _, id := range autoOrder {
		if _, ok := index[id]; !ok {
			return nil, fmt.Errorf("auto order names unregistered provider %q", id)
		}
	}

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		providers: index,
		autoOrder: append([]models.ProviderID(nil), autoOrder...),
		log:       log.WithField("component", "fallback"),
		now:       time.Now,
	}, nil
}

// Resolve maps a model choice to the ordered providers to try.
func (c *Controller) Resolve(choice models.ModelChoice) ([]models.ProviderID, error) {
	switch choice {
	case models.ModelCloud:
		return []models.ProviderID{models.ProviderCloud}, nil
	case models.ModelLocal:
		return []models.ProviderID{models.ProviderLocal}, nil
	case models.ModelHybrid:
		return []models.ProviderID{models.ProviderCloud, models.ProviderLocal}, nil
	case models.ModelAuto:
		return append([]models.ProviderID(nil), c.autoOrder...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, choice)
	}
}

// Provider returns the registered provider with the given ID.
func (c *Controller) Provider(id models.ProviderID) (provider.Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// Run invokes each provider in order once, returning the first success. It
// stops early when ctx ends. All attempts made are returned either way.
func (c *Controller) Run(ctx context.Context, order []models.ProviderID, job *models.AnalysisJob) (*models.AnalysisResult, []Attempt, error) {
	var attempts []Attempt

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, attempts, &AllProvidersFailedError{Attempts: attempts, Cause: err}
		}

		p, ok := c.providers[id]
		if !ok {
			err := provider.NewError(id, provider.KindUnavailable, errors.New("provider not configured"))
			attempts = append(attempts, Attempt{Provider: id, Err: err, Skipped: true})
			c.log.Warnf("provider %s not configured, trying next", id)
			continue
		}

		start := c.now()
		res, err := p.Invoke(ctx, job)
		elapsed := c.now().Sub(start)

		if err == nil && res == nil {
			err = provider.NewError(id, provider.KindInvalidResponse, errors.New("no result"))
		}
		if err != nil {
			err = provider.Classify(id, err)
			attempts = append(attempts, Attempt{Provider: id, Err: err, Duration: elapsed})
			c.log.Warnf("provider %s failed: %v, trying next", id, err)
			continue
		}

		attempts = append(attempts, Attempt{Provider: id, Duration: elapsed})
		return res, attempts, nil
	}

	return nil, attempts, &AllProvidersFailedError{Attempts: attempts}
}
