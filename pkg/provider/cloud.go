package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// generator is the part of an eino chat model the cloud provider uses.
type generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// CloudConfig configures the hosted provider.
type CloudConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	Retry             RetryPolicy
}

// Cloud calls a hosted model through an OpenAI-compatible chat endpoint.
type Cloud struct {
	cfg     CloudConfig
	model   generator
	limiter *rate.Limiter
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewCloud builds the cloud provider. A missing API key is not an error
// here; every invocation then fails as unavailable.
func NewCloud(ctx context.Context, cfg CloudConfig, log logrus.FieldLogger) (*Cloud, error) {
	c := newCloud(cfg, nil, log)
	if cfg.APIKey == "" {
		c.log.Warn("no API key configured, cloud provider disabled")
		return c, nil
	}

	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init cloud chat model: %w", err)
	}
	c.model = cm
	return c, nil
}

func newCloud(cfg CloudConfig, gen generator, log logrus.FieldLogger) *Cloud {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cloud{
		cfg:     cfg,
		model:   gen,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.WithField("provider", models.ProviderCloud),
		now:     time.Now,
	}
}

// ID implements Provider.
func (c *Cloud) ID() models.ProviderID { return models.ProviderCloud }

// Invoke implements Provider.
func (c *Cloud) Invoke(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	if c.model == nil {
		return nil, NewError(models.ProviderCloud, KindUnavailable, errors.New("no API key configured"))
	}

	system, user := BuildPrompt(job)
	messages := []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: user},
	}

	var result *models.AnalysisResult
	err := c.cfg.Retry.do(ctx, c.log, func(ctx context.Context) error {
		if !c.limiter.Allow() {
			return NewError(models.ProviderCloud, KindRateLimited, errors.New("request budget exhausted"))
		}

		callCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}

		resp, err := c.model.Generate(callCtx, messages)
		if err != nil {
			return classifyCloud(err)
		}
		if resp == nil {
			return NewError(models.ProviderCloud, KindInvalidResponse, errors.New("empty reply"))
		}

		payload, err := DecodePayload(job.Request.Type, resp.Content)
		if err != nil {
			return NewError(models.ProviderCloud, KindInvalidResponse, err)
		}
		result = &models.AnalysisResult{
			Type:       job.Request.Type,
			Payload:    payload,
			Provider:   models.ProviderCloud,
			ComputedAt: c.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyCloud maps chat client errors, which carry the HTTP status only in
// their message, onto provider error kinds.
func classifyCloud(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(models.ProviderCloud, KindTimeout, err)
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource_exhausted"):
		return NewError(models.ProviderCloud, KindRateLimited, err)
	default:
		return Classify(models.ProviderCloud, err)
	}
}
