package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// preferredLocalModel is chosen from the server's model list when no model is
// configured.
const preferredLocalModel = "llama3"

// LocalConfig configures the Ollama provider.
type LocalConfig struct {
	URL        string
	Model      string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
}

// Local calls a self-hosted Ollama server.
type Local struct {
	cfg    LocalConfig
	client *http.Client
	log    logrus.FieldLogger
	now    func() time.Time

	mu    sync.Mutex
	model string
}

// NewLocal builds the local provider.
func NewLocal(cfg LocalConfig, log logrus.FieldLogger) *Local {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Local{
		cfg:    cfg,
		client: client,
		log:    log.WithField("provider", models.ProviderLocal),
		now:    time.Now,
		model:  cfg.Model,
	}
}

// ID implements Provider.
func (l *Local) ID() models.ProviderID { return models.ProviderLocal }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Models lists the models installed on the server.
func (l *Local) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, NewError(models.ProviderLocal, KindUnavailable, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, Classify(models.ProviderLocal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, NewError(models.ProviderLocal, KindInvalidResponse, fmt.Errorf("decode tags: %w", err))
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// resolveModel returns the configured model, or picks one from the server
// and remembers it.
func (l *Local) resolveModel(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != "" {
		return l.model, nil
	}

	names, err := l.Models(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", NewError(models.ProviderLocal, KindUnavailable, errors.New("no models installed"))
	}

	chosen := names[0]
	for _, n := range names {
		if strings.HasPrefix(n, preferredLocalModel) {
			chosen = n
			break
		}
	}
	l.log.Infof("using local model %s", chosen)
	l.model = chosen
	return chosen, nil
}

// Invoke implements Provider.
func (l *Local) Invoke(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	var result *models.AnalysisResult
	err := l.cfg.Retry.do(ctx, l.log, func(ctx context.Context) error {
		callCtx := ctx
		if l.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
			defer cancel()
		}

		modelName, err := l.resolveModel(callCtx)
		if err != nil {
			return err
		}

		reply, err := l.generate(callCtx, modelName, job)
		if err != nil {
			return err
		}

		payload, err := DecodePayload(job.Request.Type, reply)
		if err != nil {
			return NewError(models.ProviderLocal, KindInvalidResponse, err)
		}
		result = &models.AnalysisResult{
			Type:       job.Request.Type,
			Payload:    payload,
			Provider:   models.ProviderLocal,
			ComputedAt: l.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Local) generate(ctx context.Context, modelName string, job *models.AnalysisJob) (string, error) {
	system, user := BuildPrompt(job)
	body, err := json.Marshal(generateRequest{
		Model:  modelName,
		Prompt: user,
		System: system,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return "", NewError(models.ProviderLocal, KindUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint("/api/generate"), bytes.NewReader(body))
	if err != nil {
		return "", NewError(models.ProviderLocal, KindUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", Classify(models.ProviderLocal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", NewError(models.ProviderLocal, KindTimeout, err)
		}
		return "", NewError(models.ProviderLocal, KindInvalidResponse, fmt.Errorf("decode generate response: %w", err))
	}
	return gen.Response, nil
}

func (l *Local) endpoint(path string) string {
	return strings.TrimRight(l.cfg.URL, "/") + path
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests {
		return NewError(models.ProviderLocal, KindRateLimited, err)
	}
	return NewError(models.ProviderLocal, KindUnavailable, err)
}
