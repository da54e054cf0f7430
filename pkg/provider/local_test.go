package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

type fakeOllama struct {
	models    []string
	reply     string
	status    int
	delay     time.Duration
	generates atomic.Int32
	lastModel atomic.Value
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		var resp tagsResponse
		for _, name := range f.models {
			resp.Models = append(resp.Models, struct {
				Name string `json:"name"`
			}{Name: name})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		f.generates.Add(1)
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastModel.Store(req.Model)
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-r.Context().Done():
				return
			}
		}
		if f.status != 0 {
			http.Error(w, "upstream says no", f.status)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: f.reply, Done: true})
	})
	return mux
}

func newTestLocal(t *testing.T, f *fakeOllama, cfg LocalConfig) *Local {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry(3)
	}
	return NewLocal(cfg, testLogger())
}

func TestLocalInvoke(t *testing.T) {
	f := &fakeOllama{models: []string{"mistral:7b", "llama3:8b"}, reply: validPattern}
	l := newTestLocal(t, f, LocalConfig{})

	res, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != models.ProviderLocal {
		t.Errorf("expected local provider, got %s", res.Provider)
	}
	if got := f.lastModel.Load(); got != "llama3:8b" {
		t.Errorf("expected llama3 to be preferred, got %v", got)
	}
}

func TestLocalFallsBackToFirstModel(t *testing.T) {
	f := &fakeOllama{models: []string{"mistral:7b", "phi3"}, reply: validPattern}
	l := newTestLocal(t, f, LocalConfig{})

	if _, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern)); err != nil {
		t.Fatal(err)
	}
	if got := f.lastModel.Load(); got != "mistral:7b" {
		t.Errorf("expected first model, got %v", got)
	}
}

func TestLocalConfiguredModel(t *testing.T) {
	f := &fakeOllama{reply: validPattern}
	l := newTestLocal(t, f, LocalConfig{Model: "qwen2"})

	if _, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern)); err != nil {
		t.Fatal(err)
	}
	if got := f.lastModel.Load(); got != "qwen2" {
		t.Errorf("expected configured model, got %v", got)
	}
}

func TestLocalNoModels(t *testing.T) {
	f := &fakeOllama{reply: validPattern}
	l := newTestLocal(t, f, LocalConfig{Retry: fastRetry(1)})

	_, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected unavailable with no models, got %v", err)
	}
}

func TestLocalStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusNotFound, ErrUnavailable},
	}
	for _, tt := range tests {
		f := &fakeOllama{status: tt.status}
		l := newTestLocal(t, f, LocalConfig{Model: "llama3", Retry: fastRetry(2)})

		_, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
		if got := f.generates.Load(); got != 2 {
			t.Errorf("status %d: expected 2 attempts, got %d", tt.status, got)
		}
	}
}

func TestLocalInvalidResponse(t *testing.T) {
	f := &fakeOllama{reply: "not json at all"}
	l := newTestLocal(t, f, LocalConfig{Model: "llama3"})

	_, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected invalid response, got %v", err)
	}
	if got := f.generates.Load(); got != 1 {
		t.Errorf("invalid response should not be retried, got %d calls", got)
	}
}

func TestLocalTimeout(t *testing.T) {
	f := &fakeOllama{reply: validPattern, delay: time.Second}
	l := newTestLocal(t, f, LocalConfig{Model: "llama3", Timeout: 20 * time.Millisecond})

	_, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestLocalServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := NewLocal(LocalConfig{URL: url, Model: "llama3", Retry: fastRetry(1)}, testLogger())
	_, err := l.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected unavailable, got %v", err)
	}
}
