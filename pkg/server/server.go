// Package server exposes the analysis engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/analysis"
	"github.com/ledgerlens/ledgerlens/pkg/config"
	"github.com/ledgerlens/ledgerlens/pkg/fallback"
	"github.com/ledgerlens/ledgerlens/pkg/metrics"
	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/schedule"
)

// SubjectHeader carries the authenticated subject. Authentication happens
// in front of this server.
const SubjectHeader = "X-Ledgerlens-Subject"

const maxBodyBytes = 1 << 20

// Server is the ledgerlens HTTP API.
type Server struct {
	cfg     *config.Config
	orch    *analysis.Orchestrator
	sched   *schedule.Store
	metrics *metrics.Collector
	log     logrus.FieldLogger
	mux     *http.ServeMux
}

// New creates a Server. A nil schedule store disables the schedule routes and
// a nil collector disables the metrics endpoint.
func New(cfg *config.Config, orch *analysis.Orchestrator, sched *schedule.Store, m *metrics.Collector, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		sched:   sched,
		metrics: m,
		log:     log.WithField("component", "server"),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/ai/analyze", s.handleAnalyze)
	s.mux.HandleFunc("/api/ai/performance", s.handlePerformance)
	s.mux.HandleFunc("/api/ai/test-analysis", s.handleTestAnalysis)
	s.mux.HandleFunc("/api/ai/clear-cache", s.handleClearCache)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if sched != nil {
		s.mux.HandleFunc("/api/ai/schedule", s.handleCreateSchedule)
		s.mux.HandleFunc("/api/ai/schedules", s.handleListSchedules)
		s.mux.HandleFunc("/api/ai/schedule/{id}", s.handleDeleteSchedule)
	}
	if cfg.Metrics.Enabled && m != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle(path, m.Handler())
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("ledgerlens listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type analyzeRequest struct {
	AnalysisType string `json:"analysis_type"`
	DaysBack     int    `json:"days_back"`
	Model        string `json:"model"`
	ForceRefresh bool   `json:"force_refresh"`
}

type analyzeResponse struct {
	Result *models.AnalysisResult `json:"result"`
	Cached bool                   `json:"cached"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
	if subject == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing subject")
		return
	}

	var body analyzeRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	model, err := models.ParseModelChoice(body.Model)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.DaysBack == 0 {
		body.DaysBack = s.cfg.Analysis.DefaultDaysBack
	}
	if body.AnalysisType == "" {
		body.AnalysisType = string(models.AnalysisPattern)
	}

	req := models.AnalysisRequest{
		SubjectID: subject,
		Type:      models.AnalysisType(body.AnalysisType),
		DaysBack:  body.DaysBack,
		Model:     model,
	}
	analyze := s.orch.Analyze
	if body.ForceRefresh {
		analyze = s.orch.Refresh
	}
	out, err := analyze(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			s.log.WithField("subject", subject).Warnf("analyze failed: %v", err)
		}
		writeJSONError(w, code, err.Error())
		return
	}

	if out.Cached {
		w.Header().Set("X-Ledgerlens-Cache", "hit")
	} else {
		w.Header().Set("X-Ledgerlens-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Result: out.Result, Cached: out.Cached})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Performance())
}

type testAnalysisRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleTestAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body testAnalysisRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	model, err := models.ParseModelChoice(body.Model)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.orch.TestModel(r.Context(), model)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type clearCacheResponse struct {
	Cleared int    `json:"cleared"`
	Subject string `json:"subject,omitempty"`
}

// handleClearCache clears the caller's entries when a subject is supplied,
// otherwise the whole cache.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
	n := s.orch.ClearCache(subject)
	writeJSON(w, http.StatusOK, clearCacheResponse{Cleared: n, Subject: subject})
}

type scheduleRequest struct {
	TaskType       string `json:"task_type"`
	ScheduleType   string `json:"schedule_type"`
	CronExpression string `json:"cron_expression"`
	Model          string `json:"model"`
}

type scheduleListResponse struct {
	Schedules []models.Schedule `json:"schedules"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
	if subject == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing subject")
		return
	}

	var body scheduleRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.sched.Create(r.Context(), models.Schedule{
		SubjectID: subject,
		Task:      models.TaskType(body.TaskType),
		Frequency: models.Frequency(body.ScheduleType),
		CronExpr:  body.CronExpression,
		Model:     models.ModelChoice(body.Model),
	})
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
	if subject == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing subject")
		return
	}

	list, err := s.sched.List(r.Context(), subject)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	if list == nil {
		list = []models.Schedule{}
	}
	writeJSON(w, http.StatusOK, scheduleListResponse{Schedules: list})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
	if subject == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing subject")
		return
	}

	id := r.PathValue("id")
	if err := s.sched.Deactivate(r.Context(), id, subject); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deactivated"})
}

func (s *Server) writeScheduleError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, schedule.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, schedule.ErrForbidden):
		code = http.StatusForbidden
	default:
		s.log.Warnf("schedule request failed: %v", err)
	}
	writeJSONError(w, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, fallback.ErrAllProvidersFailed), errors.Is(err, analysis.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"ledgerlens_error","code":%d}}`, message, code)
}
