package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

func TestNormalize(t *testing.T) {
	valid := models.Schedule{SubjectID: "u1", Task: models.TaskReport, Frequency: models.FrequencyDaily}

	tests := []struct {
		name   string
		mutate func(*models.Schedule)
	}{
		{"missing subject", func(s *models.Schedule) { s.SubjectID = " " }},
		{"unknown task", func(s *models.Schedule) { s.Task = "transaction_sync" }},
		{"unknown frequency", func(s *models.Schedule) { s.Frequency = "hourly" }},
		{"cron without expression", func(s *models.Schedule) { s.Frequency = models.FrequencyCron }},
		{"bad cron expression", func(s *models.Schedule) { s.Frequency = models.FrequencyCron; s.CronExpr = "61 * * * *" }},
		{"unknown model", func(s *models.Schedule) { s.Model = "gpt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			if _, err := Normalize(s); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	s := valid
	s.Model = "gemini"
	s.CronExpr = "0 9 * * *"
	got, err := Normalize(s)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Model != models.ModelCloud {
		t.Errorf("expected gemini to map to cloud, got %s", got.Model)
	}
	if got.CronExpr != "" {
		t.Errorf("expected cron expression dropped for daily schedule, got %q", got.CronExpr)
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		freq models.Frequency
		expr string
		want time.Time
	}{
		{models.FrequencyDaily, "", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{models.FrequencyWeekly, "", time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)},
		{models.FrequencyMonthly, "", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		{models.FrequencyCron, "0 9 * * *", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{models.FrequencyCron, "30 11 * * *", time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := Next(models.Schedule{Frequency: tt.freq, CronExpr: tt.expr}, from)
		if err != nil {
			t.Fatalf("Next(%s %q): %v", tt.freq, tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("Next(%s %q) = %v, want %v", tt.freq, tt.expr, got, tt.want)
		}
	}
}

func TestRequest(t *testing.T) {
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

	report := Request(models.Schedule{SubjectID: "u1", Task: models.TaskReport, Model: models.ModelLocal}, now)
	if report.Type != models.AnalysisReport || report.DaysBack != 30 || report.Model != models.ModelLocal {
		t.Errorf("unexpected report request: %+v", report)
	}

	monthly := Request(models.Schedule{SubjectID: "u1", Task: models.TaskMonthly}, now)
	if monthly.Type != models.AnalysisPattern || monthly.DaysBack != 12 {
		t.Errorf("unexpected monthly request: %+v", monthly)
	}
}

func TestNextAfterSkipsMissedRuns(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := models.Schedule{Frequency: models.FrequencyDaily, NextRunAt: base}

	got, err := nextAfter(s, base.Add(3*24*time.Hour+time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if want := base.Add(4 * 24 * time.Hour); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
