// Package schedule runs recurring analyses for subjects.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// reportDaysBack is the window of a scheduled report.
const reportDaysBack = 30

var (
	// ErrInvalid matches every schedule validation failure.
	ErrInvalid = errors.New("invalid schedule")
	// ErrNotFound is returned for an unknown schedule ID.
	ErrNotFound = errors.New("schedule not found")
	// ErrForbidden is returned when a subject touches another subject's schedule.
	ErrForbidden = errors.New("schedule belongs to another subject")
)

// Normalize validates s and fills in defaults.
func Normalize(s models.Schedule) (models.Schedule, error) {
	s.SubjectID = strings.TrimSpace(s.SubjectID)
	if s.SubjectID == "" {
		return s, fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	if !s.Task.Valid() {
		return s, fmt.Errorf("%w: unknown task type %q (use %s or %s)", ErrInvalid, s.Task, models.TaskReport, models.TaskMonthly)
	}
	if !s.Frequency.Valid() {
		return s, fmt.Errorf("%w: unknown schedule type %q", ErrInvalid, s.Frequency)
	}
	s.CronExpr = strings.TrimSpace(s.CronExpr)
	if s.Frequency == models.FrequencyCron {
		if s.CronExpr == "" {
			return s, fmt.Errorf("%w: cron schedules need a cron expression", ErrInvalid)
		}
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return s, fmt.Errorf("%w: cron expression: %v", ErrInvalid, err)
		}
	} else {
		s.CronExpr = ""
	}
	model, err := models.ParseModelChoice(string(s.Model))
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.Model = model
	return s, nil
}

// Next returns the first run time of s after from.
func Next(s models.Schedule, from time.Time) (time.Time, error) {
	switch s.Frequency {
	case models.FrequencyDaily:
		return from.AddDate(0, 0, 1), nil
	case models.FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case models.FrequencyMonthly:
		return from.AddDate(0, 1, 0), nil
	case models.FrequencyCron:
		sched, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron expression: %v", ErrInvalid, err)
		}
		next := sched.Next(from)
		if next.IsZero() {
			return next, fmt.Errorf("%w: cron expression %q never fires", ErrInvalid, s.CronExpr)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalid, s.Frequency)
	}
}

// Request builds the analysis request a run of s at now performs.
func Request(s models.Schedule, now time.Time) models.AnalysisRequest {
	req := models.AnalysisRequest{SubjectID: s.SubjectID, Model: s.Model}
	switch s.Task {
	case models.TaskMonthly:
		req.Type = models.AnalysisPattern
		req.DaysBack = now.Day()
	default:
		req.Type = models.AnalysisReport
		req.DaysBack = reportDaysBack
	}
	return req
}
