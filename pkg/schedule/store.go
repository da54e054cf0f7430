package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Store keeps schedules in SQLite. Times are stored as Unix seconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const createScheduleTable = `
CREATE TABLE IF NOT EXISTS analysis_schedules (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	frequency TEXT NOT NULL,
	cron_expr TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	next_run_at INTEGER NOT NULL,
	last_run_at INTEGER,
	last_status TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON analysis_schedules(active, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedules_subject ON analysis_schedules(subject_id);
`

const scheduleColumns = `id, subject_id, task_type, frequency, cron_expr, model, active,
	next_run_at, last_run_at, last_status, last_error, created_at`

// NewStore opens the schedule store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open schedule db: %w", err)
	}

	if _, err := db.Exec(createScheduleTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schedule db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Create validates s, assigns its ID and first run time, and stores it.
func (s *Store) Create(ctx context.Context, sched models.Schedule) (models.Schedule, error) {
	sched, err := Normalize(sched)
	if err != nil {
		return sched, err
	}
	now := s.now().UTC().Truncate(time.Second)
	next, err := Next(sched, now)
	if err != nil {
		return sched, err
	}
	sched.ID = uuid.New().String()
	sched.Active = true
	sched.NextRunAt = next
	sched.CreatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_schedules (id, subject_id, task_type, frequency, cron_expr, model, active, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sched.ID, sched.SubjectID, string(sched.Task), string(sched.Frequency), sched.CronExpr,
		string(sched.Model), next.Unix(), now.Unix(),
	)
	if err != nil {
		return sched, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}

// Get returns the schedule with the given ID.
func (s *Store) Get(ctx context.Context, id string) (models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM analysis_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sched, ErrNotFound
	}
	return sched, err
}

// List returns a subject's schedules, oldest first. An empty subjectID lists
// every subject's.
func (s *Store) List(ctx context.Context, subjectID string) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM analysis_schedules`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY created_at, id`
	return s.query(ctx, query, args...)
}

// Due returns the active schedules whose next run is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	return s.query(ctx,
		`SELECT `+scheduleColumns+` FROM analysis_schedules
		 WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at, id`, now.Unix())
}

// Deactivate stops the schedule from running. subjectID must own it; an
// empty subjectID skips the ownership check.
func (s *Store) Deactivate(ctx context.Context, id, subjectID string) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if subjectID != "" && sched.SubjectID != subjectID {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE analysis_schedules SET active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate schedule: %w", err)
	}
	return nil
}

// MarkRun records the outcome of a run and the next run time.
func (s *Store) MarkRun(ctx context.Context, id string, ranAt time.Time, status models.AnalysisStatus, errMsg string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_schedules SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ? WHERE id = ?`,
		ranAt.Unix(), string(status), errMsg, next.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (models.Schedule, error) {
	var (
		sched                     models.Schedule
		task, freq, model, status string
		active                    int
		nextRun, createdAt        int64
		lastRun                   sql.NullInt64
	)
	err := row.Scan(&sched.ID, &sched.SubjectID, &task, &freq, &sched.CronExpr, &model, &active,
		&nextRun, &lastRun, &status, &sched.LastError, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sched, err
		}
		return sched, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Task = models.TaskType(task)
	sched.Frequency = models.Frequency(freq)
	sched.Model = models.ModelChoice(model)
	sched.LastStatus = models.AnalysisStatus(status)
	sched.Active = active == 1
	sched.NextRunAt = time.Unix(nextRun, 0).UTC()
	sched.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastRun.Valid {
		t := time.Unix(lastRun.Int64, 0).UTC()
		sched.LastRunAt = &t
	}
	return sched, nil
}
