// Package store persists users, research tasks, and run results in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/prospector/internal/research"
)

type Store struct {
	DB *sql.DB
}

// Run statuses persisted for research runs. A run starts as running and ends
// in one of the terminal statuses reported by the research loop.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusFailed    = "failed"
)

// Task is a stored research task. EntityTypeIDs and LinkTypeIDs scope every
// run of the task to a slice of the ontology.
type Task struct {
	ID            string
	UserID        string
	Subject       string
	Prompt        string
	StartURL      string
	EntityTypeIDs []string
	LinkTypeIDs   []string
	Model         string
	CronSpec      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Run is a stored research run. Proposals and Files hold the JSON-encoded
// run output; both are empty until the run finishes.
type Run struct {
	ID         string
	TaskID     string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      *string
	Iterations int
	Tokens     int64
	Cost       float64
	Suggestion string
	Proposals  json.RawMessage
	Files      json.RawMessage
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	costCounter, err = meter.Float64Counter("research_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("research_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Task operations

func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO research_tasks (user_id, subject, prompt, start_url, entity_type_ids, link_type_ids, model, cron_spec)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		t.UserID, t.Subject, t.Prompt, t.StartURL,
		pq.Array(t.EntityTypeIDs), pq.Array(t.LinkTypeIDs), t.Model, t.CronSpec,
	).Scan(&id)
	return id, err
}

func (s *Store) GetTask(ctx context.Context, id string, userID string) (Task, bool, error) {
	var (
		t         Task
		entityIDs pq.StringArray
		linkIDs   pq.StringArray
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, subject, prompt, start_url, entity_type_ids, link_type_ids, model, cron_spec, created_at, updated_at
FROM research_tasks
WHERE id=$1 AND user_id=$2`, id, userID).
		Scan(&t.ID, &t.UserID, &t.Subject, &t.Prompt, &t.StartURL, &entityIDs, &linkIDs, &t.Model, &t.CronSpec, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	t.EntityTypeIDs = entityIDs
	t.LinkTypeIDs = linkIDs
	return t, true, nil
}

func (s *Store) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, subject, prompt, start_url, entity_type_ids, link_type_ids, model, cron_spec, created_at, updated_at
FROM research_tasks
WHERE user_id=$1
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var (
			t         Task
			entityIDs pq.StringArray
			linkIDs   pq.StringArray
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Subject, &t.Prompt, &t.StartURL, &entityIDs, &linkIDs, &t.Model, &t.CronSpec, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.EntityTypeIDs = entityIDs
		t.LinkTypeIDs = linkIDs
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListScheduledTasks returns every task with a cron spec, across all users.
// The scheduler scans these to decide what is due.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, subject, prompt, start_url, entity_type_ids, link_type_ids, model, cron_spec, created_at, updated_at
FROM research_tasks
WHERE cron_spec <> ''
ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var (
			t         Task
			entityIDs pq.StringArray
			linkIDs   pq.StringArray
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Subject, &t.Prompt, &t.StartURL, &entityIDs, &linkIDs, &t.Model, &t.CronSpec, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.EntityTypeIDs = entityIDs
		t.LinkTypeIDs = linkIDs
		out = append(out, t)
	}
	return out, rows.Err()
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, taskID string, status string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO research_runs (task_id, status) VALUES ($1,$2) RETURNING id`, taskID, status).Scan(&id)
	return id, err
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE research_runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`, status, errMsg, runID)
	return err
}

// SaveRunResult records the full outcome of a finished run, including the
// JSON-encoded proposals and accessed files, and marks it finished.
func (s *Store) SaveRunResult(ctx context.Context, runID string, res research.Result) error {
	proposals, err := json.Marshal(res.Proposals)
	if err != nil {
		return fmt.Errorf("encode proposals: %w", err)
	}
	files, err := json.Marshal(res.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
UPDATE research_runs SET
  status=$2,
  error=$3,
  iterations=$4,
  tokens=$5,
  cost=$6,
  suggestion=$7,
  proposals=$8,
  files=$9,
  finished_at=NOW()
WHERE id=$1`,
		runID, string(res.Status), nullableString(res.Error),
		res.Iterations, res.Tokens, res.Cost, res.Suggestion, proposals, files,
	)
	if err != nil {
		return err
	}

	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		attrs := []attribute.KeyValue{
			attribute.String("task_id", res.TaskID),
			attribute.String("status", string(res.Status)),
		}
		costCounter.Add(ctx, res.Cost, otelmetric.WithAttributes(attrs...))
		tokenCounter.Add(ctx, res.Tokens, otelmetric.WithAttributes(attrs...))
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `
SELECT id, task_id, status, started_at, finished_at, error, iterations, tokens, cost, suggestion, COALESCE(proposals, 'null'), COALESCE(files, 'null')
FROM research_runs
WHERE id=$1`, runID).
		Scan(&r.ID, &r.TaskID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error, &r.Iterations, &r.Tokens, &r.Cost, &r.Suggestion, &r.Proposals, &r.Files)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// GetRunForUser loads a run only when its task belongs to userID.
func (s *Store) GetRunForUser(ctx context.Context, runID string, userID string) (Run, bool, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `
SELECT r.id, r.task_id, r.status, r.started_at, r.finished_at, r.error, r.iterations, r.tokens, r.cost, r.suggestion, COALESCE(r.proposals, 'null'), COALESCE(r.files, 'null')
FROM research_runs r
JOIN research_tasks t ON t.id = r.task_id
WHERE r.id=$1 AND t.user_id=$2`, runID, userID).
		Scan(&r.ID, &r.TaskID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error, &r.Iterations, &r.Tokens, &r.Cost, &r.Suggestion, &r.Proposals, &r.Files)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// ListRuns returns run summaries for a task, newest first. Proposal payloads
// are not loaded; fetch a single run for those.
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, task_id, status, started_at, finished_at, error, iterations, tokens, cost, suggestion
FROM research_runs
WHERE task_id=$1
ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error, &r.Iterations, &r.Tokens, &r.Cost, &r.Suggestion); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LatestRunTime(ctx context.Context, taskID string) (*time.Time, error) {
	var ts *time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(COALESCE(finished_at, started_at)) FROM research_runs WHERE task_id=$1`, taskID).Scan(&ts)
	return ts, err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
