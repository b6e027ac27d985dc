package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		// Status updates arrive from many sessions at once
		dsn += "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &SQLiteStorage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema initializes the database schema
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		build_number INTEGER NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'running',
		job_count INTEGER NOT NULL DEFAULT 0,
		failed_jobs INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS job_runs (
		pipeline_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (pipeline_id, job_id),
		FOREIGN KEY (pipeline_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		workers INTEGER NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at ON pipeline_runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_job_runs_state ON job_runs(state);
	CREATE INDEX IF NOT EXISTS idx_job_runs_agent ON job_runs(agent);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreatePipelineRun inserts a pipeline run and assigns it the next build number
func (s *SQLiteStorage) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	query := `INSERT INTO pipeline_runs (id, build_number, state, job_count, failed_jobs, created_at)
	          SELECT ?, COALESCE(MAX(build_number), 0) + 1, ?, ?, ?, ? FROM pipeline_runs
	          RETURNING build_number`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.State == "" {
		run.State = models.PipelineStateRunning
	}

	err := s.db.QueryRowContext(ctx, query, run.ID, run.State, run.JobCount, run.FailedJobs, run.CreatedAt).
		Scan(&run.BuildNumber)
	if err != nil {
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return nil
}

// UpdatePipelineRun updates the state of a pipeline run
func (s *SQLiteStorage) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	query := `UPDATE pipeline_runs SET state = ?, job_count = ?, failed_jobs = ?, finished_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, run.State, run.JobCount, run.FailedJobs, nullTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pipeline run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetPipelineRun retrieves a pipeline run by ID
func (s *SQLiteStorage) GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	query := `SELECT id, build_number, state, job_count, failed_jobs, created_at, finished_at
	          FROM pipeline_runs WHERE id = ?`

	run, err := scanPipelineRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	return run, nil
}

// ListPipelineRuns retrieves pipeline runs, newest first
func (s *SQLiteStorage) ListPipelineRuns(ctx context.Context, limit, offset int) ([]*models.PipelineRun, error) {
	query := `SELECT id, build_number, state, job_count, failed_jobs, created_at, finished_at
	          FROM pipeline_runs ORDER BY build_number DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpsertJobRun inserts or replaces the record of a job
func (s *SQLiteStorage) UpsertJobRun(ctx context.Context, run *models.JobRun) error {
	query := `INSERT INTO job_runs (pipeline_id, job_id, agent, state, exit_code, error, started_at, finished_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(pipeline_id, job_id) DO UPDATE SET
	              agent = excluded.agent, state = excluded.state, exit_code = excluded.exit_code,
	              error = excluded.error, started_at = excluded.started_at, finished_at = excluded.finished_at`

	var exitCode sql.NullInt64
	if run.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*run.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		run.PipelineID, run.JobID, run.Agent, run.State, exitCode, run.Error,
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job run: %w", err)
	}
	return nil
}

// GetJobRuns retrieves every job record of a pipeline run
func (s *SQLiteStorage) GetJobRuns(ctx context.Context, pipelineID string) ([]*models.JobRun, error) {
	query := `SELECT pipeline_id, job_id, agent, state, exit_code, error, started_at, finished_at
	          FROM job_runs WHERE pipeline_id = ? ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.JobRun
	for rows.Next() {
		var (
			run        models.JobRun
			exitCode   sql.NullInt64
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&run.PipelineID, &run.JobID, &run.Agent, &run.State, &exitCode,
			&run.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			run.ExitCode = &code
		}
		run.StartedAt = timePtr(startedAt)
		run.FinishedAt = timePtr(finishedAt)
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// SaveAgent inserts or replaces an agent configuration
func (s *SQLiteStorage) SaveAgent(ctx context.Context, agent models.AgentConfig) error {
	query := `INSERT INTO agents (name, key, workers, host, port, fingerprint, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(name) DO UPDATE SET
	              key = excluded.key, workers = excluded.workers, host = excluded.host,
	              port = excluded.port, fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		agent.Name, agent.Key, agent.Workers,
		agent.Connection.Host, agent.Connection.Port, agent.Connection.Fingerprint, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// ListAgents retrieves every agent configuration ordered by name
func (s *SQLiteStorage) ListAgents(ctx context.Context) ([]models.AgentConfig, error) {
	query := `SELECT name, key, workers, host, port, fingerprint FROM agents ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.AgentConfig
	for rows.Next() {
		var agent models.AgentConfig
		if err := rows.Scan(&agent.Name, &agent.Key, &agent.Workers,
			&agent.Connection.Host, &agent.Connection.Port, &agent.Connection.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	return agents, rows.Err()
}

// DeleteAgent deletes an agent configuration
func (s *SQLiteStorage) DeleteAgent(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks if the database is accessible
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipelineRun(row rowScanner) (*models.PipelineRun, error) {
	var (
		run        models.PipelineRun
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.BuildNumber, &run.State, &run.JobCount, &run.FailedJobs,
		&run.CreatedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
