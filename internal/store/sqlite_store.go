// Package store keeps connectivity runs and their results in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
	_ "modernc.org/sqlite"

	"github.com/pam-connect/server/internal/service"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is final.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunParams are the inputs of a run.
type RunParams struct {
	Connection int    `json:"connection"`
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Seed       int64  `json:"seed"`
}

// RunProgress is the phase of a run and how far it got.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run is one computation of a connection.
type Run struct {
	ID         string      `json:"job_id"`
	Connection string      `json:"connection"`
	Status     RunStatus   `json:"status"`
	Params     RunParams   `json:"params"`
	Progress   RunProgress `json:"progress"`
	Rows       int         `json:"rows"`
	Cols       int         `json:"cols"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		connection TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_rows INTEGER DEFAULT 0,
		n_cols INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_connection ON runs(connection);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS synapses (
		run_id TEXT NOT NULL,
		source INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		target INTEGER NOT NULL,
		distance REAL NOT NULL,
		u REAL,
		v REAL,
		PRIMARY KEY (run_id, source, slot),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS mapping_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		neuron INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mapping_errors_run ON mapping_errors(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `run_id, connection, status, params_json, phase, done, total, n_rows, n_cols, error, created_at, started_at, finished_at`

// CreateRun stores a new run.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Connection,
		string(run.Status),
		string(paramsJSON),
		run.Progress.Phase,
		run.Progress.Done,
		run.Progress.Total,
		run.Rows,
		run.Cols,
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetRun returns a run by ID, or nil when it does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// UpdateRunStarted marks a run as running.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE runs SET status = ?, started_at = ? WHERE run_id = ?`,
		string(RunStatusRunning), now, runID)
	return err
}

// UpdateRunProgress records the current phase of a run.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET phase = ?, done = ?, total = ? WHERE run_id = ?`,
		phase, done, total, runID)
	return err
}

// UpdateRunStatus sets the status of a run. Final statuses also set the
// finish time.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at) WHERE run_id = ?`,
		string(status), errMsg, finishedAt, runID)
	return err
}

// InsertResult stores every cell and every recorded error of res in one
// transaction.
func (s *Store) InsertResult(runID string, res *service.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE runs SET n_rows = ?, n_cols = ? WHERE run_id = ?`, res.Rows(), res.Cols(), runID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO synapses (run_id, source, slot, target, distance, u, v) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range res.Connections {
		for j, target := range row {
			var u, v sql.NullFloat64
			if syn := res.Synapses[i][j]; syn != nil {
				u = sql.NullFloat64{Float64: syn.X, Valid: true}
				v = sql.NullFloat64{Float64: syn.Y, Valid: true}
			}
			if _, err := stmt.Exec(runID, i, j, target, res.Distances[i][j], u, v); err != nil {
				return err
			}
		}
	}

	errStmt, err := tx.Prepare(`INSERT INTO mapping_errors (run_id, neuron, slot, stage, message) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer errStmt.Close()

	for _, e := range res.Errors {
		if _, err := errStmt.Exec(runID, e.Neuron, e.Slot, string(e.Stage), e.Message); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadResult rebuilds the matrices of a completed run.
func (s *Store) LoadResult(runID string) (*service.Result, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	res := service.NewResult(run.Connection, run.Rows, run.Cols)
	res.Seed = run.Params.Seed

	rows, err := s.db.Query(`SELECT source, slot, target, distance, u, v FROM synapses WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var i, j, target int
		var distance float64
		var u, v sql.NullFloat64
		if err := rows.Scan(&i, &j, &target, &distance, &u, &v); err != nil {
			return nil, err
		}
		if i < 0 || i >= run.Rows || j < 0 || j >= run.Cols {
			return nil, fmt.Errorf("cell (%d, %d) outside %dx%d result", i, j, run.Rows, run.Cols)
		}
		res.Connections[i][j] = target
		res.Distances[i][j] = distance
		if u.Valid && v.Valid {
			res.Synapses[i][j] = &r2.Vec{X: u.Float64, Y: v.Float64}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if res.Errors, err = s.ListErrors(runID); err != nil {
		return nil, err
	}
	return res, nil
}

// ListErrors returns the recorded failures of a run in insertion order.
func (s *Store) ListErrors(runID string) ([]service.ConnectionError, error) {
	rows, err := s.db.Query(`SELECT neuron, slot, stage, message FROM mapping_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []service.ConnectionError
	for rows.Next() {
		var e service.ConnectionError
		var stage string
		if err := rows.Scan(&e.Neuron, &e.Slot, &stage, &e.Message); err != nil {
			return nil, err
		}
		e.Stage = service.Stage(stage)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRuns returns the runs of a connection, newest first. An empty name
// lists every run.
func (s *Store) ListRuns(connection string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if connection != "" {
		query += ` WHERE connection = ?`
		args = append(args, connection)
	}
	rows, err := s.db.Query(query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// ListQueuedRuns returns all queued runs, oldest first.
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`,
		string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// MarkRunningAsFailed fails every running run. It is called on startup,
// when no run can still be in progress.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes runs that finished more than retentionDays ago.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	expired := `SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM synapses WHERE run_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM mapping_errors WHERE run_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}
	result, err := tx.Exec(`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// DeleteRun deletes a run and its results.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"synapses", "mapping_errors", "runs"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE run_id = ?", runID); err != nil {
			return err
		}
	}
	return nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Connection,
			&run.Status,
			&paramsJSON,
			&run.Progress.Phase,
			&run.Progress.Done,
			&run.Progress.Total,
			&run.Rows,
			&run.Cols,
			&run.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			run.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			run.FinishedAt = &t
		}

		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
