// Package db keeps the history of classification jobs in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one classification run.
type Job struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Backend      string    `json:"backend"`
	Status       string    `json:"status"`
	NoBackend    bool      `json:"no_backend"`
	Accuracy     float64   `json:"accuracy"`
	SuccessRatio float64   `json:"success_ratio"`
	TotalTime    string    `json:"total_time"`
	OutputPath   string    `json:"output_path"`
	Notified     bool      `json:"notified"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store keeps job history in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and creates when needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS jobs (
        id TEXT PRIMARY KEY,
        email TEXT NOT NULL DEFAULT '',
        backend TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        no_backend INTEGER NOT NULL DEFAULT 0,
        accuracy REAL NOT NULL DEFAULT 0,
        success_ratio REAL NOT NULL DEFAULT 0,
        total_time TEXT NOT NULL DEFAULT '',
        output_path TEXT NOT NULL DEFAULT '',
        notified INTEGER NOT NULL DEFAULT 0,
        error TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob inserts job or replaces the stored row with the same id.
// CreatedAt is kept from the first save.
func (s *Store) SaveJob(job Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.Exec(`
        INSERT INTO jobs (
            id, email, backend, status, no_backend, accuracy, success_ratio,
            total_time, output_path, notified, error, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            email = excluded.email,
            backend = excluded.backend,
            status = excluded.status,
            no_backend = excluded.no_backend,
            accuracy = excluded.accuracy,
            success_ratio = excluded.success_ratio,
            total_time = excluded.total_time,
            output_path = excluded.output_path,
            notified = excluded.notified,
            error = excluded.error,
            updated_at = excluded.updated_at`,
		job.ID, job.Email, job.Backend, job.Status, job.NoBackend, job.Accuracy, job.SuccessRatio,
		job.TotalTime, job.OutputPath, job.Notified, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, email, backend, status, no_backend, accuracy, success_ratio,
        total_time, output_path, notified, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Email, &j.Backend, &j.Status, &j.NoBackend, &j.Accuracy, &j.SuccessRatio,
		&j.TotalTime, &j.OutputPath, &j.Notified, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns the latest jobs, newest first.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJobsBefore removes jobs created before t and returns how many went.
func (s *Store) DeleteJobsBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE created_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}
