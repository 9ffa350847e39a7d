package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for run records
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// A single connection keeps sqlite writes serialized
	db.SetMaxOpenConns(1)

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record. An empty ID is filled with a fresh UUID.
func (r *Repository) Create(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	slog.Debug("database_create_run", "run_id", run.ID, "command", run.Command, "stage", run.Stage)

	query := `
		INSERT INTO runs (id, command, stage, status, pid, workspace, tap_device, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		run.ID, run.Command, run.Stage, run.Status,
		run.PID, run.Workspace, run.TapDevice, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	slog.Debug("database_run_created", "run_id", run.ID, "status", run.Status)
	return nil
}

const selectRun = `
	SELECT id, command, stage, status, pid, workspace, tap_device, error_message, created_at, updated_at
	FROM runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var workspace, tapDevice, errorMessage sql.NullString
	var pid sql.NullInt64

	err := s.Scan(
		&run.ID, &run.Command, &run.Stage, &run.Status,
		&pid, &workspace, &tapDevice, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	run.PID = int(pid.Int64)
	run.Workspace = workspace.String
	run.TapDevice = tapDevice.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// Get retrieves a run by ID. It returns nil, nil when there is no such run.
func (r *Repository) Get(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(selectRun+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		slog.Debug("database_run_not_found", "run_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// Latest returns the most recent run that recorded a hypervisor PID and has
// not been cleaned, or nil if there is none.
func (r *Repository) Latest() (*Run, error) {
	query := selectRun + `
		WHERE pid > 0 AND status != ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`
	run, err := scanRun(r.db.QueryRow(query, StatusCleaned))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query latest run")
	}
	return run, nil
}

// Update updates an existing run record
func (r *Repository) Update(run *Run) error {
	slog.Debug("database_update_run", "run_id", run.ID, "stage", run.Stage, "status", run.Status)

	query := `
		UPDATE runs
		SET stage = ?, status = ?, pid = ?, workspace = ?, tap_device = ?,
		    error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.Stage, run.Status, run.PID, run.Workspace, run.TapDevice, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", run.ID)
		return fmt.Errorf("run not found: id=%s", run.ID)
	}
	return nil
}

// MarkCleaned flags every run that is not already cleaned. It returns the
// number of runs touched.
func (r *Repository) MarkCleaned() (int64, error) {
	query := `UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status != ?`
	result, err := r.db.Exec(query, StatusCleaned, StatusCleaned)
	if err != nil {
		slog.Error("database_mark_cleaned_failed", "error", err)
		return 0, errors.Wrap(err, "failed to mark runs cleaned")
	}
	return result.RowsAffected()
}

// List retrieves all runs, newest first
func (r *Repository) List() ([]*Run, error) {
	rows, err := r.db.Query(selectRun + ` ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// Delete deletes a run by ID
func (r *Repository) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	slog.Debug("database_run_deleted", "run_id", id)
	return nil
}
