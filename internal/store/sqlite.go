package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// ConversionRun Operations
// ============================================================================

// CreateRun inserts a new ConversionRun and sets its ID
func (s *Store) CreateRun(run *ConversionRun) error {
	const query = `
		INSERT INTO conversion_runs (
			run_id, source_name, backend, output_format, firmware, pid,
			start_time, end_time, disks, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.SourceName, run.Backend, run.OutputFormat, run.Firmware, run.PID,
		run.StartTime, run.EndTime, run.Disks, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversion run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing ConversionRun by run ID
func (s *Store) UpdateRun(run *ConversionRun) error {
	const query = `
		UPDATE conversion_runs SET
			source_name = ?, backend = ?, output_format = ?, firmware = ?, pid = ?,
			start_time = ?, end_time = ?, disks = ?, status = ?, error_message = ?
		WHERE run_id = ?
	`

	result, err := s.db.Exec(
		query,
		run.SourceName, run.Backend, run.OutputFormat, run.Firmware, run.PID,
		run.StartTime, run.EndTime, run.Disks, run.Status, run.ErrorMessage, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversion run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("conversion run not found: %s", run.RunID)
	}

	return nil
}

const runColumns = `
	id, run_id, source_name, backend, output_format, firmware, pid,
	start_time, end_time, disks, status, error_message
`

func scanRun(row interface{ Scan(...any) error }, run *ConversionRun) error {
	return row.Scan(
		&run.ID, &run.RunID, &run.SourceName, &run.Backend, &run.OutputFormat,
		&run.Firmware, &run.PID, &run.StartTime, &run.EndTime, &run.Disks,
		&run.Status, &run.ErrorMessage,
	)
}

// GetRun retrieves a ConversionRun by run ID
func (s *Store) GetRun(runID string) (*ConversionRun, error) {
	query := `SELECT ` + runColumns + ` FROM conversion_runs WHERE run_id = ?`

	run := &ConversionRun{}
	if err := scanRun(s.db.QueryRow(query, runID), run); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversion run not found: %s", runID)
		}
		return nil, fmt.Errorf("failed to query conversion run: %w", err)
	}

	return run, nil
}

// ListRuns retrieves ConversionRuns, optionally filtered by source name
func (s *Store) ListRuns(sourceName string, limit int) ([]ConversionRun, error) {
	query := `SELECT ` + runColumns + ` FROM conversion_runs`
	var args []interface{}

	if sourceName != "" {
		query += " WHERE source_name = ?"
		args = append(args, sourceName)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversion runs: %w", err)
	}
	defer rows.Close()

	var runs []ConversionRun
	for rows.Next() {
		run := ConversionRun{}
		if err := scanRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan conversion run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversion runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// RunDisk Operations
// ============================================================================

// ReplaceRunDisks stores the disks of a run, replacing any earlier record
func (s *Store) ReplaceRunDisks(runID string, disks []RunDisk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM run_disks WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to clear run disks: %w", err)
	}

	const query = `
		INSERT INTO run_disks (
			run_id, device, source_id, locator, format,
			virtual_size, estimated_size, actual_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, d := range disks {
		if _, err := tx.Exec(query, runID, d.Device, d.SourceID, d.Locator, d.Format,
			d.VirtualSize, d.EstimatedSize, d.ActualSize); err != nil {
			return fmt.Errorf("failed to insert run disk %s: %w", d.Device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run disks: %w", err)
	}
	return nil
}

// ListRunDisks retrieves the disks of a run in device order
func (s *Store) ListRunDisks(runID string) ([]RunDisk, error) {
	const query = `
		SELECT id, run_id, device, source_id, locator, format,
		       virtual_size, estimated_size, actual_size
		FROM run_disks WHERE run_id = ?
		ORDER BY length(device), device
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run disks: %w", err)
	}
	defer rows.Close()

	var disks []RunDisk
	for rows.Next() {
		d := RunDisk{}
		if err := rows.Scan(&d.ID, &d.RunID, &d.Device, &d.SourceID, &d.Locator, &d.Format,
			&d.VirtualSize, &d.EstimatedSize, &d.ActualSize); err != nil {
			return nil, fmt.Errorf("failed to scan run disk: %w", err)
		}
		disks = append(disks, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run disks: %w", err)
	}

	return disks, nil
}

// ============================================================================
// Artifact Operations
// ============================================================================

// RecordArtifact journals a file created by a run. It satisfies
// cleanup.Journal.
func (s *Store) RecordArtifact(runID string, kind, path string) error {
	const query = `
		INSERT INTO artifacts (run_id, kind, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, path) DO UPDATE SET kind = excluded.kind
	`
	if _, err := s.db.Exec(query, runID, kind, path, time.Now()); err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// ForgetArtifact removes a journal entry once the file is gone or kept on
// purpose. It satisfies cleanup.Journal.
func (s *Store) ForgetArtifact(runID string, path string) error {
	if _, err := s.db.Exec("DELETE FROM artifacts WHERE run_id = ? AND path = ?", runID, path); err != nil {
		return fmt.Errorf("failed to forget artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns journaled artifacts with the status of their run,
// newest first. An empty runID lists every run's artifacts.
func (s *Store) ListArtifacts(runID string) ([]Artifact, error) {
	query := `
		SELECT a.id, a.run_id, a.kind, a.path, a.created_at, r.status, r.pid
		FROM artifacts a
		JOIN conversion_runs r ON r.run_id = a.run_id
	`
	var args []interface{}
	if runID != "" {
		query += " WHERE a.run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY a.id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		a := Artifact{}
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.CreatedAt, &a.RunStatus, &a.RunPID); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}
