package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	// Define all migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE conversion_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					source_name TEXT NOT NULL,
					backend TEXT NOT NULL,
					output_format TEXT NOT NULL,
					firmware TEXT DEFAULT '',
					pid INTEGER DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					disks INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT ''
				);

				CREATE TABLE run_disks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					device TEXT NOT NULL,
					source_id INTEGER NOT NULL,
					locator TEXT NOT NULL,
					format TEXT NOT NULL,
					virtual_size INTEGER DEFAULT 0,
					estimated_size INTEGER DEFAULT 0,
					actual_size INTEGER DEFAULT 0,
					UNIQUE(run_id, device),
					FOREIGN KEY(run_id) REFERENCES conversion_runs(run_id)
				);

				CREATE TABLE artifacts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					path TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(run_id, path),
					FOREIGN KEY(run_id) REFERENCES conversion_runs(run_id)
				);

				CREATE INDEX idx_conversion_runs_source ON conversion_runs(source_name);
				CREATE INDEX idx_artifacts_run ON artifacts(run_id);
			`,
		},
	}

	// Apply pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("migration %d failed: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record the migration
	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
