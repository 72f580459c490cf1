package db

import (
	"context"
	"fmt"
)

// MigrateAddOutputLog adds the output_log column that links a run to its
// captured output file
func (db *DB) MigrateAddOutputLog(ctx context.Context) error {
	db.logger.Info("starting database migration: add output_log")

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info('runs')")
	if err != nil {
		return fmt.Errorf("failed to inspect runs table: %w", err)
	}
	exists := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		if name == "output_log" {
			exists = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read runs columns: %w", err)
	}

	if !exists {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE runs ADD COLUMN output_log TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("failed to add output_log column: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_exit_code ON runs(exit_code, finished_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.logger.Info("database migration completed successfully")
	return nil
}

// getSchemaVersion retrieves the current schema version
func (db *DB) getSchemaVersion(ctx context.Context) (int, error) {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.conn.ExecContext(ctx, createTableSQL); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}

	return version, nil
}

// setSchemaVersion sets the schema version
func (db *DB) setSchemaVersion(ctx context.Context, version int) error {
	_, err := db.conn.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// RunMigrations runs all pending migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	version, err := db.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	db.logger.Debug("current schema version", "version", version)

	if version < 1 {
		if err := db.MigrateAddOutputLog(ctx); err != nil {
			return err
		}
		if err := db.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		db.logger.Info("migration completed", "new_version", 1)
	}

	return nil
}
