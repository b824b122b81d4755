package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver
)

// MySQLStore is the persistence backend for shared deployments where several
// engine processes point at one database.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/biomapper?parseTime=false".
func NewMySQLStore(dsn string, opts Options) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql database: %w", err)
	}

	inner, err := newSQLStore(db, mysqlDialect{}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: inner}, nil
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) insertIgnoreEntityMapping() string {
	return `INSERT IGNORE INTO entity_mappings (` + mappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (mysqlDialect) upsertStep() string {
	return `INSERT INTO execution_steps (` + stepColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		step_name = VALUES(step_name),
		action_type = VALUES(action_type),
		input_params = VALUES(input_params),
		status = VALUES(status),
		started_at = VALUES(started_at),
		completed_at = VALUES(completed_at),
		duration_ms = VALUES(duration_ms),
		output_results = VALUES(output_results),
		output_location = VALUES(output_location),
		retry_count = VALUES(retry_count),
		can_retry = VALUES(can_retry),
		error_message = VALUES(error_message),
		error_traceback = VALUES(error_traceback),
		records_processed = VALUES(records_processed),
		records_matched = VALUES(records_matched),
		records_failed = VALUES(records_failed),
		confidence_score = VALUES(confidence_score),
		memory_used_mb = VALUES(memory_used_mb)`
}

// Timestamps are VARCHAR columns holding RFC3339Nano text, matching the
// SQLite backend so the scan code is shared.
func (mysqlDialect) createTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(36) PRIMARY KEY,
			strategy_name VARCHAR(255) NOT NULL,
			strategy_doc LONGTEXT,
			parameters LONGTEXT,
			options TEXT,
			status VARCHAR(20) NOT NULL,
			current_step_index INT NOT NULL DEFAULT 0,
			total_steps INT NOT NULL DEFAULT 0,
			progress_percentage DOUBLE NOT NULL DEFAULT 0,
			created_at VARCHAR(40) NOT NULL,
			started_at VARCHAR(40),
			completed_at VARCHAR(40),
			last_updated VARCHAR(40) NOT NULL,
			error_message TEXT,
			error_details LONGTEXT,
			final_results LONGTEXT,
			owner VARCHAR(255) NOT NULL DEFAULT '',
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			tags TEXT,
			description TEXT,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			memory_mb_peak DOUBLE NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			INDEX idx_jobs_status (status),
			INDEX idx_jobs_created (created_at)
		)`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			job_id VARCHAR(36) NOT NULL,
			step_index INT NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			action_type VARCHAR(255) NOT NULL,
			input_params LONGTEXT,
			status VARCHAR(20) NOT NULL,
			started_at VARCHAR(40),
			completed_at VARCHAR(40),
			duration_ms BIGINT NOT NULL DEFAULT 0,
			output_results LONGTEXT,
			output_location VARCHAR(512) NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			can_retry TINYINT NOT NULL DEFAULT 0,
			error_message TEXT,
			error_traceback LONGTEXT,
			records_processed BIGINT NOT NULL DEFAULT 0,
			records_matched BIGINT NOT NULL DEFAULT 0,
			records_failed BIGINT NOT NULL DEFAULT 0,
			confidence_score DOUBLE NOT NULL DEFAULT 0,
			memory_used_mb DOUBLE NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, step_index)
		)`,

		`CREATE TABLE IF NOT EXISTS execution_checkpoints (
			id VARCHAR(36) PRIMARY KEY,
			job_id VARCHAR(36) NOT NULL,
			step_index INT NOT NULL,
			checkpoint_type VARCHAR(20) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			expires_at VARCHAR(40) NOT NULL,
			context_data LONGBLOB,
			storage_path VARCHAR(512) NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			compressed TINYINT NOT NULL DEFAULT 0,
			is_resumable TINYINT NOT NULL DEFAULT 1,
			description TEXT,
			INDEX idx_checkpoints_job (job_id, created_at)
		)`,

		`CREATE TABLE IF NOT EXISTS execution_logs (
			id VARCHAR(36) PRIMARY KEY,
			job_id VARCHAR(36) NOT NULL,
			level VARCHAR(10) NOT NULL,
			message TEXT NOT NULL,
			step_index INT NOT NULL DEFAULT -1,
			details LONGTEXT,
			category VARCHAR(100) NOT NULL DEFAULT '',
			component VARCHAR(100) NOT NULL DEFAULT '',
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_logs_job (job_id, created_at)
		)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id VARCHAR(36) PRIMARY KEY,
			job_id VARCHAR(36) NOT NULL,
			event_type VARCHAR(30) NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			severity VARCHAR(10) NOT NULL,
			step_index INT NOT NULL DEFAULT -1,
			step_name VARCHAR(255) NOT NULL DEFAULT '',
			message TEXT,
			data LONGTEXT,
			delivered TINYINT NOT NULL DEFAULT 0,
			delivery_attempts INT NOT NULL DEFAULT 0,
			INDEX idx_events_job (job_id, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS result_storage (
			job_id VARCHAR(36) NOT NULL,
			step_index INT NOT NULL,
			result_key VARCHAR(255) NOT NULL,
			content_type VARCHAR(100) NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			inline_data LONGBLOB,
			storage_path VARCHAR(512) NOT NULL DEFAULT '',
			created_at VARCHAR(40) NOT NULL,
			expires_at VARCHAR(40),
			accessed_count INT NOT NULL DEFAULT 0,
			last_accessed VARCHAR(40),
			PRIMARY KEY (job_id, step_index, result_key)
		)`,

		`CREATE TABLE IF NOT EXISTS entity_mappings (
			source_id VARCHAR(255) NOT NULL,
			source_type VARCHAR(100) NOT NULL,
			target_id VARCHAR(255) NOT NULL,
			target_type VARCHAR(100) NOT NULL,
			confidence_score DOUBLE,
			mapping_source VARCHAR(50) NOT NULL DEFAULT '',
			hop_count INT NOT NULL DEFAULT 0,
			mapping_direction VARCHAR(20) NOT NULL DEFAULT '',
			mapping_path_details LONGTEXT,
			last_updated VARCHAR(40) NOT NULL,
			expires_at VARCHAR(40),
			usage_count INT NOT NULL DEFAULT 0,
			UNIQUE KEY uq_mapping (source_id, source_type, target_id, target_type),
			INDEX idx_mappings_source (source_id, source_type),
			INDEX idx_mappings_target (target_id, target_type)
		)`,

		`CREATE TABLE IF NOT EXISTS path_execution_logs (
			id VARCHAR(36) PRIMARY KEY,
			path_id VARCHAR(255) NOT NULL,
			representative_source_id VARCHAR(255) NOT NULL DEFAULT '',
			source_entity_type VARCHAR(100) NOT NULL DEFAULT '',
			start_time VARCHAR(40) NOT NULL,
			end_time VARCHAR(40) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(30) NOT NULL,
			log_messages LONGTEXT,
			error_message TEXT,
			INDEX idx_path_logs_path (path_id, start_time)
		)`,

		`CREATE TABLE IF NOT EXISTS session_metrics (
			id VARCHAR(36) PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			job_id VARCHAR(36) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(10) NOT NULL,
			numeric_value DOUBLE NOT NULL DEFAULT 0,
			category_value VARCHAR(255) NOT NULL DEFAULT '',
			recorded_at VARCHAR(40) NOT NULL,
			INDEX idx_session_metrics (session_id, recorded_at)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql schema: %w", err)
		}
	}
	return nil
}
