package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore is the default persistence backend. It uses the pure-Go
// SQLite driver, so no cgo is required.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if necessary) the database at path and runs
// the schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent jobs.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	inner, err := newSQLStore(db, sqliteDialect{}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: inner}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) insertIgnoreEntityMapping() string {
	return `INSERT OR IGNORE INTO entity_mappings (` + mappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (sqliteDialect) upsertStep() string {
	return `INSERT INTO execution_steps (` + stepColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id, step_index) DO UPDATE SET
		step_name = excluded.step_name,
		action_type = excluded.action_type,
		input_params = excluded.input_params,
		status = excluded.status,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		duration_ms = excluded.duration_ms,
		output_results = excluded.output_results,
		output_location = excluded.output_location,
		retry_count = excluded.retry_count,
		can_retry = excluded.can_retry,
		error_message = excluded.error_message,
		error_traceback = excluded.error_traceback,
		records_processed = excluded.records_processed,
		records_matched = excluded.records_matched,
		records_failed = excluded.records_failed,
		confidence_score = excluded.confidence_score,
		memory_used_mb = excluded.memory_used_mb`
}

func (sqliteDialect) createTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			strategy_name TEXT NOT NULL,
			strategy_doc TEXT,
			parameters TEXT,
			options TEXT,
			status TEXT NOT NULL,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			progress_percentage REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			last_updated TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '',
			final_results TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			memory_mb_peak REAL NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			action_type TEXT NOT NULL,
			input_params TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			output_results TEXT NOT NULL DEFAULT '',
			output_location TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			can_retry INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			error_traceback TEXT NOT NULL DEFAULT '',
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_matched INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			confidence_score REAL NOT NULL DEFAULT 0,
			memory_used_mb REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, step_index)
		)`,

		`CREATE TABLE IF NOT EXISTS execution_checkpoints (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			checkpoint_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			context_data BLOB,
			storage_path TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			compressed INTEGER NOT NULL DEFAULT 0,
			is_resumable INTEGER NOT NULL DEFAULT 1,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON execution_checkpoints(job_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT -1,
			details TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			component TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_job ON execution_logs(job_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			severity TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT -1,
			step_name TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '',
			delivered INTEGER NOT NULL DEFAULT 0,
			delivery_attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON job_events(job_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS result_storage (
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			result_key TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			inline_data BLOB,
			storage_path TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT,
			accessed_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT,
			PRIMARY KEY (job_id, step_index, result_key)
		)`,

		`CREATE TABLE IF NOT EXISTS entity_mappings (
			source_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			target_type TEXT NOT NULL,
			confidence_score REAL,
			mapping_source TEXT NOT NULL DEFAULT '',
			hop_count INTEGER NOT NULL DEFAULT 0,
			mapping_direction TEXT NOT NULL DEFAULT '',
			mapping_path_details TEXT NOT NULL DEFAULT '',
			last_updated TEXT NOT NULL,
			expires_at TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (source_id, source_type, target_id, target_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_source ON entity_mappings(source_id, source_type)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_target ON entity_mappings(target_id, target_type)`,

		`CREATE TABLE IF NOT EXISTS path_execution_logs (
			id TEXT PRIMARY KEY,
			path_id TEXT NOT NULL,
			representative_source_id TEXT NOT NULL DEFAULT '',
			source_entity_type TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			log_messages TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_path_logs_path ON path_execution_logs(path_id, start_time)`,

		`CREATE TABLE IF NOT EXISTS session_metrics (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			numeric_value REAL NOT NULL DEFAULT 0,
			category_value TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_metrics ON session_metrics(session_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}
