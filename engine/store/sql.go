package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// dialect abstracts the differences between the SQLite and MySQL backends.
// Both use '?' placeholders; only DDL and upsert syntax diverge.
type dialect interface {
	name() string
	createTables(ctx context.Context, db *sql.DB) error
	// insertIgnoreEntityMapping is the INSERT statement that absorbs
	// duplicates on the four-tuple uniqueness constraint.
	insertIgnoreEntityMapping() string
	// upsertStep is the INSERT statement for execution_steps that replaces
	// the row on (job_id, step_index) conflicts, used by RecordStepStart
	// when a step is re-executed after a retry or resume.
	upsertStep() string
}

// sqlStore is the shared implementation behind SQLiteStore and MySQLStore.
type sqlStore struct {
	db   *sql.DB
	d    dialect
	opts Options

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
	closed   bool
}

func newSQLStore(db *sql.DB, d dialect, opts Options) (*sqlStore, error) {
	s := &sqlStore{
		db:       db,
		d:        d,
		opts:     opts.withDefaults(),
		jobLocks: make(map[string]*sync.Mutex),
	}
	if err := d.createTables(context.Background(), db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// lockJob serializes writes for one job. Read paths do not take this lock.
func (s *sqlStore) lockJob(jobID string) func() {
	s.mu.Lock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *sqlStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC3339Nano text in both backends.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
