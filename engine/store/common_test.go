package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/biomapper/strategy-engine/engine/storage"
	"github.com/biomapper/strategy-engine/engine/store"
)

// storeScenario constructs one Store implementation for the shared contract
// tests. MySQL runs only when TEST_MYSQL_DSN is set.
type storeScenario struct {
	name      string
	storeFunc func(t *testing.T, opts store.Options) (store.Store, func())
}

func allStoreScenarios() []storeScenario {
	return []storeScenario{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T, opts store.Options) (store.Store, func()) {
				st := store.NewMemStore(opts)
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T, opts store.Options) (store.Store, func()) {
				dbPath := filepath.Join(t.TempDir(), "engine.db")
				st, err := store.NewSQLiteStore(dbPath, opts)
				if err != nil {
					t.Fatalf("NewSQLiteStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "MySQLStore",
			storeFunc: func(t *testing.T, opts store.Options) (store.Store, func()) {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("Skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				st, err := store.NewMySQLStore(dsn, opts)
				if err != nil {
					t.Fatalf("NewMySQLStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
	}
}

// testBlobBackend returns a filesystem backend rooted in a temp dir.
func testBlobBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := storage.NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	return backend
}

// sampleStrategyDoc is a minimal three-step strategy document snapshot.
func sampleStrategyDoc() map[string]any {
	return map[string]any{
		"name": "protein_mapping",
		"steps": []any{
			map[string]any{
				"name":   "load_identifiers",
				"action": map[string]any{"type": "load", "params": map[string]any{}},
			},
			map[string]any{
				"name":   "map_to_targets",
				"action": map[string]any{"type": "map", "params": map[string]any{}},
			},
			map[string]any{
				"name":   "export_results",
				"action": map[string]any{"type": "export", "params": map[string]any{}},
			},
		},
	}
}

func mustCreateJob(t *testing.T, st store.Store) *store.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		StrategyName: "protein_mapping",
		StrategyDoc:  sampleStrategyDoc(),
		Parameters:   map[string]any{"input_file": "proteins.csv"},
		SessionID:    "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}
