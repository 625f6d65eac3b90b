// internal/testutil/db.go
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	internal_storage "github.com/AI-OWL/MNM-Fasteners-Agent/internal/storage"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

// TestDB holds a migrated throwaway agent database.
type TestDB struct {
	Store *internal_storage.SQLiteStore
	Path  string
}

// SetupTestDB creates a SQLite database in a temp directory, applies the
// repository migrations and opens a store over it. Callers pass the retry
// policy under test; the zero value uses the defaults.
func SetupTestDB(t *testing.T, policy storage.RetryPolicy) *TestDB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "agent.db")

	m, err := migrate.New("file://../../migrations", "sqlite3://"+dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		t.Fatalf("Failed to close migrator: %v / %v", srcErr, dbErr)
	}

	store, err := internal_storage.NewSQLiteStore(dbPath, policy)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}

	return &TestDB{Store: store, Path: dbPath}
}

// Teardown closes the store; the temp directory is cleaned by the test runner.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.Store.Close(); err != nil {
		t.Errorf("Failed to close store: %v", err)
	}
}

// Reopen closes and reopens the store over the same file, simulating a
// process restart.
func (td *TestDB) Reopen(t *testing.T, policy storage.RetryPolicy) {
	t.Helper()
	if err := td.Store.Close(); err != nil {
		t.Fatalf("Failed to close store for reopen: %v", err)
	}
	store, err := internal_storage.NewSQLiteStore(td.Path, policy)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	td.Store = store
}
