// Package testutil provides shared helpers for DB-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/streamwarden/backend/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// TestDSN returns the test database DSN, skipping the test when unset. Used by
// tests that need a raw connection (e.g. the notification listener).
func TestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return dsn
}
