// Package pgtest provides an in-memory database for tests.
package pgtest

import (
	"testing"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory SQLite database private to the test.
// The pool is capped at one connection because every connection to
// ":memory:" would otherwise see its own empty database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := postgres.Connect(postgres.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("❌ Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("❌ Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := postgres.Migrate(db); err != nil {
		t.Fatalf("❌ Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}
