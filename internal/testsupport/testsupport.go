// Package testsupport provides the shared sqlite-in-memory test database
// and logger every package's tests build on, grounded on the teacher's
// internal/data/repos/testutil.DB/Logger (adapted from a TEST_POSTGRES_DSN
// Postgres fixture to an in-memory sqlite one, since this engine's store
// is embedded-sqlite by default and every test here should run with no
// external service).
package testsupport

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/store"
)

// DB opens a fresh, migrated in-memory sqlite database for one test.
// Unlike the teacher's shared-connection Postgres fixture, each test gets
// its own database: a shared-cache in-memory sqlite database is scoped
// per DSN, and the DSN is named after the test (tb.Name()), so tests with
// different names never share one.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := "file:" + tb.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		tb.Fatalf("automigrate test db: %v", err)
	}
	return db
}

// Logger returns a Logger safe for test output.
func Logger(tb testing.TB) *cosmoslog.Logger {
	tb.Helper()
	log, err := cosmoslog.New("test")
	if err != nil {
		tb.Fatalf("failed to init logger: %v", err)
	}
	return log
}
