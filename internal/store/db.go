// Package store is the Persistence Store: an embedded-sqlite-by-default
// gorm database plus one repository per entity. Bulk writes that must be
// all-or-nothing (§5's "a crash leaves no half-created Tasks missing
// their TaskTags or output directories") run inside a single
// *gorm.DB.Transaction closure, grounded on the teacher's
// internal/data/repos/jobs/job_run.go ClaimNextRunnable/Create pattern.
package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/domain"
)

// Config selects the backing driver. An embedded single-file database is
// adequate for this engine (§2); Postgres is opt-in for multi-host
// deployments that share a filesystem-backed output root.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string
}

func Open(cfg Config, baseLog *cosmoslog.Logger) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormLog})
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "cosmos.db"
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	baseLog.Info("store ready", "driver", cfg.Driver)
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Workflow{},
		&domain.Stage{},
		&domain.Task{},
		&domain.TaskFile{},
		&domain.TaskEdge{},
		&domain.TaskTag{},
		&domain.JobAttempt{},
	)
}
