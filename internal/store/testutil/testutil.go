// Package testutil provides shared Postgres test fixtures for packages
// whose behavior depends on Postgres-only semantics (SELECT ... FOR UPDATE
// SKIP LOCKED, partial unique indexes), grounded on the teacher's own
// data/repos/testutil package and its TEST_POSTGRES_DSN-gated skip.
package testutil

import (
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/store/migrate"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// DB returns a shared *gorm.DB against TEST_POSTGRES_DSN, migrated once via
// goose. Tests that need Postgres-only semantics (locking, partial unique
// indexes) skip cleanly when the env var is unset, exactly as the teacher's
// own repository tests do.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}
		sqlDB, err := db.DB()
		if err != nil {
			dbErr = err
			return
		}
		if err := migrate.Up(sqlDB); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run store/queue/calibration integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

// Tx starts a transaction that is rolled back at test cleanup, so each test
// sees an isolated, empty-of-its-own-writes view of the migrated schema.
func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}
