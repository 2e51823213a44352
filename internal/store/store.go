package store

import (
	"database/sql"
	"fmt"
	golog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

// Store wraps a GORM connection pool to the durable store.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres at dsn, adapted from the teacher's
// NewPostgresService: a plain gorm.Open with a slow-query-only logger and
// foreign keys left to the migrations rather than GORM's own inference.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	gormLog := gormLogger.New(
		golog.New(os.Stdout, "\r\n", golog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect to postgres: %w", err)
	}

	return &Store{db: db, log: log.With("component", "store")}, nil
}

// DB returns the underlying *gorm.DB, for repositories and migrations.
func (s *Store) DB() *gorm.DB { return s.db }

// SQLDB returns the stdlib *sql.DB backing the pool, needed by goose for
// running migrations.
func (s *Store) SQLDB() (*sql.DB, error) { return s.db.DB() }
