// Package services wires every component of the daemon into one explicit
// handle struct, grounded on the teacher's internal/app/services.go
// wireServices pattern: each component is built by its own constructor,
// errors are wrapped with what failed to init, and the populated struct is
// handed back to the caller (cmd/contimgd) to drive.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/calibration"
	"github.com/dsa110/contimg-core/internal/config"
	"github.com/dsa110/contimg-core/internal/httpapi"
	"github.com/dsa110/contimg-core/internal/ingest"
	"github.com/dsa110/contimg-core/internal/ingest/assembler"
	"github.com/dsa110/contimg-core/internal/ingest/watcher"
	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	otelinit "github.com/dsa110/contimg-core/internal/platform/otel"
	"github.com/dsa110/contimg-core/internal/product"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/reslock"
	"github.com/dsa110/contimg-core/internal/scheduler"
	"github.com/dsa110/contimg-core/internal/stages"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/dsa110/contimg-core/internal/store/migrate"
	"github.com/dsa110/contimg-core/internal/workerpool"
)

// Services is every wired component of the daemon, assembled once at
// startup and handed to cmd/contimgd to run.
type Services struct {
	DB    *gorm.DB
	Redis *redis.Client
	log   *logger.Logger

	otelShutdown otelinit.Shutdown

	Queue      *queue.Queue
	Products   *product.Registry
	Calibrator *calibration.Registry
	Publisher  *publish.Publisher
	Locker     *reslock.Locker

	Watcher  *watcher.Watcher
	Consumer *ingest.Consumer
	Assembler *assembler.Assembler

	Orchestrator *orchestrator.Orchestrator
	StageDefs    []orchestrator.StageDef

	Scheduler  *scheduler.Scheduler
	WorkerPool *workerpool.Pool

	Router *httpapi.RouterConfig
}

// New builds every component per cfg, grounded on the teacher's
// wireServices: a linear sequence of constructors with errors wrapped as
// "init <thing>: %w".
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Services, error) {
	otelShutdown := otelinit.Init(ctx, log, "contimg-core", cfg.OTelExporter, cfg.OTelOTLPEndpoint)

	st, err := store.Open(cfg.StoreDSN, log)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	db := st.DB()

	if cfg.StoreMigrateOnBoot {
		sqlDB, err := st.SQLDB()
		if err != nil {
			return nil, fmt.Errorf("init store: sql handle: %w", err)
		}
		if err := migrate.Up(sqlDB); err != nil {
			return nil, fmt.Errorf("init store: migrate: %w", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	q := queue.New(db, log, queue.BackoffPolicy{
		Base:   cfg.Queue.BackoffBase,
		Max:    cfg.Queue.BackoffMax,
		Jitter: 0.2,
	})

	products := product.New(db, log)
	calibrator := calibration.New(db, log, rdb)
	locker := reslock.New(rdb, log)

	var archiver publish.Archiver
	if cfg.Publish.ArchiveEnabled {
		gcs, err := publish.NewGCSArchiver(ctx, cfg.Publish.ArchiveBucket)
		if err != nil {
			return nil, fmt.Errorf("init publish archiver: %w", err)
		}
		archiver = gcs
	}
	publisher := publish.New(db, log, q, archiver, cfg.Publish.PublishedRoot, cfg.Publish.MaxAttempts, queue.BackoffPolicy{
		Base:   cfg.Publish.BackoffBase,
		Max:    cfg.Publish.BackoffMax,
		Jitter: 0.2,
	})

	asm := assembler.New(db, log, q, assembler.DefaultThresholds())

	w, err := watcher.New(cfg.Ingest.RawRoot, cfg.Ingest.QuiescenceWindow, log, asm.KnownSubband)
	if err != nil {
		return nil, fmt.Errorf("init watcher: %w", err)
	}
	consumer := ingest.NewConsumer(w, asm, log)

	kernels := kernel.Kernels{
		Converter:          &kernel.Stub{},
		CalibrationSolver:  &kernel.Stub{},
		CalibrationApplier: &kernel.Stub{},
		Imager:             &kernel.Stub{},
		Validator:          &kernel.Stub{},
		CrossMatcher:       &kernel.Stub{},
		Photometer:         &kernel.Stub{},
	}
	defs := buildStageDAG(kernels, calibrator, products, publisher, locker, cfg)

	orc := orchestrator.New(db, log, "contimg-core")
	orc.SetPublisher(publisher)

	sched := scheduler.New(db, log, q, w, asm, publisher, cfg.Scheduler.TickInterval)

	procDefaults := workerpool.ProcessingDefaults{
		RefAnt:          cfg.Processing.RefAnt,
		CalibratorField: cfg.Processing.CalibratorField,
		CatalogRefs:     cfg.Processing.CatalogRefs,
	}
	pool := workerpool.New(db, log, q, orc, defs, procDefaults,
		cfg.Processing.WorkerPoolSize, cfg.Processing.PollInterval, cfg.Processing.LeaseDuration, sched.Wake())

	router := &httpapi.RouterConfig{
		ProductRegistry: products,
		Publisher:       publisher,
		Queue:           q,
		Assembler:       asm,
	}

	return &Services{
		DB:           db,
		Redis:        rdb,
		log:          log,
		otelShutdown: otelShutdown,
		Queue:        q,
		Products:     products,
		Calibrator:   calibrator,
		Publisher:    publisher,
		Locker:       locker,
		Watcher:      w,
		Consumer:     consumer,
		Assembler:    asm,
		Orchestrator: orc,
		StageDefs:    defs,
		Scheduler:    sched,
		WorkerPool:   pool,
		Router:       router,
	}, nil
}

// buildStageDAG wires the nine-stage catalog (spec §4.5) against the
// kernel bundle and its stateful collaborators: the calibration registry,
// the product registry + publisher (Imaging registers, Validation and
// Photometry update, spec §4.7/§4.8), and the MS advisory lock.
func buildStageDAG(k kernel.Kernels, calReg *calibration.Registry, productReg *product.Registry, publisher *publish.Publisher, locker *reslock.Locker, cfg *config.Config) []orchestrator.StageDef {
	retry := orchestrator.DefaultRetryPolicy()
	return []orchestrator.StageDef{
		{Name: "CatalogSetup", Stage: stages.CatalogSetup{}, Retry: retry, Timeout: time.Minute},
		{Name: "Conversion", Stage: stages.Conversion{Converter: k.Converter}, Deps: []string{"CatalogSetup"}, Retry: retry, Timeout: 30 * time.Minute},
		{Name: "Organization", Stage: stages.Organization{StagingRoot: cfg.Publish.StagingRoot}, Deps: []string{"Conversion"}, Retry: retry, Timeout: time.Minute},
		{Name: "CalibrationSolve", Stage: stages.CalibrationSolve{Solver: k.CalibrationSolver, Registry: calReg}, Deps: []string{"Organization"}, Retry: retry, Timeout: 30 * time.Minute},
		{Name: "CalibrationApply", Stage: stages.CalibrationApply{Applier: k.CalibrationApplier, Locker: locker, LockTTL: cfg.Resources.MSLockTimeout}, Deps: []string{"CalibrationSolve"}, Retry: retry, Timeout: cfg.Resources.MSLockTimeout},
		{Name: "Imaging", Stage: stages.Imaging{Imager: k.Imager, Params: map[string]interface{}{}, Products: productReg, AutoPublishEnabled: cfg.Publish.AutoPublishDefault}, Deps: []string{"CalibrationApply"}, Retry: retry, Timeout: time.Hour},
		{Name: "Validation", Stage: stages.Validation{Validator: k.Validator, Publisher: publisher}, Deps: []string{"Imaging"}, Retry: retry, Timeout: 10 * time.Minute},
		{Name: "CrossMatch", Stage: stages.CrossMatch{Matcher: k.CrossMatcher, Catalogs: cfg.Processing.CatalogRefs}, Deps: []string{"Validation"}, Retry: retry, Timeout: 10 * time.Minute},
		{Name: "Photometry", Stage: stages.Photometry{Photometer: k.Photometer, Publisher: publisher}, Deps: []string{"Validation"}, Retry: retry, Timeout: 10 * time.Minute},
	}
}

// Run starts every background component (watcher, ingest consumer,
// scheduler, worker pool) and blocks until ctx is cancelled.
func (s *Services) Run(ctx context.Context) error {
	if err := s.Watcher.Backfill(); err != nil {
		s.log.Warn("startup backfill scan failed, continuing with live events only", "err", err)
	}
	go s.Watcher.Start(ctx)
	go s.Consumer.Run(ctx)
	go s.Scheduler.Run(ctx)
	s.WorkerPool.Start(ctx)

	<-ctx.Done()
	return s.Close()
}

// Close releases every component holding an external connection.
func (s *Services) Close() error {
	var firstErr error
	if s.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.otelShutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if err := s.Watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	sqlDB, err := s.DB.DB()
	if err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	} else if firstErr == nil {
		firstErr = err
	}
	return firstErr
}
