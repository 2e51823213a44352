// Package config loads the daemon's typed configuration from environment
// variables, following the teacher's GetEnv/GetEnvAsInt convention.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

// Config is the full typed configuration surface for the daemon.
type Config struct {
	LogMode string

	StoreDSN           string
	StoreMigrateOnBoot bool

	RedisAddr string

	HTTPAddr string

	OTelExporter     string
	OTelOTLPEndpoint string

	Ingest struct {
		RawRoot          string
		QuiescenceWindow time.Duration
	}

	Queue struct {
		VisibilityTimeout time.Duration
		MaxAttempts       int
		BackoffBase       time.Duration
		BackoffMax        time.Duration
	}

	Resources struct {
		MSLockTimeout time.Duration
	}

	Scheduler struct {
		TickInterval time.Duration
	}

	Publish struct {
		ArchiveEnabled     bool
		ArchiveBucket      string
		MaxAttempts        int
		BackoffBase        time.Duration
		BackoffMax         time.Duration
		AutoPublishDefault bool
		PublishedRoot      string
		StagingRoot        string
	}

	Processing struct {
		RefAnt          string
		CalibratorField string
		CatalogRefs     []string
		WorkerPoolSize  int
		LeaseDuration   time.Duration
		PollInterval    time.Duration
	}
}

// Load reads Config from the process environment. log is used only to
// report which defaults were applied; a nil log is tolerated.
func Load(log *logger.Logger) *Config {
	c := &Config{}

	c.LogMode = GetEnv("LOG_MODE", "dev", log)

	c.StoreDSN = GetEnv("STORE_DSN", "postgres://localhost:5432/contimg?sslmode=disable", log)
	c.StoreMigrateOnBoot = GetEnvAsBool("STORE_MIGRATE_ON_START", true, log)

	c.RedisAddr = GetEnv("REDIS_ADDR", "localhost:6379", log)

	c.HTTPAddr = GetEnv("HTTP_ADDR", ":8080", log)

	c.OTelExporter = GetEnv("OTEL_EXPORTER", "stdout", log)
	c.OTelOTLPEndpoint = GetEnv("OTEL_OTLP_ENDPOINT", "localhost:4318", log)

	c.Ingest.RawRoot = GetEnv("INGEST_RAW_ROOT", "/data/raw", log)
	c.Ingest.QuiescenceWindow = GetEnvAsDuration("INGEST_QUIESCENCE_WINDOW", 30*time.Second, log)

	c.Queue.VisibilityTimeout = GetEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute, log)
	c.Queue.MaxAttempts = GetEnvAsInt("QUEUE_MAX_ATTEMPTS", 5, log)
	c.Queue.BackoffBase = GetEnvAsDuration("QUEUE_BACKOFF_BASE", 2*time.Second, log)
	c.Queue.BackoffMax = GetEnvAsDuration("QUEUE_BACKOFF_MAX", 5*time.Minute, log)

	c.Resources.MSLockTimeout = GetEnvAsDuration("RESOURCES_MS_LOCK_TIMEOUT", 10*time.Minute, log)

	c.Scheduler.TickInterval = GetEnvAsDuration("SCHEDULER_TICK_INTERVAL", 15*time.Second, log)

	c.Publish.ArchiveEnabled = GetEnvAsBool("PUBLISH_ARCHIVE_ENABLED", false, log)
	c.Publish.ArchiveBucket = GetEnv("PUBLISH_ARCHIVE_BUCKET", "", log)
	c.Publish.MaxAttempts = GetEnvAsInt("PUBLISH_MAX_ATTEMPTS", 5, log)
	c.Publish.BackoffBase = GetEnvAsDuration("PUBLISH_BACKOFF_BASE", 30*time.Second, log)
	c.Publish.BackoffMax = GetEnvAsDuration("PUBLISH_BACKOFF_MAX", 30*time.Minute, log)
	c.Publish.AutoPublishDefault = GetEnvAsBool("PUBLISH_AUTO_PUBLISH_DEFAULT", true, log)
	c.Publish.PublishedRoot = GetEnv("PUBLISH_PUBLISHED_ROOT", "/data/published", log)
	c.Publish.StagingRoot = GetEnv("PUBLISH_STAGING_ROOT", "/data/staging", log)

	c.Processing.RefAnt = GetEnv("PROCESSING_REF_ANT", "0", log)
	c.Processing.CalibratorField = GetEnv("PROCESSING_CALIBRATOR_FIELD", "", log)
	c.Processing.CatalogRefs = GetEnvAsStringSlice("PROCESSING_CATALOG_REFS", []string{"NVSS"}, log)
	c.Processing.WorkerPoolSize = GetEnvAsInt("PROCESSING_WORKER_POOL_SIZE", 4, log)
	c.Processing.LeaseDuration = GetEnvAsDuration("PROCESSING_LEASE_DURATION", 10*time.Minute, log)
	c.Processing.PollInterval = GetEnvAsDuration("PROCESSING_POLL_INTERVAL", 1*time.Second, log)

	return c
}

// GetEnv returns the string value of key, or defaultVal if unset.
func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if log != nil {
		log.Debug("config: using default", "key", key, "default", defaultVal)
	}
	return defaultVal
}

// GetEnvAsInt returns the integer value of key, or defaultVal if unset or
// unparseable.
func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("config: invalid int, using default", "key", key, "value", v, "default", defaultVal)
		}
		return defaultVal
	}
	return n
}

// GetEnvAsBool returns the boolean value of key, or defaultVal if unset or
// unparseable.
func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if log != nil {
			log.Warn("config: invalid bool, using default", "key", key, "value", v, "default", defaultVal)
		}
		return defaultVal
	}
	return b
}

// GetEnvAsStringSlice returns the comma-separated value of key as a string
// slice, or defaultVal if unset. Empty elements are dropped.
func GetEnvAsStringSlice(key string, defaultVal []string, log *logger.Logger) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// GetEnvAsDuration returns the duration value of key (Go duration syntax,
// e.g. "30s", "5m"), or defaultVal if unset or unparseable.
func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if log != nil {
			log.Warn("config: invalid duration, using default", "key", key, "value", v, "default", defaultVal)
		}
		return defaultVal
	}
	return d
}
