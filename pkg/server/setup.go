package server

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/catalog"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/ingest"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/query"
	"github.com/nicktill/tinyvitals/pkg/rollup"
	"github.com/nicktill/tinyvitals/pkg/server/monitor"
	"github.com/nicktill/tinyvitals/pkg/storage"
	"github.com/nicktill/tinyvitals/pkg/storage/badger"
	"github.com/nicktill/tinyvitals/pkg/storage/redisstore"
)

// Config holds server configuration.
type Config struct {
	Port         string
	DataDir      string
	MaxStorageGB int64
	MaxMemoryMB  int64
	LogLevel     string
	LogFormat    string

	// RedisAddr enables the shared rollup store when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// CatalogPath is an optional JSON catalog merged over the built-in one.
	CatalogPath string

	StoreRetries int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:          getEnv("PORT", config.DefaultPort),
		DataDir:       getEnv("TINYVITALS_DATA_DIR", config.DefaultDataDir),
		LogLevel:      getEnv("TINYVITALS_LOG_LEVEL", config.DefaultLogLevel),
		LogFormat:     getEnv("TINYVITALS_LOG_FORMAT", config.DefaultLogFormat),
		RedisAddr:     os.Getenv("TINYVITALS_REDIS_ADDR"),
		RedisPassword: os.Getenv("TINYVITALS_REDIS_PASSWORD"),
		CatalogPath:   os.Getenv("TINYVITALS_CATALOG"),
	}

	var err error
	if cfg.MaxStorageGB, err = getEnvInt64("TINYVITALS_MAX_STORAGE_GB", config.DefaultMaxStorageGB); err != nil {
		return Config{}, err
	}
	if cfg.MaxMemoryMB, err = getEnvInt64("TINYVITALS_MAX_MEMORY_MB", config.DefaultMaxMemoryMB); err != nil {
		return Config{}, err
	}
	db, err := getEnvInt64("TINYVITALS_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB = int(db)
	retries, err := getEnvInt64("TINYVITALS_STORE_RETRIES", config.DefaultStoreRetries)
	if err != nil {
		return Config{}, err
	}
	if retries < 1 {
		return Config{}, fmt.Errorf("TINYVITALS_STORE_RETRIES must be at least 1, got %d", retries)
	}
	cfg.StoreRetries = int(retries)

	return cfg, nil
}

// RetryPolicy is the store retry policy derived from the configuration.
func (c Config) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: c.StoreRetries, BaseDelay: config.DefaultStoreRetryDelay}
}

// Stores are the opened storage backends.
type Stores struct {
	Primary *badger.Storage

	// Rollups is Redis when configured, otherwise Primary.
	Rollups storage.RollupStore

	redis *redisstore.Store
}

// Close closes every backend.
func (s *Stores) Close() error {
	var firstErr error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.Primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// InitializeStorage opens BadgerDB under cfg.DataDir and, when configured,
// the Redis rollup store.
func InitializeStorage(ctx context.Context, cfg Config, logger *zap.Logger) (*Stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info("initializing BadgerDB storage", zap.String("path", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	primary, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	stores := &Stores{Primary: primary, Rollups: primary}

	if cfg.RedisAddr == "" {
		logger.Info("rollups stored in BadgerDB (single-process merges)")
		return stores, nil
	}

	rctx, cancel := context.WithTimeout(ctx, config.RedisConnectTimeout)
	defer cancel()
	rs, err := redisstore.Open(rctx, redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   logger,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	stores.Rollups = rs
	stores.redis = rs
	logger.Info("rollups stored in Redis (atomic merges)", zap.String("addr", cfg.RedisAddr))
	return stores, nil
}

// SeedCatalog writes the built-in catalog, merged with cfg.CatalogPath when
// set, without overwriting existing records.
func SeedCatalog(ctx context.Context, cfg Config, store storage.ReferenceStore, logger *zap.Logger) error {
	c := catalog.Builtin()
	if cfg.CatalogPath != "" {
		extra, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		c = c.Merge(extra)
	}
	report, err := catalog.Seed(ctx, store, c, logger)
	if err != nil {
		return err
	}
	logger.Info("catalog seeded", zap.Int("created", report.Created), zap.Int("skipped", report.Skipped))
	return nil
}

// Handlers bundles the request handlers and the state they report on.
type Handlers struct {
	Ingest         *ingest.Handler
	Query          *query.Handler
	Hub            *ingest.EventHub
	Coordinator    *ingest.Coordinator
	Store          storage.Store
	RollupMonitor  *monitor.RollupMonitor
	StorageMonitor *monitor.StorageMonitor
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(cfg Config, stores *Stores, logger *zap.Logger) *Handlers {
	retry := cfg.RetryPolicy()

	rollupMonitor := monitor.NewRollupMonitor()
	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB<<30)

	maintainer := rollup.New(stores.Rollups, logger,
		rollup.WithRecorder(rollupMonitor),
		rollup.WithRetry(retry),
	)

	hub := ingest.NewEventHub(logger)
	coordinator := ingest.NewCoordinator(stores.Primary, normalize.New(), maintainer, logger,
		ingest.WithRetry(retry),
		ingest.WithPublisher(hub),
	)

	ingestHandler := ingest.NewHandler(coordinator, stores.Primary, logger)
	ingestHandler.SetStorageChecker(storageMonitor)

	aggregator := query.NewAggregator(stores.Primary, stores.Rollups, logger)
	queryHandler := query.NewHandler(aggregator, logger)

	logger.Info("handlers ready",
		zap.Int("store_retries", retry.Attempts),
		zap.Int64("max_storage_gb", cfg.MaxStorageGB),
	)

	return &Handlers{
		Ingest:         ingestHandler,
		Query:          queryHandler,
		Hub:            hub,
		Coordinator:    coordinator,
		Store:          stores.Primary,
		RollupMonitor:  rollupMonitor,
		StorageMonitor: storageMonitor,
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, val)
	}
	return parsed, nil
}
