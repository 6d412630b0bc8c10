package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage/badger"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "TINYVITALS_DATA_DIR", "TINYVITALS_MAX_STORAGE_GB", "TINYVITALS_MAX_MEMORY_MB",
		"TINYVITALS_REDIS_ADDR", "TINYVITALS_REDIS_DB", "TINYVITALS_STORE_RETRIES", "TINYVITALS_CATALOG",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, config.DefaultDataDir, cfg.DataDir)
	assert.EqualValues(t, config.DefaultMaxStorageGB, cfg.MaxStorageGB)
	assert.EqualValues(t, config.DefaultMaxMemoryMB, cfg.MaxMemoryMB)
	assert.Equal(t, config.DefaultStoreRetries, cfg.StoreRetries)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TINYVITALS_DATA_DIR", "/var/lib/tinyvitals")
	t.Setenv("TINYVITALS_MAX_STORAGE_GB", "5")
	t.Setenv("TINYVITALS_REDIS_ADDR", "localhost:6379")
	t.Setenv("TINYVITALS_REDIS_DB", "2")
	t.Setenv("TINYVITALS_STORE_RETRIES", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/var/lib/tinyvitals", cfg.DataDir)
	assert.EqualValues(t, 5, cfg.MaxStorageGB)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.Attempts)
	assert.Equal(t, config.DefaultStoreRetryDelay, policy.BaseDelay)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric storage", "TINYVITALS_MAX_STORAGE_GB", "lots"},
		{"non-numeric memory", "TINYVITALS_MAX_MEMORY_MB", "1.5"},
		{"non-numeric redis db", "TINYVITALS_REDIS_DB", "zero"},
		{"zero retries", "TINYVITALS_STORE_RETRIES", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Port:         "8080",
		DataDir:      filepath.Join(t.TempDir(), "data"),
		MaxStorageGB: 1,
		MaxMemoryMB:  64,
		StoreRetries: 2,
	}
}

func TestInitializeStorage_Badger(t *testing.T) {
	cfg := testConfig(t)
	stores, err := InitializeStorage(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	assert.DirExists(t, cfg.DataDir)
	assert.Same(t, stores.Primary, stores.Rollups.(*badger.Storage))
}

func TestInitializeStorage_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	stores, err := InitializeStorage(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	_, isBadger := stores.Rollups.(*badger.Storage)
	assert.False(t, isBadger, "rollups should live in redis")

	ctx := context.Background()
	require.NoError(t, stores.Rollups.PutRollup(ctx, model.DailyRollup{StreamID: "s1", Day: "2026-01-30", Count: 1, Sum: 5}))
	got, err := stores.Rollups.GetRollup(ctx, "s1", "2026-01-30")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Count)
}

func TestInitializeStorage_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.RedisAddr = addr
	_, err := InitializeStorage(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSeedCatalog(t *testing.T) {
	ctx := context.Background()
	store, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(cfg.CatalogPath, []byte(`{
		"devices": [{"id": "cgm-1", "manufacturerId": "dexcom"}]
	}`), 0o600))

	require.NoError(t, SeedCatalog(ctx, cfg, store, zap.NewNop()))

	metric, err := store.GetMetric(ctx, "glucose")
	require.NoError(t, err)
	assert.Equal(t, "glucose", metric.Code)

	device, err := store.GetDevice(ctx, "cgm-1")
	require.NoError(t, err)
	assert.Equal(t, "dexcom", device.ManufacturerID)

	// Seeding twice is a no-op.
	require.NoError(t, SeedCatalog(ctx, cfg, store, zap.NewNop()))
}

func TestSeedCatalog_BadFile(t *testing.T) {
	store, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, SeedCatalog(context.Background(), cfg, store, zap.NewNop()))
}
