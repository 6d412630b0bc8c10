package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/tinyvitals"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	ServiceName         = "tinyvitals"
)

// Background tasks
const (
	BadgerGCInterval       = 10 * time.Minute
	StorageCheckInterval   = 1 * time.Minute
	ShutdownTimeout        = 30 * time.Second
	RedisConnectTimeout    = 5 * time.Second
	DefaultStoreRetries    = 3
	DefaultStoreRetryDelay = 50 * time.Millisecond
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 30 * time.Second
	IngestMaxBodyBytes    = 1 << 20
	IngestMaxSamples      = 5000
	IngestMaxIDLength     = 256
	IngestMaxConcurrency  = 8
	IngestStatsTimeout    = 5 * time.Second
	RollupUnhealthyStreak = 3
)

// Query timeouts and defaults
const (
	QueryTimeout         = 30 * time.Second
	QueryMaxRange        = 366 * 24 * time.Hour
	QueryMaxHourRange    = 31 * 24 * time.Hour
	HistoryDefaultLimit  = 1000
	HistoryMaxLimit      = 10000
	RecentDefaultLimit   = 20
	RecentMaxLimit       = 200
	RecentWindowDays     = 3
	RollingWindowMaxDays = 365
	QueryMaxConcurrency  = 8
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
