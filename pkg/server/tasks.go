package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/server/monitor"
)

// GarbageCollector reclaims value-log space (implemented by badger.Storage).
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// gcDiscardRatio rewrites a value log file once half of it is garbage.
const gcDiscardRatio = 0.5

// RunBadgerGC runs BadgerDB value-log garbage collection every
// config.BadgerGCInterval until ctx is done. Observations are never
// rewritten, but rollups and streams are, so the value log accumulates
// stale versions.
func RunBadgerGC(ctx context.Context, gc GarbageCollector, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	logger.Info("BadgerDB GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := gc.RunGC(gcDiscardRatio); err != nil {
				logger.Warn("BadgerDB GC failed", zap.Error(err))
				continue
			}
			logger.Debug("BadgerDB GC completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			logger.Info("stopping BadgerDB GC scheduler")
			return
		}
	}
}

// RunStorageCheck warns every config.StorageCheckInterval while disk usage
// is at or above the limit. Ingestion is refused in that state.
func RunStorageCheck(ctx context.Context, sm *monitor.StorageMonitor, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.StorageCheckInterval)
	defer ticker.Stop()

	wasExceeded := false
	for {
		select {
		case <-ticker.C:
			u, err := sm.Usage()
			if err != nil {
				logger.Warn("storage usage check failed", zap.Error(err))
				continue
			}
			switch {
			case u.Exceeded:
				logger.Warn("storage limit reached, ingestion is refused",
					zap.Int64("used_bytes", u.UsedBytes),
					zap.Int64("max_bytes", u.MaxBytes),
				)
			case wasExceeded:
				logger.Info("storage back under limit", zap.Float64("used_percent", u.UsedPercent))
			}
			wasExceeded = u.Exceeded
		case <-ctx.Done():
			return
		}
	}
}
