// Package monitor tracks the health signals served by /v1/health and
// /v1/storage.
package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

const usageCacheTTL = 10 * time.Second

// StorageMonitor reports disk usage of the data directory. Directory walks
// are cached for a short TTL since ingestion consults it on every request.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	ttl      time.Duration

	mu        sync.Mutex
	cached    int64
	lastCheck time.Time
}

// NewStorageMonitor creates a new storage monitor.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		ttl:      usageCacheTTL,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.ttl {
		return sm.cached, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cached = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Usage is the payload of /v1/storage.
type Usage struct {
	UsedBytes   int64   `json:"used_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Exceeded    bool    `json:"exceeded"`
}

// Usage reports current usage against the limit.
func (sm *StorageMonitor) Usage() (Usage, error) {
	used, err := sm.GetUsage()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{UsedBytes: used, MaxBytes: sm.maxBytes}
	if sm.maxBytes > 0 {
		u.UsedPercent = float64(used) / float64(sm.maxBytes) * 100
		u.Exceeded = used >= sm.maxBytes
	}
	return u, nil
}

// dirSize sums allocated bytes of every file under root.
func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := diskUsage(path, info)
		if err != nil {
			n = info.Size()
		}
		size += n
		return nil
	})
	return size, err
}
