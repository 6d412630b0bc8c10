package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinyvitals/pkg/config"
)

// RollupMonitor tracks the outcome of daily rollup merges. A run of failed
// merges means trends are drifting from the raw observations.
type RollupMonitor struct {
	mu                sync.RWMutex
	now               func() time.Time
	merges            int64
	failures          int64
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewRollupMonitor creates a monitor with no recorded merges.
func NewRollupMonitor() *RollupMonitor {
	return &RollupMonitor{now: time.Now}
}

// RecordSuccess records a successful merge.
func (rm *RollupMonitor) RecordSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.now()
	rm.merges++
	rm.lastSuccess = t
	rm.lastAttempt = t
	rm.consecutiveErrors = 0
	rm.lastError = ""
}

// RecordFailure records a merge that failed after retries.
func (rm *RollupMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.failures++
	rm.lastAttempt = rm.now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// IsHealthy reports false once config.RollupUnhealthyStreak merges in a row
// have failed. An idle monitor is healthy.
func (rm *RollupMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthyLocked()
}

func (rm *RollupMonitor) healthyLocked() bool {
	return rm.consecutiveErrors < config.RollupUnhealthyStreak
}

// RollupStatus is the rollup section of /v1/health.
type RollupStatus struct {
	Healthy           bool   `json:"healthy"`
	Merges            int64  `json:"merges"`
	Failures          int64  `json:"failures"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns a snapshot for health checks.
func (rm *RollupMonitor) Status() RollupStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RollupStatus{
		Healthy:  rm.healthyLocked(),
		Merges:   rm.merges,
		Failures: rm.failures,
	}
	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = rm.now().Sub(rm.lastSuccess).Round(time.Second).String()
	}
	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}
	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}
	return status
}
