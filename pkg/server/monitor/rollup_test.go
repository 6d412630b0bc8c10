package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/rollup"
)

var _ rollup.Recorder = (*RollupMonitor)(nil)

func TestRollupMonitor_IdleIsHealthy(t *testing.T) {
	rm := NewRollupMonitor()
	status := rm.Status()
	if !status.Healthy {
		t.Error("idle monitor should be healthy")
	}
	if status.LastSuccess != "" || status.Merges != 0 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestRollupMonitor_RecordFailure(t *testing.T) {
	rm := NewRollupMonitor()
	rm.RecordFailure(errors.New("redis: connection refused"))

	status := rm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "redis: connection refused" {
		t.Errorf("LastError = %q", status.LastError)
	}
	if status.Failures != 1 {
		t.Errorf("Failures = %d, want 1", status.Failures)
	}
}

func TestRollupMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*RollupMonitor)
		expected bool
	}{
		{
			name:     "success",
			setup:    func(rm *RollupMonitor) { rm.RecordSuccess() },
			expected: true,
		},
		{
			name: "failures below streak",
			setup: func(rm *RollupMonitor) {
				for i := 0; i < config.RollupUnhealthyStreak-1; i++ {
					rm.RecordFailure(errors.New("boom"))
				}
			},
			expected: true,
		},
		{
			name: "failure streak",
			setup: func(rm *RollupMonitor) {
				rm.RecordSuccess()
				for i := 0; i < config.RollupUnhealthyStreak; i++ {
					rm.RecordFailure(errors.New("boom"))
				}
			},
			expected: false,
		},
		{
			name: "recovered",
			setup: func(rm *RollupMonitor) {
				for i := 0; i < config.RollupUnhealthyStreak; i++ {
					rm.RecordFailure(errors.New("boom"))
				}
				rm.RecordSuccess()
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := NewRollupMonitor()
			tt.setup(rm)
			if got := rm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRollupMonitor_Status(t *testing.T) {
	rm := NewRollupMonitor()
	base := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return base }
	rm.RecordSuccess()
	rm.now = func() time.Time { return base.Add(90 * time.Second) }

	status := rm.Status()
	if status.LastSuccess != "2026-01-30T12:00:00Z" {
		t.Errorf("LastSuccess = %q", status.LastSuccess)
	}
	if status.TimeSinceSuccess != "1m30s" {
		t.Errorf("TimeSinceSuccess = %q, want 1m30s", status.TimeSinceSuccess)
	}
	if status.Merges != 1 {
		t.Errorf("Merges = %d, want 1", status.Merges)
	}
}
