package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/model"
)

func TestRetryPolicy_Do(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	transient := apperr.Transient("write", errors.New("conflict"))

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, nil, 1, false},
		{"recovers", 2, transient, 3, false},
		{"exhausted", 5, transient, 3, true},
		{"permanent error not retried", 5, errors.New("corrupt"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := policy.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRetryPolicy_PermanentErrorUnwrapped(t *testing.T) {
	corrupt := apperr.Defectf("corrupt rollup %s", "s1")
	calls := 0
	err := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return corrupt
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, corrupt, err)
	assert.True(t, apperr.Is(err, apperr.KindDefect))
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.Transient("write", errors.New("conflict"))
	})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{Attempts: 3, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return apperr.Transient("write", errors.New("conflict"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestMergeStream_Monotonic(t *testing.T) {
	t1 := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	created := MergeStream(nil, StreamUpdate{
		Template:          model.Stream{ID: "s1", ObservationCount: 99},
		Added:             2,
		LastObservationAt: t2,
	})
	assert.Equal(t, int64(2), created.ObservationCount)
	assert.Equal(t, t2, created.LastObservationAt)

	// an older batch adds to the count but does not move lastObservationAt back
	merged := MergeStream(&created, StreamUpdate{Added: 3, LastObservationAt: t1})
	assert.Equal(t, int64(5), merged.ObservationCount)
	assert.Equal(t, t2, merged.LastObservationAt)
}

func TestMergeRawPayload(t *testing.T) {
	existing := &model.RawPayload{ID: "p1", DerivedObservationIDs: []string{"a", "b"}}
	merged := MergeRawPayload(existing, model.RawPayload{ID: "p1", DerivedObservationIDs: []string{"b", "c"}})

	assert.Equal(t, []string{"a", "b", "c"}, merged.DerivedObservationIDs)
	assert.Equal(t, []string{"a", "b"}, existing.DerivedObservationIDs)
}

func TestObservationQuery_Matches(t *testing.T) {
	at := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	o := model.Observation{StreamID: "s1", UserID: "u1", MetricCode: "glucose", ObservedAt: at}

	assert.True(t, ObservationQuery{StreamID: "s1"}.Matches(o))
	assert.True(t, ObservationQuery{UserID: "u1", MetricCode: "glucose", Start: at, End: at}.Matches(o))
	assert.False(t, ObservationQuery{StreamID: "s2"}.Matches(o))
	assert.False(t, ObservationQuery{UserID: "u1", MetricCode: "heart_rate"}.Matches(o))
	assert.False(t, ObservationQuery{Start: at.Add(time.Second)}.Matches(o))
	assert.False(t, ObservationQuery{End: at.Add(-time.Second)}.Matches(o))
}
