package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
		{"validation", Validationf("device %s not found", "d1"), KindValidation},
		{"not found", NotFoundf("stream not found"), KindNotFound},
		{"defect", Defectf("metric missing"), KindDefect},
		{"transient", Transient("write", errors.New("conflict")), KindTransient},
		{"wrapped with fmt", fmt.Errorf("ingest: %w", Validationf("bad")), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	base := errors.New("txn conflict")
	err := Transient("create observations", base)

	require.EqualError(t, err, "create observations: txn conflict")
	require.ErrorIs(t, err, base)
	require.True(t, IsTransient(err))
	require.False(t, IsTransient(base))
}

func TestWrap_Nil(t *testing.T) {
	require.NoError(t, Wrap(KindDefect, "x", nil))
	require.NoError(t, Transient("x", nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
