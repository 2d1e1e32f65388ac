package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientClassifiesStateMachineErrorsAsNonTransient(t *testing.T) {
	assert.False(t, IsTransient(&ErrInvalidTransition{UUID: "u1", From: StagePending, To: StageCompleted}))
	assert.False(t, IsTransient(&ErrNotFound{UUID: "u1"}))
}

func TestIsTransientClassifiesUnknownErrorsAsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("connection reset by peer")))
}

func TestWithRetryStopsImmediatelyOnNonTransientError(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return &ErrInvalidTransition{UUID: "u1", From: StagePending, To: StageCompleted}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
