package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemStateMachine(t *testing.T) {
	// The happy path and both retry edges are legal.
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.True(t, CanTransition(StatusProcessing, StatusPending))
	assert.True(t, CanTransition(StatusFailed, StatusPending))

	// Cancellation only applies before work starts or after failure.
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusFailed, StatusCancelled))
	assert.False(t, CanTransition(StatusProcessing, StatusCancelled))

	// Completed and cancelled items never move again.
	for _, to := range []ItemStatus{StatusPending, StatusProcessing, StatusFailed} {
		assert.False(t, CanTransition(StatusCompleted, to))
		assert.False(t, CanTransition(StatusCancelled, to))
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
