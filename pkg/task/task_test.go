package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition_Idempotent(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		assert.NoError(t, ValidateTransition(s, s), "same-status update must be valid for %s", s)
	}
}

func TestValidateTransition_TerminalImmutable(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	targets := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

	for _, from := range terminals {
		for _, to := range targets {
			if from == to {
				continue
			}
			assert.Error(t, ValidateTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestValidateTransition_FromQueued(t *testing.T) {
	// User tasks complete directly from queued; assistant tasks may be
	// cancelled or failed before pickup.
	for _, to := range []Status{StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		assert.NoError(t, ValidateTransition(StatusQueued, to))
	}
}

func TestValidateTransition_FromProcessing(t *testing.T) {
	for _, to := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.NoError(t, ValidateTransition(StatusProcessing, to))
	}
	assert.Error(t, ValidateTransition(StatusProcessing, StatusQueued))
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	assert.Error(t, ValidateTransition(StatusQueued, Status("bogus")))
}

func TestNewPair(t *testing.T) {
	user, assistant := NewPair("thread-1", "proj-1", "agent-1", "list the tables", map[string]any{"stream": true})

	require.NotEmpty(t, user.ID)
	require.NotEmpty(t, assistant.ID)
	assert.NotEqual(t, user.ID, assistant.ID)

	assert.Equal(t, assistant.ID, user.PairID)
	assert.Equal(t, user.ID, assistant.PairID)

	assert.Equal(t, "thread-1", user.ThreadID)
	assert.Equal(t, "thread-1", assistant.ThreadID)

	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, RoleAssistant, assistant.Role)

	assert.Equal(t, StatusQueued, user.Status)
	assert.Equal(t, StatusQueued, assistant.Status)

	assert.Equal(t, "list the tables", user.Content)
	assert.Empty(t, assistant.Content)
}

func TestNewPair_GeneratesThreadID(t *testing.T) {
	user, assistant := NewPair("", "proj-1", "agent-1", "hello", nil)
	require.NotEmpty(t, user.ThreadID)
	assert.Equal(t, user.ThreadID, assistant.ThreadID)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
