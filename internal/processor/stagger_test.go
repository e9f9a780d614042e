package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaggerDelay_WithinExpectedBounds(t *testing.T) {
	for _, model := range []string{"", "opus", "claude-sonnet-4", "gpt4", "gemini-pro"} {
		d := StaggerDelay(model)
		require.GreaterOrEqual(t, d, staggerBaseDelay)
		require.Less(t, d, staggerBaseDelay+1500*time.Millisecond)
	}
}

func TestStaggerDelay_Deterministic(t *testing.T) {
	require.Equal(t, StaggerDelay("claude-sonnet-4"), StaggerDelay("claude-sonnet-4"))
}

func TestStaggerDelay_DiffersAcrossModels(t *testing.T) {
	require.NotEqual(t, StaggerDelay("claude-sonnet-4"), StaggerDelay("claude-opus-4"))
}

func TestPolyHash_EmptyStringIsZero(t *testing.T) {
	require.Equal(t, int32(0), polyHash(""))
}
