package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	var cases = []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusPosted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRetrieved, false},
		{StatusPosted, StatusRetrieved, true},
		{StatusPosted, StatusFailed, true},
		{StatusPosted, StatusForwarded, false},
		{StatusRetrieved, StatusForwarded, true},
		{StatusRetrieved, StatusFailed, true},
		{StatusRetrieved, StatusSucceeded, false},
		{StatusForwarded, StatusSucceeded, true},
		{StatusForwarded, StatusFailed, true},
		{StatusForwarded, StatusPosted, false},
		{StatusFailed, StatusFailedCleaned, true},
		{StatusFailed, StatusSucceeded, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailedCleaned, StatusPending, false},
		// Self transitions are always permitted.
		{StatusPending, StatusPending, true},
		{StatusSucceeded, StatusSucceeded, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusPosted.Terminal())
	require.False(t, StatusRetrieved.Terminal())
	require.False(t, StatusForwarded.Terminal())
	require.False(t, StatusFailed.Terminal())
	require.True(t, StatusSucceeded.Terminal())
	require.True(t, StatusFailedCleaned.Terminal())
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "PENDING", StatusPending.String())
	require.Equal(t, "FAILED_CLEANED", StatusFailedCleaned.String())
	require.Equal(t, "Status(42)", Status(42).String())
}
