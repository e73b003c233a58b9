package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJobDefaults(t *testing.T) {
	job, err := NewJob("file:accept", map[string]string{"file": "abc"}, PriorityHigh)
	require.NoError(t, err)

	require.NotEmpty(t, job.ID)
	require.Equal(t, "file:accept", job.Kind)
	require.Equal(t, PriorityHigh, job.Priority)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	require.Zero(t, job.Attempts)
	require.False(t, job.EnqueuedAt.IsZero())
}

func TestJobMarshalRoundTrip(t *testing.T) {
	job, err := NewJob("file:process", map[string]string{"file": "abc", "owner": "u1"}, PriorityLow)
	require.NoError(t, err)
	job.Attempts = 2
	job.LastError = "provider failure"

	data, err := job.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalJob(data)
	require.NoError(t, err)
	require.Equal(t, job.ID, decoded.ID)
	require.Equal(t, job.Payload, decoded.Payload)
	require.Equal(t, 2, decoded.Attempts)
	require.Equal(t, "provider failure", decoded.LastError)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	var tests = []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}

	for _, test := range tests {
		require.Equal(t, test.want, Backoff(test.attempts), "attempts = %d", test.attempts)
	}
}

func TestPriorityString(t *testing.T) {
	require.Equal(t, "high", PriorityHigh.String())
	require.Equal(t, "normal", PriorityNormal.String())
	require.Equal(t, "low", PriorityLow.String())
}
