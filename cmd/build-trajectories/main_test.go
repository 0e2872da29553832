package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	since, until, err := window("", "", 3, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-3*time.Hour), since)
	assert.Equal(t, now, until)

	since, until, err = window("2024-01-01T06:00:00Z", "2024-01-01T09:30:00Z", 3, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), since)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC), until)

	since, _, err = window("", "2024-01-01T09:00:00Z", 0.5, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), since)

	for _, tc := range []struct{ since, until string; hours float64 }{
		{"2024-01-01T09:00:00Z", "2024-01-01T09:00:00Z", 3},
		{"2024-01-01T10:00:00Z", "2024-01-01T09:00:00Z", 3},
		{"yesterday", "", 3},
		{"", "noon", 3},
		{"", "", 0},
	} {
		_, _, err := window(tc.since, tc.until, tc.hours, now)
		assert.Error(t, err, "%+v", tc)
	}
}
