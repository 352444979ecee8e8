package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCompact(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"+6h", time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC)},
		{"-1d", time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)},
		{"+2w", time.Date(2026, 6, 29, 12, 0, 0, 0, time.UTC)},
		{"3m", time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC)},
		{"1y", time.Date(2027, 6, 15, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.input, now)
		require.NoError(t, err, tt.input)
		require.True(t, got.Equal(tt.want), "%s: got %v", tt.input, got)
	}
}

func TestParseAbsolute(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := Parse("2026-01-02T15:04:05Z", now)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)))

	got, err = Parse("2026-03-01", now)
	require.NoError(t, err)
	require.Equal(t, 2026, got.Year())
	require.Equal(t, time.March, got.Month())
	require.Equal(t, 1, got.Day())
}

func TestParseNaturalLanguage(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := Parse("yesterday", now)
	require.NoError(t, err)
	require.Equal(t, 14, got.Day())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not a time at all xyzzy", time.Now())
	require.Error(t, err)
}
