package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	plus2 := time.FixedZone("", 2*3600)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-15T10:30:00Z", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15T10:30:00.123456Z", time.Date(2024, 1, 15, 10, 30, 0, 123456000, time.UTC)},
		{"2024-01-15T10:30:00+02:00", time.Date(2024, 1, 15, 10, 30, 0, 0, plus2)},
		{"2024-01-15T10:30:00.5", time.Date(2024, 1, 15, 10, 30, 0, 500000000, time.UTC)},
		{"2024-01-15 10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15 10:30:00.25", time.Date(2024, 1, 15, 10, 30, 0, 250000000, time.UTC)},
		{"2024-01-15 10:30:00+02:00", time.Date(2024, 1, 15, 10, 30, 0, 0, plus2)},
		{"2024/01/15 10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"1705314600", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"1705314600123", time.Date(2024, 1, 15, 10, 30, 0, 123000000, time.UTC)},
		{"  2024-01-15 10:30:00  ", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			_, wantOff := tt.want.Zone()
			_, gotOff := got.Zone()
			assert.Equal(t, wantOff, gotOff)
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "15/01/2024", "2024-13-01 00:00:00"} {
		_, err := ParseTimestamp(in)
		assert.Error(t, err, in)
	}
}

func TestParseTimestamp_HourBucketUsesInputZone(t *testing.T) {
	ts, err := ParseTimestamp("2024-01-15T00:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15 00:00:00", ts.Format(HourBucketLayout))
}
