package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronSchedule_Next(t *testing.T) {
	from := time.Date(2024, 1, 15, 10, 7, 30, 0, time.UTC) // a Monday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2024, 1, 15, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 1, 15, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC)},
		{"30 9-17 * * 1-5", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"0,45 10 * * *", time.Date(2024, 1, 15, 10, 45, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.Next(from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronSchedule_NoMatch(t *testing.T) {
	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}
