package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name      string
		base      time.Time
		frequency models.Frequency
		want      time.Time
	}{
		{"daily", date(2026, 3, 1), models.FrequencyDaily, date(2026, 3, 2)},
		{"weekly", date(2026, 3, 1), models.FrequencyWeekly, date(2026, 3, 8)},
		{"monthly plain", date(2026, 1, 15), models.FrequencyMonthly, date(2026, 2, 15)},
		{"monthly clamps to february", date(2026, 1, 31), models.FrequencyMonthly, date(2026, 2, 28)},
		{"monthly clamps to leap february", date(2028, 1, 31), models.FrequencyMonthly, date(2028, 2, 29)},
		{"monthly clamps to thirty days", date(2026, 3, 31), models.FrequencyMonthly, date(2026, 4, 30)},
		{"monthly across year end", date(2026, 12, 31), models.FrequencyMonthly, date(2027, 1, 31)},
		{"yearly", date(2026, 6, 1), models.FrequencyYearly, date(2027, 6, 1)},
		{"yearly from leap day", date(2028, 2, 29), models.FrequencyYearly, date(2029, 2, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Next(tt.base, tt.frequency)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOnce(t *testing.T) {
	_, ok, err := Next(date(2026, 1, 1), models.FrequencyOnce)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextInvalid(t *testing.T) {
	_, _, err := Next(date(2026, 1, 1), models.Frequency("hourly"))
	assert.True(t, errors.Is(err, ErrInvalidFrequency))
}

func TestNextIsStrictlyLater(t *testing.T) {
	base := date(2026, 1, 31)
	for _, f := range []models.Frequency{models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly, models.FrequencyYearly} {
		cur := base
		for i := 0; i < 30; i++ {
			next, ok, err := Next(cur, f)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, next.After(cur), "%s step %d", f, i)
			cur = next
		}
	}
}

func TestMonthlyKeepsDayOfMonth(t *testing.T) {
	cur := date(2026, 1, 15)
	for i := 0; i < 24; i++ {
		next, _, err := Next(cur, models.FrequencyMonthly)
		require.NoError(t, err)
		assert.Equal(t, 15, next.Day())
		assert.Equal(t, cur.Hour(), next.Hour())
		cur = next
	}
}

func TestNextIsDeterministic(t *testing.T) {
	base := date(2026, 5, 31)
	a, _, _ := Next(base, models.FrequencyMonthly)
	b, _, _ := Next(base, models.FrequencyMonthly)
	assert.Equal(t, a, b)
}

func TestBeyondHorizon(t *testing.T) {
	now := date(2026, 1, 1)
	assert.False(t, BeyondHorizon(now, now.AddDate(10, 0, 0)))
	assert.True(t, BeyondHorizon(now, now.AddDate(200, 0, 0)))
}
