// Package recurrence computes the next due time of a scheduled payment.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Horizon is the furthest a next execution may be placed. Anything beyond it
// is treated as "no further execution".
const Horizon = 100 * 365 * day

// ErrInvalidFrequency is returned for an unknown frequency value
var ErrInvalidFrequency = errors.New("invalid frequency")

// Next returns the due time following base. The boolean is false when the
// frequency has no further occurrence (once).
//
// Monthly and yearly steps keep the day of month where it exists in the target
// month and otherwise clamp to that month's last day, so Jan 31 is followed by
// Feb 28 (or 29) and Feb 29 by Feb 28 of the following year.
func Next(base time.Time, frequency models.Frequency) (time.Time, bool, error) {
	switch frequency {
	case models.FrequencyOnce:
		return time.Time{}, false, nil
	case models.FrequencyDaily:
		return base.Add(day), true, nil
	case models.FrequencyWeekly:
		return base.Add(week), true, nil
	case models.FrequencyMonthly:
		return addMonthsClamped(base, 1), true, nil
	case models.FrequencyYearly:
		return addMonthsClamped(base, 12), true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidFrequency, frequency)
}

// BeyondHorizon reports whether next is too far from now to be scheduled
func BeyondHorizon(now, next time.Time) bool {
	return next.Sub(now) > Horizon
}

func addMonthsClamped(base time.Time, months int) time.Time {
	y, m, d := base.Date()
	hh, mm, ss := base.Clock()
	loc := base.Location()

	target := time.Date(y, m+time.Month(months), 1, hh, mm, ss, base.Nanosecond(), loc)
	last := daysIn(target.Year(), target.Month(), loc)
	if d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, hh, mm, ss, base.Nanosecond(), loc)
}

// daysIn returns the number of days in the month, via day 0 of the next month
func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
