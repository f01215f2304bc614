// Package quota holds per-key day/month call counters.
//
// Periods are derived from the wall clock in UTC: a day rolls over at
// midnight, a month on the first. No "last reset" state is stored, so a
// missed reset cannot make counters drift.
package quota

import (
	"context"
	"time"
)

// Unlimited disables the cap for one window.
const Unlimited int64 = -1

// Limits caps one key's calls per day and per month.
type Limits struct {
	Daily   int64
	Monthly int64
}

// Usage is the outcome of a Consume call. Remaining values are -1 for
// unlimited windows.
type Usage struct {
	Granted        bool
	RemainingToday int64
	RemainingMonth int64
	// ResetAt is when the exhausted window rolls over. Zero when granted.
	ResetAt time.Time
}

// Store admits or refuses one call for a key. Consume must increment both
// windows and grant in one atomic step, or do neither.
type Store interface {
	Consume(ctx context.Context, keyID string, limits Limits, now time.Time) (Usage, error)
}

// DayKey and MonthKey name the current periods.
func DayKey(now time.Time) string   { return now.UTC().Format("20060102") }
func MonthKey(now time.Time) string { return now.UTC().Format("200601") }

// NextDay is the next UTC midnight after now.
func NextDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// NextMonth is the first of the next UTC month.
func NextMonth(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// Evaluate turns the counters after a Consume attempt into a Usage.
// day and month are the post-increment values when granted, the current
// values otherwise.
func Evaluate(granted bool, day, month int64, limits Limits, now time.Time) Usage {
	u := Usage{
		Granted:        granted,
		RemainingToday: remaining(limits.Daily, day),
		RemainingMonth: remaining(limits.Monthly, month),
	}
	if granted {
		return u
	}
	if limits.Monthly != Unlimited && month >= limits.Monthly {
		u.ResetAt = NextMonth(now)
	} else {
		u.ResetAt = NextDay(now)
	}
	return u
}

func remaining(limit, used int64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func exhausted(limit, used int64) bool {
	return limit != Unlimited && used >= limit
}
