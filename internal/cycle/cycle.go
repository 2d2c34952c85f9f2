// Package cycle computes billing period boundaries and due dates.
//
// All functions are pure. Times are interpreted in their own location; the
// engine always passes UTC.
package cycle

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hearth/internal/domain"
)

// LastDayAnchor marks a cycle that renews on the last day of every month.
const LastDayAnchor = 31

// AnchorDay returns the anchor day a cycle starting at start renews on.
// Starts on the last day of a month anchor to the end of every month.
func AnchorDay(start time.Time) int {
	if isLastDayOfMonth(start) {
		return LastDayAnchor
	}
	return start.Day()
}

// NextPeriodEnd adds one interval to start. When start falls on the last day
// of its month, or the same day does not exist in the target month, the result
// is clamped to the last day of the target month.
//
//	NextPeriodEnd(2024-01-31, monthly) = 2024-02-29
//	NextPeriodEnd(2024-02-29, annual)  = 2025-02-28
func NextPeriodEnd(start time.Time, interval domain.Interval) time.Time {
	return NextPeriodEndFromAnchor(start, interval, AnchorDay(start))
}

// NextPeriodEndFromAnchor adds one interval to start, placing the result on
// anchorDay clamped to the target month. Passing the subscription's original
// anchor on every rollover keeps a Jan 30 cycle on the 30th after February.
func NextPeriodEndFromAnchor(start time.Time, interval domain.Interval, anchorDay int) time.Time {
	var months int
	switch interval {
	case domain.IntervalMonthly:
		months = 1
	case domain.IntervalAnnual:
		months = 12
	default:
		panic(fmt.Sprintf("cycle: unsupported interval %q", interval))
	}
	if anchorDay < 1 || anchorDay > LastDayAnchor {
		anchorDay = start.Day()
	}

	y, m, _ := start.Date()
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, start.Location())
	day := min(anchorDay, daysIn(target.Year(), target.Month(), start.Location()))

	return time.Date(target.Year(), target.Month(), day,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
}

// IsOverdue reports whether now is strictly after periodEnd.
func IsOverdue(periodEnd, now time.Time) bool {
	return now.After(periodEnd)
}

// DaysUntilDue returns whole days from now until periodEnd, rounded down.
// A negative value means the period has already ended.
func DaysUntilDue(periodEnd, now time.Time) int {
	return int(math.Floor(periodEnd.Sub(now).Hours() / 24))
}

// ProrateCredit returns the unused share of amountCents for a period that is
// cancelled at the given instant, rounded half-to-even to whole cents.
func ProrateCredit(amountCents int64, periodStart, periodEnd, at time.Time) int64 {
	if !periodEnd.After(periodStart) || !at.Before(periodEnd) {
		return 0
	}
	if !at.After(periodStart) {
		return amountCents
	}

	total := decimal.NewFromInt(int64(periodEnd.Sub(periodStart)))
	remaining := decimal.NewFromInt(int64(periodEnd.Sub(at)))

	return decimal.NewFromInt(amountCents).
		Mul(remaining).
		Div(total).
		RoundBank(0).
		IntPart()
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func isLastDayOfMonth(t time.Time) bool {
	return t.Day() == daysIn(t.Year(), t.Month(), t.Location())
}
