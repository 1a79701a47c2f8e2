// Package window holds the pure time-window predicates that decide whether a
// task deadline qualifies for a reminder or for one of the weekly digest
// buckets. All comparisons operate on absolute instants; there is no
// local-date truncation.
package window

import "time"

const (
	// ReminderLead is how far ahead of the deadline a reminder fires.
	ReminderLead = 5 * time.Minute
	// ReminderWidth is the width of the reminder window. It must be >= the
	// scan tick period so a slow or drifting tick cannot skip a deadline.
	ReminderWidth = time.Minute
	// DigestRange is the lookback/lookahead range of the weekly digest.
	DigestRange = 7 * 24 * time.Hour
)

// Span is a half-open instant range [Start, End).
type Span struct {
	Start time.Time
	End   time.Time
}

func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// ReminderSpan returns the window [now+5m, now+6m) scanned on each tick.
func ReminderSpan(now time.Time) Span {
	return Span{Start: now.Add(ReminderLead), End: now.Add(ReminderLead + ReminderWidth)}
}

// LastWeekSpan returns [now-7d, now]. The upper bound is inclusive, so End is
// nudged past now to keep Span half-open.
func LastWeekSpan(now time.Time) Span {
	return Span{Start: now.Add(-DigestRange), End: now.Add(time.Nanosecond)}
}

// NextWeekSpan returns [now, now+7d], inclusive upper bound.
func NextWeekSpan(now time.Time) Span {
	return Span{Start: now, End: now.Add(DigestRange + time.Nanosecond)}
}

// ReminderDue reports whether deadline falls in [now+5m, now+6m).
func ReminderDue(deadline, now time.Time) bool {
	return ReminderSpan(now).Contains(deadline)
}

// DueWithinLastWeek reports whether deadline falls in [now-7d, now].
func DueWithinLastWeek(deadline, now time.Time) bool {
	return LastWeekSpan(now).Contains(deadline)
}

// UpcomingWithinWeek reports whether deadline falls in [now, now+7d].
func UpcomingWithinWeek(deadline, now time.Time) bool {
	return NextWeekSpan(now).Contains(deadline)
}

// Overdue reports whether an incomplete task's deadline has passed.
func Overdue(deadline, now time.Time, completed bool) bool {
	return !completed && deadline.Before(now)
}
