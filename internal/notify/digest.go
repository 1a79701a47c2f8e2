package notify

import (
	"math"

	"chrono/internal/store"
)

// DigestStats is the aggregate block of the weekly digest. It is computed
// fresh for each run and never persisted.
type DigestStats struct {
	Completed      int
	TotalDue       int
	CompletionRate int // integer percent in [0, 100]
	Overdue        int
}

// BuildDigestStats derives the stats from the three task buckets of a digest
// run. The completion rate denominator is the set of tasks that were due in
// the last week; the numerator is the completed subset of that same set, so
// the rate stays in [0, 100] even when Completed counts older finishes.
func BuildDigestStats(completed, dueLastWeek, overdue []store.Task) DigestStats {
	st := DigestStats{
		Completed: len(completed),
		TotalDue:  len(dueLastWeek),
		Overdue:   len(overdue),
	}
	if st.TotalDue == 0 {
		return st
	}
	completedOfDue := 0
	for _, t := range dueLastWeek {
		if t.Completed {
			completedOfDue++
		}
	}
	st.CompletionRate = int(math.Round(100 * float64(completedOfDue) / float64(st.TotalDue)))
	return st
}
