package journal

import (
	"fmt"
	"time"
)

// PeriodKind selects the reflection cadence.
type PeriodKind string

const (
	Weekly  PeriodKind = "weekly"
	Monthly PeriodKind = "monthly"
)

// Kinds lists every cadence the scheduler enumerates per tick.
var Kinds = []PeriodKind{Weekly, Monthly}

// Period is a half-open UTC time window [Start, End). Weekly periods run
// Monday 00:00 to the next Monday; monthly periods run first-of-month to
// first-of-next-month.
type Period struct {
	Kind  PeriodKind `json:"kind"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// LastClosed returns the most recent fully elapsed period of the given
// kind as of now. A period is closed once now >= End.
func LastClosed(kind PeriodKind, now time.Time) (Period, error) {
	now = now.UTC()
	switch kind {
	case Weekly:
		end := startOfWeek(now)
		return Period{Kind: Weekly, Start: end.AddDate(0, 0, -7), End: end}, nil
	case Monthly:
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Kind: Monthly, Start: end.AddDate(0, -1, 0), End: end}, nil
	default:
		return Period{}, fmt.Errorf("unknown period kind %q", kind)
	}
}

// startOfWeek returns the Monday 00:00 UTC at or before t.
func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Contains reports whether t falls inside the half-open window.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key is the period's identity within a user's ledger.
func (p Period) Key() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.Start.UTC().UnixNano())
}

func (p Period) String() string {
	return fmt.Sprintf("%s %s/%s", p.Kind,
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}
