package generic

import "time"

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is an inclusive range of calendar dates [Start, End].
// Both ends are midnight in the calendar's location.
//
// Examples:
//   - Month 2025-06: Jun 1 - Jun 30
//   - Evaluation week: a single Friday
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls on a date within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := truncateDay(t.In(p.Start.Location()))
	return !d.Before(p.Start) && !d.After(p.End)
}

// Days returns every date in the period.
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Weekdays returns every date in the period falling on wd.
func (p Period) Weekdays(wd time.Weekday) []time.Time {
	var out []time.Time
	for _, d := range p.Days() {
		if d.Weekday() == wd {
			out = append(out, d)
		}
	}
	return out
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

// NextMonth returns the calendar month following a month period.
func (p Period) NextMonth() Period {
	start := p.Start.AddDate(0, 1, 0)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// PreviousMonth returns the calendar month preceding a month period.
func (p Period) PreviousMonth() Period {
	start := p.Start.AddDate(0, -1, 0)
	return Period{Start: start, End: p.Start.AddDate(0, 0, -1)}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
