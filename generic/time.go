package generic

import (
	"fmt"
	"time"
)

const (
	// DateLayout formats week keys and dates (YYYY-MM-DD).
	DateLayout = "2006-01-02"
	// MonthLayout formats month keys (YYYY-MM).
	MonthLayout = "2006-01"
)

// =============================================================================
// CALENDAR - Organisation timezone, Friday-anchored weeks
// =============================================================================

// Calendar resolves evaluation periods in a fixed organisation timezone.
// All methods are pure functions of their inputs and the location.
type Calendar struct {
	Location *time.Location
}

// NewCalendar loads the named IANA timezone.
func NewCalendar(tz string) (Calendar, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return Calendar{Location: loc}, nil
}

// UTCCalendar is a calendar anchored to UTC.
func UTCCalendar() Calendar {
	return Calendar{Location: time.UTC}
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Date returns midnight of the given date in the calendar's location.
func (c Calendar) Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, c.loc())
}

// Today returns the calendar date of now in the organisation timezone.
func (c Calendar) Today(now time.Time) time.Time {
	return truncateDay(now.In(c.loc()))
}

// CurrentFriday returns today if today is a Friday, else the most recent
// past Friday.
func (c Calendar) CurrentFriday(now time.Time) time.Time {
	today := c.Today(now)
	back := (int(today.Weekday()) - int(time.Friday) + 7) % 7
	return today.AddDate(0, 0, -back)
}

// WeekKeyFor returns the week key (YYYY-MM-DD) of a Friday.
func (c Calendar) WeekKeyFor(friday time.Time) string {
	return friday.In(c.loc()).Format(DateLayout)
}

// ParseWeekKey parses a week key and checks it names a Friday.
func (c Calendar) ParseWeekKey(key string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, key, c.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: week %q", ErrInvalidPeriodKey, key)
	}
	if d.Weekday() != time.Friday {
		return time.Time{}, fmt.Errorf("%w: week %q is a %s, not a Friday", ErrInvalidPeriodKey, key, d.Weekday())
	}
	return d, nil
}

// MonthKeyFor returns the month key (YYYY-MM) containing t.
func (c Calendar) MonthKeyFor(t time.Time) string {
	return t.In(c.loc()).Format(MonthLayout)
}

// PreviousMonthKey returns the key of the month before the one containing now.
func (c Calendar) PreviousMonthKey(now time.Time) string {
	today := c.Today(now)
	first := c.Date(today.Year(), today.Month(), 1)
	return first.AddDate(0, -1, 0).Format(MonthLayout)
}

// MonthDateRange returns the first and last date of the month.
func (c Calendar) MonthDateRange(monthKey string) (Period, error) {
	first, err := time.ParseInLocation(MonthLayout, monthKey, c.loc())
	if err != nil {
		return Period{}, fmt.Errorf("%w: month %q", ErrInvalidPeriodKey, monthKey)
	}
	return Period{Start: first, End: first.AddDate(0, 1, -1)}, nil
}

// FridaysInMonth enumerates the week keys of every Friday in the month.
// Its length is the month's expected weeks count.
func (c Calendar) FridaysInMonth(monthKey string) ([]string, error) {
	p, err := c.MonthDateRange(monthKey)
	if err != nil {
		return nil, err
	}
	fridays := p.Weekdays(time.Friday)
	keys := make([]string, len(fridays))
	for i, f := range fridays {
		keys[i] = f.Format(DateLayout)
	}
	return keys, nil
}

// MonthOfWeek returns the month key a week key belongs to.
func (c Calendar) MonthOfWeek(weekKey string) (string, error) {
	d, err := c.ParseWeekKey(weekKey)
	if err != nil {
		return "", err
	}
	return d.Format(MonthLayout), nil
}
