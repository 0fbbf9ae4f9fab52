package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/generic"
)

// =============================================================================
// CALENDAR TESTS
// =============================================================================

func TestFridaysInMonth(t *testing.T) {
	cal := generic.UTCCalendar()

	tests := []struct {
		month string
		want  []string
	}{
		{"2025-06", []string{"2025-06-06", "2025-06-13", "2025-06-20", "2025-06-27"}},
		{"2025-05", []string{"2025-05-02", "2025-05-09", "2025-05-16", "2025-05-23", "2025-05-30"}},
		{"2026-02", []string{"2026-02-06", "2026-02-13", "2026-02-20", "2026-02-27"}},
	}
	for _, tt := range tests {
		t.Run(tt.month, func(t *testing.T) {
			got, err := cal.FridaysInMonth(tt.month)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCurrentFriday(t *testing.T) {
	cal := generic.UTCCalendar()

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"friday is its own week", time.Date(2025, 6, 13, 9, 0, 0, 0, time.UTC), "2025-06-13"},
		{"tuesday goes back", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), "2025-06-06"},
		{"thursday goes back six days", time.Date(2025, 6, 12, 23, 59, 0, 0, time.UTC), "2025-06-06"},
		{"saturday goes back one day", time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC), "2025-06-13"},
		{"across a month boundary", time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC), "2025-06-27"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.WeekKeyFor(cal.CurrentFriday(tt.now)))
		})
	}
}

func TestCurrentFriday_UsesOrganisationTimezone(t *testing.T) {
	// GIVEN: Friday 02:00 UTC, which is still Thursday evening in Los Angeles
	la, err := generic.NewCalendar("America/Los_Angeles")
	require.NoError(t, err)
	now := time.Date(2025, 6, 13, 2, 0, 0, 0, time.UTC)

	// THEN: the organisation is still in the previous week
	assert.Equal(t, "2025-06-06", la.WeekKeyFor(la.CurrentFriday(now)))
	assert.Equal(t, "2025-06-13", generic.UTCCalendar().WeekKeyFor(generic.UTCCalendar().CurrentFriday(now)))
}

func TestNewCalendar_UnknownTimezone(t *testing.T) {
	_, err := generic.NewCalendar("Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestParseWeekKey(t *testing.T) {
	cal := generic.UTCCalendar()

	d, err := cal.ParseWeekKey("2025-06-06")
	require.NoError(t, err)
	assert.Equal(t, time.Friday, d.Weekday())

	for _, bad := range []string{"2025-06-07", "2025-06-05", "06/06/2025", "", "2025-13-06"} {
		t.Run(bad, func(t *testing.T) {
			_, err := cal.ParseWeekKey(bad)
			assert.ErrorIs(t, err, generic.ErrInvalidPeriodKey)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestMonthKeys(t *testing.T) {
	cal := generic.UTCCalendar()

	assert.Equal(t, "2025-05", cal.PreviousMonthKey(time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)))
	assert.Equal(t, "2024-12", cal.PreviousMonthKey(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)))

	month, err := cal.MonthOfWeek("2025-05-30")
	require.NoError(t, err)
	assert.Equal(t, "2025-05", month)

	p, err := cal.MonthDateRange("2024-02")
	require.NoError(t, err)
	assert.Equal(t, "[2024-02-01, 2024-02-29]", p.String())

	_, err = cal.MonthDateRange("2024-2")
	assert.ErrorIs(t, err, generic.ErrInvalidPeriodKey)
}

// =============================================================================
// PERIOD TESTS
// =============================================================================

func TestPeriod_Navigation(t *testing.T) {
	cal := generic.UTCCalendar()
	jan, err := cal.MonthDateRange("2025-01")
	require.NoError(t, err)

	assert.Equal(t, "[2025-02-01, 2025-02-28]", jan.NextMonth().String())
	assert.Equal(t, "[2024-12-01, 2024-12-31]", jan.PreviousMonth().String())
	assert.Len(t, jan.Days(), 31)
	assert.True(t, jan.Contains(time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, jan.Contains(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
}

// =============================================================================
// SCORE ARITHMETIC
// =============================================================================

func TestMean(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"empty is zero", nil, "0"},
		{"single", []string{"80"}, "80"},
		{"month of four weeks", []string{"80", "85", "90", "75"}, "82.5"},
		{"repeating decimal rounds", []string{"10", "20", "20"}, "16.67"},
		{"half rounds up", []string{"1.005", "1.005"}, "1.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := make([]decimal.Decimal, len(tt.values))
			for i, v := range tt.values {
				values[i] = generic.MustParseDecimal(v)
			}
			got := generic.Mean(values)
			assert.True(t, got.Equal(generic.MustParseDecimal(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestEqualNull(t *testing.T) {
	five := generic.NullDecimal(generic.MustParseDecimal("5"))
	fiveAgain := generic.NullDecimal(generic.MustParseDecimal("5.00"))

	assert.True(t, generic.EqualNull(five, fiveAgain))
	assert.False(t, generic.EqualNull(five, generic.NullDecimal(generic.MustParseDecimal("6"))))
	assert.False(t, generic.EqualNull(five, decimal.NullDecimal{}))
	assert.True(t, generic.EqualNull(decimal.NullDecimal{}, decimal.NullDecimal{}))
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestErrorClasses(t *testing.T) {
	locked := errors.Join(generic.ErrWeekLocked)
	assert.True(t, generic.IsLocked(locked))
	assert.False(t, generic.IsRetryable(locked))

	assert.True(t, generic.IsNotFound(generic.ErrMonthNotFound))
	assert.True(t, generic.IsClientError(generic.ErrDuplicateSubmission))
	assert.True(t, generic.IsClientError(&generic.FieldError{Field: "x", Message: "bad"}))

	transition := &generic.InvalidTransitionError{EntryType: "FINE", From: "DUE", To: "PAID"}
	assert.ErrorIs(t, transition, generic.ErrInvalidTransition)
	assert.Equal(t, "invalid status transition for FINE entry: DUE -> PAID", transition.Error())

	assert.False(t, generic.IsRetryable(generic.ErrWeeklyDataMissing))
	assert.True(t, generic.IsRetryable(errors.New("database is locked")))
	assert.False(t, generic.IsRetryable(nil))
}
