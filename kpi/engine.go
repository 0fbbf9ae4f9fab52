/*
engine.go - KPI engine wiring

PURPOSE:
  Engine bundles the collaborators every operation needs: the store, the
  organisation calendar, the tier decision table, the per-key advisory
  locker, a logger and a clock. Public operations live in:

    weekly.go      ComputeWeek
    monthly.go     ComputeMonth
    lock.go        LockWeek, LockMonth, ForceUnlockWeek, ForceUnlockMonth
    submission.go  EnsureWeek, EnsureMonth, SubmitEvaluation, SetAssignment
    query.go       read models for the HTTP layer

CONCURRENCY:
  Compute and lock calls for the same week or month are serialized through
  the Locker on "week:<key>" / "month:<key>". Different keys run in
  parallel; the Engine holds no mutable state of its own.
*/
package kpi

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/lock"
)

// PeriodCalendar resolves Friday weeks and calendar months.
// generic.Calendar is the production implementation.
type PeriodCalendar interface {
	Today(now time.Time) time.Time
	CurrentFriday(now time.Time) time.Time
	WeekKeyFor(friday time.Time) string
	ParseWeekKey(key string) (time.Time, error)
	PreviousMonthKey(now time.Time) string
	MonthDateRange(monthKey string) (generic.Period, error)
	FridaysInMonth(monthKey string) ([]string, error)
	MonthOfWeek(weekKey string) (string, error)
}

// Options configure an Engine. Zero values select defaults.
type Options struct {
	Calendar PeriodCalendar   // default UTC
	Tiers    *TierConfig      // default DefaultTierConfig()
	Locker   lock.Locker      // default in-process
	Logger   *logrus.Entry    // default discards
	Now      func() time.Time // default time.Now
}

// Engine runs the KPI compute, lock and intake operations.
type Engine struct {
	store  TxStore
	cal    PeriodCalendar
	tiers  TierConfig
	locks  lock.Locker
	log    *logrus.Entry
	now    func() time.Time
	metric *metrics
}

// NewEngine validates the tier table and wires defaults.
func NewEngine(store TxStore, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("kpi: store is required")
	}
	tiers := DefaultTierConfig()
	if opts.Tiers != nil {
		tiers = *opts.Tiers
		// Validate sorts Bands; keep the caller's slice untouched.
		tiers.Bands = append([]TierBand(nil), opts.Tiers.Bands...)
	}
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("kpi: tier config: %w", err)
	}

	e := &Engine{
		store:  store,
		cal:    opts.Calendar,
		tiers:  tiers,
		locks:  opts.Locker,
		log:    opts.Logger,
		now:    opts.Now,
		metric: getMetrics(),
	}
	if e.cal == nil {
		e.cal = generic.UTCCalendar()
	}
	if e.locks == nil {
		e.locks = lock.NewLocal()
	}
	if e.log == nil {
		e.log = nopLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Calendar returns the engine's organisation calendar.
func (e *Engine) Calendar() PeriodCalendar { return e.cal }

// Tiers returns the active decision table.
func (e *Engine) Tiers() TierConfig { return e.tiers }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) withKey(ctx context.Context, key string, fn func() error) error {
	release, err := e.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// =============================================================================
// LAZY PERIOD CREATION - shared by intake, compute and lock
// =============================================================================

// ensureWeek creates a missing week. A week whose month is already LOCKED
// is created LOCKED with the month's lock stamp.
func ensureWeek(ctx context.Context, s Store, cal PeriodCalendar, weekKey string) (Week, error) {
	w, err := s.GetWeek(ctx, weekKey)
	if err != nil {
		return Week{}, err
	}
	if w != nil {
		return *w, nil
	}
	nw, err := NewWeek(cal, weekKey)
	if err != nil {
		return Week{}, err
	}
	month, err := monthOfWeek(ctx, s, cal, weekKey)
	if err != nil {
		return Week{}, err
	}
	if month != nil && month.IsLocked() {
		nw.Status, nw.LockedAt, nw.LockedBy = StatusLocked, month.LockedAt, month.LockedBy
	}
	if err := s.CreateWeek(ctx, nw); err != nil {
		return Week{}, err
	}
	// Re-read: a concurrent creator may have won.
	w, err = s.GetWeek(ctx, weekKey)
	if err != nil {
		return Week{}, err
	}
	if w == nil {
		return Week{}, fmt.Errorf("%w: %s", generic.ErrWeekNotFound, weekKey)
	}
	return *w, nil
}

// monthOfWeek returns the month a week's Friday falls in, or nil if that
// month has not been created yet.
func monthOfWeek(ctx context.Context, s Store, cal PeriodCalendar, weekKey string) (*Month, error) {
	monthKey, err := cal.MonthOfWeek(weekKey)
	if err != nil {
		return nil, err
	}
	return s.GetMonth(ctx, monthKey)
}

// checkWeekWritable rejects writes to a LOCKED week, or to any week of a
// LOCKED month, unless forced.
func checkWeekWritable(ctx context.Context, s Store, cal PeriodCalendar, w Week, force bool) error {
	if force {
		return nil
	}
	if w.IsLocked() {
		return fmt.Errorf("%w: %s", generic.ErrWeekLocked, w.WeekKey)
	}
	month, err := monthOfWeek(ctx, s, cal, w.WeekKey)
	if err != nil {
		return err
	}
	if month != nil && month.IsLocked() {
		return fmt.Errorf("%w: %s (week %s)", generic.ErrMonthLocked, month.MonthKey, w.WeekKey)
	}
	return nil
}

func ensureMonth(ctx context.Context, s Store, cal PeriodCalendar, monthKey string) (Month, error) {
	m, err := s.GetMonth(ctx, monthKey)
	if err != nil {
		return Month{}, err
	}
	if m != nil {
		return *m, nil
	}
	nm, err := NewMonth(cal, monthKey)
	if err != nil {
		return Month{}, err
	}
	if err := s.CreateMonth(ctx, nm); err != nil {
		return Month{}, err
	}
	m, err = s.GetMonth(ctx, monthKey)
	if err != nil {
		return Month{}, err
	}
	if m == nil {
		return Month{}, fmt.Errorf("%w: %s", generic.ErrMonthNotFound, monthKey)
	}
	return *m, nil
}
