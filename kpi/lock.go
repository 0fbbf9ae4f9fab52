/*
lock.go - Period lock state machine

PURPOSE:
  Weeks and Months move OPEN -> LOCKED when their numbers are final.
  A LOCKED period rejects submissions and recomputes unless the caller is
  authorized to force. Only a SUPER_ADMIN may move a period back to OPEN,
  and must give a reason.

TRANSITIONS:
  OPEN   --Lock-->         LOCKED
  LOCKED --Lock-->         ErrAlreadyLocked
  LOCKED --ForceUnlock-->  OPEN
  OPEN   --ForceUnlock-->  ErrNotLocked

CASCADE:
  Locking a month also locks every existing week whose Friday falls in it.
  A week first referenced after its month is LOCKED is created LOCKED.
  Unlocking a month leaves its weeks LOCKED; they are unlocked one by one,
  and stay force-only while the month itself is LOCKED.
*/
package kpi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/lock"
)

// LockWeek moves an OPEN week to LOCKED.
func (e *Engine) LockWeek(ctx context.Context, actor Actor, weekKey string) (Week, error) {
	if err := actor.Authorize(actor.CanCompute(), "lock weeks"); err != nil {
		return Week{}, err
	}
	if _, err := e.cal.ParseWeekKey(weekKey); err != nil {
		return Week{}, err
	}

	var out Week
	err := e.withKey(ctx, lock.WeekKey(weekKey), func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			w, err := tx.GetWeek(ctx, weekKey)
			if err != nil {
				return err
			}
			if w == nil {
				return fmt.Errorf("%w: %s", generic.ErrWeekNotFound, weekKey)
			}
			if w.IsLocked() {
				return fmt.Errorf("%w: week %s", generic.ErrAlreadyLocked, weekKey)
			}
			e.markLocked(&w.Status, &w.LockedAt, &w.LockedBy, actor)
			out = *w
			return tx.SaveWeek(ctx, *w)
		})
	})
	if err != nil {
		return Week{}, err
	}
	e.metric.lockTotal.WithLabelValues("week", "lock").Inc()
	e.log.WithFields(logrus.Fields{"week": weekKey, "actor": actor.ID}).Info("week locked")
	return out, nil
}

// LockMonth moves an OPEN month to LOCKED and locks its weeks.
func (e *Engine) LockMonth(ctx context.Context, actor Actor, monthKey string) (Month, error) {
	if err := actor.Authorize(actor.CanCompute(), "lock months"); err != nil {
		return Month{}, err
	}
	if _, err := e.cal.MonthDateRange(monthKey); err != nil {
		return Month{}, err
	}

	var out Month
	err := e.withKey(ctx, lock.MonthKey(monthKey), func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			var err error
			out, err = e.lockMonthTx(ctx, tx, actor, monthKey, false)
			return err
		})
	})
	if err != nil {
		return Month{}, err
	}
	e.metric.lockTotal.WithLabelValues("month", "lock").Inc()
	e.log.WithFields(logrus.Fields{"month": monthKey, "actor": actor.ID}).Info("month locked")
	return out, nil
}

// lockMonthTx locks the month and its weeks. With tolerateLocked an
// already LOCKED month is returned as is (forced compute+lock).
func (e *Engine) lockMonthTx(ctx context.Context, tx Store, actor Actor, monthKey string, tolerateLocked bool) (Month, error) {
	m, err := tx.GetMonth(ctx, monthKey)
	if err != nil {
		return Month{}, err
	}
	if m == nil {
		return Month{}, fmt.Errorf("%w: %s", generic.ErrMonthNotFound, monthKey)
	}
	if m.IsLocked() {
		if tolerateLocked {
			return *m, nil
		}
		return Month{}, fmt.Errorf("%w: month %s", generic.ErrAlreadyLocked, monthKey)
	}

	e.markLocked(&m.Status, &m.LockedAt, &m.LockedBy, actor)
	if err := tx.SaveMonth(ctx, *m); err != nil {
		return Month{}, err
	}

	fridays, err := e.cal.FridaysInMonth(monthKey)
	if err != nil {
		return Month{}, err
	}
	weeks, err := tx.ListWeeks(ctx, fridays)
	if err != nil {
		return Month{}, err
	}
	for _, w := range weeks {
		if w.IsLocked() {
			continue
		}
		e.markLocked(&w.Status, &w.LockedAt, &w.LockedBy, actor)
		if err := tx.SaveWeek(ctx, w); err != nil {
			return Month{}, fmt.Errorf("lock week %s: %w", w.WeekKey, err)
		}
	}
	return *m, nil
}

// ForceUnlockWeek reopens a LOCKED week.
func (e *Engine) ForceUnlockWeek(ctx context.Context, actor Actor, weekKey, reason string) (Week, error) {
	if err := e.checkUnlock(actor, reason); err != nil {
		return Week{}, err
	}
	var out Week
	err := e.withKey(ctx, lock.WeekKey(weekKey), func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			w, err := tx.GetWeek(ctx, weekKey)
			if err != nil {
				return err
			}
			if w == nil {
				return fmt.Errorf("%w: %s", generic.ErrWeekNotFound, weekKey)
			}
			if !w.IsLocked() {
				return fmt.Errorf("%w: week %s", generic.ErrNotLocked, weekKey)
			}
			w.Status, w.LockedAt, w.LockedBy = StatusOpen, nil, ""
			out = *w
			return tx.SaveWeek(ctx, *w)
		})
	})
	if err != nil {
		return Week{}, err
	}
	e.metric.lockTotal.WithLabelValues("week", "unlock").Inc()
	e.log.WithFields(logrus.Fields{"week": weekKey, "actor": actor.ID, "reason": reason}).Warn("week force-unlocked")
	return out, nil
}

// ForceUnlockMonth reopens a LOCKED month. Its weeks stay LOCKED.
func (e *Engine) ForceUnlockMonth(ctx context.Context, actor Actor, monthKey, reason string) (Month, error) {
	if err := e.checkUnlock(actor, reason); err != nil {
		return Month{}, err
	}
	var out Month
	err := e.withKey(ctx, lock.MonthKey(monthKey), func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			m, err := tx.GetMonth(ctx, monthKey)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("%w: %s", generic.ErrMonthNotFound, monthKey)
			}
			if !m.IsLocked() {
				return fmt.Errorf("%w: month %s", generic.ErrNotLocked, monthKey)
			}
			m.Status, m.LockedAt, m.LockedBy = StatusOpen, nil, ""
			out = *m
			return tx.SaveMonth(ctx, *m)
		})
	})
	if err != nil {
		return Month{}, err
	}
	e.metric.lockTotal.WithLabelValues("month", "unlock").Inc()
	e.log.WithFields(logrus.Fields{"month": monthKey, "actor": actor.ID, "reason": reason}).Warn("month force-unlocked")
	return out, nil
}

func (e *Engine) checkUnlock(actor Actor, reason string) error {
	if err := actor.Authorize(actor.CanUnlock(), "unlock periods"); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return &generic.FieldError{Field: "reason", Message: "required to unlock a period"}
	}
	return nil
}

func (e *Engine) markLocked(status *PeriodStatus, at **time.Time, by *UserID, actor Actor) {
	now := e.now().UTC()
	*status = StatusLocked
	*at = &now
	*by = actor.ID
}
