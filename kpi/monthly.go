/*
monthly.go - Monthly Compute Engine

PURPOSE:
  Rolls a month's weekly scores into one MonthlyResult per subject, tiers
  it, applies fine escalation and advances the subject's month state.

ALGORITHM:
  1. Ensure the Month exists; reject LOCKED unless forced (ErrMonthLocked).
  2. expectedWeeksCount = |fridays in month|, zero is ErrNoFridaysInMonth.
  3. Weeks for those Fridays must exist (ErrWeeklyDataMissing otherwise).
  4. Per subject with >= 1 weekly result:
       monthlyScore    = round(mean(weeklyAvgScore), 2)
       isCompleteMonth = weeksCountUsed == expectedWeeksCount
       tier, fine      = Classify(monthlyScore, prior standing)
  5. Per subject, in one transaction and in this order: upsert the
     MonthlyResult, save SubjectMonthState, queue MONTH_RESULT_READY.
  6. Optionally lock the month (and its weeks) before releasing the
     advisory lock.

FAILURE ISOLATION:
  A subject whose transaction fails is logged, counted as skipped and
  reported in Failures. The rest of the month still computes.

PRIOR STANDING:
  SubjectMonthState remembers the last month computed for a subject and
  the standing that preceded it (Prior). For month M:

    no state              -> empty standing, state advances to M
    state.LastMonthKey==M -> state.Prior (recompute, counters do not double)
    state.LastMonthKey< M -> state.Current(), state advances to M
    state.LastMonthKey> M -> standing rebuilt from M-1's MonthlyResult,
                             state is left alone (back-fill)
*/
package kpi

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/lock"
)

// MonthOptions modify a monthly compute.
type MonthOptions struct {
	// Force recomputes a LOCKED month.
	Force bool
	// Lock locks the month (and its weeks) after computing, under the same
	// advisory lock. Scheduled end-of-period jobs set it.
	Lock bool
}

// SubjectFailure is one subject skipped by a monthly compute.
type SubjectFailure struct {
	SubjectUserID UserID `json:"subject_user_id"`
	Error         string `json:"error"`
}

// MonthComputeResult reports what a monthly compute wrote.
type MonthComputeResult struct {
	MonthKey           string
	MonthID            string
	ExpectedWeeksCount int
	WeeksFound         int
	Computed           int
	Skipped            int
	Failures           []SubjectFailure
	Results            []MonthlyResult
	Locked             bool
}

// ComputeMonth recomputes every MonthlyResult of monthKey.
func (e *Engine) ComputeMonth(ctx context.Context, actor Actor, monthKey string, opts MonthOptions) (MonthComputeResult, error) {
	if err := actor.Authorize(actor.CanCompute(), "compute months"); err != nil {
		return MonthComputeResult{}, err
	}
	if opts.Force {
		if err := actor.Authorize(actor.CanForce(), "force a locked month"); err != nil {
			return MonthComputeResult{}, err
		}
	}
	if _, err := e.cal.MonthDateRange(monthKey); err != nil {
		return MonthComputeResult{}, err
	}

	start := time.Now()
	log := e.log.WithFields(logrus.Fields{"month": monthKey, "actor": actor.ID, "force": opts.Force})

	var out MonthComputeResult
	err := e.withKey(ctx, lock.MonthKey(monthKey), func() error {
		var err error
		out, err = e.computeMonth(ctx, log, monthKey, opts.Force)
		if err != nil || !opts.Lock {
			return err
		}
		return e.store.WithTx(ctx, func(tx Store) error {
			m, err := e.lockMonthTx(ctx, tx, actor, monthKey, true)
			if err != nil {
				return err
			}
			out.Locked = m.IsLocked()
			return nil
		})
	})

	e.metric.computeTotal.WithLabelValues("month", outcome(err)).Inc()
	e.metric.computeDuration.WithLabelValues("month").Observe(time.Since(start).Seconds())
	if err != nil {
		if generic.IsLocked(err) {
			log.Info("month locked, compute skipped")
		} else {
			log.WithError(err).Warn("month compute failed")
		}
		return out, err
	}
	if out.Locked {
		e.metric.lockTotal.WithLabelValues("month", "lock").Inc()
	}

	e.metric.subjectsTotal.WithLabelValues("month", "ok").Add(float64(out.Computed))
	e.metric.subjectsTotal.WithLabelValues("month", "skipped").Add(float64(out.Skipped))
	log.WithFields(logrus.Fields{
		"computed": out.Computed,
		"skipped":  out.Skipped,
		"weeks":    out.WeeksFound,
		"locked":   out.Locked,
	}).Info("month computed")
	return out, nil
}

func (e *Engine) computeMonth(ctx context.Context, log *logrus.Entry, monthKey string, force bool) (MonthComputeResult, error) {
	month, err := ensureMonth(ctx, e.store, e.cal, monthKey)
	if err != nil {
		return MonthComputeResult{}, err
	}
	if month.IsLocked() && !force {
		return MonthComputeResult{}, fmt.Errorf("%w: %s", generic.ErrMonthLocked, monthKey)
	}

	fridays, err := e.cal.FridaysInMonth(monthKey)
	if err != nil {
		return MonthComputeResult{}, err
	}
	if len(fridays) == 0 {
		return MonthComputeResult{}, fmt.Errorf("%w: %s", generic.ErrNoFridaysInMonth, monthKey)
	}
	weeks, err := e.store.ListWeeks(ctx, fridays)
	if err != nil {
		return MonthComputeResult{}, fmt.Errorf("list weeks: %w", err)
	}
	if len(weeks) == 0 {
		return MonthComputeResult{}, fmt.Errorf("%w: %s", generic.ErrWeeklyDataMissing, monthKey)
	}

	weekIDs := make([]string, len(weeks))
	for i, w := range weeks {
		weekIDs[i] = w.ID
	}
	rows, err := e.store.ListWeeklyResults(ctx, weekIDs)
	if err != nil {
		return MonthComputeResult{}, fmt.Errorf("list weekly results: %w", err)
	}
	bySubject := make(map[UserID][]decimal.Decimal)
	for _, r := range rows {
		bySubject[r.SubjectUserID] = append(bySubject[r.SubjectUserID], r.WeeklyAvgScore)
	}

	out := MonthComputeResult{
		MonthKey:           monthKey,
		MonthID:            month.ID,
		ExpectedWeeksCount: len(fridays),
		WeeksFound:         len(weeks),
	}
	for _, subject := range sortedIDs(bySubject) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var r MonthlyResult
		err := e.store.WithTx(ctx, func(tx Store) error {
			var err error
			r, err = e.computeSubjectMonth(ctx, tx, month, subject, bySubject[subject], len(fridays))
			return err
		})
		if err != nil {
			log.WithError(err).WithField("subject", subject).Error("subject skipped")
			out.Skipped++
			out.Failures = append(out.Failures, SubjectFailure{SubjectUserID: subject, Error: err.Error()})
			continue
		}
		out.Computed++
		out.Results = append(out.Results, r)
	}
	return out, nil
}

func (e *Engine) computeSubjectMonth(ctx context.Context, tx Store, month Month, subject UserID, weekly []decimal.Decimal, expectedWeeks int) (MonthlyResult, error) {
	score := generic.Mean(weekly)

	state, err := tx.GetSubjectMonthState(ctx, subject)
	if err != nil {
		return MonthlyResult{}, fmt.Errorf("load month state: %w", err)
	}
	prior, advance, err := e.priorStanding(ctx, tx, month.MonthKey, state)
	if err != nil {
		return MonthlyResult{}, err
	}
	cls := e.tiers.Classify(score, prior)

	r := MonthlyResult{
		ID:                 newID(),
		MonthID:            month.ID,
		SubjectUserID:      subject,
		MonthlyScore:       score,
		Tier:               cls.Tier,
		ActionType:         cls.ActionType,
		BaseFine:           cls.BaseFine,
		MonthFineCount:     cls.MonthFineCount,
		FinalFine:          cls.FinalFine,
		WeeksCountUsed:     len(weekly),
		ExpectedWeeksCount: expectedWeeks,
		IsCompleteMonth:    len(weekly) == expectedWeeks,
		ComputedAt:         e.now().UTC(),
	}
	existing, err := tx.FindMonthlyResult(ctx, month.ID, subject)
	if err != nil {
		return MonthlyResult{}, fmt.Errorf("load monthly result: %w", err)
	}
	if existing != nil {
		r.ID = existing.ID
		r.GiftAmount = existing.GiftAmount
		if existing.sameComputation(r) {
			r.ComputedAt = existing.ComputedAt
		}
	}
	if err := tx.UpsertMonthlyResult(ctx, r); err != nil {
		return MonthlyResult{}, fmt.Errorf("write monthly result: %w", err)
	}

	if advance {
		next := e.tiers.NextStanding(prior, cls)
		if err := tx.SaveSubjectMonthState(ctx, SubjectMonthState{
			SubjectUserID:                subject,
			LastMonthKey:                 month.MonthKey,
			LastMonthTier:                next.Tier,
			ConsecutiveImprovementMonths: next.ImprovementMonths,
			ConsecutiveFineMonths:        next.FineMonths,
			Prior:                        prior,
		}); err != nil {
			return MonthlyResult{}, fmt.Errorf("write month state: %w", err)
		}
	}

	if err := tx.AppendIntents(ctx, []NotificationIntent{monthReadyIntent(month.MonthKey, r, e.now())}); err != nil {
		return MonthlyResult{}, fmt.Errorf("queue notification: %w", err)
	}
	return r, nil
}

// priorStanding returns the standing month monthKey is classified against
// and whether the subject's state should move to monthKey.
func (e *Engine) priorStanding(ctx context.Context, tx Store, monthKey string, state *SubjectMonthState) (Standing, bool, error) {
	switch {
	case state == nil || state.LastMonthKey == "":
		return Standing{}, true, nil
	case state.LastMonthKey == monthKey:
		return state.Prior, true, nil
	case state.LastMonthKey < monthKey:
		return state.Current(), true, nil
	}

	// Back-fill of an older month: rebuild from the month before it.
	prevKey, err := previousMonthKey(e.cal, monthKey)
	if err != nil {
		return Standing{}, false, err
	}
	prevMonth, err := tx.GetMonth(ctx, prevKey)
	if err != nil || prevMonth == nil {
		return Standing{}, false, err
	}
	prev, err := tx.FindMonthlyResult(ctx, prevMonth.ID, state.SubjectUserID)
	if err != nil || prev == nil {
		return Standing{}, false, err
	}
	return Standing{Tier: prev.Tier, FineMonths: prev.MonthFineCount}, false, nil
}

func previousMonthKey(cal PeriodCalendar, monthKey string) (string, error) {
	p, err := cal.MonthDateRange(monthKey)
	if err != nil {
		return "", err
	}
	return p.PreviousMonth().Start.Format(generic.MonthLayout), nil
}
