/*
query.go - Read models

PURPOSE:
  Week and month views for the HTTP layer. Admins and scheduled jobs see
  every row. An employee sees the period itself plus their own derived
  rows only; marker compliance is admin-only.

SEE ALSO:
  - actor.go: CanRead, CanReadAll
*/
package kpi

import (
	"context"
	"fmt"

	"github.com/warp/kpi-engine/generic"
)

// WeekView is a week with its derived rows.
type WeekView struct {
	Week       Week
	Results    []WeeklyResult
	Compliance []AdminCompliance
}

// MonthView is a month with its derived rows.
type MonthView struct {
	Month   Month
	Results []MonthlyResult
}

// GetWeek returns the week and the derived rows visible to actor.
func (e *Engine) GetWeek(ctx context.Context, actor Actor, weekKey string) (WeekView, error) {
	if err := actor.Authorize(actor.CanReadAll() || actor.Role == RoleEmployee, "read weeks"); err != nil {
		return WeekView{}, err
	}
	w, err := e.store.GetWeek(ctx, weekKey)
	if err != nil {
		return WeekView{}, err
	}
	if w == nil {
		return WeekView{}, fmt.Errorf("%w: %s", generic.ErrWeekNotFound, weekKey)
	}
	results, err := e.store.ListWeeklyResults(ctx, []string{w.ID})
	if err != nil {
		return WeekView{}, err
	}
	if !actor.CanReadAll() {
		return WeekView{Week: *w, Results: ownRows(results, actor, func(r WeeklyResult) UserID { return r.SubjectUserID })}, nil
	}
	compliance, err := e.store.ListAdminCompliance(ctx, w.ID)
	if err != nil {
		return WeekView{}, err
	}
	return WeekView{Week: *w, Results: results, Compliance: compliance}, nil
}

// GetMonth returns the month and the monthly results visible to actor.
func (e *Engine) GetMonth(ctx context.Context, actor Actor, monthKey string) (MonthView, error) {
	if err := actor.Authorize(actor.CanReadAll() || actor.Role == RoleEmployee, "read months"); err != nil {
		return MonthView{}, err
	}
	m, err := e.store.GetMonth(ctx, monthKey)
	if err != nil {
		return MonthView{}, err
	}
	if m == nil {
		return MonthView{}, fmt.Errorf("%w: %s", generic.ErrMonthNotFound, monthKey)
	}
	results, err := e.store.ListMonthlyResults(ctx, m.ID)
	if err != nil {
		return MonthView{}, err
	}
	if !actor.CanReadAll() {
		results = ownRows(results, actor, func(r MonthlyResult) UserID { return r.SubjectUserID })
	}
	return MonthView{Month: *m, Results: results}, nil
}

// SubjectState returns a subject's month state, or nil without history.
func (e *Engine) SubjectState(ctx context.Context, actor Actor, subject UserID) (*SubjectMonthState, error) {
	if err := actor.Authorize(actor.CanRead(subject), "read the standing of "+string(subject)); err != nil {
		return nil, err
	}
	return e.store.GetSubjectMonthState(ctx, subject)
}

func ownRows[T any](rows []T, actor Actor, subjectOf func(T) UserID) []T {
	out := make([]T, 0, 1)
	for _, r := range rows {
		if actor.CanRead(subjectOf(r)) {
			out = append(out, r)
		}
	}
	return out
}
