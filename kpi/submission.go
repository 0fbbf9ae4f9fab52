/*
submission.go - Evaluation intake

PURPOSE:
  The write side fed by markers and HR: lazy week/month creation, one
  evaluation per (week, subject, marker), and the marker -> subject
  assignment registry the weekly compute reads.

LOCKING:
  A submission against a LOCKED week, or any week of a LOCKED month, fails
  with ErrWeekLocked / ErrMonthLocked unless forced by a SUPER_ADMIN.

SEE ALSO:
  - types.go: NewSubmission validation
  - weekly.go: consumer of submissions and assignments
*/
package kpi

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
)

// EnsureWeek creates the week for a Friday key if it does not exist yet.
// Calling it on an existing week returns that week unchanged.
func (e *Engine) EnsureWeek(ctx context.Context, actor Actor, weekKey string) (Week, error) {
	if err := actor.Authorize(actor.CanCompute(), "create weeks"); err != nil {
		return Week{}, err
	}
	return ensureWeek(ctx, e.store, e.cal, weekKey)
}

// EnsureMonth creates the month with its date range if missing.
func (e *Engine) EnsureMonth(ctx context.Context, actor Actor, monthKey string) (Month, error) {
	if err := actor.Authorize(actor.CanCompute(), "create months"); err != nil {
		return Month{}, err
	}
	return ensureMonth(ctx, e.store, e.cal, monthKey)
}

// SubmissionInput is one evaluation form. The marker is the calling actor.
type SubmissionInput struct {
	WeekKey       string
	SubjectUserID UserID
	Scores        []CriterionScore
	Force         bool
}

// SubmitEvaluation records actor's evaluation of a subject for a week.
// Each (week, subject, marker) may be submitted once.
func (e *Engine) SubmitEvaluation(ctx context.Context, actor Actor, in SubmissionInput) (Submission, error) {
	if err := actor.Authorize(actor.CanMark(), "submit evaluations"); err != nil {
		return Submission{}, err
	}
	if in.Force {
		if err := actor.Authorize(actor.CanForce(), "write to a locked week"); err != nil {
			return Submission{}, err
		}
	}

	var out Submission
	err := e.store.WithTx(ctx, func(tx Store) error {
		week, err := ensureWeek(ctx, tx, e.cal, in.WeekKey)
		if err != nil {
			return err
		}
		if err := checkWeekWritable(ctx, tx, e.cal, week, in.Force); err != nil {
			return err
		}
		s, err := NewSubmission(week.ID, in.SubjectUserID, actor.ID, in.Scores, e.now().UTC())
		if err != nil {
			return err
		}
		if err := tx.InsertSubmission(ctx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	e.log.WithFields(logrus.Fields{
		"week":    in.WeekKey,
		"subject": in.SubjectUserID,
		"marker":  actor.ID,
		"total":   out.TotalScore.String(),
	}).Debug("evaluation submitted")
	return out, nil
}

// SetAssignment registers or deactivates a marker -> subject pair.
func (e *Engine) SetAssignment(ctx context.Context, actor Actor, a Assignment) error {
	if err := actor.Authorize(actor.isAdmin(), "manage assignments"); err != nil {
		return err
	}
	if a.MarkerAdminID == "" {
		return &generic.FieldError{Field: "marker_admin_id", Message: "required"}
	}
	if a.SubjectUserID == "" {
		return &generic.FieldError{Field: "subject_user_id", Message: "required"}
	}
	if a.MarkerAdminID == a.SubjectUserID {
		return &generic.FieldError{Field: "subject_user_id", Message: "markers cannot evaluate themselves"}
	}
	return e.store.SaveAssignment(ctx, a)
}
