/*
Package fund implements the Fund Ledger Reconciler.

PURPOSE:
  Turns monthly fine and bonus determinations into auditable ledger
  entries. Entries are the only rows in the system with operator-driven
  state: an admin marks a fine COLLECTED or a bonus PAID, and may revert
  either to DUE.

STATUS GRAPH:
  FINE:   DUE -> COLLECTED   actualAmount forced to expectedAmount
  BONUS:  DUE -> PAID        actualAmount supplied by the operator, > 0
  either: COLLECTED|PAID -> DUE   actualAmount and markedAt cleared
  same status -> same status is a no-op (PAID may correct the amount)
  anything else: InvalidTransitionError

EXPECTED AMOUNTS:
  FINE  expects MonthlyResult.FinalFine
  BONUS expects MonthlyResult.GiftAmount
  A zero or missing amount is ErrMissingExpectedAmount. The expected amount
  of a DUE entry follows its result while the month is OPEN and is frozen
  once the month is LOCKED. A DUE entry of an OPEN month whose result no
  longer owes anything is deleted by Reconcile or SetGiftAmount.

SEE ALSO:
  - summary.go: summarize and statement queries
  - reconcile.go: month reconcile and gift entry
*/
package fund

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// Options configure a Reconciler.
type Options struct {
	Logger *logrus.Entry
	Now    func() time.Time
}

// Reconciler owns every write to the fund ledger.
type Reconciler struct {
	store  kpi.TxStore
	log    *logrus.Entry
	now    func() time.Time
	metric *metrics
}

// NewReconciler wires a reconciler over store.
func NewReconciler(store kpi.TxStore, opts Options) *Reconciler {
	r := &Reconciler{store: store, log: opts.Logger, now: opts.Now, metric: getMetrics()}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = logrus.NewEntry(l)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// UpsertInput is one ledger marking.
type UpsertInput struct {
	MonthlyResultID string
	EntryType       kpi.EntryType
	Status          kpi.EntryStatus
	ActualAmount    decimal.NullDecimal // BONUS PAID only
	Note            *string             // nil leaves the note unchanged
}

// UpsertLedgerEntry creates or moves the (result, type) ledger entry.
func (r *Reconciler) UpsertLedgerEntry(ctx context.Context, actor kpi.Actor, in UpsertInput) (kpi.FundLogEntry, error) {
	if err := actor.Authorize(actor.CanSettle(), "mark ledger entries"); err != nil {
		return kpi.FundLogEntry{}, err
	}
	if in.MonthlyResultID == "" {
		return kpi.FundLogEntry{}, &generic.FieldError{Field: "monthly_result_id", Message: "required"}
	}
	if !in.EntryType.Valid() {
		return kpi.FundLogEntry{}, &generic.FieldError{Field: "entry_type", Message: fmt.Sprintf("unknown type %q", in.EntryType)}
	}
	if !in.Status.Valid() {
		return kpi.FundLogEntry{}, &generic.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", in.Status)}
	}

	var out kpi.FundLogEntry
	var from kpi.EntryStatus
	err := r.store.WithTx(ctx, func(tx kpi.Store) error {
		res, month, err := loadResult(ctx, tx, in.MonthlyResultID)
		if err != nil {
			return err
		}
		now := r.now().UTC()

		entry, err := tx.GetLedgerEntry(ctx, res.ID, in.EntryType)
		if err != nil {
			return err
		}
		if entry == nil {
			expected, err := ExpectedAmount(*res, in.EntryType)
			if err != nil {
				return err
			}
			e := kpi.NewFundLogEntry(*res, in.EntryType, expected, now)
			entry = &e
		} else if entry.Status == kpi.EntryDue && !month.IsLocked() {
			expected, err := ExpectedAmount(*res, in.EntryType)
			if err != nil {
				return err
			}
			entry.ExpectedAmount = expected
		}

		from = entry.Status
		if err := Transition(entry, in.Status, in.ActualAmount, actor.ID, now); err != nil {
			return err
		}
		if in.Note != nil {
			entry.Note = strings.TrimSpace(*in.Note)
		}
		entry.UpdatedAt = now
		if err := tx.SaveLedgerEntry(ctx, *entry); err != nil {
			return err
		}
		out = *entry
		return nil
	})
	if err != nil {
		return kpi.FundLogEntry{}, err
	}

	r.metric.transitions.WithLabelValues(string(in.EntryType), string(from), string(in.Status)).Inc()
	r.log.WithFields(logrus.Fields{
		"monthly_result": in.MonthlyResultID,
		"entry_type":     in.EntryType,
		"from":           from,
		"to":             in.Status,
		"actor":          actor.ID,
	}).Info("ledger entry marked")
	return out, nil
}

// Transition applies the status graph to e in place.
func Transition(e *kpi.FundLogEntry, to kpi.EntryStatus, actual decimal.NullDecimal, by kpi.UserID, at time.Time) error {
	from := e.Status
	invalid := &generic.InvalidTransitionError{EntryType: string(e.EntryType), From: string(from), To: string(to)}

	switch to {
	case kpi.EntryDue:
		if from == kpi.EntryDue {
			return nil
		}
		e.Status = kpi.EntryDue
		e.ActualAmount = decimal.NullDecimal{}
		e.MarkedAt = nil
		e.MarkedByAdminID = ""
		return nil

	case kpi.EntryCollected:
		if e.EntryType != kpi.EntryFine {
			return invalid
		}
		if from == kpi.EntryCollected {
			return nil
		}
		if from != kpi.EntryDue {
			return invalid
		}
		e.Status = kpi.EntryCollected
		e.ActualAmount = generic.NullDecimal(e.ExpectedAmount)
		e.MarkedAt = &at
		e.MarkedByAdminID = by
		return nil

	case kpi.EntryPaid:
		if e.EntryType != kpi.EntryBonus {
			return invalid
		}
		if from != kpi.EntryDue && from != kpi.EntryPaid {
			return invalid
		}
		if !actual.Valid || !actual.Decimal.IsPositive() {
			return fmt.Errorf("%w: bonus payment must be greater than zero", generic.ErrInvalidAmount)
		}
		amount := generic.RoundHalfUp(actual.Decimal, 2)
		if from == kpi.EntryPaid && e.ActualAmount.Valid && e.ActualAmount.Decimal.Equal(amount) {
			return nil
		}
		e.Status = kpi.EntryPaid
		e.ActualAmount = generic.NullDecimal(amount)
		e.MarkedAt = &at
		e.MarkedByAdminID = by
		return nil
	}
	return invalid
}

// ExpectedAmount derives what an entry of type t should settle for.
func ExpectedAmount(r kpi.MonthlyResult, t kpi.EntryType) (decimal.Decimal, error) {
	switch t {
	case kpi.EntryFine:
		if r.FinalFine.IsPositive() {
			return r.FinalFine, nil
		}
	case kpi.EntryBonus:
		if r.GiftAmount.Valid && r.GiftAmount.Decimal.IsPositive() {
			return r.GiftAmount.Decimal, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s for result %s", generic.ErrMissingExpectedAmount, t, r.ID)
}

func loadResult(ctx context.Context, s kpi.Store, id string) (*kpi.MonthlyResult, *kpi.Month, error) {
	res, err := s.GetMonthlyResult(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, fmt.Errorf("%w: %s", generic.ErrMonthlyResultNotFound, id)
	}
	month, err := s.GetMonthByID(ctx, res.MonthID)
	if err != nil {
		return nil, nil, err
	}
	if month == nil {
		return nil, nil, fmt.Errorf("%w: id %s", generic.ErrMonthNotFound, res.MonthID)
	}
	return res, month, nil
}
