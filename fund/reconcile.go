package fund

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// ReconcileResult reports what Reconcile changed.
type ReconcileResult struct {
	MonthKey  string
	Created   int
	Refreshed int
	Removed   int
	Unchanged int
	Entries   []kpi.FundLogEntry
}

// Reconcile opens a DUE entry for every fine and gift of a month that has
// none yet. Settled entries are never moved. DUE entries of an OPEN month
// follow the current result: their expected amount is refreshed, and they
// are removed once the result no longer owes anything.
func (r *Reconciler) Reconcile(ctx context.Context, actor kpi.Actor, monthKey string) (ReconcileResult, error) {
	if err := actor.Authorize(actor.CanCompute(), "reconcile the ledger"); err != nil {
		return ReconcileResult{}, err
	}

	out := ReconcileResult{MonthKey: monthKey}
	err := r.store.WithTx(ctx, func(tx kpi.Store) error {
		month, err := tx.GetMonth(ctx, monthKey)
		if err != nil {
			return err
		}
		if month == nil {
			return fmt.Errorf("%w: %s", generic.ErrMonthNotFound, monthKey)
		}
		results, err := tx.ListMonthlyResults(ctx, month.ID)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		for _, res := range results {
			for _, t := range []kpi.EntryType{kpi.EntryFine, kpi.EntryBonus} {
				entry, err := tx.GetLedgerEntry(ctx, res.ID, t)
				if err != nil {
					return err
				}
				expected, err := ExpectedAmount(res, t)
				if err != nil {
					// Nothing owed.
					if entry == nil {
						continue
					}
					if entry.Status == kpi.EntryDue && !month.IsLocked() {
						if err := tx.DeleteLedgerEntry(ctx, res.ID, t); err != nil {
							return err
						}
						out.Removed++
						continue
					}
					out.Unchanged++
					out.Entries = append(out.Entries, *entry)
					continue
				}
				switch {
				case entry == nil:
					e := kpi.NewFundLogEntry(res, t, expected, now)
					if err := tx.SaveLedgerEntry(ctx, e); err != nil {
						return err
					}
					out.Created++
					out.Entries = append(out.Entries, e)
				case entry.Status == kpi.EntryDue && !month.IsLocked() && !entry.ExpectedAmount.Equal(expected):
					entry.ExpectedAmount = expected
					entry.UpdatedAt = now
					if err := tx.SaveLedgerEntry(ctx, *entry); err != nil {
						return err
					}
					out.Refreshed++
					out.Entries = append(out.Entries, *entry)
				default:
					out.Unchanged++
					out.Entries = append(out.Entries, *entry)
				}
			}
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	r.metric.reconciled.WithLabelValues("created").Add(float64(out.Created))
	r.metric.reconciled.WithLabelValues("refreshed").Add(float64(out.Refreshed))
	r.metric.reconciled.WithLabelValues("removed").Add(float64(out.Removed))
	r.log.WithFields(logrus.Fields{
		"month":     monthKey,
		"created":   out.Created,
		"refreshed": out.Refreshed,
		"removed":   out.Removed,
		"unchanged": out.Unchanged,
	}).Info("ledger reconciled")
	return out, nil
}

// SetGiftAmount records the operator-entered bonus of a BONUS-tier result.
// A null or zero amount clears it. A LOCKED month needs force.
func (r *Reconciler) SetGiftAmount(ctx context.Context, actor kpi.Actor, monthlyResultID string, amount decimal.NullDecimal, force bool) (kpi.MonthlyResult, error) {
	if err := actor.Authorize(actor.CanSettle(), "set gift amounts"); err != nil {
		return kpi.MonthlyResult{}, err
	}
	if force {
		if err := actor.Authorize(actor.CanForce(), "write to a locked month"); err != nil {
			return kpi.MonthlyResult{}, err
		}
	}
	if amount.Valid && amount.Decimal.IsNegative() {
		return kpi.MonthlyResult{}, fmt.Errorf("%w: gift amount cannot be negative", generic.ErrInvalidAmount)
	}
	if amount.Valid && amount.Decimal.IsZero() {
		amount = decimal.NullDecimal{}
	}
	if amount.Valid {
		amount.Decimal = generic.RoundHalfUp(amount.Decimal, 2)
	}

	var out kpi.MonthlyResult
	err := r.store.WithTx(ctx, func(tx kpi.Store) error {
		res, month, err := loadResult(ctx, tx, monthlyResultID)
		if err != nil {
			return err
		}
		if month.IsLocked() && !force {
			return fmt.Errorf("%w: %s", generic.ErrMonthLocked, month.MonthKey)
		}
		if amount.Valid && res.Tier != kpi.TierBonus {
			return &generic.FieldError{Field: "gift_amount", Message: fmt.Sprintf("result is %s, gifts need %s", res.Tier, kpi.TierBonus)}
		}
		if err := tx.UpdateGiftAmount(ctx, res.ID, amount); err != nil {
			return err
		}
		res.GiftAmount = amount

		// Keep a DUE bonus entry in step with the new amount.
		entry, err := tx.GetLedgerEntry(ctx, res.ID, kpi.EntryBonus)
		if err != nil {
			return err
		}
		switch {
		case entry == nil || entry.Status != kpi.EntryDue:
		case amount.Valid:
			entry.ExpectedAmount = amount.Decimal
			entry.UpdatedAt = r.now().UTC()
			if err := tx.SaveLedgerEntry(ctx, *entry); err != nil {
				return err
			}
		default:
			if err := tx.DeleteLedgerEntry(ctx, res.ID, kpi.EntryBonus); err != nil {
				return err
			}
		}
		out = *res
		return nil
	})
	if err != nil {
		return kpi.MonthlyResult{}, err
	}
	r.log.WithFields(logrus.Fields{
		"monthly_result": monthlyResultID,
		"gift":           out.GiftAmount.Decimal.String(),
		"actor":          actor.ID,
	}).Info("gift amount set")
	return out, nil
}
