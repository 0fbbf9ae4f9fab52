package fund

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/kpi"
)

// Summary aggregates the ledger entries matching a filter.
type Summary struct {
	FineCollected  decimal.Decimal `json:"fine_collected"`
	BonusPaid      decimal.Decimal `json:"bonus_paid"`
	DueFine        decimal.Decimal `json:"due_fine"`
	DueBonus       decimal.Decimal `json:"due_bonus"`
	CurrentBalance decimal.Decimal `json:"current_balance"` // FineCollected - BonusPaid
	Entries        int             `json:"entries"`
}

// Summarize scans every entry matching f that actor may see.
func (r *Reconciler) Summarize(ctx context.Context, actor kpi.Actor, f kpi.LedgerFilter) (Summary, error) {
	f, err := scopeFilter(actor, f)
	if err != nil {
		return Summary{}, err
	}
	entries, err := r.store.ListLedgerEntries(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(entries), nil
}

// Summarize folds entries into a Summary.
func Summarize(entries []kpi.FundLogEntry) Summary {
	s := Summary{
		FineCollected: decimal.Zero,
		BonusPaid:     decimal.Zero,
		DueFine:       decimal.Zero,
		DueBonus:      decimal.Zero,
	}
	for _, e := range entries {
		s.Entries++
		switch {
		case e.EntryType == kpi.EntryFine && e.Status == kpi.EntryCollected:
			s.FineCollected = s.FineCollected.Add(e.ActualAmount.Decimal)
		case e.EntryType == kpi.EntryBonus && e.Status == kpi.EntryPaid:
			s.BonusPaid = s.BonusPaid.Add(e.ActualAmount.Decimal)
		case e.EntryType == kpi.EntryFine && e.Status == kpi.EntryDue:
			s.DueFine = s.DueFine.Add(e.ExpectedAmount)
		case e.EntryType == kpi.EntryBonus && e.Status == kpi.EntryDue:
			s.DueBonus = s.DueBonus.Add(e.ExpectedAmount)
		}
	}
	s.CurrentBalance = s.FineCollected.Sub(s.BonusPaid)
	return s
}

// StatementLine is one settled entry with the fund balance after it.
type StatementLine struct {
	Entry   kpi.FundLogEntry `json:"entry"`
	Amount  decimal.Decimal  `json:"amount"` // + collected fine, - paid bonus
	Balance decimal.Decimal  `json:"balance"`
}

// Statement lists settled entries in marking order with a running balance.
func (r *Reconciler) Statement(ctx context.Context, actor kpi.Actor, f kpi.LedgerFilter) ([]StatementLine, error) {
	f, err := scopeFilter(actor, f)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListLedgerEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	return Statement(entries), nil
}

// Statement builds the running balance over the settled entries.
func Statement(entries []kpi.FundLogEntry) []StatementLine {
	settled := make([]kpi.FundLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Status != kpi.EntryDue && e.MarkedAt != nil {
			settled = append(settled, e)
		}
	}
	sort.SliceStable(settled, func(i, j int) bool {
		a, b := markedAt(settled[i]), markedAt(settled[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return settled[i].ID < settled[j].ID
	})

	lines := make([]StatementLine, 0, len(settled))
	balance := decimal.Zero
	for _, e := range settled {
		amount := e.ActualAmount.Decimal
		if e.EntryType == kpi.EntryBonus {
			amount = amount.Neg()
		}
		balance = balance.Add(amount)
		lines = append(lines, StatementLine{Entry: e, Amount: amount, Balance: balance})
	}
	return lines
}

// scopeFilter narrows an employee's filter to their own entries.
func scopeFilter(actor kpi.Actor, f kpi.LedgerFilter) (kpi.LedgerFilter, error) {
	if actor.CanReadAll() {
		return f, actor.Authorize(true, "read the ledger")
	}
	if f.SubjectUserID == "" && actor.Role == kpi.RoleEmployee {
		f.SubjectUserID = actor.ID
	}
	if err := actor.Authorize(actor.CanRead(f.SubjectUserID), "read ledger entries of "+string(f.SubjectUserID)); err != nil {
		return kpi.LedgerFilter{}, err
	}
	return f, nil
}

func markedAt(e kpi.FundLogEntry) time.Time {
	if e.MarkedAt == nil {
		return time.Time{}
	}
	return *e.MarkedAt
}
