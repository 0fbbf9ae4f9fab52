/*
Package kpi implements the HR KPI compute and tiering engine.

PURPOSE:
  Turns raw weekly evaluations into locked weekly scores, monthly
  performance tiers, fines and bonus eligibility. The fund ledger that
  settles those fines and bonuses lives in package fund.

KEY CONCEPTS IN THIS FILE (types.go):
  - Week / Month: evaluation periods with an OPEN|LOCKED status
  - Assignment: marker -> subject responsibility (read-only input)
  - Submission: one evaluation per (week, subject, marker)
  - WeeklyResult / AdminCompliance: derived weekly rows
  - MonthlyResult / SubjectMonthState: derived monthly rows and the only
    cross-month memory
  - FundLogEntry: operator-settled FINE/BONUS ledger row
  - NotificationIntent: outbox row drained by the outbox relay

DERIVED ROWS:
  WeeklyResult, AdminCompliance and MonthlyResult are never a source of
  truth. They are upserted on their natural keys and always reproducible
  from Submissions + Assignments (+ prior SubjectMonthState).

SEE ALSO:
  - store.go: persistence interfaces
  - weekly.go, monthly.go: compute engines
  - tiering.go: tier decision table
*/
package kpi

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID identifies a subject, a marker admin or an operator.
type UserID string

func newID() string {
	return uuid.NewString()
}

// =============================================================================
// PERIODS
// =============================================================================

// PeriodStatus is the lock state of a Week or Month.
type PeriodStatus string

const (
	StatusOpen   PeriodStatus = "OPEN"
	StatusLocked PeriodStatus = "LOCKED"
)

// Week is one Friday-anchored evaluation cycle.
type Week struct {
	ID         string
	WeekKey    string // YYYY-MM-DD of the Friday
	FridayDate time.Time
	Status     PeriodStatus
	LockedAt   *time.Time
	LockedBy   UserID
}

// NewWeek builds an OPEN week for a Friday week key.
func NewWeek(cal PeriodCalendar, weekKey string) (Week, error) {
	friday, err := cal.ParseWeekKey(weekKey)
	if err != nil {
		return Week{}, err
	}
	return Week{
		ID:         newID(),
		WeekKey:    weekKey,
		FridayDate: friday,
		Status:     StatusOpen,
	}, nil
}

// IsLocked reports whether the week rejects writes.
func (w Week) IsLocked() bool { return w.Status == StatusLocked }

// Month is a calendar month containing every Friday that falls in it.
type Month struct {
	ID        string
	MonthKey  string // YYYY-MM
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
	LockedAt  *time.Time
	LockedBy  UserID
}

// NewMonth builds an OPEN month with its date range.
func NewMonth(cal PeriodCalendar, monthKey string) (Month, error) {
	p, err := cal.MonthDateRange(monthKey)
	if err != nil {
		return Month{}, err
	}
	return Month{
		ID:        newID(),
		MonthKey:  monthKey,
		StartDate: p.Start,
		EndDate:   p.End,
		Status:    StatusOpen,
	}, nil
}

// IsLocked reports whether the month rejects writes.
func (m Month) IsLocked() bool { return m.Status == StatusLocked }

// =============================================================================
// EVALUATION INPUTS
// =============================================================================

// Assignment says markerAdminId evaluates subjectUserId.
// Owned by an external registry; the engine only reads active pairs.
type Assignment struct {
	MarkerAdminID UserID
	SubjectUserID UserID
	IsActive      bool
}

// CriterionScore is one line of an evaluation form.
type CriterionScore struct {
	Criterion string          `json:"criterion"`
	Score     decimal.Decimal `json:"score"`
	MaxScore  decimal.Decimal `json:"max_score"`
}

// Submission is one marker's evaluation of one subject for one week.
type Submission struct {
	ID                 string
	WeekID             string
	SubjectUserID      UserID
	MarkerAdminID      UserID
	PerCriterionScores []CriterionScore
	TotalScore         decimal.Decimal
	SubmittedAt        time.Time
}

// NewSubmission validates the criterion lines and derives the total.
// The total is the sum of criterion scores and must lie in [0, 100].
func NewSubmission(weekID string, subject, marker UserID, scores []CriterionScore, at time.Time) (Submission, error) {
	if weekID == "" {
		return Submission{}, &generic.FieldError{Field: "week_id", Message: "required"}
	}
	if subject == "" {
		return Submission{}, &generic.FieldError{Field: "subject_user_id", Message: "required"}
	}
	if marker == "" {
		return Submission{}, &generic.FieldError{Field: "marker_admin_id", Message: "required"}
	}
	if subject == marker {
		return Submission{}, &generic.FieldError{Field: "subject_user_id", Message: "markers cannot evaluate themselves"}
	}
	if len(scores) == 0 {
		return Submission{}, &generic.FieldError{Field: "scores", Message: "at least one criterion is required"}
	}

	seen := make(map[string]bool, len(scores))
	total := decimal.Zero
	for _, cs := range scores {
		name := strings.TrimSpace(cs.Criterion)
		if name == "" {
			return Submission{}, &generic.FieldError{Field: "criterion", Message: "name is required"}
		}
		if seen[name] {
			return Submission{}, &generic.FieldError{Field: "criterion", Message: fmt.Sprintf("%q listed twice", name)}
		}
		seen[name] = true
		if cs.Score.IsNegative() {
			return Submission{}, &generic.FieldError{Field: name, Message: "score cannot be negative"}
		}
		if cs.MaxScore.IsPositive() && cs.Score.GreaterThan(cs.MaxScore) {
			return Submission{}, &generic.FieldError{Field: name, Message: fmt.Sprintf("score %s exceeds max %s", cs.Score, cs.MaxScore)}
		}
		total = total.Add(cs.Score)
	}
	if total.GreaterThan(generic.MaxScore) {
		return Submission{}, &generic.FieldError{Field: "total_score", Message: fmt.Sprintf("%s exceeds %s", total, generic.MaxScore)}
	}

	return Submission{
		ID:                 newID(),
		WeekID:             weekID,
		SubjectUserID:      subject,
		MarkerAdminID:      marker,
		PerCriterionScores: scores,
		TotalScore:         generic.RoundScore(total),
		SubmittedAt:        at,
	}, nil
}

// =============================================================================
// WEEKLY DERIVED ROWS
// =============================================================================

// WeeklyResult is the derived weekly score of one subject.
// Natural key: (WeekID, SubjectUserID).
type WeeklyResult struct {
	WeekID                string
	SubjectUserID         UserID
	WeeklyAvgScore        decimal.Decimal
	ExpectedMarkersCount  int
	SubmittedMarkersCount int
	IsComplete            bool
}

// ComplianceStatus says whether a marker finished their evaluations.
type ComplianceStatus string

const (
	ComplianceOK     ComplianceStatus = "OK"
	ComplianceMissed ComplianceStatus = "MISSED"
)

// AdminCompliance is the derived weekly marking record of one marker.
// Natural key: (WeekID, AdminUserID).
type AdminCompliance struct {
	WeekID         string
	AdminUserID    UserID
	ExpectedCount  int
	SubmittedCount int
	MissedCount    int
	Status         ComplianceStatus
}

// =============================================================================
// MONTHLY DERIVED ROWS
// =============================================================================

// MonthlyResult is the monthly roll-up of one subject.
// Natural key: (MonthID, SubjectUserID). ID is stable across recomputes
// because ledger entries reference it.
type MonthlyResult struct {
	ID                 string
	MonthID            string
	SubjectUserID      UserID
	MonthlyScore       decimal.Decimal
	Tier               Tier
	ActionType         string
	BaseFine           decimal.Decimal
	MonthFineCount     int
	FinalFine          decimal.Decimal
	GiftAmount         decimal.NullDecimal // operator-entered
	WeeksCountUsed     int
	ExpectedWeeksCount int
	IsCompleteMonth    bool
	ComputedAt         time.Time
}

// sameComputation reports whether two results carry identical computed
// values. Identity, gift amount and timestamp are ignored.
func (r MonthlyResult) sameComputation(o MonthlyResult) bool {
	return r.MonthID == o.MonthID &&
		r.SubjectUserID == o.SubjectUserID &&
		r.MonthlyScore.Equal(o.MonthlyScore) &&
		r.Tier == o.Tier &&
		r.ActionType == o.ActionType &&
		r.BaseFine.Equal(o.BaseFine) &&
		r.MonthFineCount == o.MonthFineCount &&
		r.FinalFine.Equal(o.FinalFine) &&
		r.WeeksCountUsed == o.WeeksCountUsed &&
		r.ExpectedWeeksCount == o.ExpectedWeeksCount &&
		r.IsCompleteMonth == o.IsCompleteMonth
}

// SubjectMonthState is the only cross-month memory, one row per subject.
type SubjectMonthState struct {
	SubjectUserID                UserID
	LastMonthKey                 string
	LastMonthTier                Tier
	ConsecutiveImprovementMonths int
	ConsecutiveFineMonths        int

	// Prior is the standing that preceded LastMonthKey. Recomputing
	// LastMonthKey starts again from it so the counters do not double.
	Prior Standing
}

// Current returns the standing after LastMonthKey.
func (s SubjectMonthState) Current() Standing {
	return Standing{
		Tier:              s.LastMonthTier,
		ImprovementMonths: s.ConsecutiveImprovementMonths,
		FineMonths:        s.ConsecutiveFineMonths,
	}
}

// =============================================================================
// FUND LEDGER
// =============================================================================

// EntryType is the kind of ledger row.
type EntryType string

const (
	EntryFine  EntryType = "FINE"
	EntryBonus EntryType = "BONUS"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool { return t == EntryFine || t == EntryBonus }

// EntryStatus is the settlement state of a ledger row.
type EntryStatus string

const (
	EntryDue       EntryStatus = "DUE"
	EntryCollected EntryStatus = "COLLECTED"
	EntryPaid      EntryStatus = "PAID"
)

// Valid reports whether s is a known status.
func (s EntryStatus) Valid() bool {
	return s == EntryDue || s == EntryCollected || s == EntryPaid
}

// FundLogEntry is one FINE or BONUS settlement row.
// Natural key: (MonthlyResultID, EntryType).
type FundLogEntry struct {
	ID              string
	MonthlyResultID string
	MonthID         string
	SubjectUserID   UserID
	EntryType       EntryType
	Status          EntryStatus
	ExpectedAmount  decimal.Decimal
	ActualAmount    decimal.NullDecimal
	Note            string
	MarkedByAdminID UserID
	MarkedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewFundLogEntry builds a DUE entry for a monthly result.
func NewFundLogEntry(r MonthlyResult, t EntryType, expected decimal.Decimal, at time.Time) FundLogEntry {
	return FundLogEntry{
		ID:              newID(),
		MonthlyResultID: r.ID,
		MonthID:         r.MonthID,
		SubjectUserID:   r.SubjectUserID,
		EntryType:       t,
		Status:          EntryDue,
		ExpectedAmount:  expected,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

// LedgerFilter narrows ledger scans. Zero fields match everything.
type LedgerFilter struct {
	MonthID       string
	SubjectUserID UserID
	EntryType     EntryType
	Status        EntryStatus
}

// Matches reports whether e passes the filter.
func (f LedgerFilter) Matches(e FundLogEntry) bool {
	return (f.MonthID == "" || e.MonthID == f.MonthID) &&
		(f.SubjectUserID == "" || e.SubjectUserID == f.SubjectUserID) &&
		(f.EntryType == "" || e.EntryType == f.EntryType) &&
		(f.Status == "" || e.Status == f.Status)
}
