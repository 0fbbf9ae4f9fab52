package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWeek(t *testing.T, s *Store, key string) kpi.Week {
	t.Helper()
	w, err := kpi.NewWeek(generic.UTCCalendar(), key)
	require.NoError(t, err)
	require.NoError(t, s.CreateWeek(context.Background(), w))
	return w
}

func TestStore_WeekRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// GIVEN: a week created twice with different ids
	w := seedWeek(t, s, "2025-06-06")
	dup, err := kpi.NewWeek(generic.UTCCalendar(), "2025-06-06")
	require.NoError(t, err)
	require.NoError(t, s.CreateWeek(ctx, dup))

	// WHEN: reading it back
	got, err := s.GetWeek(ctx, "2025-06-06")
	require.NoError(t, err)

	// THEN: the first insert wins
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, kpi.StatusOpen, got.Status)
	assert.Nil(t, got.LockedAt)
	assert.True(t, got.FridayDate.Equal(w.FridayDate))

	// AND: locking persists the lock fields
	at := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	got.Status = kpi.StatusLocked
	got.LockedAt = &at
	got.LockedBy = "hr-1"
	require.NoError(t, s.SaveWeek(ctx, *got))

	locked, err := s.GetWeek(ctx, "2025-06-06")
	require.NoError(t, err)
	assert.True(t, locked.IsLocked())
	assert.True(t, locked.LockedAt.Equal(at))
	assert.Equal(t, kpi.UserID("hr-1"), locked.LockedBy)
}

func TestStore_MissingRowsReturnNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.GetWeek(ctx, "2025-06-06")
	require.NoError(t, err)
	assert.Nil(t, w)

	m, err := s.GetMonth(ctx, "2025-06")
	require.NoError(t, err)
	assert.Nil(t, m)

	r, err := s.GetMonthlyResult(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, r)

	st, err := s.GetSubjectMonthState(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, st)

	e, err := s.GetLedgerEntry(ctx, "nope", kpi.EntryFine)
	require.NoError(t, err)
	assert.Nil(t, e)

	err = s.SaveWeek(ctx, kpi.Week{WeekKey: "2025-06-13"})
	assert.True(t, errors.Is(err, generic.ErrWeekNotFound))
}

func TestStore_DuplicateSubmission(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := seedWeek(t, s, "2025-06-06")

	scores := []kpi.CriterionScore{{Criterion: "delivery", Score: decimal.NewFromInt(80), MaxScore: decimal.NewFromInt(100)}}
	at := time.Date(2025, 6, 6, 9, 0, 0, 0, time.UTC)

	// GIVEN: a stored submission
	sub, err := kpi.NewSubmission(w.ID, "S1", "M1", scores, at)
	require.NoError(t, err)
	require.NoError(t, s.InsertSubmission(ctx, sub))

	// WHEN: the same marker submits again for the same subject
	again, err := kpi.NewSubmission(w.ID, "S1", "M1", scores, at)
	require.NoError(t, err)
	err = s.InsertSubmission(ctx, again)

	// THEN: the natural key rejects it
	assert.True(t, errors.Is(err, generic.ErrDuplicateSubmission))

	subs, err := s.ListSubmissions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].TotalScore.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, "delivery", subs[0].PerCriterionScores[0].Criterion)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	// WHEN: a transaction writes and then fails
	err := s.WithTx(ctx, func(tx kpi.Store) error {
		w, err := kpi.NewWeek(generic.UTCCalendar(), "2025-06-06")
		if err != nil {
			return err
		}
		if err := tx.CreateWeek(ctx, w); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing was persisted
	assert.ErrorIs(t, err, boom)
	w, err := s.GetWeek(ctx, "2025-06-06")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestStore_ReplaceWeeklyResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := seedWeek(t, s, "2025-06-06")

	first := []kpi.WeeklyResult{
		{WeekID: w.ID, SubjectUserID: "S1", WeeklyAvgScore: decimal.NewFromInt(70), ExpectedMarkersCount: 1, SubmittedMarkersCount: 1, IsComplete: true},
		{WeekID: w.ID, SubjectUserID: "S2", WeeklyAvgScore: decimal.Zero, ExpectedMarkersCount: 1},
	}
	require.NoError(t, s.ReplaceWeeklyResults(ctx, w.ID, first))

	// WHEN: the week is recomputed with a smaller set
	second := []kpi.WeeklyResult{
		{WeekID: w.ID, SubjectUserID: "S1", WeeklyAvgScore: decimal.RequireFromString("72.5"), ExpectedMarkersCount: 2, SubmittedMarkersCount: 2, IsComplete: true},
	}
	require.NoError(t, s.ReplaceWeeklyResults(ctx, w.ID, second))

	// THEN: only the new set remains
	got, err := s.ListWeeklyResults(ctx, []string{w.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, kpi.UserID("S1"), got[0].SubjectUserID)
	assert.True(t, got[0].WeeklyAvgScore.Equal(decimal.RequireFromString("72.5")))
	assert.Equal(t, 2, got[0].SubmittedMarkersCount)
	assert.True(t, got[0].IsComplete)
}

func TestStore_UpsertMonthlyResultKeepsIdentityAndGift(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := kpi.NewMonth(generic.UTCCalendar(), "2025-06")
	require.NoError(t, err)
	require.NoError(t, s.CreateMonth(ctx, m))

	r := kpi.MonthlyResult{
		ID: "r1", MonthID: m.ID, SubjectUserID: "S1",
		MonthlyScore: decimal.RequireFromString("92.5"), Tier: kpi.TierBonus, ActionType: "bonus eligible",
		BaseFine: decimal.Zero, FinalFine: decimal.Zero,
		WeeksCountUsed: 4, ExpectedWeeksCount: 4, IsCompleteMonth: true,
		ComputedAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertMonthlyResult(ctx, r))
	require.NoError(t, s.UpdateGiftAmount(ctx, "r1", decimal.NewNullDecimal(decimal.NewFromInt(1000))))

	// WHEN: recomputing with a new id and no gift
	r.ID = "r2"
	r.MonthlyScore = decimal.NewFromInt(95)
	require.NoError(t, s.UpsertMonthlyResult(ctx, r))

	// THEN: the row keeps its id and gift but takes the new score
	got, err := s.FindMonthlyResult(ctx, m.ID, "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)
	assert.True(t, got.MonthlyScore.Equal(decimal.NewFromInt(95)))
	require.True(t, got.GiftAmount.Valid)
	assert.True(t, got.GiftAmount.Decimal.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, kpi.TierBonus, got.Tier)
}

func TestStore_SubjectMonthState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := kpi.SubjectMonthState{
		SubjectUserID:         "S1",
		LastMonthKey:          "2025-06",
		LastMonthTier:         kpi.TierFine,
		ConsecutiveFineMonths: 2,
		Prior:                 kpi.Standing{Tier: kpi.TierFine, FineMonths: 1},
	}
	require.NoError(t, s.SaveSubjectMonthState(ctx, st))

	got, err := s.GetSubjectMonthState(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, st, *got)
}

func TestStore_LedgerUpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := kpi.NewMonth(generic.UTCCalendar(), "2025-06")
	require.NoError(t, err)
	require.NoError(t, s.CreateMonth(ctx, m))
	r := kpi.MonthlyResult{
		ID: "r1", MonthID: m.ID, SubjectUserID: "S1", Tier: kpi.TierFine,
		MonthlyScore: decimal.NewFromInt(40), BaseFine: decimal.NewFromInt(500), FinalFine: decimal.NewFromInt(500),
		MonthFineCount: 1, ComputedAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertMonthlyResult(ctx, r))

	at := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)
	e := kpi.NewFundLogEntry(r, kpi.EntryFine, decimal.NewFromInt(500), at)
	require.NoError(t, s.SaveLedgerEntry(ctx, e))

	// WHEN: the entry is collected
	marked := at.Add(time.Hour)
	e.Status = kpi.EntryCollected
	e.ActualAmount = decimal.NewNullDecimal(decimal.NewFromInt(500))
	e.MarkedByAdminID = "hr-1"
	e.MarkedAt = &marked
	e.UpdatedAt = marked
	require.NoError(t, s.SaveLedgerEntry(ctx, e))

	// THEN: the filter finds one collected fine
	got, err := s.ListLedgerEntries(ctx, kpi.LedgerFilter{MonthID: m.ID, Status: kpi.EntryCollected})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.True(t, got[0].ActualAmount.Decimal.Equal(decimal.NewFromInt(500)))
	assert.True(t, got[0].MarkedAt.Equal(marked))

	// AND: deleting removes it, twice is harmless
	require.NoError(t, s.DeleteLedgerEntry(ctx, r.ID, kpi.EntryFine))
	require.NoError(t, s.DeleteLedgerEntry(ctx, r.ID, kpi.EntryFine))
	gone, err := s.GetLedgerEntry(ctx, r.ID, kpi.EntryFine)
	require.NoError(t, err)
	assert.Nil(t, gone)

	none, err := s.ListLedgerEntries(ctx, kpi.LedgerFilter{EntryType: kpi.EntryBonus})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 6, 6, 12, 0, 0, 0, time.UTC)

	in := kpi.NotificationIntent{
		ID: "i1", EventID: "ADMIN_MISSED_MARKING:2025-06-06:M1", UserID: "M1",
		Type: kpi.NotifyAdminMissedMarking, Title: "t", Message: "m",
		CreatedAt: now, AvailableAt: now,
	}

	// GIVEN: the same event appended twice
	require.NoError(t, s.AppendIntents(ctx, []kpi.NotificationIntent{in}))
	in.ID = "i2"
	require.NoError(t, s.AppendIntents(ctx, []kpi.NotificationIntent{in}))

	n, err := s.CountPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// WHEN: claimed
	claimed, err := s.ClaimIntents(ctx, now, now.Add(-time.Minute), 10, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	// THEN: a fresh claim does not see it again
	again, err := s.ClaimIntents(ctx, now, now.Add(-time.Minute), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	// AND: a nack makes it available at the retry time
	require.NoError(t, s.NackIntent(ctx, "i1", "timeout", now.Add(time.Second)))
	early, err := s.ClaimIntents(ctx, now, now.Add(-time.Minute), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, early)

	later := now.Add(2 * time.Second)
	retried, err := s.ClaimIntents(ctx, later, later.Add(-time.Minute), 10, 5)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)
	assert.Equal(t, "timeout", retried[0].LastError)

	// AND: ack removes it from the pending count
	require.NoError(t, s.AckIntent(ctx, "i1", later))
	n, err = s.CountPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
