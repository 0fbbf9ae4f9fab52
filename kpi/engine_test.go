package kpi_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	hr    = kpi.Actor{ID: "hr", Role: kpi.RoleAdmin}
	boss  = kpi.Actor{ID: "boss", Role: kpi.RoleSuperAdmin}
	m1    = kpi.Actor{ID: "M1", Role: kpi.RoleAdmin}
	m2    = kpi.Actor{ID: "M2", Role: kpi.RoleAdmin}
	staff = kpi.Actor{ID: "S1", Role: kpi.RoleEmployee}
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Memory
	eng   *kpi.Engine
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		now:   time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	eng, err := kpi.NewEngine(f.store, kpi.Options{Now: func() time.Time { return f.now }})
	require.NoError(t, err)
	f.eng = eng
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func scores(total int64) []kpi.CriterionScore {
	return []kpi.CriterionScore{{Criterion: "overall", Score: decimal.NewFromInt(total), MaxScore: decimal.NewFromInt(100)}}
}

func (f *fixture) assign(marker, subject kpi.UserID) {
	f.t.Helper()
	require.NoError(f.t, f.eng.SetAssignment(f.ctx, hr, kpi.Assignment{MarkerAdminID: marker, SubjectUserID: subject, IsActive: true}))
}

func (f *fixture) submit(marker kpi.Actor, week string, subject kpi.UserID, total int64) {
	f.t.Helper()
	_, err := f.eng.SubmitEvaluation(f.ctx, marker, kpi.SubmissionInput{WeekKey: week, SubjectUserID: subject, Scores: scores(total)})
	require.NoError(f.t, err)
}

func (f *fixture) computeWeek(week string) kpi.WeekComputeResult {
	f.t.Helper()
	out, err := f.eng.ComputeWeek(f.ctx, hr, week, false)
	require.NoError(f.t, err)
	return out
}

// scoreWeek records one evaluation of S1 by M1 and computes the week.
func (f *fixture) scoreWeek(week string, total int64) {
	f.t.Helper()
	f.submit(m1, week, "S1", total)
	f.computeWeek(week)
}

func (f *fixture) computeMonth(month string) kpi.MonthlyResult {
	f.t.Helper()
	out, err := f.eng.ComputeMonth(f.ctx, hr, month, kpi.MonthOptions{})
	require.NoError(f.t, err)
	require.Len(f.t, out.Results, 1)
	return out.Results[0]
}

func weeklyBySubject(rows []kpi.WeeklyResult) map[kpi.UserID]kpi.WeeklyResult {
	out := make(map[kpi.UserID]kpi.WeeklyResult, len(rows))
	for _, r := range rows {
		out[r.SubjectUserID] = r
	}
	return out
}

func intentsOfType(s *memory.Memory, t kpi.NotificationType) []kpi.NotificationIntent {
	var out []kpi.NotificationIntent
	for _, in := range s.Intents() {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

// =============================================================================
// WEEKLY COMPUTE
// =============================================================================

func TestComputeWeek_MarkerMissesOneSubject(t *testing.T) {
	// GIVEN: M1 evaluates S1, S2 and S3 but only marked S1 and S2
	f := newFixture(t)
	f.assign("M1", "S1")
	f.assign("M1", "S2")
	f.assign("M1", "S3")
	f.submit(m1, "2025-06-06", "S1", 80)
	f.submit(m1, "2025-06-06", "S2", 60)

	// WHEN
	out := f.computeWeek("2025-06-06")

	// THEN: S3 scores zero and is incomplete, M1 missed one marking
	assert.Equal(t, 3, out.SubjectsProcessed)
	rows := weeklyBySubject(out.Results)
	assert.True(t, rows["S1"].WeeklyAvgScore.Equal(dec("80")))
	assert.True(t, rows["S1"].IsComplete)
	assert.True(t, rows["S2"].WeeklyAvgScore.Equal(dec("60")))
	assert.True(t, rows["S2"].IsComplete)
	assert.True(t, rows["S3"].WeeklyAvgScore.IsZero())
	assert.False(t, rows["S3"].IsComplete)
	assert.Equal(t, 1, rows["S3"].ExpectedMarkersCount)
	assert.Equal(t, 0, rows["S3"].SubmittedMarkersCount)

	require.Len(t, out.Compliance, 1)
	c := out.Compliance[0]
	assert.Equal(t, kpi.UserID("M1"), c.AdminUserID)
	assert.Equal(t, 3, c.ExpectedCount)
	assert.Equal(t, 2, c.SubmittedCount)
	assert.Equal(t, 1, c.MissedCount)
	assert.Equal(t, kpi.ComplianceMissed, c.Status)

	missed := intentsOfType(f.store, kpi.NotifyAdminMissedMarking)
	require.Len(t, missed, 1)
	assert.Equal(t, kpi.UserID("M1"), missed[0].UserID)
	assert.Equal(t, "ADMIN_MISSED_MARKING:2025-06-06:M1", missed[0].EventID)
}

func TestComputeWeek_AveragesMarkers(t *testing.T) {
	// GIVEN: two markers share S1, one of them also has S2
	f := newFixture(t)
	f.assign("M1", "S1")
	f.assign("M2", "S1")
	f.assign("M2", "S2")
	f.submit(m1, "2025-06-13", "S1", 70)
	f.submit(m2, "2025-06-13", "S1", 75)
	f.submit(m2, "2025-06-13", "S2", 90)

	// WHEN
	out := f.computeWeek("2025-06-13")

	// THEN
	rows := weeklyBySubject(out.Results)
	assert.True(t, rows["S1"].WeeklyAvgScore.Equal(dec("72.5")))
	assert.Equal(t, 2, rows["S1"].SubmittedMarkersCount)
	assert.True(t, rows["S1"].IsComplete)
	assert.Equal(t, 0, out.MissedMarkings)
	for _, c := range out.Compliance {
		assert.Equal(t, kpi.ComplianceOK, c.Status)
	}
	assert.Empty(t, f.store.Intents())
}

func TestComputeWeek_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.assign("M1", "S1")
	f.assign("M1", "S2")
	f.submit(m1, "2025-06-06", "S1", 88)

	first := f.computeWeek("2025-06-06")
	f.now = f.now.Add(time.Hour)
	second := f.computeWeek("2025-06-06")

	require.Len(t, second.Results, len(first.Results))
	for i, a := range first.Results {
		b := second.Results[i]
		assert.Equal(t, a.SubjectUserID, b.SubjectUserID)
		assert.True(t, a.WeeklyAvgScore.Equal(b.WeeklyAvgScore))
		assert.Equal(t, a.IsComplete, b.IsComplete)
	}
	assert.Equal(t, first.Compliance, second.Compliance)
	// The missed-marking intent is queued once per (week, marker).
	assert.Len(t, f.store.Intents(), 1)

	view, err := f.eng.GetWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)
	assert.Len(t, view.Results, 2)
	assert.Len(t, view.Compliance, 1)
}

func TestComputeWeek_DropsDeactivatedAssignments(t *testing.T) {
	f := newFixture(t)
	f.assign("M1", "S1")
	f.assign("M1", "S2")
	first := f.computeWeek("2025-06-06")
	require.Len(t, first.Results, 2)

	// WHEN: the S2 assignment is deactivated and the week recomputed
	require.NoError(t, f.eng.SetAssignment(f.ctx, hr, kpi.Assignment{MarkerAdminID: "M1", SubjectUserID: "S2"}))
	second := f.computeWeek("2025-06-06")

	// THEN: the stale S2 row is gone
	require.Len(t, second.Results, 1)
	assert.Equal(t, kpi.UserID("S1"), second.Results[0].SubjectUserID)
}

func TestComputeWeek_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.ComputeWeek(f.ctx, hr, "2025-06-07", false)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriodKey)

	_, err = f.eng.ComputeWeek(f.ctx, hr, "2025-06-20", false)
	assert.ErrorIs(t, err, generic.ErrWeekNotFound)

	_, err = f.eng.ComputeWeek(f.ctx, staff, "2025-06-20", false)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestBuildWeekRows_UnassignedSubmission(t *testing.T) {
	// A submission without an active assignment still produces a row,
	// complete because nobody was expected.
	subs := []kpi.Submission{{WeekID: "w", SubjectUserID: "S9", MarkerAdminID: "M1", TotalScore: dec("64")}}
	assigns := []kpi.Assignment{{MarkerAdminID: "M1", SubjectUserID: "S1", IsActive: false}}

	results, compliance := kpi.BuildWeekRows("w", subs, assigns)

	require.Len(t, results, 1)
	assert.Equal(t, kpi.UserID("S9"), results[0].SubjectUserID)
	assert.Equal(t, 0, results[0].ExpectedMarkersCount)
	assert.True(t, results[0].IsComplete)
	assert.Empty(t, compliance)
}

// =============================================================================
// WEEK LOCKING
// =============================================================================

func TestWeekLock(t *testing.T) {
	// GIVEN: a computed, locked week
	f := newFixture(t)
	f.assign("M1", "S1")
	f.scoreWeek("2025-06-06", 80)
	w, err := f.eng.LockWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)
	assert.Equal(t, kpi.StatusLocked, w.Status)
	assert.Equal(t, kpi.UserID("hr"), w.LockedBy)
	require.NotNil(t, w.LockedAt)

	// THEN: writes are rejected without force
	_, err = f.eng.ComputeWeek(f.ctx, hr, "2025-06-06", false)
	assert.ErrorIs(t, err, generic.ErrWeekLocked)
	assert.True(t, generic.IsLocked(err))

	_, err = f.eng.SubmitEvaluation(f.ctx, m2, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S1", Scores: scores(50)})
	assert.ErrorIs(t, err, generic.ErrWeekLocked)

	_, err = f.eng.LockWeek(f.ctx, hr, "2025-06-06")
	assert.ErrorIs(t, err, generic.ErrAlreadyLocked)

	// AND: only SUPER_ADMIN or SYSTEM may force
	_, err = f.eng.ComputeWeek(f.ctx, hr, "2025-06-06", true)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	out, err := f.eng.ComputeWeek(f.ctx, boss, "2025-06-06", true)
	require.NoError(t, err)
	assert.True(t, out.Forced)

	_, err = f.eng.ComputeWeek(f.ctx, kpi.SystemActor(), "2025-06-06", true)
	require.NoError(t, err)
}

func TestForceUnlockWeek(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.EnsureWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)

	_, err = f.eng.ForceUnlockWeek(f.ctx, boss, "2025-06-06", "typo")
	assert.ErrorIs(t, err, generic.ErrNotLocked)

	_, err = f.eng.LockWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)

	_, err = f.eng.ForceUnlockWeek(f.ctx, hr, "2025-06-06", "typo")
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.eng.ForceUnlockWeek(f.ctx, boss, "2025-06-06", "  ")
	assert.ErrorIs(t, err, generic.ErrValidation)

	w, err := f.eng.ForceUnlockWeek(f.ctx, boss, "2025-06-06", "late correction")
	require.NoError(t, err)
	assert.Equal(t, kpi.StatusOpen, w.Status)
	assert.Nil(t, w.LockedAt)
	assert.Empty(t, w.LockedBy)
}

// =============================================================================
// MONTHLY COMPUTE
// =============================================================================

func TestComputeMonth_FourWeeks(t *testing.T) {
	// GIVEN: S1 scored 80, 85, 90 and 75 over the four Fridays of June 2025
	f := newFixture(t)
	f.assign("M1", "S1")
	for i, week := range []string{"2025-06-06", "2025-06-13", "2025-06-20", "2025-06-27"} {
		f.scoreWeek(week, []int64{80, 85, 90, 75}[i])
	}

	// WHEN
	out, err := f.eng.ComputeMonth(f.ctx, hr, "2025-06", kpi.MonthOptions{})
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 4, out.ExpectedWeeksCount)
	assert.Equal(t, 4, out.WeeksFound)
	assert.Equal(t, 1, out.Computed)
	require.Len(t, out.Results, 1)
	r := out.Results[0]
	assert.True(t, r.MonthlyScore.Equal(dec("82.5")), "score %s", r.MonthlyScore)
	assert.Equal(t, 4, r.WeeksCountUsed)
	assert.True(t, r.IsCompleteMonth)
	assert.Equal(t, kpi.TierAppreciation, r.Tier)
	assert.True(t, r.FinalFine.IsZero())
	assert.False(t, r.GiftAmount.Valid)

	state, err := f.eng.SubjectState(f.ctx, hr, "S1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "2025-06", state.LastMonthKey)
	assert.Equal(t, kpi.TierAppreciation, state.LastMonthTier)
	assert.Equal(t, 1, state.ConsecutiveImprovementMonths)
	assert.Equal(t, 0, state.ConsecutiveFineMonths)

	ready := intentsOfType(f.store, kpi.NotifyMonthResultReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "MONTH_RESULT_READY:2025-06:S1", ready[0].EventID)
}

func TestComputeMonth_PartialMonth(t *testing.T) {
	// GIVEN: only two of May's five Fridays were computed
	f := newFixture(t)
	f.assign("M1", "S1")
	f.scoreWeek("2025-05-02", 70)
	f.scoreWeek("2025-05-16", 80)

	out, err := f.eng.ComputeMonth(f.ctx, hr, "2025-05", kpi.MonthOptions{})
	require.NoError(t, err)

	// THEN: the score averages the weeks found
	assert.Equal(t, 5, out.ExpectedWeeksCount)
	assert.Equal(t, 2, out.WeeksFound)
	r := out.Results[0]
	assert.True(t, r.MonthlyScore.Equal(dec("75")))
	assert.Equal(t, 2, r.WeeksCountUsed)
	assert.Equal(t, 5, r.ExpectedWeeksCount)
	assert.False(t, r.IsCompleteMonth)
}

func TestComputeMonth_RecomputeIsStable(t *testing.T) {
	f := newFixture(t)
	f.assign("M1", "S1")
	f.scoreWeek("2025-06-06", 95)
	first := f.computeMonth("2025-06")
	require.Equal(t, kpi.TierBonus, first.Tier)

	// An operator enters a gift between computes.
	require.NoError(t, f.store.UpdateGiftAmount(f.ctx, first.ID, generic.NullDecimal(dec("250"))))

	// WHEN: recomputed an hour later with unchanged inputs
	f.now = f.now.Add(time.Hour)
	second := f.computeMonth("2025-06")

	// THEN: identity, gift and values survive, counters do not double
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ComputedAt.Equal(first.ComputedAt))
	assert.True(t, second.GiftAmount.Valid)
	assert.True(t, second.GiftAmount.Decimal.Equal(dec("250")))

	state, err := f.eng.SubjectState(f.ctx, hr, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveImprovementMonths)
	assert.Len(t, intentsOfType(f.store, kpi.NotifyMonthResultReady), 1)
}

func TestComputeMonth_FineEscalation(t *testing.T) {
	f := newFixture(t)
	f.assign("M1", "S1")

	// May: first FINE month
	f.scoreWeek("2025-05-02", 50)
	may := f.computeMonth("2025-05")
	assert.Equal(t, kpi.TierFine, may.Tier)
	assert.Equal(t, 1, may.MonthFineCount)
	assert.True(t, may.FinalFine.Equal(dec("500")))

	// June: second consecutive FINE doubles
	f.scoreWeek("2025-06-06", 40)
	june := f.computeMonth("2025-06")
	assert.Equal(t, 2, june.MonthFineCount)
	assert.True(t, june.FinalFine.Equal(dec("1000")))

	state, err := f.eng.SubjectState(f.ctx, hr, "S1")
	require.NoError(t, err)
	assert.Equal(t, "2025-06", state.LastMonthKey)
	assert.Equal(t, 2, state.ConsecutiveFineMonths)
	assert.Equal(t, kpi.Standing{Tier: kpi.TierFine, FineMonths: 1}, state.Prior)

	// Recomputing June starts again from May's standing.
	again := f.computeMonth("2025-06")
	assert.Equal(t, 2, again.MonthFineCount)
	assert.True(t, again.FinalFine.Equal(dec("1000")))

	// Back-filling May leaves the June state alone.
	backfill := f.computeMonth("2025-05")
	assert.Equal(t, 1, backfill.MonthFineCount)
	state, err = f.eng.SubjectState(f.ctx, hr, "S1")
	require.NoError(t, err)
	assert.Equal(t, "2025-06", state.LastMonthKey)
	assert.Equal(t, 2, state.ConsecutiveFineMonths)

	// July: recovery resets the fine streak
	f.scoreWeek("2025-07-04", 92)
	july := f.computeMonth("2025-07")
	assert.Equal(t, kpi.TierBonus, july.Tier)
	assert.Equal(t, 0, july.MonthFineCount)
	state, err = f.eng.SubjectState(f.ctx, hr, "S1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveFineMonths)
	assert.Equal(t, 1, state.ConsecutiveImprovementMonths)

	// August: a new FINE starts from the base amount again
	f.scoreWeek("2025-08-01", 10)
	aug := f.computeMonth("2025-08")
	assert.Equal(t, 1, aug.MonthFineCount)
	assert.True(t, aug.FinalFine.Equal(dec("500")))
}

func TestComputeMonth_Preconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.ComputeMonth(f.ctx, hr, "2025-08", kpi.MonthOptions{})
	assert.ErrorIs(t, err, generic.ErrWeeklyDataMissing)
	assert.ErrorIs(t, err, generic.ErrPreconditionFailed)

	_, err = f.eng.ComputeMonth(f.ctx, hr, "2025-8", kpi.MonthOptions{})
	assert.ErrorIs(t, err, generic.ErrInvalidPeriodKey)

	_, err = f.eng.ComputeMonth(f.ctx, staff, "2025-06", kpi.MonthOptions{})
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestComputeMonth_LockAndForce(t *testing.T) {
	// GIVEN: June computed and locked in one call
	f := newFixture(t)
	f.assign("M1", "S1")
	f.scoreWeek("2025-06-06", 65)

	out, err := f.eng.ComputeMonth(f.ctx, kpi.SystemActor(), "2025-06", kpi.MonthOptions{Lock: true})
	require.NoError(t, err)
	assert.True(t, out.Locked)

	// THEN: its weeks are locked too
	week, err := f.eng.GetWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)
	assert.True(t, week.Week.IsLocked())

	_, err = f.eng.ComputeMonth(f.ctx, hr, "2025-06", kpi.MonthOptions{})
	assert.ErrorIs(t, err, generic.ErrMonthLocked)

	_, err = f.eng.ComputeMonth(f.ctx, hr, "2025-06", kpi.MonthOptions{Force: true})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	forced, err := f.eng.ComputeMonth(f.ctx, boss, "2025-06", kpi.MonthOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Computed)

	_, err = f.eng.LockMonth(f.ctx, hr, "2025-06")
	assert.ErrorIs(t, err, generic.ErrAlreadyLocked)

	// WHEN: the month is reopened
	m, err := f.eng.ForceUnlockMonth(f.ctx, boss, "2025-06", "score dispute")
	require.NoError(t, err)
	assert.Equal(t, kpi.StatusOpen, m.Status)

	// THEN: weeks stay locked until reopened one by one
	week, err = f.eng.GetWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)
	assert.True(t, week.Week.IsLocked())

	view, err := f.eng.GetMonth(f.ctx, hr, "2025-06")
	require.NoError(t, err)
	assert.False(t, view.Month.IsLocked())
	assert.Len(t, view.Results, 1)
}

func TestLockedMonth_RejectsLateWeeks(t *testing.T) {
	// GIVEN: June computed and locked while only its first week existed
	f := newFixture(t)
	f.assign("M1", "S1")
	f.scoreWeek("2025-06-06", 65)
	_, err := f.eng.ComputeMonth(f.ctx, kpi.SystemActor(), "2025-06", kpi.MonthOptions{Lock: true})
	require.NoError(t, err)

	// WHEN: a later June week is first referenced
	_, err = f.eng.SubmitEvaluation(f.ctx, m1, kpi.SubmissionInput{WeekKey: "2025-06-27", SubjectUserID: "S1", Scores: scores(90)})

	// THEN: the write is rejected as locked
	assert.ErrorIs(t, err, generic.ErrWeekLocked)

	w, err := f.eng.EnsureWeek(f.ctx, hr, "2025-06-27")
	require.NoError(t, err)
	assert.True(t, w.IsLocked())
	assert.Equal(t, kpi.UserID("system"), w.LockedBy)

	_, err = f.eng.ComputeWeek(f.ctx, hr, "2025-06-27", false)
	assert.ErrorIs(t, err, generic.ErrWeekLocked)

	// AND: a week reopened on its own still needs force while June is locked
	_, err = f.eng.ForceUnlockWeek(f.ctx, boss, "2025-06-27", "late marks")
	require.NoError(t, err)
	_, err = f.eng.SubmitEvaluation(f.ctx, m1, kpi.SubmissionInput{WeekKey: "2025-06-27", SubjectUserID: "S1", Scores: scores(90)})
	assert.ErrorIs(t, err, generic.ErrMonthLocked)
	_, err = f.eng.ComputeWeek(f.ctx, hr, "2025-06-27", false)
	assert.ErrorIs(t, err, generic.ErrMonthLocked)

	_, err = f.eng.SubmitEvaluation(f.ctx, boss, kpi.SubmissionInput{WeekKey: "2025-06-27", SubjectUserID: "S1", Scores: scores(90), Force: true})
	require.NoError(t, err)
	out, err := f.eng.ComputeWeek(f.ctx, boss, "2025-06-27", true)
	require.NoError(t, err)
	assert.Equal(t, 1, out.SubjectsProcessed)

	// AND: weeks of an open month are still created open
	w, err = f.eng.EnsureWeek(f.ctx, hr, "2025-07-04")
	require.NoError(t, err)
	assert.False(t, w.IsLocked())
}

// failingStore fails UpsertMonthlyResult for one subject inside transactions.
type failingStore struct {
	*memory.Memory
	fail kpi.UserID
}

func (s *failingStore) WithTx(ctx context.Context, fn func(kpi.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx kpi.Store) error {
		return fn(failingTx{Store: tx, fail: s.fail})
	})
}

type failingTx struct {
	kpi.Store
	fail kpi.UserID
}

func (tx failingTx) UpsertMonthlyResult(ctx context.Context, r kpi.MonthlyResult) error {
	if r.SubjectUserID == tx.fail {
		return errors.New("disk full")
	}
	return tx.Store.UpsertMonthlyResult(ctx, r)
}

func TestComputeMonth_IsolatesSubjectFailures(t *testing.T) {
	// GIVEN: three subjects with May history
	ctx := context.Background()
	store := &failingStore{Memory: memory.New()}
	eng, err := kpi.NewEngine(store, kpi.Options{Now: func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) }})
	require.NoError(t, err)

	for _, s := range []kpi.UserID{"S1", "S2", "S3"} {
		require.NoError(t, eng.SetAssignment(ctx, hr, kpi.Assignment{MarkerAdminID: "M1", SubjectUserID: s, IsActive: true}))
	}
	for _, week := range []string{"2025-05-02", "2025-06-06"} {
		for s, v := range map[kpi.UserID]int64{"S1": 80, "S2": 40, "S3": 95} {
			_, err := eng.SubmitEvaluation(ctx, m1, kpi.SubmissionInput{WeekKey: week, SubjectUserID: s, Scores: scores(v)})
			require.NoError(t, err)
		}
		_, err := eng.ComputeWeek(ctx, hr, week, false)
		require.NoError(t, err)
	}
	_, err = eng.ComputeMonth(ctx, hr, "2025-05", kpi.MonthOptions{})
	require.NoError(t, err)

	// WHEN: writing S2's June result fails
	store.fail = "S2"
	out, err := eng.ComputeMonth(ctx, hr, "2025-06", kpi.MonthOptions{})

	// THEN: the run succeeds with S2 reported as skipped
	require.NoError(t, err)
	assert.Equal(t, 2, out.Computed)
	assert.Equal(t, 1, out.Skipped)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, kpi.UserID("S2"), out.Failures[0].SubjectUserID)
	assert.Contains(t, out.Failures[0].Error, "disk full")

	// AND: the other subjects committed
	for _, s := range []kpi.UserID{"S1", "S3"} {
		r, err := store.FindMonthlyResult(ctx, out.MonthID, s)
		require.NoError(t, err)
		require.NotNil(t, r, s)
		st, err := eng.SubjectState(ctx, hr, s)
		require.NoError(t, err)
		assert.Equal(t, "2025-06", st.LastMonthKey)
	}

	// AND: nothing of S2's June transaction is visible
	r, err := store.FindMonthlyResult(ctx, out.MonthID, "S2")
	require.NoError(t, err)
	assert.Nil(t, r)
	st, err := eng.SubjectState(ctx, hr, "S2")
	require.NoError(t, err)
	assert.Equal(t, "2025-05", st.LastMonthKey)
	assert.Equal(t, 1, st.ConsecutiveFineMonths)

	var june []kpi.UserID
	for _, in := range intentsOfType(store.Memory, kpi.NotifyMonthResultReady) {
		if strings.HasPrefix(in.EventID, "MONTH_RESULT_READY:2025-06:") {
			june = append(june, in.UserID)
		}
	}
	assert.ElementsMatch(t, []kpi.UserID{"S1", "S3"}, june)
}

func TestLockMonth_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.LockMonth(f.ctx, hr, "2025-06")
	assert.ErrorIs(t, err, generic.ErrMonthNotFound)

	_, err = f.eng.ForceUnlockMonth(f.ctx, boss, "2025-06", "why")
	assert.ErrorIs(t, err, generic.ErrMonthNotFound)

	_, err = f.eng.GetMonth(f.ctx, hr, "2025-06")
	assert.ErrorIs(t, err, generic.ErrMonthNotFound)

	_, err = f.eng.EnsureMonth(f.ctx, hr, "2025-06")
	require.NoError(t, err)
	_, err = f.eng.ForceUnlockMonth(f.ctx, boss, "2025-06", "why")
	assert.ErrorIs(t, err, generic.ErrNotLocked)
}

// =============================================================================
// INTAKE
// =============================================================================

func TestSubmitEvaluation(t *testing.T) {
	f := newFixture(t)

	s, err := f.eng.SubmitEvaluation(f.ctx, m1, kpi.SubmissionInput{
		WeekKey:       "2025-06-06",
		SubjectUserID: "S1",
		Scores: []kpi.CriterionScore{
			{Criterion: "quality", Score: dec("38.25"), MaxScore: dec("40")},
			{Criterion: "delivery", Score: dec("41.5"), MaxScore: dec("60")},
		},
	})
	require.NoError(t, err)
	assert.True(t, s.TotalScore.Equal(dec("79.75")))
	assert.Equal(t, kpi.UserID("M1"), s.MarkerAdminID)

	// The week was created lazily.
	view, err := f.eng.GetWeek(f.ctx, hr, "2025-06-06")
	require.NoError(t, err)
	assert.Equal(t, view.Week.ID, s.WeekID)

	tests := []struct {
		name    string
		actor   kpi.Actor
		in      kpi.SubmissionInput
		wantErr error
	}{
		{"duplicate", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S1", Scores: scores(50)}, generic.ErrDuplicateSubmission},
		{"self evaluation", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "M1", Scores: scores(50)}, generic.ErrValidation},
		{"over 100", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: scores(101)}, generic.ErrValidation},
		{"negative", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: scores(-1)}, generic.ErrValidation},
		{"no criteria", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2"}, generic.ErrValidation},
		{"score above criterion max", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: []kpi.CriterionScore{
			{Criterion: "quality", Score: dec("45"), MaxScore: dec("40")},
		}}, generic.ErrValidation},
		{"criterion twice", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: []kpi.CriterionScore{
			{Criterion: "quality", Score: dec("10")}, {Criterion: "quality", Score: dec("10")},
		}}, generic.ErrValidation},
		{"not a friday", m1, kpi.SubmissionInput{WeekKey: "2025-06-05", SubjectUserID: "S2", Scores: scores(50)}, generic.ErrInvalidPeriodKey},
		{"employee", staff, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: scores(50)}, generic.ErrForbidden},
		{"admin cannot force", m1, kpi.SubmissionInput{WeekKey: "2025-06-06", SubjectUserID: "S2", Scores: scores(50), Force: true}, generic.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.SubmitEvaluation(f.ctx, tt.actor, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSetAssignment_Validation(t *testing.T) {
	f := newFixture(t)

	err := f.eng.SetAssignment(f.ctx, staff, kpi.Assignment{MarkerAdminID: "M1", SubjectUserID: "S1", IsActive: true})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	err = f.eng.SetAssignment(f.ctx, hr, kpi.Assignment{MarkerAdminID: "M1", SubjectUserID: "M1", IsActive: true})
	assert.ErrorIs(t, err, generic.ErrValidation)

	err = f.eng.SetAssignment(f.ctx, hr, kpi.Assignment{SubjectUserID: "S1", IsActive: true})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		actor   kpi.Actor
		compute bool
		force   bool
		unlock  bool
		mark    bool
	}{
		{boss, true, true, true, true},
		{hr, true, false, false, true},
		{staff, false, false, false, false},
		{kpi.SystemActor(), true, true, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.actor.Role), func(t *testing.T) {
			assert.Equal(t, tt.compute, tt.actor.CanCompute())
			assert.Equal(t, tt.force, tt.actor.CanForce())
			assert.Equal(t, tt.unlock, tt.actor.CanUnlock())
			assert.Equal(t, tt.mark, tt.actor.CanMark())
		})
	}

	anon := kpi.Actor{Role: kpi.RoleSuperAdmin}
	assert.ErrorIs(t, anon.Authorize(true, "compute weeks"), generic.ErrForbidden)

	_, err := kpi.ParseRole("INTERN")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestReadAccess(t *testing.T) {
	// GIVEN: a computed week and month for S1 and S2
	f := newFixture(t)
	f.assign("M1", "S1")
	f.assign("M1", "S2")
	f.submit(m1, "2025-06-06", "S1", 80)
	f.submit(m1, "2025-06-06", "S2", 50)
	f.computeWeek("2025-06-06")
	_, err := f.eng.ComputeMonth(f.ctx, hr, "2025-06", kpi.MonthOptions{})
	require.NoError(t, err)

	// THEN: an employee sees only their own rows
	week, err := f.eng.GetWeek(f.ctx, staff, "2025-06-06")
	require.NoError(t, err)
	require.Len(t, week.Results, 1)
	assert.Equal(t, kpi.UserID("S1"), week.Results[0].SubjectUserID)
	assert.Empty(t, week.Compliance)

	month, err := f.eng.GetMonth(f.ctx, staff, "2025-06")
	require.NoError(t, err)
	require.Len(t, month.Results, 1)
	assert.Equal(t, kpi.UserID("S1"), month.Results[0].SubjectUserID)

	_, err = f.eng.SubjectState(f.ctx, staff, "S1")
	require.NoError(t, err)
	_, err = f.eng.SubjectState(f.ctx, staff, "S2")
	assert.ErrorIs(t, err, generic.ErrForbidden)

	// AND: admins see everything
	month, err = f.eng.GetMonth(f.ctx, hr, "2025-06")
	require.NoError(t, err)
	assert.Len(t, month.Results, 2)

	// AND: anonymous callers see nothing
	anon := kpi.Actor{}
	_, err = f.eng.GetWeek(f.ctx, anon, "2025-06-06")
	assert.ErrorIs(t, err, generic.ErrForbidden)
	_, err = f.eng.GetMonth(f.ctx, anon, "2025-06")
	assert.ErrorIs(t, err, generic.ErrForbidden)
	_, err = f.eng.SubjectState(f.ctx, anon, "S1")
	assert.ErrorIs(t, err, generic.ErrForbidden)
}
