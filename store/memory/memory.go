/*
Package memory provides an in-memory kpi.TxStore for tests and demos.

PURPOSE:
  Same semantics as store/sqlite without a database: upserts on natural
  keys, first-writer-wins period creation, EventID dedupe for intents and
  (nil, nil) for missing rows.

TRANSACTIONS:
  WithTx holds the write lock for the whole callback and snapshots every
  map first. A failing callback restores the snapshot, so nothing it wrote
  is visible afterwards.

SEE ALSO:
  - kpi/store.go: the interfaces implemented here
  - store/sqlite: the production store
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// STATE - Unlocked maps; every Store method is implemented here
// =============================================================================

type pairKey struct {
	A kpi.UserID
	B kpi.UserID
}

type monthSubject struct {
	MonthID string
	Subject kpi.UserID
}

type ledgerKey struct {
	MonthlyResultID string
	EntryType       kpi.EntryType
}

type state struct {
	weeks       map[string]kpi.Week // by week key
	months      map[string]kpi.Month
	assignments map[pairKey]kpi.Assignment // (marker, subject)
	submissions map[string][]kpi.Submission
	weekly      map[string]map[kpi.UserID]kpi.WeeklyResult
	compliance  map[string]map[kpi.UserID]kpi.AdminCompliance
	monthly     map[string]kpi.MonthlyResult // by id
	monthlyKey  map[monthSubject]string
	states      map[kpi.UserID]kpi.SubjectMonthState
	ledger      map[ledgerKey]kpi.FundLogEntry
	intents     []kpi.NotificationIntent
	eventIDs    map[string]bool
}

func newState() *state {
	return &state{
		weeks:       make(map[string]kpi.Week),
		months:      make(map[string]kpi.Month),
		assignments: make(map[pairKey]kpi.Assignment),
		submissions: make(map[string][]kpi.Submission),
		weekly:      make(map[string]map[kpi.UserID]kpi.WeeklyResult),
		compliance:  make(map[string]map[kpi.UserID]kpi.AdminCompliance),
		monthly:     make(map[string]kpi.MonthlyResult),
		monthlyKey:  make(map[monthSubject]string),
		states:      make(map[kpi.UserID]kpi.SubjectMonthState),
		ledger:      make(map[ledgerKey]kpi.FundLogEntry),
		eventIDs:    make(map[string]bool),
	}
}

// clone deep-copies the maps. Stored values are never mutated in place,
// so a shallow copy of each value is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.weeks {
		c.weeks[k] = v
	}
	for k, v := range s.months {
		c.months[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.submissions {
		c.submissions[k] = append([]kpi.Submission(nil), v...)
	}
	for k, v := range s.weekly {
		m := make(map[kpi.UserID]kpi.WeeklyResult, len(v))
		for kk, vv := range v {
			m[kk] = vv
		}
		c.weekly[k] = m
	}
	for k, v := range s.compliance {
		m := make(map[kpi.UserID]kpi.AdminCompliance, len(v))
		for kk, vv := range v {
			m[kk] = vv
		}
		c.compliance[k] = m
	}
	for k, v := range s.monthly {
		c.monthly[k] = v
	}
	for k, v := range s.monthlyKey {
		c.monthlyKey[k] = v
	}
	for k, v := range s.states {
		c.states[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	c.intents = append([]kpi.NotificationIntent(nil), s.intents...)
	for k, v := range s.eventIDs {
		c.eventIDs[k] = v
	}
	return c
}

// --- periods ---

func (s *state) GetWeek(_ context.Context, weekKey string) (*kpi.Week, error) {
	w, ok := s.weeks[weekKey]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *state) ListWeeks(_ context.Context, weekKeys []string) ([]kpi.Week, error) {
	var out []kpi.Week
	for _, k := range weekKeys {
		if w, ok := s.weeks[k]; ok {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekKey < out[j].WeekKey })
	return out, nil
}

func (s *state) CreateWeek(_ context.Context, w kpi.Week) error {
	if _, ok := s.weeks[w.WeekKey]; !ok {
		s.weeks[w.WeekKey] = w
	}
	return nil
}

func (s *state) SaveWeek(_ context.Context, w kpi.Week) error {
	if _, ok := s.weeks[w.WeekKey]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrWeekNotFound, w.WeekKey)
	}
	s.weeks[w.WeekKey] = w
	return nil
}

func (s *state) GetMonth(_ context.Context, monthKey string) (*kpi.Month, error) {
	m, ok := s.months[monthKey]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *state) GetMonthByID(_ context.Context, id string) (*kpi.Month, error) {
	for _, m := range s.months {
		if m.ID == id {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (s *state) CreateMonth(_ context.Context, m kpi.Month) error {
	if _, ok := s.months[m.MonthKey]; !ok {
		s.months[m.MonthKey] = m
	}
	return nil
}

func (s *state) SaveMonth(_ context.Context, m kpi.Month) error {
	if _, ok := s.months[m.MonthKey]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrMonthNotFound, m.MonthKey)
	}
	s.months[m.MonthKey] = m
	return nil
}

// --- evaluations ---

func (s *state) ListActiveAssignments(_ context.Context) ([]kpi.Assignment, error) {
	var out []kpi.Assignment
	for _, a := range s.assignments {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarkerAdminID != out[j].MarkerAdminID {
			return out[i].MarkerAdminID < out[j].MarkerAdminID
		}
		return out[i].SubjectUserID < out[j].SubjectUserID
	})
	return out, nil
}

func (s *state) SaveAssignment(_ context.Context, a kpi.Assignment) error {
	s.assignments[pairKey{A: a.MarkerAdminID, B: a.SubjectUserID}] = a
	return nil
}

func (s *state) ListSubmissions(_ context.Context, weekID string) ([]kpi.Submission, error) {
	return append([]kpi.Submission(nil), s.submissions[weekID]...), nil
}

func (s *state) InsertSubmission(_ context.Context, sub kpi.Submission) error {
	for _, existing := range s.submissions[sub.WeekID] {
		if existing.SubjectUserID == sub.SubjectUserID && existing.MarkerAdminID == sub.MarkerAdminID {
			return fmt.Errorf("%w: %s by %s", generic.ErrDuplicateSubmission, sub.SubjectUserID, sub.MarkerAdminID)
		}
	}
	s.submissions[sub.WeekID] = append(s.submissions[sub.WeekID], sub)
	return nil
}

// --- derived rows ---

func (s *state) ReplaceWeeklyResults(_ context.Context, weekID string, rows []kpi.WeeklyResult) error {
	m := make(map[kpi.UserID]kpi.WeeklyResult, len(rows))
	for _, r := range rows {
		m[r.SubjectUserID] = r
	}
	s.weekly[weekID] = m
	return nil
}

func (s *state) ListWeeklyResults(_ context.Context, weekIDs []string) ([]kpi.WeeklyResult, error) {
	var out []kpi.WeeklyResult
	for _, id := range weekIDs {
		for _, r := range s.weekly[id] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeekID != out[j].WeekID {
			return out[i].WeekID < out[j].WeekID
		}
		return out[i].SubjectUserID < out[j].SubjectUserID
	})
	return out, nil
}

func (s *state) ReplaceAdminCompliance(_ context.Context, weekID string, rows []kpi.AdminCompliance) error {
	m := make(map[kpi.UserID]kpi.AdminCompliance, len(rows))
	for _, r := range rows {
		m[r.AdminUserID] = r
	}
	s.compliance[weekID] = m
	return nil
}

func (s *state) ListAdminCompliance(_ context.Context, weekID string) ([]kpi.AdminCompliance, error) {
	var out []kpi.AdminCompliance
	for _, r := range s.compliance[weekID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdminUserID < out[j].AdminUserID })
	return out, nil
}

func (s *state) GetMonthlyResult(_ context.Context, id string) (*kpi.MonthlyResult, error) {
	r, ok := s.monthly[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) FindMonthlyResult(ctx context.Context, monthID string, subject kpi.UserID) (*kpi.MonthlyResult, error) {
	id, ok := s.monthlyKey[monthSubject{MonthID: monthID, Subject: subject}]
	if !ok {
		return nil, nil
	}
	return s.GetMonthlyResult(ctx, id)
}

func (s *state) ListMonthlyResults(_ context.Context, monthID string) ([]kpi.MonthlyResult, error) {
	var out []kpi.MonthlyResult
	for _, r := range s.monthly {
		if r.MonthID == monthID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectUserID < out[j].SubjectUserID })
	return out, nil
}

func (s *state) UpsertMonthlyResult(_ context.Context, r kpi.MonthlyResult) error {
	k := monthSubject{MonthID: r.MonthID, Subject: r.SubjectUserID}
	if id, ok := s.monthlyKey[k]; ok {
		r.ID = id
		r.GiftAmount = s.monthly[id].GiftAmount
	}
	s.monthly[r.ID] = r
	s.monthlyKey[k] = r.ID
	return nil
}

func (s *state) UpdateGiftAmount(_ context.Context, id string, amount decimal.NullDecimal) error {
	r, ok := s.monthly[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrMonthlyResultNotFound, id)
	}
	r.GiftAmount = amount
	s.monthly[id] = r
	return nil
}

func (s *state) GetSubjectMonthState(_ context.Context, subject kpi.UserID) (*kpi.SubjectMonthState, error) {
	st, ok := s.states[subject]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) SaveSubjectMonthState(_ context.Context, st kpi.SubjectMonthState) error {
	s.states[st.SubjectUserID] = st
	return nil
}

// --- ledger ---

func (s *state) GetLedgerEntry(_ context.Context, monthlyResultID string, t kpi.EntryType) (*kpi.FundLogEntry, error) {
	e, ok := s.ledger[ledgerKey{MonthlyResultID: monthlyResultID, EntryType: t}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *state) SaveLedgerEntry(_ context.Context, e kpi.FundLogEntry) error {
	k := ledgerKey{MonthlyResultID: e.MonthlyResultID, EntryType: e.EntryType}
	if existing, ok := s.ledger[k]; ok {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	}
	s.ledger[k] = e
	return nil
}

func (s *state) DeleteLedgerEntry(_ context.Context, monthlyResultID string, t kpi.EntryType) error {
	delete(s.ledger, ledgerKey{MonthlyResultID: monthlyResultID, EntryType: t})
	return nil
}

func (s *state) ListLedgerEntries(_ context.Context, f kpi.LedgerFilter) ([]kpi.FundLogEntry, error) {
	var out []kpi.FundLogEntry
	for _, e := range s.ledger {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- outbox ---

func (s *state) AppendIntents(_ context.Context, intents []kpi.NotificationIntent) error {
	for _, in := range intents {
		if s.eventIDs[in.EventID] {
			continue
		}
		s.eventIDs[in.EventID] = true
		s.intents = append(s.intents, in)
	}
	return nil
}

func (s *state) ClaimIntents(_ context.Context, now, lockCutoff time.Time, limit, maxAttempts int) ([]kpi.NotificationIntent, error) {
	var idx []int
	for i, in := range s.intents {
		if in.PublishedAt != nil || in.Dead || in.AvailableAt.After(now) {
			continue
		}
		if in.LockedAt != nil && !in.LockedAt.Before(lockCutoff) {
			continue
		}
		if maxAttempts > 0 && in.Attempts >= maxAttempts {
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.intents[idx[a]].AvailableAt.Before(s.intents[idx[b]].AvailableAt)
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}

	out := make([]kpi.NotificationIntent, 0, len(idx))
	for _, i := range idx {
		locked := now
		s.intents[i].LockedAt = &locked
		s.intents[i].Attempts++
		out = append(out, s.intents[i])
	}
	return out, nil
}

func (s *state) intent(id string) (*kpi.NotificationIntent, error) {
	for i := range s.intents {
		if s.intents[i].ID == id {
			return &s.intents[i], nil
		}
	}
	return nil, fmt.Errorf("intent %s: %w", id, generic.ErrNotFound)
}

func (s *state) AckIntent(_ context.Context, id string, at time.Time) error {
	in, err := s.intent(id)
	if err != nil {
		return err
	}
	published := at
	in.PublishedAt = &published
	in.LockedAt = nil
	in.LastError = ""
	return nil
}

func (s *state) NackIntent(_ context.Context, id, lastError string, next time.Time) error {
	in, err := s.intent(id)
	if err != nil {
		return err
	}
	in.LastError = lastError
	in.AvailableAt = next
	in.LockedAt = nil
	return nil
}

func (s *state) DeadIntent(_ context.Context, id, lastError string) error {
	in, err := s.intent(id)
	if err != nil {
		return err
	}
	in.Dead = true
	in.LastError = lastError
	in.LockedAt = nil
	return nil
}

func (s *state) CountPendingIntents(_ context.Context) (int, error) {
	n := 0
	for _, in := range s.intents {
		if in.PublishedAt == nil && !in.Dead {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// MEMORY STORE - Locks around state
// =============================================================================

// Memory is a goroutine-safe in-memory kpi.TxStore.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

var _ kpi.TxStore = (*Memory)(nil)

// New returns an empty store.
func New() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error; fn holds the store lock.
func (m *Memory) WithTx(ctx context.Context, fn func(kpi.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// Intents returns every queued intent in append order.
func (m *Memory) Intents() []kpi.NotificationIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]kpi.NotificationIntent(nil), m.s.intents...)
}

func (m *Memory) GetWeek(ctx context.Context, weekKey string) (*kpi.Week, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetWeek(ctx, weekKey)
}

func (m *Memory) ListWeeks(ctx context.Context, weekKeys []string) ([]kpi.Week, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListWeeks(ctx, weekKeys)
}

func (m *Memory) CreateWeek(ctx context.Context, w kpi.Week) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateWeek(ctx, w)
}

func (m *Memory) SaveWeek(ctx context.Context, w kpi.Week) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveWeek(ctx, w)
}

func (m *Memory) GetMonth(ctx context.Context, monthKey string) (*kpi.Month, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetMonth(ctx, monthKey)
}

func (m *Memory) GetMonthByID(ctx context.Context, id string) (*kpi.Month, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetMonthByID(ctx, id)
}

func (m *Memory) CreateMonth(ctx context.Context, mo kpi.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateMonth(ctx, mo)
}

func (m *Memory) SaveMonth(ctx context.Context, mo kpi.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveMonth(ctx, mo)
}

func (m *Memory) ListActiveAssignments(ctx context.Context) ([]kpi.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListActiveAssignments(ctx)
}

func (m *Memory) SaveAssignment(ctx context.Context, a kpi.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveAssignment(ctx, a)
}

func (m *Memory) ListSubmissions(ctx context.Context, weekID string) ([]kpi.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListSubmissions(ctx, weekID)
}

func (m *Memory) InsertSubmission(ctx context.Context, sub kpi.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertSubmission(ctx, sub)
}

func (m *Memory) ReplaceWeeklyResults(ctx context.Context, weekID string, rows []kpi.WeeklyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ReplaceWeeklyResults(ctx, weekID, rows)
}

func (m *Memory) ListWeeklyResults(ctx context.Context, weekIDs []string) ([]kpi.WeeklyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListWeeklyResults(ctx, weekIDs)
}

func (m *Memory) ReplaceAdminCompliance(ctx context.Context, weekID string, rows []kpi.AdminCompliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ReplaceAdminCompliance(ctx, weekID, rows)
}

func (m *Memory) ListAdminCompliance(ctx context.Context, weekID string) ([]kpi.AdminCompliance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListAdminCompliance(ctx, weekID)
}

func (m *Memory) GetMonthlyResult(ctx context.Context, id string) (*kpi.MonthlyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetMonthlyResult(ctx, id)
}

func (m *Memory) FindMonthlyResult(ctx context.Context, monthID string, subject kpi.UserID) (*kpi.MonthlyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.FindMonthlyResult(ctx, monthID, subject)
}

func (m *Memory) ListMonthlyResults(ctx context.Context, monthID string) ([]kpi.MonthlyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListMonthlyResults(ctx, monthID)
}

func (m *Memory) UpsertMonthlyResult(ctx context.Context, r kpi.MonthlyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpsertMonthlyResult(ctx, r)
}

func (m *Memory) UpdateGiftAmount(ctx context.Context, id string, amount decimal.NullDecimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateGiftAmount(ctx, id, amount)
}

func (m *Memory) GetSubjectMonthState(ctx context.Context, subject kpi.UserID) (*kpi.SubjectMonthState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetSubjectMonthState(ctx, subject)
}

func (m *Memory) SaveSubjectMonthState(ctx context.Context, st kpi.SubjectMonthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveSubjectMonthState(ctx, st)
}

func (m *Memory) GetLedgerEntry(ctx context.Context, monthlyResultID string, t kpi.EntryType) (*kpi.FundLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetLedgerEntry(ctx, monthlyResultID, t)
}

func (m *Memory) SaveLedgerEntry(ctx context.Context, e kpi.FundLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveLedgerEntry(ctx, e)
}

func (m *Memory) ListLedgerEntries(ctx context.Context, f kpi.LedgerFilter) ([]kpi.FundLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListLedgerEntries(ctx, f)
}

func (m *Memory) DeleteLedgerEntry(ctx context.Context, monthlyResultID string, t kpi.EntryType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeleteLedgerEntry(ctx, monthlyResultID, t)
}

func (m *Memory) AppendIntents(ctx context.Context, intents []kpi.NotificationIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendIntents(ctx, intents)
}

func (m *Memory) ClaimIntents(ctx context.Context, now, lockCutoff time.Time, limit, maxAttempts int) ([]kpi.NotificationIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ClaimIntents(ctx, now, lockCutoff, limit, maxAttempts)
}

func (m *Memory) AckIntent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AckIntent(ctx, id, at)
}

func (m *Memory) NackIntent(ctx context.Context, id, lastError string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.NackIntent(ctx, id, lastError, next)
}

func (m *Memory) DeadIntent(ctx context.Context, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeadIntent(ctx, id, lastError)
}

func (m *Memory) CountPendingIntents(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.CountPendingIntents(ctx)
}
