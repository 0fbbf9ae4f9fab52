/*
Package sqlite provides a SQLite-backed implementation of kpi.TxStore.

PURPOSE:
  Persists periods, evaluation inputs, derived rows, the fund ledger and
  the notification outbox. In production, the same patterns apply to
  PostgreSQL with minor SQL dialect differences.

NATURAL KEYS:
  Every derived row has a UNIQUE index on its natural key and is written
  with INSERT ... ON CONFLICT DO UPDATE, so recomputes overwrite rather
  than duplicate:

    weeks(week_key)                          months(month_key)
    submissions(week_id, subject, marker)    weekly_results(week_id, subject)
    admin_compliance(week_id, admin)         monthly_results(month_id, subject)
    fund_log_entries(monthly_result_id, entry_type)
    notification_intents(event_id)

VALUES:
  Scores and money are TEXT decimals (shopspring/decimal implements
  sql.Scanner and driver.Valuer). Times are fixed-width UTC TEXT, so
  string comparison in SQL orders them correctly.

CONCURRENCY:
  The pool is limited to one connection. A WithTx callback owns that
  connection until it commits; every query it makes goes through the
  *sql.Tx. This also keeps ":memory:" databases on a single connection.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - kpi/store.go: interface definitions
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements kpi.Store over a querier.
type conn struct {
	q querier
}

var _ kpi.Store = (*conn)(nil)

// Store implements kpi.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var _ kpi.TxStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{conn: &conn{q: db}, db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS weeks (
		id TEXT PRIMARY KEY,
		week_key TEXT NOT NULL UNIQUE,
		friday_date TEXT NOT NULL,
		status TEXT NOT NULL,
		locked_at TEXT,
		locked_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS months (
		id TEXT PRIMARY KEY,
		month_key TEXT NOT NULL UNIQUE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		locked_at TEXT,
		locked_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS assignments (
		marker_admin_id TEXT NOT NULL,
		subject_user_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (marker_admin_id, subject_user_id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		week_id TEXT NOT NULL REFERENCES weeks(id),
		subject_user_id TEXT NOT NULL,
		marker_admin_id TEXT NOT NULL,
		scores_json TEXT NOT NULL,
		total_score TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		UNIQUE (week_id, subject_user_id, marker_admin_id)
	);

	CREATE TABLE IF NOT EXISTS weekly_results (
		week_id TEXT NOT NULL REFERENCES weeks(id),
		subject_user_id TEXT NOT NULL,
		weekly_avg_score TEXT NOT NULL,
		expected_markers_count INTEGER NOT NULL,
		submitted_markers_count INTEGER NOT NULL,
		is_complete INTEGER NOT NULL,
		PRIMARY KEY (week_id, subject_user_id)
	);

	CREATE TABLE IF NOT EXISTS admin_compliance (
		week_id TEXT NOT NULL REFERENCES weeks(id),
		admin_user_id TEXT NOT NULL,
		expected_count INTEGER NOT NULL,
		submitted_count INTEGER NOT NULL,
		missed_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (week_id, admin_user_id)
	);

	CREATE TABLE IF NOT EXISTS monthly_results (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL REFERENCES months(id),
		subject_user_id TEXT NOT NULL,
		monthly_score TEXT NOT NULL,
		tier TEXT NOT NULL,
		action_type TEXT NOT NULL,
		base_fine TEXT NOT NULL,
		month_fine_count INTEGER NOT NULL,
		final_fine TEXT NOT NULL,
		gift_amount TEXT,
		weeks_count_used INTEGER NOT NULL,
		expected_weeks_count INTEGER NOT NULL,
		is_complete_month INTEGER NOT NULL,
		computed_at TEXT NOT NULL,
		UNIQUE (month_id, subject_user_id)
	);

	CREATE TABLE IF NOT EXISTS subject_month_state (
		subject_user_id TEXT PRIMARY KEY,
		last_month_key TEXT NOT NULL,
		last_month_tier TEXT NOT NULL,
		consecutive_improvement_months INTEGER NOT NULL,
		consecutive_fine_months INTEGER NOT NULL,
		prior_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fund_log_entries (
		id TEXT PRIMARY KEY,
		monthly_result_id TEXT NOT NULL REFERENCES monthly_results(id),
		month_id TEXT NOT NULL,
		subject_user_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		status TEXT NOT NULL,
		expected_amount TEXT NOT NULL,
		actual_amount TEXT,
		note TEXT NOT NULL DEFAULT '',
		marked_by_admin_id TEXT NOT NULL DEFAULT '',
		marked_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (monthly_result_id, entry_type)
	);

	CREATE INDEX IF NOT EXISTS idx_fund_log_entries_month
		ON fund_log_entries(month_id);
	CREATE INDEX IF NOT EXISTS idx_fund_log_entries_subject
		ON fund_log_entries(subject_user_id);

	CREATE TABLE IF NOT EXISTS notification_intents (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		available_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		locked_at TEXT,
		published_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		dead INTEGER NOT NULL DEFAULT 0
	);

	-- Relay hot path: undelivered intents by availability
	CREATE INDEX IF NOT EXISTS idx_notification_intents_pending
		ON notification_intents(available_at)
		WHERE published_at IS NULL AND dead = 0;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (kpi.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(kpi.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Multi-statement writes made outside WithTx still run atomically.

func (s *Store) ReplaceWeeklyResults(ctx context.Context, weekID string, rows []kpi.WeeklyResult) error {
	return s.WithTx(ctx, func(st kpi.Store) error { return st.ReplaceWeeklyResults(ctx, weekID, rows) })
}

func (s *Store) ReplaceAdminCompliance(ctx context.Context, weekID string, rows []kpi.AdminCompliance) error {
	return s.WithTx(ctx, func(st kpi.Store) error { return st.ReplaceAdminCompliance(ctx, weekID, rows) })
}

func (s *Store) AppendIntents(ctx context.Context, intents []kpi.NotificationIntent) error {
	return s.WithTx(ctx, func(st kpi.Store) error { return st.AppendIntents(ctx, intents) })
}

func (s *Store) ClaimIntents(ctx context.Context, now, lockCutoff time.Time, limit, maxAttempts int) ([]kpi.NotificationIntent, error) {
	var out []kpi.NotificationIntent
	err := s.WithTx(ctx, func(st kpi.Store) error {
		var err error
		out, err = st.ClaimIntents(ctx, now, lockCutoff, limit, maxAttempts)
		return err
	})
	return out, err
}

// =============================================================================
// PERIODS
// =============================================================================

const weekColumns = `id, week_key, friday_date, status, locked_at, locked_by`

func (c *conn) GetWeek(ctx context.Context, weekKey string) (*kpi.Week, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+weekColumns+` FROM weeks WHERE week_key = ?`, weekKey)
	w, err := scanWeek(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *conn) ListWeeks(ctx context.Context, weekKeys []string) ([]kpi.Week, error) {
	if len(weekKeys) == 0 {
		return nil, nil
	}
	q := `SELECT ` + weekColumns + ` FROM weeks WHERE week_key IN (` + placeholders(len(weekKeys)) + `) ORDER BY week_key`
	rows, err := c.q.QueryContext(ctx, q, stringArgs(weekKeys)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query weeks: %w", err)
	}
	defer rows.Close()

	var out []kpi.Week
	for rows.Next() {
		w, err := scanWeek(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (c *conn) CreateWeek(ctx context.Context, w kpi.Week) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO weeks (`+weekColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(week_key) DO NOTHING`,
		w.ID, w.WeekKey, w.FridayDate.Format(generic.DateLayout), w.Status, nullTime(w.LockedAt), string(w.LockedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to create week: %w", err)
	}
	return nil
}

func (c *conn) SaveWeek(ctx context.Context, w kpi.Week) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE weeks SET status = ?, locked_at = ?, locked_by = ? WHERE week_key = ?`,
		w.Status, nullTime(w.LockedAt), string(w.LockedBy), w.WeekKey,
	)
	if err != nil {
		return fmt.Errorf("failed to save week: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrWeekNotFound, w.WeekKey)
	}
	return nil
}

const monthColumns = `id, month_key, start_date, end_date, status, locked_at, locked_by`

func (c *conn) GetMonth(ctx context.Context, monthKey string) (*kpi.Month, error) {
	return c.getMonth(ctx, `month_key = ?`, monthKey)
}

func (c *conn) GetMonthByID(ctx context.Context, id string) (*kpi.Month, error) {
	return c.getMonth(ctx, `id = ?`, id)
}

func (c *conn) getMonth(ctx context.Context, where string, arg string) (*kpi.Month, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+monthColumns+` FROM months WHERE `+where, arg)
	var (
		m          kpi.Month
		start, end string
		lockedAt   sql.NullString
		lockedBy   string
	)
	err := row.Scan(&m.ID, &m.MonthKey, &start, &end, &m.Status, &lockedAt, &lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan month: %w", err)
	}
	m.StartDate = parseDate(start)
	m.EndDate = parseDate(end)
	m.LockedAt = parseNullTime(lockedAt)
	m.LockedBy = kpi.UserID(lockedBy)
	return &m, nil
}

func (c *conn) CreateMonth(ctx context.Context, m kpi.Month) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO months (`+monthColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(month_key) DO NOTHING`,
		m.ID, m.MonthKey, m.StartDate.Format(generic.DateLayout), m.EndDate.Format(generic.DateLayout),
		m.Status, nullTime(m.LockedAt), string(m.LockedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to create month: %w", err)
	}
	return nil
}

func (c *conn) SaveMonth(ctx context.Context, m kpi.Month) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE months SET status = ?, locked_at = ?, locked_by = ? WHERE month_key = ?`,
		m.Status, nullTime(m.LockedAt), string(m.LockedBy), m.MonthKey,
	)
	if err != nil {
		return fmt.Errorf("failed to save month: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrMonthNotFound, m.MonthKey)
	}
	return nil
}

// =============================================================================
// EVALUATIONS
// =============================================================================

func (c *conn) ListActiveAssignments(ctx context.Context) ([]kpi.Assignment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT marker_admin_id, subject_user_id FROM assignments
		WHERE is_active = 1
		ORDER BY marker_admin_id, subject_user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []kpi.Assignment
	for rows.Next() {
		a := kpi.Assignment{IsActive: true}
		if err := rows.Scan(&a.MarkerAdminID, &a.SubjectUserID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *conn) SaveAssignment(ctx context.Context, a kpi.Assignment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO assignments (marker_admin_id, subject_user_id, is_active) VALUES (?, ?, ?)
		ON CONFLICT(marker_admin_id, subject_user_id) DO UPDATE SET is_active = excluded.is_active`,
		string(a.MarkerAdminID), string(a.SubjectUserID), a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

func (c *conn) ListSubmissions(ctx context.Context, weekID string) ([]kpi.Submission, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, week_id, subject_user_id, marker_admin_id, scores_json, total_score, submitted_at
		FROM submissions WHERE week_id = ?
		ORDER BY subject_user_id, marker_admin_id`, weekID)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var out []kpi.Submission
	for rows.Next() {
		var (
			s           kpi.Submission
			scoresJSON  string
			submittedAt string
		)
		if err := rows.Scan(&s.ID, &s.WeekID, &s.SubjectUserID, &s.MarkerAdminID, &scoresJSON, &s.TotalScore, &submittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(scoresJSON), &s.PerCriterionScores); err != nil {
			return nil, fmt.Errorf("failed to decode scores of submission %s: %w", s.ID, err)
		}
		s.SubmittedAt = parseTime(submittedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *conn) InsertSubmission(ctx context.Context, s kpi.Submission) error {
	scores, err := json.Marshal(s.PerCriterionScores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO submissions (id, week_id, subject_user_id, marker_admin_id, scores_json, total_score, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WeekID, string(s.SubjectUserID), string(s.MarkerAdminID), string(scores), s.TotalScore, formatTime(s.SubmittedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s by %s", generic.ErrDuplicateSubmission, s.SubjectUserID, s.MarkerAdminID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED ROWS
// =============================================================================

func (c *conn) ReplaceWeeklyResults(ctx context.Context, weekID string, rows []kpi.WeeklyResult) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM weekly_results WHERE week_id = ?`, weekID); err != nil {
		return fmt.Errorf("failed to clear weekly results: %w", err)
	}
	for _, r := range rows {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO weekly_results
				(week_id, subject_user_id, weekly_avg_score, expected_markers_count, submitted_markers_count, is_complete)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(week_id, subject_user_id) DO UPDATE SET
				weekly_avg_score = excluded.weekly_avg_score,
				expected_markers_count = excluded.expected_markers_count,
				submitted_markers_count = excluded.submitted_markers_count,
				is_complete = excluded.is_complete`,
			weekID, string(r.SubjectUserID), r.WeeklyAvgScore, r.ExpectedMarkersCount, r.SubmittedMarkersCount, r.IsComplete,
		)
		if err != nil {
			return fmt.Errorf("failed to write weekly result %s: %w", r.SubjectUserID, err)
		}
	}
	return nil
}

func (c *conn) ListWeeklyResults(ctx context.Context, weekIDs []string) ([]kpi.WeeklyResult, error) {
	if len(weekIDs) == 0 {
		return nil, nil
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT week_id, subject_user_id, weekly_avg_score, expected_markers_count, submitted_markers_count, is_complete
		FROM weekly_results WHERE week_id IN (`+placeholders(len(weekIDs))+`)
		ORDER BY week_id, subject_user_id`, stringArgs(weekIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly results: %w", err)
	}
	defer rows.Close()

	var out []kpi.WeeklyResult
	for rows.Next() {
		var r kpi.WeeklyResult
		if err := rows.Scan(&r.WeekID, &r.SubjectUserID, &r.WeeklyAvgScore, &r.ExpectedMarkersCount, &r.SubmittedMarkersCount, &r.IsComplete); err != nil {
			return nil, fmt.Errorf("failed to scan weekly result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) ReplaceAdminCompliance(ctx context.Context, weekID string, rows []kpi.AdminCompliance) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM admin_compliance WHERE week_id = ?`, weekID); err != nil {
		return fmt.Errorf("failed to clear admin compliance: %w", err)
	}
	for _, r := range rows {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO admin_compliance
				(week_id, admin_user_id, expected_count, submitted_count, missed_count, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(week_id, admin_user_id) DO UPDATE SET
				expected_count = excluded.expected_count,
				submitted_count = excluded.submitted_count,
				missed_count = excluded.missed_count,
				status = excluded.status`,
			weekID, string(r.AdminUserID), r.ExpectedCount, r.SubmittedCount, r.MissedCount, r.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to write compliance %s: %w", r.AdminUserID, err)
		}
	}
	return nil
}

func (c *conn) ListAdminCompliance(ctx context.Context, weekID string) ([]kpi.AdminCompliance, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT week_id, admin_user_id, expected_count, submitted_count, missed_count, status
		FROM admin_compliance WHERE week_id = ?
		ORDER BY admin_user_id`, weekID)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin compliance: %w", err)
	}
	defer rows.Close()

	var out []kpi.AdminCompliance
	for rows.Next() {
		var r kpi.AdminCompliance
		if err := rows.Scan(&r.WeekID, &r.AdminUserID, &r.ExpectedCount, &r.SubmittedCount, &r.MissedCount, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan compliance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const monthlyColumns = `id, month_id, subject_user_id, monthly_score, tier, action_type, base_fine,
	month_fine_count, final_fine, gift_amount, weeks_count_used, expected_weeks_count,
	is_complete_month, computed_at`

func (c *conn) GetMonthlyResult(ctx context.Context, id string) (*kpi.MonthlyResult, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+monthlyColumns+` FROM monthly_results WHERE id = ?`, id)
	return oneMonthly(row)
}

func (c *conn) FindMonthlyResult(ctx context.Context, monthID string, subject kpi.UserID) (*kpi.MonthlyResult, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+monthlyColumns+` FROM monthly_results WHERE month_id = ? AND subject_user_id = ?`,
		monthID, string(subject))
	return oneMonthly(row)
}

func oneMonthly(row *sql.Row) (*kpi.MonthlyResult, error) {
	r, err := scanMonthly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *conn) ListMonthlyResults(ctx context.Context, monthID string) ([]kpi.MonthlyResult, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+monthlyColumns+` FROM monthly_results WHERE month_id = ? ORDER BY subject_user_id`, monthID)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly results: %w", err)
	}
	defer rows.Close()

	var out []kpi.MonthlyResult
	for rows.Next() {
		r, err := scanMonthly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) UpsertMonthlyResult(ctx context.Context, r kpi.MonthlyResult) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO monthly_results (`+monthlyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(month_id, subject_user_id) DO UPDATE SET
			monthly_score = excluded.monthly_score,
			tier = excluded.tier,
			action_type = excluded.action_type,
			base_fine = excluded.base_fine,
			month_fine_count = excluded.month_fine_count,
			final_fine = excluded.final_fine,
			weeks_count_used = excluded.weeks_count_used,
			expected_weeks_count = excluded.expected_weeks_count,
			is_complete_month = excluded.is_complete_month,
			computed_at = excluded.computed_at`,
		r.ID, r.MonthID, string(r.SubjectUserID), r.MonthlyScore, r.Tier, r.ActionType, r.BaseFine,
		r.MonthFineCount, r.FinalFine, r.GiftAmount, r.WeeksCountUsed, r.ExpectedWeeksCount,
		r.IsCompleteMonth, formatTime(r.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert monthly result: %w", err)
	}
	return nil
}

func (c *conn) UpdateGiftAmount(ctx context.Context, id string, amount decimal.NullDecimal) error {
	res, err := c.q.ExecContext(ctx, `UPDATE monthly_results SET gift_amount = ? WHERE id = ?`, amount, id)
	if err != nil {
		return fmt.Errorf("failed to update gift amount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrMonthlyResultNotFound, id)
	}
	return nil
}

func (c *conn) GetSubjectMonthState(ctx context.Context, subject kpi.UserID) (*kpi.SubjectMonthState, error) {
	var (
		st        kpi.SubjectMonthState
		priorJSON string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT subject_user_id, last_month_key, last_month_tier,
		       consecutive_improvement_months, consecutive_fine_months, prior_json
		FROM subject_month_state WHERE subject_user_id = ?`, string(subject),
	).Scan(&st.SubjectUserID, &st.LastMonthKey, &st.LastMonthTier,
		&st.ConsecutiveImprovementMonths, &st.ConsecutiveFineMonths, &priorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan month state: %w", err)
	}
	if err := json.Unmarshal([]byte(priorJSON), &st.Prior); err != nil {
		return nil, fmt.Errorf("failed to decode prior standing: %w", err)
	}
	return &st, nil
}

func (c *conn) SaveSubjectMonthState(ctx context.Context, st kpi.SubjectMonthState) error {
	prior, err := json.Marshal(st.Prior)
	if err != nil {
		return fmt.Errorf("failed to encode prior standing: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO subject_month_state
			(subject_user_id, last_month_key, last_month_tier, consecutive_improvement_months, consecutive_fine_months, prior_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_user_id) DO UPDATE SET
			last_month_key = excluded.last_month_key,
			last_month_tier = excluded.last_month_tier,
			consecutive_improvement_months = excluded.consecutive_improvement_months,
			consecutive_fine_months = excluded.consecutive_fine_months,
			prior_json = excluded.prior_json`,
		string(st.SubjectUserID), st.LastMonthKey, st.LastMonthTier,
		st.ConsecutiveImprovementMonths, st.ConsecutiveFineMonths, string(prior),
	)
	if err != nil {
		return fmt.Errorf("failed to save month state: %w", err)
	}
	return nil
}

// =============================================================================
// FUND LEDGER
// =============================================================================

const ledgerColumns = `id, monthly_result_id, month_id, subject_user_id, entry_type, status,
	expected_amount, actual_amount, note, marked_by_admin_id, marked_at, created_at, updated_at`

func (c *conn) GetLedgerEntry(ctx context.Context, monthlyResultID string, t kpi.EntryType) (*kpi.FundLogEntry, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM fund_log_entries WHERE monthly_result_id = ? AND entry_type = ?`,
		monthlyResultID, t)
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *conn) SaveLedgerEntry(ctx context.Context, e kpi.FundLogEntry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO fund_log_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(monthly_result_id, entry_type) DO UPDATE SET
			status = excluded.status,
			expected_amount = excluded.expected_amount,
			actual_amount = excluded.actual_amount,
			note = excluded.note,
			marked_by_admin_id = excluded.marked_by_admin_id,
			marked_at = excluded.marked_at,
			updated_at = excluded.updated_at`,
		e.ID, e.MonthlyResultID, e.MonthID, string(e.SubjectUserID), e.EntryType, e.Status,
		e.ExpectedAmount, e.ActualAmount, e.Note, string(e.MarkedByAdminID), nullTime(e.MarkedAt),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger entry: %w", err)
	}
	return nil
}

func (c *conn) DeleteLedgerEntry(ctx context.Context, monthlyResultID string, t kpi.EntryType) error {
	_, err := c.q.ExecContext(ctx,
		`DELETE FROM fund_log_entries WHERE monthly_result_id = ? AND entry_type = ?`,
		monthlyResultID, t)
	if err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}
	return nil
}

func (c *conn) ListLedgerEntries(ctx context.Context, f kpi.LedgerFilter) ([]kpi.FundLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.MonthID != "" {
		where = append(where, "month_id = ?")
		args = append(args, f.MonthID)
	}
	if f.SubjectUserID != "" {
		where = append(where, "subject_user_id = ?")
		args = append(args, string(f.SubjectUserID))
	}
	if f.EntryType != "" {
		where = append(where, "entry_type = ?")
		args = append(args, string(f.EntryType))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + ledgerColumns + ` FROM fund_log_entries`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := c.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []kpi.FundLogEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// OUTBOX
// =============================================================================

const intentColumns = `id, event_id, user_id, type, title, message, link, created_at, available_at,
	attempts, locked_at, published_at, last_error, dead`

func (c *conn) AppendIntents(ctx context.Context, intents []kpi.NotificationIntent) error {
	for _, in := range intents {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO notification_intents (`+intentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`,
			in.ID, in.EventID, string(in.UserID), in.Type, in.Title, in.Message, in.Link,
			formatTime(in.CreatedAt), formatTime(in.AvailableAt), in.Attempts,
			nullTime(in.LockedAt), nullTime(in.PublishedAt), in.LastError, in.Dead,
		)
		if err != nil {
			return fmt.Errorf("failed to append intent %s: %w", in.EventID, err)
		}
	}
	return nil
}

func (c *conn) ClaimIntents(ctx context.Context, now, lockCutoff time.Time, limit, maxAttempts int) ([]kpi.NotificationIntent, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM notification_intents
		WHERE published_at IS NULL
		  AND dead = 0
		  AND available_at <= ?
		  AND attempts < ?
		  AND (locked_at IS NULL OR locked_at < ?)
		ORDER BY available_at, created_at, id
		LIMIT ?`,
		formatTime(now), maxAttempts, formatTime(lockCutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox claim select: %w", err)
	}

	var out []kpi.NotificationIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox claim rows: %w", err)
	}

	for i := range out {
		_, err := c.q.ExecContext(ctx,
			`UPDATE notification_intents SET locked_at = ?, attempts = attempts + 1 WHERE id = ?`,
			formatTime(now), out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("outbox claim update: %w", err)
		}
		locked := now
		out[i].LockedAt = &locked
		out[i].Attempts++
	}
	return out, nil
}

func (c *conn) AckIntent(ctx context.Context, id string, at time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE notification_intents
		   SET published_at = ?, locked_at = NULL, last_error = ''
		 WHERE id = ? AND published_at IS NULL`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("outbox ack: %w", err)
	}
	return nil
}

func (c *conn) NackIntent(ctx context.Context, id, lastError string, next time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE notification_intents
		   SET locked_at = NULL, last_error = ?, available_at = ?
		 WHERE id = ? AND published_at IS NULL`, lastError, formatTime(next), id)
	if err != nil {
		return fmt.Errorf("outbox nack: %w", err)
	}
	return nil
}

func (c *conn) DeadIntent(ctx context.Context, id, lastError string) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE notification_intents
		   SET locked_at = NULL, last_error = ?, dead = 1
		 WHERE id = ? AND published_at IS NULL`, lastError, id)
	if err != nil {
		return fmt.Errorf("outbox dead: %w", err)
	}
	return nil
}

func (c *conn) CountPendingIntents(ctx context.Context) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_intents WHERE published_at IS NULL AND dead = 0`).Scan(&n)
	return n, err
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanWeek(row scanner) (kpi.Week, error) {
	var (
		w        kpi.Week
		friday   string
		lockedAt sql.NullString
		lockedBy string
	)
	if err := row.Scan(&w.ID, &w.WeekKey, &friday, &w.Status, &lockedAt, &lockedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan week: %w", err)
	}
	w.FridayDate = parseDate(friday)
	w.LockedAt = parseNullTime(lockedAt)
	w.LockedBy = kpi.UserID(lockedBy)
	return w, nil
}

func scanMonthly(row scanner) (kpi.MonthlyResult, error) {
	var (
		r          kpi.MonthlyResult
		computedAt string
	)
	err := row.Scan(&r.ID, &r.MonthID, &r.SubjectUserID, &r.MonthlyScore, &r.Tier, &r.ActionType, &r.BaseFine,
		&r.MonthFineCount, &r.FinalFine, &r.GiftAmount, &r.WeeksCountUsed, &r.ExpectedWeeksCount,
		&r.IsCompleteMonth, &computedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan monthly result: %w", err)
	}
	r.ComputedAt = parseTime(computedAt)
	return r, nil
}

func scanLedger(row scanner) (kpi.FundLogEntry, error) {
	var (
		e                    kpi.FundLogEntry
		markedBy             string
		markedAt             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.MonthlyResultID, &e.MonthID, &e.SubjectUserID, &e.EntryType, &e.Status,
		&e.ExpectedAmount, &e.ActualAmount, &e.Note, &markedBy, &markedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.MarkedByAdminID = kpi.UserID(markedBy)
	e.MarkedAt = parseNullTime(markedAt)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func scanIntent(row scanner) (kpi.NotificationIntent, error) {
	var (
		in                     kpi.NotificationIntent
		createdAt, availableAt string
		lockedAt, publishedAt  sql.NullString
	)
	err := row.Scan(&in.ID, &in.EventID, &in.UserID, &in.Type, &in.Title, &in.Message, &in.Link,
		&createdAt, &availableAt, &in.Attempts, &lockedAt, &publishedAt, &in.LastError, &in.Dead)
	if err != nil {
		return in, fmt.Errorf("failed to scan intent: %w", err)
	}
	in.CreatedAt = parseTime(createdAt)
	in.AvailableAt = parseTime(availableAt)
	in.LockedAt = parseNullTime(lockedAt)
	in.PublishedAt = parseNullTime(publishedAt)
	return in, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(generic.DateLayout, s)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
