/*
store.go - Persistence interfaces for the KPI engine

PURPOSE:
  Defines the boundary between compute logic and storage. The engine only
  needs read, upsert-on-natural-key and transactional-write semantics; it
  does not care whether the store is relational or in memory.

KEY INTERFACES:
  PeriodStore:     Weeks and Months (lazily created)
  EvaluationStore: Assignments and Submissions (written by collaborators)
  ResultStore:     Weekly/monthly derived rows and subject month state
  LedgerStore:     Fund ledger entries
  OutboxStore:     Notification intents
  TxStore:         All of the above plus WithTx

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row is absent. Callers
  turn that into the precise NotFound error for their operation.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - store/memory: in-memory for tests and demos
*/
package kpi

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodStore persists Weeks and Months.
type PeriodStore interface {
	GetWeek(ctx context.Context, weekKey string) (*Week, error)
	ListWeeks(ctx context.Context, weekKeys []string) ([]Week, error)
	// CreateWeek inserts w unless a week with the same key exists.
	CreateWeek(ctx context.Context, w Week) error
	// SaveWeek updates status fields of an existing week.
	SaveWeek(ctx context.Context, w Week) error

	GetMonth(ctx context.Context, monthKey string) (*Month, error)
	GetMonthByID(ctx context.Context, id string) (*Month, error)
	CreateMonth(ctx context.Context, m Month) error
	SaveMonth(ctx context.Context, m Month) error
}

// EvaluationStore exposes the assignment registry and submissions.
// The compute engines only read from it.
type EvaluationStore interface {
	ListActiveAssignments(ctx context.Context) ([]Assignment, error)
	SaveAssignment(ctx context.Context, a Assignment) error

	ListSubmissions(ctx context.Context, weekID string) ([]Submission, error)
	// InsertSubmission returns generic.ErrDuplicateSubmission if the
	// (week, subject, marker) triple already exists.
	InsertSubmission(ctx context.Context, s Submission) error
}

// ResultStore persists derived rows.
type ResultStore interface {
	// ReplaceWeeklyResults makes rows the complete set for weekID.
	ReplaceWeeklyResults(ctx context.Context, weekID string, rows []WeeklyResult) error
	ListWeeklyResults(ctx context.Context, weekIDs []string) ([]WeeklyResult, error)
	ReplaceAdminCompliance(ctx context.Context, weekID string, rows []AdminCompliance) error
	ListAdminCompliance(ctx context.Context, weekID string) ([]AdminCompliance, error)

	GetMonthlyResult(ctx context.Context, id string) (*MonthlyResult, error)
	FindMonthlyResult(ctx context.Context, monthID string, subject UserID) (*MonthlyResult, error)
	ListMonthlyResults(ctx context.Context, monthID string) ([]MonthlyResult, error)
	// UpsertMonthlyResult writes computed columns on (month, subject).
	// GiftAmount of an existing row is left untouched.
	UpsertMonthlyResult(ctx context.Context, r MonthlyResult) error
	UpdateGiftAmount(ctx context.Context, id string, amount decimal.NullDecimal) error

	GetSubjectMonthState(ctx context.Context, subject UserID) (*SubjectMonthState, error)
	SaveSubjectMonthState(ctx context.Context, s SubjectMonthState) error
}

// LedgerStore persists fund ledger entries.
type LedgerStore interface {
	GetLedgerEntry(ctx context.Context, monthlyResultID string, t EntryType) (*FundLogEntry, error)
	// SaveLedgerEntry upserts on (MonthlyResultID, EntryType).
	SaveLedgerEntry(ctx context.Context, e FundLogEntry) error
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]FundLogEntry, error)
	// DeleteLedgerEntry removes the (result, type) entry. Absent rows are not an error.
	DeleteLedgerEntry(ctx context.Context, monthlyResultID string, t EntryType) error
}

// OutboxStore persists notification intents until dispatched.
type OutboxStore interface {
	// AppendIntents ignores intents whose EventID already exists.
	AppendIntents(ctx context.Context, intents []NotificationIntent) error
	// ClaimIntents locks up to limit deliverable intents and bumps their
	// attempt counters. Intents locked before lockCutoff are reclaimable.
	ClaimIntents(ctx context.Context, now, lockCutoff time.Time, limit, maxAttempts int) ([]NotificationIntent, error)
	AckIntent(ctx context.Context, id string, at time.Time) error
	NackIntent(ctx context.Context, id, lastError string, next time.Time) error
	DeadIntent(ctx context.Context, id, lastError string) error
	CountPendingIntents(ctx context.Context) (int, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	PeriodStore
	EvaluationStore
	ResultStore
	LedgerStore
	OutboxStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
