/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND SCORES:
  Decimals travel as JSON strings ("82.5"), never floats.

VALIDATION:
  Request types carry go-playground/validator tags; decodeRequest runs
  them before a handler sees the value. Domain rules (locks, transitions,
  score ranges) stay in the engines.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/fund"
	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

var validate = newValidator()

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CriterionScoreRequest is one criterion line of an evaluation.
type CriterionScoreRequest struct {
	Criterion string          `json:"criterion" validate:"required,max=120"`
	Score     decimal.Decimal `json:"score"`
	MaxScore  decimal.Decimal `json:"max_score"`
}

// SubmitEvaluationRequest is the body of POST /weeks/{key}/submissions.
type SubmitEvaluationRequest struct {
	SubjectUserID string                  `json:"subject_user_id" validate:"required"`
	Scores        []CriterionScoreRequest `json:"scores" validate:"required,min=1,dive"`
	Force         bool                    `json:"force"`
}

// AssignmentRequest is the body of POST /assignments.
type AssignmentRequest struct {
	MarkerAdminID string `json:"marker_admin_id" validate:"required"`
	SubjectUserID string `json:"subject_user_id" validate:"required,nefield=MarkerAdminID"`
	IsActive      *bool  `json:"is_active"`
}

// ComputeMonthRequest is the optional body of POST /months/{key}/compute.
type ComputeMonthRequest struct {
	Force bool `json:"force"`
	Lock  bool `json:"lock"`
}

// UnlockRequest is the body of the force-unlock endpoints.
type UnlockRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// LedgerEntryRequest is the body of PUT /fund/entries.
type LedgerEntryRequest struct {
	MonthlyResultID string              `json:"monthly_result_id" validate:"required"`
	EntryType       string              `json:"entry_type" validate:"required,oneof=FINE BONUS"`
	Status          string              `json:"status" validate:"required,oneof=DUE COLLECTED PAID"`
	ActualAmount    decimal.NullDecimal `json:"actual_amount"`
	Note            *string             `json:"note" validate:"omitempty,max=1000"`
}

// GiftRequest is the body of PUT /fund/results/{id}/gift.
type GiftRequest struct {
	Amount decimal.NullDecimal `json:"amount"`
	Force  bool                `json:"force"`
}

// decodeRequest reads a JSON body into dst and validates it.
// An empty body is accepted when allowEmpty is set.
func decodeRequest(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return &generic.FieldError{Field: "body", Message: err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &generic.FieldError{Field: "body", Message: err.Error()}
	}
	fe := verrs[0]
	msg := fe.Tag()
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
	}
	return &generic.FieldError{Field: fe.Field(), Message: "failed " + msg}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// WeekDTO represents a week in API responses.
type WeekDTO struct {
	ID         string  `json:"id"`
	WeekKey    string  `json:"week_key"`
	FridayDate string  `json:"friday_date"`
	Status     string  `json:"status"`
	LockedAt   *string `json:"locked_at,omitempty"`
	LockedBy   string  `json:"locked_by,omitempty"`
}

// MonthDTO represents a month in API responses.
type MonthDTO struct {
	ID        string  `json:"id"`
	MonthKey  string  `json:"month_key"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	Status    string  `json:"status"`
	LockedAt  *string `json:"locked_at,omitempty"`
	LockedBy  string  `json:"locked_by,omitempty"`
}

// WeeklyResultDTO is one subject's weekly score.
type WeeklyResultDTO struct {
	SubjectUserID         string          `json:"subject_user_id"`
	WeeklyAvgScore        decimal.Decimal `json:"weekly_avg_score"`
	ExpectedMarkersCount  int             `json:"expected_markers_count"`
	SubmittedMarkersCount int             `json:"submitted_markers_count"`
	IsComplete            bool            `json:"is_complete"`
}

// ComplianceDTO is one marker's weekly compliance.
type ComplianceDTO struct {
	AdminUserID    string `json:"admin_user_id"`
	ExpectedCount  int    `json:"expected_count"`
	SubmittedCount int    `json:"submitted_count"`
	MissedCount    int    `json:"missed_count"`
	Status         string `json:"status"`
}

// WeekViewDTO is GET /weeks/{key}.
type WeekViewDTO struct {
	Week       WeekDTO           `json:"week"`
	Results    []WeeklyResultDTO `json:"results"`
	Compliance []ComplianceDTO   `json:"compliance"`
}

// WeekComputeDTO reports a weekly compute.
type WeekComputeDTO struct {
	WeekKey           string            `json:"week_key"`
	Forced            bool              `json:"forced"`
	SubjectsProcessed int               `json:"subjects_processed"`
	AdminsProcessed   int               `json:"admins_processed"`
	MissedMarkings    int               `json:"missed_markings"`
	IntentsQueued     int               `json:"intents_queued"`
	Results           []WeeklyResultDTO `json:"results"`
	Compliance        []ComplianceDTO   `json:"compliance"`
}

// MonthlyResultDTO is one subject's monthly roll-up.
type MonthlyResultDTO struct {
	ID                 string              `json:"id"`
	SubjectUserID      string              `json:"subject_user_id"`
	MonthlyScore       decimal.Decimal     `json:"monthly_score"`
	Tier               string              `json:"tier"`
	ActionType         string              `json:"action_type"`
	BaseFine           decimal.Decimal     `json:"base_fine"`
	MonthFineCount     int                 `json:"month_fine_count"`
	FinalFine          decimal.Decimal     `json:"final_fine"`
	GiftAmount         decimal.NullDecimal `json:"gift_amount"`
	WeeksCountUsed     int                 `json:"weeks_count_used"`
	ExpectedWeeksCount int                 `json:"expected_weeks_count"`
	IsCompleteMonth    bool                `json:"is_complete_month"`
	ComputedAt         string              `json:"computed_at"`
}

// MonthViewDTO is GET /months/{key}.
type MonthViewDTO struct {
	Month   MonthDTO           `json:"month"`
	Results []MonthlyResultDTO `json:"results"`
}

// MonthComputeDTO reports a monthly compute.
type MonthComputeDTO struct {
	MonthKey           string               `json:"month_key"`
	ExpectedWeeksCount int                  `json:"expected_weeks_count"`
	WeeksFound         int                  `json:"weeks_found"`
	Computed           int                  `json:"computed"`
	Skipped            int                  `json:"skipped"`
	Failures           []kpi.SubjectFailure `json:"failures"`
	Locked             bool                 `json:"locked"`
	Results            []MonthlyResultDTO   `json:"results"`
}

// SubmissionDTO is a stored evaluation.
type SubmissionDTO struct {
	ID            string               `json:"id"`
	WeekID        string               `json:"week_id"`
	SubjectUserID string               `json:"subject_user_id"`
	MarkerAdminID string               `json:"marker_admin_id"`
	Scores        []kpi.CriterionScore `json:"scores"`
	TotalScore    decimal.Decimal      `json:"total_score"`
	SubmittedAt   string               `json:"submitted_at"`
}

// SubjectStateDTO is a subject's cross-month standing.
type SubjectStateDTO struct {
	SubjectUserID                string `json:"subject_user_id"`
	LastMonthKey                 string `json:"last_month_key"`
	LastMonthTier                string `json:"last_month_tier"`
	ConsecutiveImprovementMonths int    `json:"consecutive_improvement_months"`
	ConsecutiveFineMonths        int    `json:"consecutive_fine_months"`
}

// LedgerEntryDTO is one fund ledger row.
type LedgerEntryDTO struct {
	ID              string              `json:"id"`
	MonthlyResultID string              `json:"monthly_result_id"`
	SubjectUserID   string              `json:"subject_user_id"`
	EntryType       string              `json:"entry_type"`
	Status          string              `json:"status"`
	ExpectedAmount  decimal.Decimal     `json:"expected_amount"`
	ActualAmount    decimal.NullDecimal `json:"actual_amount"`
	Note            string              `json:"note,omitempty"`
	MarkedByAdminID string              `json:"marked_by_admin_id,omitempty"`
	MarkedAt        *string             `json:"marked_at,omitempty"`
}

// ReconcileDTO reports a ledger reconcile.
type ReconcileDTO struct {
	MonthKey  string           `json:"month_key"`
	Created   int              `json:"created"`
	Refreshed int              `json:"refreshed"`
	Removed   int              `json:"removed"`
	Unchanged int              `json:"unchanged"`
	Entries   []LedgerEntryDTO `json:"entries"`
}

// StatementLineDTO is one settled ledger row with the running balance.
type StatementLineDTO struct {
	Entry   LedgerEntryDTO  `json:"entry"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toWeekDTO(w kpi.Week) WeekDTO {
	return WeekDTO{
		ID:         w.ID,
		WeekKey:    w.WeekKey,
		FridayDate: w.FridayDate.Format(generic.DateLayout),
		Status:     string(w.Status),
		LockedAt:   timePtr(w.LockedAt),
		LockedBy:   string(w.LockedBy),
	}
}

func toMonthDTO(m kpi.Month) MonthDTO {
	return MonthDTO{
		ID:        m.ID,
		MonthKey:  m.MonthKey,
		StartDate: m.StartDate.Format(generic.DateLayout),
		EndDate:   m.EndDate.Format(generic.DateLayout),
		Status:    string(m.Status),
		LockedAt:  timePtr(m.LockedAt),
		LockedBy:  string(m.LockedBy),
	}
}

func toWeeklyDTOs(rows []kpi.WeeklyResult) []WeeklyResultDTO {
	out := make([]WeeklyResultDTO, len(rows))
	for i, r := range rows {
		out[i] = WeeklyResultDTO{
			SubjectUserID:         string(r.SubjectUserID),
			WeeklyAvgScore:        r.WeeklyAvgScore,
			ExpectedMarkersCount:  r.ExpectedMarkersCount,
			SubmittedMarkersCount: r.SubmittedMarkersCount,
			IsComplete:            r.IsComplete,
		}
	}
	return out
}

func toComplianceDTOs(rows []kpi.AdminCompliance) []ComplianceDTO {
	out := make([]ComplianceDTO, len(rows))
	for i, r := range rows {
		out[i] = ComplianceDTO{
			AdminUserID:    string(r.AdminUserID),
			ExpectedCount:  r.ExpectedCount,
			SubmittedCount: r.SubmittedCount,
			MissedCount:    r.MissedCount,
			Status:         string(r.Status),
		}
	}
	return out
}

func toMonthlyDTO(r kpi.MonthlyResult) MonthlyResultDTO {
	return MonthlyResultDTO{
		ID:                 r.ID,
		SubjectUserID:      string(r.SubjectUserID),
		MonthlyScore:       r.MonthlyScore,
		Tier:               string(r.Tier),
		ActionType:         r.ActionType,
		BaseFine:           r.BaseFine,
		MonthFineCount:     r.MonthFineCount,
		FinalFine:          r.FinalFine,
		GiftAmount:         r.GiftAmount,
		WeeksCountUsed:     r.WeeksCountUsed,
		ExpectedWeeksCount: r.ExpectedWeeksCount,
		IsCompleteMonth:    r.IsCompleteMonth,
		ComputedAt:         r.ComputedAt.UTC().Format(time.RFC3339),
	}
}

func toMonthlyDTOs(rows []kpi.MonthlyResult) []MonthlyResultDTO {
	out := make([]MonthlyResultDTO, len(rows))
	for i, r := range rows {
		out[i] = toMonthlyDTO(r)
	}
	return out
}

func toLedgerDTO(e kpi.FundLogEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:              e.ID,
		MonthlyResultID: e.MonthlyResultID,
		SubjectUserID:   string(e.SubjectUserID),
		EntryType:       string(e.EntryType),
		Status:          string(e.Status),
		ExpectedAmount:  e.ExpectedAmount,
		ActualAmount:    e.ActualAmount,
		Note:            e.Note,
		MarkedByAdminID: string(e.MarkedByAdminID),
		MarkedAt:        timePtr(e.MarkedAt),
	}
}

func toLedgerDTOs(entries []kpi.FundLogEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toLedgerDTO(e)
	}
	return out
}

func toStatementDTOs(lines []fund.StatementLine) []StatementLineDTO {
	out := make([]StatementLineDTO, len(lines))
	for i, l := range lines {
		out[i] = StatementLineDTO{Entry: toLedgerDTO(l.Entry), Amount: l.Amount, Balance: l.Balance}
	}
	return out
}

func toWeekComputeDTO(r kpi.WeekComputeResult) WeekComputeDTO {
	return WeekComputeDTO{
		WeekKey:           r.WeekKey,
		Forced:            r.Forced,
		SubjectsProcessed: r.SubjectsProcessed,
		AdminsProcessed:   r.AdminsProcessed,
		MissedMarkings:    r.MissedMarkings,
		IntentsQueued:     r.IntentsQueued,
		Results:           toWeeklyDTOs(r.Results),
		Compliance:        toComplianceDTOs(r.Compliance),
	}
}

func toMonthComputeDTO(r kpi.MonthComputeResult) MonthComputeDTO {
	failures := r.Failures
	if failures == nil {
		failures = []kpi.SubjectFailure{}
	}
	return MonthComputeDTO{
		MonthKey:           r.MonthKey,
		ExpectedWeeksCount: r.ExpectedWeeksCount,
		WeeksFound:         r.WeeksFound,
		Computed:           r.Computed,
		Skipped:            r.Skipped,
		Failures:           failures,
		Locked:             r.Locked,
		Results:            toMonthlyDTOs(r.Results),
	}
}

func toReconcileDTO(r fund.ReconcileResult) ReconcileDTO {
	return ReconcileDTO{
		MonthKey:  r.MonthKey,
		Created:   r.Created,
		Refreshed: r.Refreshed,
		Removed:   r.Removed,
		Unchanged: r.Unchanged,
		Entries:   toLedgerDTOs(r.Entries),
	}
}

func toSubmissionDTO(s kpi.Submission) SubmissionDTO {
	return SubmissionDTO{
		ID:            s.ID,
		WeekID:        s.WeekID,
		SubjectUserID: string(s.SubjectUserID),
		MarkerAdminID: string(s.MarkerAdminID),
		Scores:        s.PerCriterionScores,
		TotalScore:    s.TotalScore,
		SubmittedAt:   s.SubmittedAt.UTC().Format(time.RFC3339),
	}
}
