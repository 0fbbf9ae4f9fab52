/*
handlers.go - HTTP API handlers for the KPI engine

PURPOSE:
  Exposes the KPI engine and the fund ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Weeks:
    GET    /api/kpi/weeks/{key}               Week with derived rows
    POST   /api/kpi/weeks/{key}/compute       Recompute (?force=true)
    POST   /api/kpi/weeks/{key}/lock          Lock
    POST   /api/kpi/weeks/{key}/unlock        Force-unlock (SUPER_ADMIN)
    POST   /api/kpi/weeks/{key}/submissions   Submit an evaluation

  Months:
    GET    /api/kpi/months/{key}              Month with results
    POST   /api/kpi/months/{key}/compute      Recompute (body: force, lock)
    POST   /api/kpi/months/{key}/lock         Lock month and its weeks
    POST   /api/kpi/months/{key}/unlock       Force-unlock (SUPER_ADMIN)
    POST   /api/kpi/months/{key}/reconcile    Open DUE ledger entries

  Registry:
    POST   /api/kpi/assignments               Upsert marker -> subject
    GET    /api/kpi/subjects/{id}/state       Cross-month standing

  Fund:
    PUT    /api/fund/entries                  Mark a ledger entry
    PUT    /api/fund/results/{id}/gift        Set a bonus gift amount
    GET    /api/fund/summary                  Totals (?month=&subject=&type=&status=)
    GET    /api/fund/statement                Running balance, same filters

  Cron (X-CRON-SECRET):
    POST   /api/cron/weekly                   Weekly job (?week= overrides)
    POST   /api/cron/monthly                  Monthly job (?month= overrides)

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error class:
  - 400: Validation errors, invalid input
  - 403: Actor role cannot perform the operation
  - 404: Week, month, result or entry not found
  - 409: Locked period, invalid transition, conflict, failed precondition
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/fund"
	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *kpi.Engine
	Fund      *fund.Reconciler
	Scheduler *Scheduler

	log *logrus.Entry
}

// NewHandler creates a handler. The scheduler backs the cron endpoints.
func NewHandler(engine *kpi.Engine, reconciler *fund.Reconciler, scheduler *Scheduler, logger *logrus.Entry) *Handler {
	if scheduler == nil {
		scheduler = NewScheduler(engine, reconciler, logger)
	}
	if logger == nil {
		logger = scheduler.log
	}
	return &Handler{
		Engine:    engine,
		Fund:      reconciler,
		Scheduler: scheduler,
		log:       logger.WithField("component", "api"),
	}
}

// =============================================================================
// WEEK HANDLERS
// =============================================================================

// GetWeek returns a week with its weekly results and compliance rows.
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetWeek(r.Context(), actorFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WeekViewDTO{
		Week:       toWeekDTO(view.Week),
		Results:    toWeeklyDTOs(view.Results),
		Compliance: toComplianceDTOs(view.Compliance),
	})
}

// ComputeWeek recomputes a week's derived rows.
func (h *Handler) ComputeWeek(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r, "force")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Engine.ComputeWeek(r.Context(), actorFrom(r), chi.URLParam(r, "key"), force)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekComputeDTO(res))
}

// LockWeek locks a week.
func (h *Handler) LockWeek(w http.ResponseWriter, r *http.Request) {
	week, err := h.Engine.LockWeek(r.Context(), actorFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekDTO(week))
}

// UnlockWeek force-unlocks a week.
func (h *Handler) UnlockWeek(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	week, err := h.Engine.ForceUnlockWeek(r.Context(), actorFrom(r), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekDTO(week))
}

// SubmitEvaluation records the calling marker's evaluation of a subject.
func (h *Handler) SubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	var req SubmitEvaluationRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	scores := make([]kpi.CriterionScore, len(req.Scores))
	for i, s := range req.Scores {
		scores[i] = kpi.CriterionScore{Criterion: s.Criterion, Score: s.Score, MaxScore: s.MaxScore}
	}
	sub, err := h.Engine.SubmitEvaluation(r.Context(), actorFrom(r), kpi.SubmissionInput{
		WeekKey:       chi.URLParam(r, "key"),
		SubjectUserID: kpi.UserID(req.SubjectUserID),
		Scores:        scores,
		Force:         req.Force,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionDTO(sub))
}

// =============================================================================
// MONTH HANDLERS
// =============================================================================

// GetMonth returns a month with its monthly results.
func (h *Handler) GetMonth(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetMonth(r.Context(), actorFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MonthViewDTO{Month: toMonthDTO(view.Month), Results: toMonthlyDTOs(view.Results)})
}

// ComputeMonth recomputes a month, optionally locking it.
func (h *Handler) ComputeMonth(w http.ResponseWriter, r *http.Request) {
	var req ComputeMonthRequest
	if err := decodeRequest(r, &req, true); err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Engine.ComputeMonth(r.Context(), actorFrom(r), chi.URLParam(r, "key"), kpi.MonthOptions{
		Force: req.Force,
		Lock:  req.Lock,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthComputeDTO(res))
}

// LockMonth locks a month and its weeks.
func (h *Handler) LockMonth(w http.ResponseWriter, r *http.Request) {
	month, err := h.Engine.LockMonth(r.Context(), actorFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthDTO(month))
}

// UnlockMonth force-unlocks a month.
func (h *Handler) UnlockMonth(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	month, err := h.Engine.ForceUnlockMonth(r.Context(), actorFrom(r), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthDTO(month))
}

// ReconcileMonth opens DUE ledger entries for a month's fines and gifts.
func (h *Handler) ReconcileMonth(w http.ResponseWriter, r *http.Request) {
	res, err := h.Fund.Reconcile(r.Context(), actorFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(res))
}

// =============================================================================
// REGISTRY HANDLERS
// =============================================================================

// SetAssignment registers or deactivates a marker -> subject pair.
func (h *Handler) SetAssignment(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	a := kpi.Assignment{
		MarkerAdminID: kpi.UserID(req.MarkerAdminID),
		SubjectUserID: kpi.UserID(req.SubjectUserID),
		IsActive:      req.IsActive == nil || *req.IsActive,
	}
	if err := h.Engine.SetAssignment(r.Context(), actorFrom(r), a); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetSubjectState returns a subject's cross-month standing.
func (h *Handler) GetSubjectState(w http.ResponseWriter, r *http.Request) {
	subject := kpi.UserID(chi.URLParam(r, "id"))
	st, err := h.Engine.SubjectState(r.Context(), actorFrom(r), subject)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusOK, SubjectStateDTO{SubjectUserID: string(subject)})
		return
	}
	writeJSON(w, http.StatusOK, SubjectStateDTO{
		SubjectUserID:                string(st.SubjectUserID),
		LastMonthKey:                 st.LastMonthKey,
		LastMonthTier:                string(st.LastMonthTier),
		ConsecutiveImprovementMonths: st.ConsecutiveImprovementMonths,
		ConsecutiveFineMonths:        st.ConsecutiveFineMonths,
	})
}

// =============================================================================
// FUND HANDLERS
// =============================================================================

// UpsertLedgerEntry creates or moves a ledger entry.
func (h *Handler) UpsertLedgerEntry(w http.ResponseWriter, r *http.Request) {
	var req LedgerEntryRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	entry, err := h.Fund.UpsertLedgerEntry(r.Context(), actorFrom(r), fund.UpsertInput{
		MonthlyResultID: req.MonthlyResultID,
		EntryType:       kpi.EntryType(req.EntryType),
		Status:          kpi.EntryStatus(req.Status),
		ActualAmount:    req.ActualAmount,
		Note:            req.Note,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(entry))
}

// SetGift records the operator-entered gift of a BONUS-tier result.
func (h *Handler) SetGift(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if err := decodeRequest(r, &req, false); err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Fund.SetGiftAmount(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Amount, req.Force)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthlyDTO(res))
}

// GetSummary returns ledger totals for the filter in the query string.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	f, err := h.ledgerFilter(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	sum, err := h.Fund.Summarize(r.Context(), actorFrom(r), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetStatement returns settled entries with a running balance.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	f, err := h.ledgerFilter(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	lines, err := h.Fund.Statement(r.Context(), actorFrom(r), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTOs(lines))
}

func (h *Handler) ledgerFilter(r *http.Request) (kpi.LedgerFilter, error) {
	q := r.URL.Query()
	f := kpi.LedgerFilter{
		SubjectUserID: kpi.UserID(q.Get("subject")),
		EntryType:     kpi.EntryType(q.Get("type")),
		Status:        kpi.EntryStatus(q.Get("status")),
	}
	if f.EntryType != "" && !f.EntryType.Valid() {
		return f, &generic.FieldError{Field: "type", Message: "must be FINE or BONUS"}
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, &generic.FieldError{Field: "status", Message: "must be DUE, COLLECTED or PAID"}
	}
	if key := q.Get("month"); key != "" {
		view, err := h.Engine.GetMonth(r.Context(), actorFrom(r), key)
		if err != nil {
			return f, err
		}
		f.MonthID = view.Month.ID
	}
	return f, nil
}

// =============================================================================
// CRON HANDLERS
// =============================================================================

// CronWeekly runs the weekly job.
func (h *Handler) CronWeekly(w http.ResponseWriter, r *http.Request) {
	var rep JobReport
	if key := r.URL.Query().Get("week"); key != "" {
		rep = h.Scheduler.RunWeek(r.Context(), key)
	} else {
		rep = h.Scheduler.RunWeekly(r.Context())
	}
	h.Scheduler.logReport(rep)
	writeJSON(w, reportStatus(rep), rep)
}

// CronMonthly runs the monthly job.
func (h *Handler) CronMonthly(w http.ResponseWriter, r *http.Request) {
	var rep JobReport
	if key := r.URL.Query().Get("month"); key != "" {
		rep = h.Scheduler.RunMonth(r.Context(), key)
	} else {
		rep = h.Scheduler.RunMonthly(r.Context())
	}
	h.Scheduler.logReport(rep)
	writeJSON(w, reportStatus(rep), rep)
}

func reportStatus(rep JobReport) int {
	if rep.Status == JobFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeErr maps a domain error to its status and logs server errors.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, status, "internal error", nil)
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, generic.ErrLockedState):
		return http.StatusConflict, "locked"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, generic.ErrPreconditionFailed):
		return http.StatusConflict, "precondition_failed"
	default:
		return http.StatusInternalServerError, ""
	}
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &generic.FieldError{Field: name, Message: "must be true or false"}
	}
	return b, nil
}
