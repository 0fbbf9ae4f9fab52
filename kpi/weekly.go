/*
weekly.go - Weekly Compute Engine

PURPOSE:
  Turns a week's Submissions and the active Assignments into one
  WeeklyResult per subject and one AdminCompliance row per marker.

ALGORITHM:
  1. Week must exist (ErrWeekNotFound) and be OPEN unless forced
     (ErrWeekLocked). A week of a LOCKED month is rejected the same way
     (ErrMonthLocked).
  2. Subjects = everyone with a submission or an active assignment.
     weeklyAvgScore = mean(totalScore), 0 with no submissions.
     isComplete     = submittedMarkers >= expectedMarkers
  3. Markers = everyone with an active assignment.
     missed = max(0, assigned subjects - assigned subjects marked)
  4. One ADMIN_MISSED_MARKING intent per marker with missed > 0.

ATOMICITY:
  Reads, the replace of both derived row sets and the intent append run in
  one store transaction. The call either rewrites the whole week or
  nothing.
*/
package kpi

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/lock"
)

// WeekComputeResult reports what a weekly compute wrote.
type WeekComputeResult struct {
	WeekKey           string
	WeekID            string
	Forced            bool
	SubjectsProcessed int
	AdminsProcessed   int
	MissedMarkings    int
	IntentsQueued     int
	Results           []WeeklyResult
	Compliance        []AdminCompliance
}

// ComputeWeek recomputes every derived row of weekKey.
func (e *Engine) ComputeWeek(ctx context.Context, actor Actor, weekKey string, force bool) (WeekComputeResult, error) {
	if err := actor.Authorize(actor.CanCompute(), "compute weeks"); err != nil {
		return WeekComputeResult{}, err
	}
	if force {
		if err := actor.Authorize(actor.CanForce(), "force a locked week"); err != nil {
			return WeekComputeResult{}, err
		}
	}
	if _, err := e.cal.ParseWeekKey(weekKey); err != nil {
		return WeekComputeResult{}, err
	}

	start := time.Now()
	log := e.log.WithFields(logrus.Fields{"week": weekKey, "actor": actor.ID, "force": force})

	var out WeekComputeResult
	err := e.withKey(ctx, lock.WeekKey(weekKey), func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			var err error
			out, err = e.computeWeekTx(ctx, tx, weekKey, force)
			return err
		})
	})

	e.metric.computeTotal.WithLabelValues("week", outcome(err)).Inc()
	e.metric.computeDuration.WithLabelValues("week").Observe(time.Since(start).Seconds())
	if err != nil {
		if generic.IsLocked(err) {
			log.Info("week locked, compute skipped")
		} else {
			log.WithError(err).Warn("week compute failed")
		}
		return WeekComputeResult{}, err
	}

	e.metric.subjectsTotal.WithLabelValues("week", "ok").Add(float64(out.SubjectsProcessed))
	e.metric.missedMarkings.Add(float64(out.MissedMarkings))
	log.WithFields(logrus.Fields{
		"subjects": out.SubjectsProcessed,
		"admins":   out.AdminsProcessed,
		"missed":   out.MissedMarkings,
	}).Info("week computed")
	return out, nil
}

func (e *Engine) computeWeekTx(ctx context.Context, tx Store, weekKey string, force bool) (WeekComputeResult, error) {
	week, err := tx.GetWeek(ctx, weekKey)
	if err != nil {
		return WeekComputeResult{}, err
	}
	if week == nil {
		return WeekComputeResult{}, fmt.Errorf("%w: %s", generic.ErrWeekNotFound, weekKey)
	}
	if err := checkWeekWritable(ctx, tx, e.cal, *week, force); err != nil {
		return WeekComputeResult{}, err
	}

	subs, err := tx.ListSubmissions(ctx, week.ID)
	if err != nil {
		return WeekComputeResult{}, fmt.Errorf("list submissions: %w", err)
	}
	assigns, err := tx.ListActiveAssignments(ctx)
	if err != nil {
		return WeekComputeResult{}, fmt.Errorf("list assignments: %w", err)
	}

	results, compliance := BuildWeekRows(week.ID, subs, assigns)

	if err := tx.ReplaceWeeklyResults(ctx, week.ID, results); err != nil {
		return WeekComputeResult{}, fmt.Errorf("write weekly results: %w", err)
	}
	if err := tx.ReplaceAdminCompliance(ctx, week.ID, compliance); err != nil {
		return WeekComputeResult{}, fmt.Errorf("write admin compliance: %w", err)
	}

	now := e.now()
	var intents []NotificationIntent
	missed := 0
	for _, c := range compliance {
		if c.MissedCount > 0 {
			missed += c.MissedCount
			intents = append(intents, missedMarkingIntent(weekKey, c, now))
		}
	}
	if len(intents) > 0 {
		if err := tx.AppendIntents(ctx, intents); err != nil {
			return WeekComputeResult{}, fmt.Errorf("queue notifications: %w", err)
		}
	}

	return WeekComputeResult{
		WeekKey:           weekKey,
		WeekID:            week.ID,
		Forced:            force && week.IsLocked(),
		SubjectsProcessed: len(results),
		AdminsProcessed:   len(compliance),
		MissedMarkings:    missed,
		IntentsQueued:     len(intents),
		Results:           results,
		Compliance:        compliance,
	}, nil
}

// BuildWeekRows derives the weekly rows from raw inputs. Output is sorted
// by user id so identical inputs give identical slices.
func BuildWeekRows(weekID string, subs []Submission, assigns []Assignment) ([]WeeklyResult, []AdminCompliance) {
	// subject -> marker -> total
	scores := make(map[UserID]map[UserID]decimal.Decimal)
	for _, s := range subs {
		if s.WeekID != "" && s.WeekID != weekID {
			continue
		}
		if scores[s.SubjectUserID] == nil {
			scores[s.SubjectUserID] = make(map[UserID]decimal.Decimal)
		}
		scores[s.SubjectUserID][s.MarkerAdminID] = s.TotalScore
	}

	markersOf := make(map[UserID]map[UserID]bool)  // subject -> markers
	subjectsOf := make(map[UserID]map[UserID]bool) // marker -> subjects
	for _, a := range assigns {
		if !a.IsActive {
			continue
		}
		if markersOf[a.SubjectUserID] == nil {
			markersOf[a.SubjectUserID] = make(map[UserID]bool)
		}
		markersOf[a.SubjectUserID][a.MarkerAdminID] = true
		if subjectsOf[a.MarkerAdminID] == nil {
			subjectsOf[a.MarkerAdminID] = make(map[UserID]bool)
		}
		subjectsOf[a.MarkerAdminID][a.SubjectUserID] = true
	}

	subjects := make(map[UserID]bool, len(scores)+len(markersOf))
	for s := range scores {
		subjects[s] = true
	}
	for s := range markersOf {
		subjects[s] = true
	}

	results := make([]WeeklyResult, 0, len(subjects))
	for _, subject := range sortedIDs(subjects) {
		byMarker := scores[subject]
		values := make([]decimal.Decimal, 0, len(byMarker))
		for _, m := range sortedIDs(byMarker) {
			values = append(values, byMarker[m])
		}
		expected := len(markersOf[subject])
		submitted := len(byMarker)
		results = append(results, WeeklyResult{
			WeekID:                weekID,
			SubjectUserID:         subject,
			WeeklyAvgScore:        generic.Mean(values),
			ExpectedMarkersCount:  expected,
			SubmittedMarkersCount: submitted,
			IsComplete:            submitted >= expected,
		})
	}

	compliance := make([]AdminCompliance, 0, len(subjectsOf))
	for _, marker := range sortedIDs(subjectsOf) {
		assigned := subjectsOf[marker]
		done := 0
		for subject := range assigned {
			if _, ok := scores[subject][marker]; ok {
				done++
			}
		}
		missed := len(assigned) - done
		if missed < 0 {
			missed = 0
		}
		status := ComplianceOK
		if missed > 0 {
			status = ComplianceMissed
		}
		compliance = append(compliance, AdminCompliance{
			WeekID:         weekID,
			AdminUserID:    marker,
			ExpectedCount:  len(assigned),
			SubmittedCount: done,
			MissedCount:    missed,
			Status:         status,
		})
	}
	return results, compliance
}

func sortedIDs[V any](m map[UserID]V) []UserID {
	ids := make([]UserID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
