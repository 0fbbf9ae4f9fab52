/*
notify.go - Notification intents

PURPOSE:
  Compute operations never deliver messages. They append intents to the
  outbox in the same transaction as the rows that caused them, and the
  outbox relay delivers them later.

EVENTS:
  ADMIN_MISSED_MARKING  per (week, marker) with missed > 0
  MONTH_RESULT_READY    per (month, subject) on monthly compute

  EventID is "<type>:<period>:<user>", so recomputes never queue twice.

SEE ALSO:
  - outbox/relay.go: delivery with retry and backoff
*/
package kpi

import (
	"fmt"
	"time"
)

// NotificationType names an event the engine asks to be delivered.
type NotificationType string

const (
	NotifyAdminMissedMarking NotificationType = "ADMIN_MISSED_MARKING"
	NotifyMonthResultReady   NotificationType = "MONTH_RESULT_READY"
)

// NotificationIntent is an outbox row: "notify UserID about Type".
// Delivery is external; the outbox relay drains pending intents.
type NotificationIntent struct {
	ID      string
	EventID string // dedup key, one intent per (type, period, user)
	UserID  UserID
	Type    NotificationType
	Title   string
	Message string
	Link    string

	CreatedAt   time.Time
	AvailableAt time.Time
	Attempts    int
	LockedAt    *time.Time
	PublishedAt *time.Time
	LastError   string
	Dead        bool
}

func newIntent(t NotificationType, period string, user UserID, title, msg, link string, at time.Time) NotificationIntent {
	return NotificationIntent{
		ID:          newID(),
		EventID:     fmt.Sprintf("%s:%s:%s", t, period, user),
		UserID:      user,
		Type:        t,
		Title:       title,
		Message:     msg,
		Link:        link,
		CreatedAt:   at,
		AvailableAt: at,
	}
}

func missedMarkingIntent(weekKey string, c AdminCompliance, at time.Time) NotificationIntent {
	return newIntent(
		NotifyAdminMissedMarking, weekKey, c.AdminUserID,
		"Evaluations missing",
		fmt.Sprintf("You evaluated %d of %d assigned people for the week of %s; %d still need marks.",
			c.SubmittedCount, c.ExpectedCount, weekKey, c.MissedCount),
		"/hr/kpi/weeks/"+weekKey,
		at,
	)
}

func monthReadyIntent(monthKey string, r MonthlyResult, at time.Time) NotificationIntent {
	return newIntent(
		NotifyMonthResultReady, monthKey, r.SubjectUserID,
		"Monthly KPI result ready",
		fmt.Sprintf("Your score for %s is %s (%s): %s.", monthKey, r.MonthlyScore.StringFixed(2), r.Tier, r.ActionType),
		"/hr/kpi/months/"+monthKey,
		at,
	)
}
