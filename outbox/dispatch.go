package outbox

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/kpi"
)

// Dispatcher delivers one intent. A returned error schedules a retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, in kpi.NotificationIntent) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, in kpi.NotificationIntent) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, in kpi.NotificationIntent) error {
	return f(ctx, in)
}

// Notifier is the external notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, userID kpi.UserID, typ kpi.NotificationType, title, message, link string) error
}

// NotifierDispatcher forwards intents to a Notifier.
type NotifierDispatcher struct {
	Notifier Notifier
}

// Dispatch implements Dispatcher.
func (d NotifierDispatcher) Dispatch(ctx context.Context, in kpi.NotificationIntent) error {
	return d.Notifier.Notify(ctx, in.UserID, in.Type, in.Title, in.Message, in.Link)
}

// LogDispatcher writes intents to the log. Used when no notifier is
// configured.
type LogDispatcher struct {
	Logger *logrus.Entry
}

// Dispatch implements Dispatcher.
func (d LogDispatcher) Dispatch(_ context.Context, in kpi.NotificationIntent) error {
	d.Logger.WithFields(logFields(in)).WithFields(logrus.Fields{
		"title": in.Title,
		"link":  in.Link,
	}).Info(in.Message)
	return nil
}
