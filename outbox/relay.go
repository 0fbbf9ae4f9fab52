/*
Package outbox drains notification intents queued by the KPI engine.

PURPOSE:
  Compute runs append intents in the same store transaction as their
  derived rows. The Relay claims deliverable intents, hands each to a
  Dispatcher and records the outcome:

    success           -> ack   (published)
    failure, retries  -> nack  (available again after backoff + jitter)
    failure, exhausted-> dead  (kept for inspection, never retried)

  A crashed relay's claims expire after LockTTL and are picked up again,
  so delivery is at-least-once. Dispatchers dedupe on EventID if needed.

SEE ALSO:
  - kpi/notify.go: intent types
  - dispatch.go: Dispatcher implementations
*/
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/kpi"
)

// ErrInvalidConfig reports a Relay built without a required collaborator.
var ErrInvalidConfig = errors.New("invalid outbox configuration")

const leaderKey = "outbox:relay"

// Relay moves intents from the store to a Dispatcher.
type Relay struct {
	store      kpi.OutboxStore
	dispatcher Dispatcher
	opts       RelayOptions
	m          *metrics
}

// NewRelay validates collaborators and applies option defaults.
func NewRelay(store kpi.OutboxStore, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", ErrInvalidConfig)
	}
	opts.setDefaults()
	return &Relay{store: store, dispatcher: dispatcher, opts: opts, m: getMetrics()}, nil
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := r.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: process tick failed")
		}
	}
}

func (r *Relay) tick(ctx context.Context) (Stats, error) {
	if r.opts.Leader == nil {
		r.m.leader.Set(1)
		return r.ProcessOnce(ctx)
	}

	lctx, cancel := context.WithTimeout(ctx, r.opts.PollInterval/2+time.Millisecond)
	release, err := r.opts.Leader.Acquire(lctx, leaderKey)
	cancel()
	if err != nil {
		r.m.leader.Set(0)
		return Stats{}, nil
	}
	defer release()
	r.m.leader.Set(1)
	return r.ProcessOnce(ctx)
}

// Stats counts one ProcessOnce pass.
type Stats struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// ProcessOnce claims one batch and dispatches it.
func (r *Relay) ProcessOnce(ctx context.Context) (Stats, error) {
	now := r.opts.Now()
	cutoff := now.Add(-r.opts.LockTTL)

	claimed, err := r.store.ClaimIntents(ctx, now, cutoff, r.opts.BatchSize, r.opts.MaxAttempts)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox claim: %w", err)
	}
	st := Stats{Claimed: len(claimed)}

	for _, in := range claimed {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		dctx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
		start := time.Now()
		err := r.dispatcher.Dispatch(dctx, in)
		cancel()
		latency := time.Since(start)
		log := r.opts.Logger.WithFields(logFields(in))

		if err == nil {
			r.record(in.Type, "success", latency)
			st.Delivered++
			if ackErr := r.store.AckIntent(ctx, in.ID, r.opts.Now()); ackErr != nil {
				log.WithError(ackErr).Warn("outbox: ack failed")
			}
			continue
		}

		r.record(in.Type, "failure", latency)
		lastErr := truncateError(err, r.opts.LastErrorMaxLen)

		if in.Attempts >= r.opts.MaxAttempts {
			st.Dead++
			r.m.deadTotal.WithLabelValues(string(in.Type)).Inc()
			log.WithError(err).Error("outbox: intent dead after max attempts")
			if deadErr := r.store.DeadIntent(ctx, in.ID, lastErr); deadErr != nil {
				log.WithError(deadErr).Warn("outbox: dead update failed")
			}
			continue
		}

		st.Retried++
		next := r.opts.Now().Add(backoff(in.Attempts, r.opts.MaxBackoff) + jitter(r.opts.Rand, r.opts.JitterMax))
		log.WithError(err).WithField("next_attempt", next).Warn("outbox: dispatch failed")
		if nackErr := r.store.NackIntent(ctx, in.ID, lastErr, next); nackErr != nil {
			log.WithError(nackErr).Warn("outbox: nack failed")
		}
	}

	if pending, err := r.store.CountPendingIntents(ctx); err == nil {
		r.m.pending.Set(float64(pending))
	}
	return st, nil
}

func (r *Relay) record(t kpi.NotificationType, result string, latency time.Duration) {
	r.m.dispatchTotal.WithLabelValues(string(t), result).Inc()
	r.m.dispatchLatency.WithLabelValues(string(t), result).Observe(latency.Seconds())
}

func logFields(in kpi.NotificationIntent) logrus.Fields {
	return logrus.Fields{
		"intent":   in.ID,
		"event_id": in.EventID,
		"type":     in.Type,
		"user":     in.UserID,
		"attempts": in.Attempts,
	}
}
