/*
Package lock provides per-key advisory locks that serialize compute runs.

PURPOSE:
  Two compute calls for the same week or month must not interleave their
  writes. Engines take a lock on "week:<key>" or "month:<key>" for the
  duration of a run; different keys never contend.

IMPLEMENTATIONS:
  Local: in-process keyed mutex, for single-instance deployments and tests
  Redis: SET NX PX with a random token, released by a compare-and-delete
         script, for deployments with several engine replicas

SEE ALSO:
  - kpi/engine.go: the engine holds a Locker
*/
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Release frees a held lock. It is safe to call more than once.
type Release func()

// Locker acquires named advisory locks.
type Locker interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
}

// WeekKey is the lock name of a week compute.
func WeekKey(weekKey string) string { return "week:" + weekKey }

// MonthKey is the lock name of a month compute.
func MonthKey(monthKey string) string { return "month:" + monthKey }
