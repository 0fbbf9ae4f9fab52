package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SameKeySerializes(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, WeekKey("2025-06-06"))
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocal_DifferentKeysDoNotContend(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, MonthKey("2025-05"))
	require.NoError(t, err)
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	r2, err := l.Acquire(ctx2, MonthKey("2025-06"))
	require.NoError(t, err)
	r2()
}

func TestLocal_HonoursContext(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	// GIVEN: the key is held
	release, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	// WHEN: a second caller gives up quickly
	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx2, "k")

	// THEN: it fails with ErrNotAcquired
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// Release twice is harmless and frees the key.
	release()
	release()
	r, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	r()
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	r, err := NewRedis("redis://"+s.Addr(), RedisOptions{TTL: time.Second, Retry: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, s
}

func TestRedis_AcquireRelease(t *testing.T) {
	r, s := newTestRedis(t)
	ctx := context.Background()

	release, err := r.Acquire(ctx, WeekKey("2025-06-06"))
	require.NoError(t, err)
	assert.True(t, s.Exists("kpi:lock:week:2025-06-06"))

	release()
	assert.False(t, s.Exists("kpi:lock:week:2025-06-06"))
}

func TestRedis_ContendedKeyTimesOut(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "month:2025-06")
	require.NoError(t, err)
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx2, "month:2025-06")
	assert.True(t, errors.Is(err, ErrNotAcquired))
}

func TestRedis_ReleaseDoesNotDeleteForeignLease(t *testing.T) {
	r, s := newTestRedis(t)
	ctx := context.Background()

	// GIVEN: our lease expired and someone else took the key
	release, err := r.Acquire(ctx, "k")
	require.NoError(t, err)
	s.FastForward(2 * time.Second)
	require.NoError(t, s.Set("kpi:lock:k", "other-token"))

	// WHEN: we release late
	release()

	// THEN: the other holder keeps the key
	v, err := s.Get("kpi:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "other-token", v)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("://nope", RedisOptions{})
	assert.Error(t, err)
}
