package guard

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

func testConfig() Config {
	return Config{FastTTL: 800 * time.Millisecond, LedgerTTL: 5 * time.Second}
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker(20 * time.Millisecond)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	if _, err := l.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrLockContention) {
		t.Fatalf("second Acquire: got %v, want ErrLockContention", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("contention returned after %s, before the wait bound", waited)
	}
	if _, err := l.Acquire(ctx, "other", time.Second); err != nil {
		t.Errorf("different key should not contend: %v", err)
	}
	_ = lease.Release(ctx)
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestMemoryLocker_ExpiredLeaseIsReclaimed(t *testing.T) {
	l := NewMemoryLocker(0)
	now := time.Now()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = now.Add(200 * time.Millisecond)
	fresh, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	// The stale holder must not free the new owner's lock.
	_ = stale.Release(ctx)
	if _, err := l.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrLockContention) {
		t.Errorf("stale release freed the lock: %v", err)
	}
	_ = fresh.Release(ctx)
}

func TestMemoryLocker_WaitsForRelease(t *testing.T) {
	l := NewMemoryLocker(500 * time.Millisecond)
	ctx := context.Background()
	lease, _ := l.Acquire(ctx, "k", time.Second)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = lease.Release(ctx)
	}()
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire should succeed once released: %v", err)
	}
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewMemoryLimiter(3, time.Minute, time.Hour)
	defer l.Close()
	now := time.Now()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "u"); !ok {
			t.Fatalf("action %d rejected", i)
		}
	}
	if ok, _ := l.Allow(ctx, "u"); ok {
		t.Fatal("fourth action in window allowed")
	}
	if ok, _ := l.Allow(ctx, "other"); !ok {
		t.Error("limits are per user")
	}
	now = now.Add(time.Minute + time.Millisecond)
	if ok, _ := l.Allow(ctx, "u"); !ok {
		t.Error("window should have slid")
	}
}

func TestMemoryLimiter_SweepDropsIdleUsers(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewMemoryLimiter(5, time.Minute, time.Hour)
	defer l.Close()
	now := time.Now()
	l.clock = func() time.Time { return now }
	_, _ = l.Allow(context.Background(), "a")
	_, _ = l.Allow(context.Background(), "b")

	now = now.Add(2 * time.Minute)
	l.sweep()
	if n := l.tracked(); n != 0 {
		t.Errorf("tracked users after sweep: %d", n)
	}
}

func TestMemoryLimiter_CloseStopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewMemoryLimiter(1, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// --- Guard ---

type countingLimiter struct {
	allow bool
	calls int
}

func (c *countingLimiter) Allow(context.Context, string) (bool, error) {
	c.calls++
	return c.allow, nil
}

type spyLocker struct {
	Locker
	acquired int
}

func (s *spyLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	s.acquired++
	return s.Locker.Acquire(ctx, key, ttl)
}

func TestGuard_RateRejectionSkipsLock(t *testing.T) {
	locker := &spyLocker{Locker: NewMemoryLocker(0)}
	g := New(locker, &countingLimiter{allow: false}, testConfig(), nil)

	called := false
	err := g.Do(context.Background(), "mines", uuid.New(), ClassLedger, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if called || locker.acquired != 0 {
		t.Error("rate-limited call must not lock or run")
	}
}

func TestGuard_SerializesSameUser(t *testing.T) {
	g := New(NewMemoryLocker(2*time.Second), nil, testConfig(), nil)
	user := uuid.New()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), "mines", user, ClassFast, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("concurrent holders: %d", maxInside)
	}
}

func TestGuard_ContentionAndRelease(t *testing.T) {
	locker := NewMemoryLocker(10 * time.Millisecond)
	g := New(locker, nil, testConfig(), nil)
	user := uuid.New()
	ctx := context.Background()

	err := g.Do(ctx, "mines", user, ClassLedger, func(ctx context.Context) error {
		return g.Do(ctx, "mines", user, ClassLedger, func(context.Context) error { return nil })
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("nested Do: got %v, want ErrLockContention", err)
	}

	boom := errors.New("boom")
	if err := g.Do(ctx, "mines", user, ClassFast, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("fn error not returned: %v", err)
	}
	// Lock released even though fn failed.
	if err := g.Do(ctx, "mines", user, ClassFast, func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do after failure: %v", err)
	}
}

// --- Redis (requires TEST_REDIS_ADDR) ---

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func TestRedisLocker(t *testing.T) {
	rdb := redisClient(t)
	l := NewRedisLocker(rdb, 20*time.Millisecond)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	lease, err := l.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, key, time.Second); !errors.Is(err, ErrLockContention) {
		t.Fatalf("second Acquire: got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := l.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	// A stale lease must not release someone else's lock.
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if _, err := l.Acquire(ctx, key, time.Second); !errors.Is(err, ErrLockContention) {
		t.Errorf("stale release freed the lock: %v", err)
	}
	_ = again.Release(ctx)
}

func TestRedisLimiter(t *testing.T) {
	rdb := redisClient(t)
	l := NewRedisLimiter(rdb, 2, time.Minute)
	user := uuid.NewString()
	ctx := context.Background()
	t.Cleanup(func() { rdb.Del(ctx, "ratelimit:"+user) })

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, user)
		if err != nil || !ok {
			t.Fatalf("action %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, user); ok {
		t.Error("third action allowed")
	}
}
