package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	wait  time.Duration
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), wait: wait, clock: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	err := acquireWithin(ctx, l.wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.clock()
		if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
			return false, nil
		}
		l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryHandle{locker: l, key: key, token: token}, nil
}

type memoryHandle struct {
	locker *MemoryLocker
	key    string
	token  string
}

// Release frees the lock if this lease still owns it.
func (h *memoryHandle) Release(context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if cur, ok := h.locker.held[h.key]; ok && cur.token == h.token {
		delete(h.locker.held, h.key)
	}
	return nil
}

// MemoryLimiter is a sliding-window Limiter for a single process. A
// background goroutine drops idle windows until Close is called.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	clock   func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryLimiter allows limit actions per window and starts the sweeper.
func NewMemoryLimiter(limit int, window, sweepEvery time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		clock:   time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepEvery <= 0 {
		sweepEvery = window
	}
	go l.sweepLoop(sweepEvery)
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	hits := prune(l.windows[userID], now.Add(-l.window))
	if len(hits) >= l.limit {
		l.windows[userID] = hits
		return false, nil
	}
	l.windows[userID] = append(hits, now)
	return true, nil
}

// Close stops the sweeper and waits for it to exit. It is safe to call twice.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *MemoryLimiter) sweepLoop(every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock().Add(-l.window)
	for user, hits := range l.windows {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.windows, user)
		} else {
			l.windows[user] = hits
		}
	}
}

func (l *MemoryLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps not after cutoff; hits are in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
