package transport

import (
	"context"
	"sync"
	"time"
)

// window is the trailing interval bounding admitted request count.
const window = time.Minute

// Limiter admits at most max requests within any trailing 60-second window.
// It records admission timestamps and suspends callers until the oldest
// timestamp leaves the window.
type Limiter struct {
	mu       sync.Mutex
	max      int
	admitted []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewLimiter builds a limiter for max requests per minute. max <= 0 disables
// limiting.
func NewLimiter(max int) *Limiter {
	return &Limiter{
		max:   max,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Wait blocks until a request slot is available or ctx is done. On success
// the admission is recorded immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.max <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		l.purge(now)
		if len(l.admitted) < l.max {
			l.admitted = append(l.admitted, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.admitted[0].Add(window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Admitted reports how many requests are currently inside the window.
func (l *Limiter) Admitted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purge(l.now())
	return len(l.admitted)
}

// purge drops timestamps older than the trailing window. Caller holds l.mu.
func (l *Limiter) purge(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
