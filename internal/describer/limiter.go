package describer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// windowLimiter counts calls in a fixed window. The window starts with the
// first call after the previous one expired.
type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	start  time.Time
	count  int
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newWindowLimiter(limit int, window time.Duration, logger *zap.Logger) *windowLimiter {
	return &windowLimiter{
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Wait admits one call, sleeping until the window resets when it is full
func (l *windowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		if l.start.IsZero() || now.Sub(l.start) >= l.window {
			l.start = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.start)
		l.mu.Unlock()

		l.logger.Info("rate window full, waiting", zap.Duration("wait", wait), zap.Int("limit", l.limit))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
