package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type rateLimitedLogger struct {
	logger zerolog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(logger zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

// Warn emits at most one line per interval; suppressed calls are counted
// into the next emitted line.
func (l *rateLimitedLogger) Warn(build func(*zerolog.Event)) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	suppressed := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	build(l.logger.Warn().Int("suppressed", suppressed))
}
