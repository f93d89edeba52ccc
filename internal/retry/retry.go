package retry

import (
	"time"

	"github.com/openkcm/sweep/internal/clock"
)

// Backoff doubles the delay between attempts, starting at Base and capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt after the given number of attempts.
func (b Backoff) Delay(attempts int64) time.Duration {
	if attempts <= 0 {
		return min(b.Base, b.Max)
	}
	if attempts >= 63 {
		return b.Max
	}
	delay := b.Base << attempts
	if delay < b.Base || delay>>attempts != b.Base {
		return b.Max
	}
	return min(delay, b.Max)
}

// Elapsed reports whether the delay after attempts passed since the unix-nano timestamp.
func (b Backoff) Elapsed(attempts int64, sinceUnixNano int64) bool {
	return clock.Since(sinceUnixNano) >= b.Delay(attempts)
}
