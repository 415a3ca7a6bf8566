package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCoolingDown is returned by [Runner.HandleTranscript] while the provider
// breaker is open: enough consecutive completions failed that new turns fail
// fast instead of stalling the call on a provider that is down.
var ErrCoolingDown = errors.New("chat: model provider cooling down")

const (
	// breakerTrip is the number of consecutive failed completions that opens
	// the breaker.
	breakerTrip = 3

	// breakerCooldown is how long the breaker stays open before a single
	// probe completion is let through.
	breakerCooldown = 30 * time.Second
)

// breaker is a three-state circuit breaker (closed, open, probing) guarding
// the model provider. Cancelled turns are not provider failures and leave
// the state untouched.
type breaker struct {
	trip     int
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	failures int
	open     bool
	openedAt time.Time
	probing  bool
}

func newBreaker(trip int, cooldown time.Duration, logger *slog.Logger) *breaker {
	return &breaker{trip: trip, cooldown: cooldown, logger: logger}
}

// allow reports whether a completion may start. While open it returns
// [ErrCoolingDown] until the cooldown elapses, then admits one probe turn
// whose outcome decides the next state.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.probing || time.Since(b.openedAt) < b.cooldown {
		return ErrCoolingDown
	}
	b.probing = true
	b.logger.Info("probing model provider after cooldown")
	return nil
}

// record feeds one turn's outcome back into the breaker.
func (b *breaker) record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.open {
			b.logger.Info("model provider recovered")
		}
		b.open = false
		b.probing = false
		b.failures = 0
		return
	}

	b.failures++
	if b.open {
		// The probe failed: restart the cooldown.
		b.probing = false
		b.openedAt = time.Now()
		b.logger.Warn("model provider probe failed", "err", err)
		return
	}
	if b.failures >= b.trip {
		b.open = true
		b.openedAt = time.Now()
		b.logger.Warn("model provider breaker opened",
			"consecutive_failures", b.failures,
			"cooldown", b.cooldown)
	}
}
