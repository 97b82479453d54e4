package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// BreakerConfig tunes the circuit breaker in front of the command path.
type BreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive failures.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval resets failure counts cyclically while closed. 0 keeps them.
	Interval time.Duration
}

// BreakerTransport decorates a Transport so that a repeatedly failing bridge
// fails command dispatch fast instead of burning the scheduler's retry
// budget against a dead link. Only SendCommand goes through the breaker;
// provisioning and firmware calls are rare and long-lived enough to surface
// their own failures.
type BreakerTransport struct {
	Transport
	breaker *gobreaker.CircuitBreaker[*Response]
}

// WithBreaker wraps inner with a circuit breaker on the command path.
// Zero-valued cfg fields fall back to defaults.
func WithBreaker(inner Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "mesh-bridge",
		MaxRequests: 1, // one probe while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("bridge circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &BreakerTransport{Transport: inner, breaker: cb}
}

func (t *BreakerTransport) SendCommand(ctx context.Context, target uint16, payload []byte, transition time.Duration) (*Response, error) {
	return t.breaker.Execute(func() (*Response, error) {
		return t.Transport.SendCommand(ctx, target, payload, transition)
	})
}
