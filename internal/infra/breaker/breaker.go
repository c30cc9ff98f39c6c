// Package breaker builds the gobreaker settings shared by the expert and
// text-generation adapters.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

// Defaults applied to zero-valued config fields.
const (
	DefaultMaxFailures uint32        = 5
	DefaultTimeout     time.Duration = 30 * time.Second
	DefaultInterval    time.Duration = 60 * time.Second
)

// Healthy decides whether a call result leaves the breaker's failure count alone.
type Healthy func(err error) bool

// IgnoreCancellation treats success and caller cancellation as healthy.
func IgnoreCancellation(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Settings returns breaker settings named name. The breaker trips after
// cfg.MaxFailures consecutive unhealthy results and lets one probe through
// once cfg.Timeout has passed.
func Settings(name string, cfg config.CircuitBreakerConfig, healthy Healthy, logger *slog.Logger) gobreaker.Settings {
	maxFailures := orDefault(cfg.MaxFailures, DefaultMaxFailures)
	if healthy == nil {
		healthy = IgnoreCancellation
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    orDefault(cfg.Interval, DefaultInterval),
		Timeout:     orDefault(cfg.Timeout, DefaultTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: healthy,
	}
}

// Unavailable marks gobreaker's fail-fast errors with domain.ErrCircuitOpen,
// naming the backend that is being shed. Other errors pass through.
func Unavailable(kind, name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %q: %w: %w", kind, name, domain.ErrCircuitOpen, err)
	}
	return err
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
