package expert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker/v2"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/breaker"
	"sparkwise/internal/infra/config"
)

// CircuitBreakerClient wraps an ExpertClient with one breaker per agent, so
// a failing expert fails fast without affecting the others. Only transient
// failures count against a breaker: a validation error says nothing about
// the expert's health.
type CircuitBreakerClient struct {
	inner    domain.ExpertClient
	settings func(agent domain.AgentID) gobreaker.Settings

	mu       sync.Mutex
	breakers map[domain.AgentID]*gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerClient wraps inner. Zero-valued settings use defaults.
func NewCircuitBreakerClient(inner domain.ExpertClient, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		inner: inner,
		settings: func(agent domain.AgentID) gobreaker.Settings {
			return breaker.Settings("expert:"+string(agent), cfg, countsAsHealthy, logger)
		},
		breakers: make(map[domain.AgentID]*gobreaker.CircuitBreaker[any]),
	}
}

// countsAsHealthy reports whether err leaves the breaker untouched.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	return !domain.IsRetryableError(err) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *CircuitBreakerClient) breakerFor(agent domain.AgentID) *gobreaker.CircuitBreaker[any] {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[agent]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[any](c.settings(agent))
		c.breakers[agent] = cb
	}
	return cb
}

// Consult implements domain.ExpertClient.
func (c *CircuitBreakerClient) Consult(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	out, err := c.breakerFor(agent).Execute(func() (any, error) {
		return c.inner.Consult(ctx, agent, req)
	})
	if err != nil {
		return nil, breaker.Unavailable("expert", string(agent), err)
	}
	return out.(*domain.AgentResponse), nil
}

// ResolveChallenge implements domain.ExpertClient.
func (c *CircuitBreakerClient) ResolveChallenge(ctx context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	out, err := c.breakerFor(agent).Execute(func() (any, error) {
		return c.inner.ResolveChallenge(ctx, agent, req)
	})
	if err != nil {
		return nil, breaker.Unavailable("expert", string(agent), err)
	}
	return out.(*domain.ChallengeResponse), nil
}

// State returns the breaker state for agent. Agents never called report closed.
func (c *CircuitBreakerClient) State(agent domain.AgentID) gobreaker.State {
	return c.breakerFor(agent).State()
}

var _ domain.ExpertClient = (*CircuitBreakerClient)(nil)
