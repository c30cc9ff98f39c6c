package llm

import (
	"context"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/breaker"
	"sparkwise/internal/infra/config"
)

// CircuitBreakerProvider sheds summarization and classification calls to a
// provider that keeps failing, so the orchestrator drops to its deterministic
// fallbacks immediately instead of waiting on every request.
type CircuitBreakerProvider struct {
	inner domain.LLMProvider
	cb    *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerProvider wraps inner. Zero-valued settings use breaker defaults.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	settings := breaker.Settings("llm:"+inner.Name(), cfg, breaker.IgnoreCancellation, logger)
	return &CircuitBreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*domain.ChatResponse](settings),
	}
}

// Chat implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.cb.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, breaker.Unavailable("provider", p.inner.Name(), err)
	}
	return resp, nil
}

// Name implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State reports the breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.cb.State() }

// Counts reports the breaker's counters for the current interval.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts { return p.cb.Counts() }

var _ domain.LLMProvider = (*CircuitBreakerProvider)(nil)
