package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sparkwise/internal/domain"
)

// FailoverProvider asks each provider of a chain in turn until one answers.
// The first provider names the chain.
type FailoverProvider struct {
	chain  []domain.LLMProvider
	logger *slog.Logger
}

// NewFailoverProvider chains primary ahead of fallbacks.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	chain := make([]domain.LLMProvider, 0, 1+len(fallbacks))
	chain = append(chain, primary)
	chain = append(chain, fallbacks...)
	return &FailoverProvider{chain: chain, logger: logger}
}

// Chat implements domain.LLMProvider. When every provider fails the error
// joins each failure, so errors.Is still sees the underlying sentinels.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.chain {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("text generation served by fallback", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		f.logger.Warn("text generation provider failed",
			"provider", p.Name(),
			"attempt", i+1,
			"providers", len(f.chain),
			"error", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.chain), errors.Join(errs...))
}

// Name implements domain.LLMProvider.
func (f *FailoverProvider) Name() string {
	return f.chain[0].Name() + "+failover"
}

var _ domain.LLMProvider = (*FailoverProvider)(nil)
