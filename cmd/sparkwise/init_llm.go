package main

import (
	"fmt"
	"log/slog"

	"sparkwise/internal/adapter/llm"
	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

// LLMComponents holds the text-generation collaborators of the orchestrator.
// Both are nil when text generation is disabled; the summarizer and
// intent classifier then run on their rule-based paths only.
type LLMComponents struct {
	Registry   *llm.Registry
	DefaultLLM domain.LLMProvider
	Classifier domain.SemanticClassifier
	Summarizer domain.SemanticSummarizer
}

// initLLM registers the configured providers, wraps them with circuit
// breakers and failover, and builds the semantic adapters on top.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	if !cfg.LLM.Enabled {
		log.Info("text generation disabled, using rule-based intent and summaries")
		return &LLMComponents{}, nil
	}

	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}

		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cbCfg, log)
		}

		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	var fallbacks []string
	if cfg.LLM.Failover.Enabled {
		fallbacks = cfg.LLM.Failover.Fallbacks
	}
	defaultLLM, err := registry.Chain(cfg.LLM.DefaultProvider, fallbacks, log)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) > 0 {
		log.Info("model failover enabled", "fallbacks", fallbacks)
	}

	return &LLMComponents{
		Registry:   registry,
		DefaultLLM: defaultLLM,
		Classifier: llm.NewSemanticClassifier(defaultLLM, cfg.LLM.MaxTokens, log),
		Summarizer: llm.NewSemanticSummarizer(defaultLLM, cfg.LLM.MaxTokens),
	}, nil
}

func createLLMProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "openai", "":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		return createBedrockProvider(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pc.Type)
	}
}
