//go:build bedrock

package main

import (
	"log/slog"

	"sparkwise/internal/adapter/llm"
	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

func createBedrockProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return llm.NewBedrockProvider(pc, log)
}
