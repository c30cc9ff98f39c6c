package domain

import "context"

// LLMProvider is the interface for any text-generation backend.
// The orchestrator only uses it for classification and summarization;
// expert agents run their own generation behind ExpertClient.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}
