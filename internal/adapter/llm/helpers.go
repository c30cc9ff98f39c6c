package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/infra/httpclient"
	"sparkwise/internal/infra/tracer"
)

// NewHTTPClient creates a pooled *http.Client with the provider's timeouts.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return httpclient.New(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool)
}

// doJSONRequest POSTs body and returns the response body, mapping non-2xx
// statuses to domain sentinels.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	return httpclient.PostJSON(ctx, client, "llm", url, body, headers)
}

// startChatSpan opens the llm.chat span shared by every provider.
func startChatSpan(ctx context.Context, provider string, req domain.ChatRequest) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", req.Model),
			tracer.BoolAttr("llm.json_output", req.JSONOutput),
		),
	)
}

// logChatCompleted logs the standard debug message after a successful chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// stripCodeFences removes a surrounding ```json ... ``` block that some
// models wrap JSON replies in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
