// Package expert reaches the remote expert agents over HTTP or gRPC.
package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/httpclient"
	"sparkwise/internal/infra/tracer"
)

// HTTPClient implements domain.ExpertClient for an expert served at a
// single base URL: POST {base}/consult and POST {base}/challenge.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an HTTP expert client. client is shared across
// experts so connections are pooled.
func NewHTTPClient(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

// Consult implements domain.ExpertClient.
func (c *HTTPClient) Consult(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	var resp domain.AgentResponse
	if err := c.post(ctx, "expert.consult", agent, "/consult", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveChallenge implements domain.ExpertClient.
func (c *HTTPClient) ResolveChallenge(ctx context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	var resp domain.ChallengeResponse
	if err := c.post(ctx, "expert.challenge", agent, "/challenge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) post(ctx context.Context, spanName string, agent domain.AgentID, path string, in, out any) error {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(
			tracer.StringAttr("agent.id", string(agent)),
			tracer.StringAttr("expert.transport", "http"),
		),
	)
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		tracer.RecordError(span, err)
		return fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{"X-Agent-ID": string(agent)}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	respBody, err := httpclient.PostJSON(ctx, c.client, "expert", c.baseURL+path, body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("HTTPClient"+path, domain.ErrMalformedResponse, err.Error())
	}

	tracer.SetOK(span)
	c.logger.Debug("expert call completed", "agent_id", agent, "path", path, "bytes", len(respBody))
	return nil
}

var _ domain.ExpertClient = (*HTTPClient)(nil)
