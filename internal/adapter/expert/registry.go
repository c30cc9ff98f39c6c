package expert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/sony/gobreaker/v2"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/infra/httpclient"
)

// Registry routes calls to the client configured for each agent.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.AgentID]domain.ExpertClient
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.AgentID]domain.ExpertClient)}
}

// Register binds agent to client. Returns an error if agent is already bound.
func (r *Registry) Register(agent domain.AgentID, client domain.ExpertClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[agent]; exists {
		return fmt.Errorf("expert %q already registered", agent)
	}
	r.clients[agent] = client
	return nil
}

func (r *Registry) get(op string, agent domain.AgentID) (domain.ExpertClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[agent]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrAgentNotFound, string(agent))
	}
	return c, nil
}

// Consult implements domain.ExpertClient.
func (r *Registry) Consult(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	c, err := r.get("Registry.Consult", agent)
	if err != nil {
		return nil, err
	}
	return c.Consult(ctx, agent, req)
}

// ResolveChallenge implements domain.ExpertClient.
func (r *Registry) ResolveChallenge(ctx context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	c, err := r.get("Registry.ResolveChallenge", agent)
	if err != nil {
		return nil, err
	}
	return c.ResolveChallenge(ctx, agent, req)
}

// Agents returns the registered agents in canonical order.
func (r *Registry) Agents() []domain.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b domain.AgentID) int { return a.Rank() - b.Rank() })
	return out
}

// CheckAgent reports whether agent is callable: it must be registered and
// its circuit breaker, if any, must not be open.
func (r *Registry) CheckAgent(agent domain.AgentID) error {
	c, err := r.get("Registry.CheckAgent", agent)
	if err != nil {
		return err
	}
	if b, ok := c.(interface{ State(domain.AgentID) gobreaker.State }); ok && b.State(agent) == gobreaker.StateOpen {
		return domain.NewDomainError("Registry.CheckAgent", domain.ErrCircuitOpen, string(agent))
	}
	return nil
}

// Close closes every client that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, c := range r.clients {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewRegistryFromConfig builds a registry with one transport client per
// configured agent. HTTP experts share one pooled client. Each client is
// wrapped in its own circuit breaker when enabled.
func NewRegistryFromConfig(cfg config.ExpertsConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	shared := httpclient.New(0, cfg.Timeout, cfg.Pool)

	for _, a := range cfg.Agents {
		id, err := domain.ParseAgentID(a.ID)
		if err != nil {
			return nil, fmt.Errorf("expert %q: %w", a.ID, err)
		}
		apiKey := a.APIKey
		if apiKey == "" {
			apiKey = cfg.APIKey
		}

		var client domain.ExpertClient
		switch a.Transport {
		case "grpc":
			client = NewGRPCClient(a.Endpoint, apiKey, logger)
		case "http", "":
			client = NewHTTPClient(a.Endpoint, apiKey, shared, logger)
		default:
			return nil, fmt.Errorf("expert %q: unsupported transport %q", a.ID, a.Transport)
		}
		if cfg.CircuitBreaker.Enabled {
			client = &closingBreaker{
				CircuitBreakerClient: NewCircuitBreakerClient(client, cfg.CircuitBreaker, logger),
				closer:               client,
			}
		}

		if err := reg.Register(id, client); err != nil {
			return nil, err
		}
		logger.Info("expert registered", "agent_id", id, "transport", a.Transport, "endpoint", a.Endpoint)
	}
	return reg, nil
}

// closingBreaker keeps the wrapped transport closable through the breaker.
type closingBreaker struct {
	*CircuitBreakerClient
	closer domain.ExpertClient
}

func (c *closingBreaker) Close() error {
	if cl, ok := c.closer.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

var _ domain.ExpertClient = (*Registry)(nil)
