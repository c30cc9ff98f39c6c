package expert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
)

// GRPCClient implements domain.ExpertClient over the JSON-coded expert
// gRPC service. The connection is created on first use and dropped after a
// transport failure so the next call reconnects.
type GRPCClient struct {
	target   string
	apiKey   string
	dialOpts []grpc.DialOption
	logger   *slog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for target. Extra dial options are
// appended after the insecure transport default.
func NewGRPCClient(target, apiKey string, logger *slog.Logger, opts ...grpc.DialOption) *GRPCClient {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}, opts...)
	return &GRPCClient{
		target:   target,
		apiKey:   apiKey,
		dialOpts: dialOpts,
		logger:   logger,
	}
}

func (c *GRPCClient) getConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(c.target, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc connect %s: %w", c.target, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *GRPCClient) dropConn(conn *grpc.ClientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
	}
}

// Consult implements domain.ExpertClient.
func (c *GRPCClient) Consult(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	out := new(domain.AgentResponse)
	if err := c.invoke(ctx, "expert.consult", agent, consultMethod, &ConsultMessage{Agent: agent, Request: req}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveChallenge implements domain.ExpertClient.
func (c *GRPCClient) ResolveChallenge(ctx context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	out := new(domain.ChallengeResponse)
	if err := c.invoke(ctx, "expert.challenge", agent, resolveChallengeMethod, &ChallengeMessage{Agent: agent, Request: req}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) invoke(ctx context.Context, spanName string, agent domain.AgentID, method string, in, out any) error {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(
			tracer.StringAttr("agent.id", string(agent)),
			tracer.StringAttr("expert.transport", "grpc"),
		),
	)
	defer span.End()

	conn, err := c.getConn()
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	md := metadata.Pairs(agentMetadataKey, string(agent))
	if c.apiKey != "" {
		md.Append(authorizationMetadataKey, "Bearer "+c.apiKey)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	if err := conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		if status.Code(err) == codes.Unavailable {
			c.dropConn(conn)
		}
		mapped := mapStatus(err)
		tracer.RecordError(span, mapped)
		return mapped
	}

	tracer.SetOK(span)
	c.logger.Debug("expert call completed", "agent_id", agent, "method", method)
	return nil
}

// Close releases the cached connection.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// mapStatus maps gRPC status codes onto the same sentinels the HTTP
// transport uses.
func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	detail := fmt.Sprintf("expert rpc %s: %s", st.Code(), st.Message())

	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return fmt.Errorf("%w: %s", domain.ErrValidation, detail)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case codes.NotFound, codes.Unimplemented:
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, detail)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w: %s", domain.ErrTransient, context.DeadlineExceeded, detail)
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, detail)
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.Unknown, codes.DataLoss:
		return fmt.Errorf("%w: %s", domain.ErrTransient, detail)
	default:
		return errors.New(detail)
	}
}

var _ domain.ExpertClient = (*GRPCClient)(nil)
