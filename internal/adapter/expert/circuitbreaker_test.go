package expert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

// stubClient answers every call with err, or a fixed response when err is nil.
type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Consult(_ context.Context, agent domain.AgentID, _ domain.AgentRequest) (*domain.AgentResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AgentResponse{Narrative: "from " + string(agent)}, nil
}

func (s *stubClient) ResolveChallenge(_ context.Context, _ domain.AgentID, _ domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChallengeResponse{Action: "defend"}, nil
}

func TestCircuitBreakerClientPassesThrough(t *testing.T) {
	cb := NewCircuitBreakerClient(&stubClient{}, config.CircuitBreakerConfig{}, testLogger())

	resp, err := cb.Consult(context.Background(), domain.AgentDesigner, domain.AgentRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from designer", resp.Narrative)

	ch, err := cb.ResolveChallenge(context.Background(), domain.AgentDesigner, domain.ChallengeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "defend", ch.Action)
}

func TestCircuitBreakerClientOpensPerAgent(t *testing.T) {
	inner := &stubClient{err: domain.ErrTransient}
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := cb.Consult(context.Background(), domain.AgentInstaller, domain.AgentRequest{})
		assert.ErrorIs(t, err, domain.ErrTransient)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State(domain.AgentInstaller))

	_, err := cb.Consult(context.Background(), domain.AgentInstaller, domain.AgentRequest{})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the expert")

	assert.Equal(t, gobreaker.StateClosed, cb.State(domain.AgentDesigner), "other agents are unaffected")
}

func TestCircuitBreakerClientIgnoresPermanentErrors(t *testing.T) {
	inner := &stubClient{err: domain.ErrValidation}
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{MaxFailures: 1}, testLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Consult(context.Background(), domain.AgentDesigner, domain.AgentRequest{})
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State(domain.AgentDesigner))
	assert.Equal(t, 3, inner.calls)
}

func TestCountsAsHealthy(t *testing.T) {
	assert.True(t, countsAsHealthy(nil))
	assert.True(t, countsAsHealthy(domain.ErrAuthInvalid))
	assert.True(t, countsAsHealthy(context.Canceled))
	assert.False(t, countsAsHealthy(domain.ErrRateLimit))
	assert.False(t, countsAsHealthy(context.DeadlineExceeded))
	assert.False(t, countsAsHealthy(errors.Join(errors.New("x"), domain.ErrTransient)))
}
