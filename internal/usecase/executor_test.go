package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
)

func newTestExecutor(client domain.ExpertClient, cache domain.Cache, rec Recorder) *Executor {
	e := NewExecutor(client, cache, rec, ExecutorConfig{
		MaxInFlight: 3,
		StepTimeout: time.Second,
		Retry:       RetryPolicy{MaxRetries: 2, Base: time.Millisecond},
	}, testLogger())
	e.sleep = noSleep
	return e
}

func socketInput(plan domain.AgentPlan) ExecutionInput {
	return ExecutionInput{
		Plan:      plan,
		Messages:  userMessages("I need a new socket circuit, 32A, standard domestic ring"),
		SessionID: "sess-1",
	}
}

func agentIDs(outputs []domain.AgentOutput) []domain.AgentID {
	ids := make([]domain.AgentID, len(outputs))
	for i, o := range outputs {
		ids[i] = o.AgentID
	}
	return ids
}

func TestExecuteRunsStepsAfterDependencies(t *testing.T) {
	f := newFakeExpert()
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(StandardPlan("test")), nil)

	require.Len(t, res.Outputs, 5)
	assert.Equal(t, domain.CanonicalAgents, agentIDs(res.Outputs))
	assert.Equal(t, domain.AgentDesigner, f.order[0])

	pos := make(map[domain.AgentID]int)
	for i, id := range f.order {
		pos[id] = i
	}
	assert.Less(t, pos[domain.AgentInstaller], pos[domain.AgentCommissioning])

	costReq := f.requests[domain.AgentCostEngineer][0]
	require.Len(t, costReq.PreviousOutputs, 1)
	assert.Equal(t, domain.AgentDesigner, costReq.PreviousOutputs[0].AgentID)

	commReq := f.requests[domain.AgentCommissioning][0]
	assert.Equal(t, []domain.AgentID{domain.AgentDesigner, domain.AgentInstaller}, agentIDs(commReq.PreviousOutputs))
	assert.Equal(t, 5, res.RemoteCalls)
}

func TestExecuteNeverExceedsInFlightBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	client := expertFunc(func(ctx context.Context, agent domain.AgentID) (*domain.AgentResponse, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &domain.AgentResponse{Narrative: "ok", Confidence: 0.9}, nil
	})
	e := NewExecutor(client, nil, nil, ExecutorConfig{MaxInFlight: 2}, testLogger())

	plan := incrementalPlan([]domain.AgentID{
		domain.AgentCostEngineer, domain.AgentInstaller, domain.AgentHealthSafety, domain.AgentCommissioning,
	}, "independent")
	res := e.Execute(context.Background(), socketInput(plan), nil)

	assert.Len(t, res.Outputs, 4)
	assert.LessOrEqual(t, peak, 2)
}

func TestExecuteCacheHitMakesNoRemoteCalls(t *testing.T) {
	clock := newFakeClock()
	cache := newFakeCache(clock.Now)
	f := newFakeExpert()
	rec := newCountingRecorder()
	e := newTestExecutor(f, cache, rec)
	in := socketInput(StandardPlan("test"))

	first := e.Execute(context.Background(), in, nil)
	require.Equal(t, 5, f.totalCalls())
	assert.Equal(t, 5, first.RemoteCalls)

	clock.Advance(29 * time.Minute)
	second := e.Execute(context.Background(), in, nil)
	assert.Equal(t, 5, f.totalCalls(), "repeat within TTL must not call agents")
	assert.Zero(t, second.RemoteCalls)
	for _, o := range second.Outputs {
		assert.True(t, o.FromCache, o.AgentID)
	}
	assert.Equal(t, 5, rec.cacheHit[CacheLayerAgent])

	clock.Advance(2 * time.Minute)
	third := e.Execute(context.Background(), in, nil)
	assert.Equal(t, 10, f.totalCalls(), "expired entries must be refetched")
	assert.Equal(t, 5, third.RemoteCalls)
}

func TestExecuteDoesNotCacheDegradedOutputs(t *testing.T) {
	cache := newFakeCache(time.Now)
	f := newFakeExpert()
	f.alwaysFail[domain.AgentDesigner] = domain.NewDomainError("test", domain.ErrValidation, "bad")
	e := newTestExecutor(f, cache, nil)
	plan := singleStepPlan(domain.AgentDesigner, "test")

	e.Execute(context.Background(), socketInput(plan), nil)
	e.Execute(context.Background(), socketInput(plan), nil)

	assert.Equal(t, 2, f.callCount(domain.AgentDesigner))
}

func TestExecuteRetriesTransientFailuresUpToCeiling(t *testing.T) {
	f := newFakeExpert()
	f.alwaysFail[domain.AgentDesigner] = domain.NewDomainError("test", domain.ErrTransient, "502")
	rec := newCountingRecorder()
	e := newTestExecutor(f, nil, rec)

	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, 3, f.callCount(domain.AgentDesigner), "one attempt plus two retries")
	assert.Equal(t, 2, rec.retries[domain.AgentDesigner])
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])
	require.Len(t, res.Outputs, 1)
	assert.True(t, res.Outputs[0].Degraded)
	assert.Zero(t, res.Outputs[0].Confidence)
	assert.Contains(t, res.Outputs[0].Narrative, "could not be reached")
}

func TestExecuteRecoversAfterTransientFailure(t *testing.T) {
	f := newFakeExpert()
	f.failures[domain.AgentDesigner] = []error{errors.New("connection refused")}
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, 2, f.callCount(domain.AgentDesigner))
	assert.False(t, res.Outputs[0].Degraded)
}

func TestExecuteNeverRetriesValidationFailures(t *testing.T) {
	f := newFakeExpert()
	f.alwaysFail[domain.AgentDesigner] = errors.New("expert API error 422: missing field")
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, 1, f.callCount(domain.AgentDesigner))
	assert.True(t, res.Outputs[0].Degraded)
}

func TestExecuteDegradedStepDoesNotAbortPlan(t *testing.T) {
	f := newFakeExpert()
	f.alwaysFail[domain.AgentInstaller] = domain.ErrAuthInvalid
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(StandardPlan("test")), nil)

	require.Len(t, res.Outputs, 5)
	for _, o := range res.Outputs {
		assert.Equal(t, o.AgentID == domain.AgentInstaller, o.Degraded, o.AgentID)
	}
	assert.Equal(t, 1, f.callCount(domain.AgentCommissioning))
}

func TestExecuteStepTimeoutDegrades(t *testing.T) {
	f := newFakeExpert()
	f.delays[domain.AgentDesigner] = 500 * time.Millisecond
	e := NewExecutor(f, nil, nil, ExecutorConfig{
		StepTimeout: 20 * time.Millisecond,
		Retry:       RetryPolicy{MaxRetries: 1, Base: time.Millisecond},
	}, testLogger())
	e.sleep = noSleep

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, 2, f.callCount(domain.AgentDesigner))
	assert.True(t, res.Outputs[0].Degraded)
	assert.Contains(t, res.Outputs[0].FailureReason, "timed out")
}

func TestExecuteSharesDesignerCitations(t *testing.T) {
	f := newFakeExpert()
	f.responses[domain.AgentDesigner] = &domain.AgentResponse{
		Narrative:  "Use 2.5mm² twin and earth on a 32A RCBO.",
		Confidence: 0.9,
		Citations: []domain.Citation{
			{Source: "BS 7671", Reference: "433.1.1", Title: "Overload protection"},
			{Source: "BS 7671", Reference: "411.3.3", Title: "Additional protection"},
		},
	}
	rec := newCountingRecorder()
	e := newTestExecutor(f, nil, rec)

	res := e.Execute(context.Background(), socketInput(StandardPlan("test")), nil)

	designerReq := f.requests[domain.AgentDesigner][0]
	assert.False(t, designerReq.SharedContext.ReuseCitations)
	assert.Empty(t, designerReq.SharedContext.Citations)

	for _, id := range domain.CanonicalAgents[1:] {
		req := f.requests[id][0]
		assert.True(t, req.SharedContext.ReuseCitations, id)
		assert.Len(t, req.SharedContext.Citations, 2, id)
		assert.NotEmpty(t, req.SharedContext.Instructions, id)
	}
	assert.Equal(t, 8, res.SharedLookupsAvoided)
	assert.Equal(t, 8, rec.avoided)
	assert.Equal(t, 2, res.Facts.Len())
}

func TestExecuteForwardsDesignState(t *testing.T) {
	f := newFakeExpert()
	e := newTestExecutor(f, nil, nil)
	in := socketInput(singleStepPlan(domain.AgentDesigner, "test"))
	in.DesignState = []byte(`{"circuits":[{"id":"c1"}]}`)

	e.Execute(context.Background(), in, nil)

	assert.JSONEq(t, `{"circuits":[{"id":"c1"}]}`, string(f.requests[domain.AgentDesigner][0].SharedContext.CurrentDesignState))
}

func TestExecuteAppendsRedirectedAgent(t *testing.T) {
	f := newFakeExpert()
	f.responses[domain.AgentDesigner] = &domain.AgentResponse{
		Narrative: "This is a safety question.", Confidence: 0.5, Redirect: "safety",
	}
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, []domain.AgentID{domain.AgentDesigner, domain.AgentHealthSafety}, res.Plan.Agents())
	step, ok := res.Plan.Step(domain.AgentHealthSafety)
	require.True(t, ok)
	assert.Equal(t, []domain.AgentID{domain.AgentDesigner}, step.Dependencies)
	assert.Equal(t, 1, f.callCount(domain.AgentHealthSafety))
	require.NoError(t, res.Plan.Validate())
}

func TestExecuteAggregatesSuggestions(t *testing.T) {
	f := newFakeExpert()
	f.responses[domain.AgentDesigner] = &domain.AgentResponse{
		Narrative: "Design done.", Confidence: 0.9,
		SuggestedNextAgents: []string{"testing", "cost", "Cost_Engineer", "nonsense"},
	}
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	assert.Equal(t, []domain.AgentID{domain.AgentCostEngineer, domain.AgentCommissioning}, res.Suggestions)
}

func TestExecuteOutputOrderIndependentOfCompletion(t *testing.T) {
	plan := incrementalPlan([]domain.AgentID{domain.AgentDesigner, domain.AgentCostEngineer, domain.AgentInstaller}, "test")

	run := func(slow domain.AgentID) ExecutionResult {
		f := newFakeExpert()
		f.delays[slow] = 40 * time.Millisecond
		e := newTestExecutor(f, nil, nil)
		res := e.Execute(context.Background(), socketInput(plan), nil)
		require.NotEqual(t, slow, f.order[1], "the slow agent should finish last")
		return res
	}

	costSlow := run(domain.AgentCostEngineer)
	installerSlow := run(domain.AgentInstaller)

	assert.Equal(t, agentIDs(costSlow.Outputs), agentIDs(installerSlow.Outputs))
	assert.Equal(t, costSlow.Outputs, installerSlow.Outputs)
	assert.Equal(t,
		Synthesize(SynthesisInput{Plan: plan, Outputs: costSlow.Outputs}).Text,
		Synthesize(SynthesisInput{Plan: plan, Outputs: installerSlow.Outputs}).Text)
}

func TestExecuteCancellationKeepsCompletedOutputs(t *testing.T) {
	f := newFakeExpert()
	f.delays[domain.AgentCostEngineer] = 2 * time.Second
	e := newTestExecutor(f, nil, nil)
	plan := domain.AgentPlan{Sequence: []domain.AgentStep{
		{AgentID: domain.AgentDesigner, Priority: 1},
		{AgentID: domain.AgentCostEngineer, Priority: 2, Dependencies: []domain.AgentID{domain.AgentDesigner}},
		{AgentID: domain.AgentCommissioning, Priority: 3, Dependencies: []domain.AgentID{domain.AgentCostEngineer}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := e.Execute(ctx, socketInput(plan), nil)

	assert.Less(t, time.Since(start), time.Second, "in-flight calls must be cancelled")
	require.Len(t, res.Outputs, 3)
	assert.False(t, res.Outputs[0].Degraded)
	for _, o := range res.Outputs[1:] {
		assert.True(t, o.Degraded, o.AgentID)
		assert.Equal(t, reasonCancelled, o.FailureReason, o.AgentID)
	}
	assert.Zero(t, f.callCount(domain.AgentCommissioning))
}

func TestExecuteObserverSeesEveryStep(t *testing.T) {
	f := newFakeExpert()
	e := newTestExecutor(f, nil, nil)

	var seen []domain.AgentID
	e.Execute(context.Background(), socketInput(StandardPlan("test")), func(step domain.AgentStep, out domain.AgentOutput) {
		assert.Equal(t, step.AgentID, out.AgentID)
		seen = append(seen, step.AgentID)
	})

	assert.ElementsMatch(t, domain.CanonicalAgents, seen)
	assert.Equal(t, domain.AgentDesigner, seen[0])
}

func TestExecuteFallsBackToLegacyExtraction(t *testing.T) {
	f := newFakeExpert()
	f.responses[domain.AgentDesigner] = &domain.AgentResponse{
		Narrative:      "Run 2.5mm² cable protected by a 32A MCB. Current-carrying capacity is 27A.",
		StructuredData: []byte(`{"schema_version":"2"}`),
		Confidence:     0.8,
	}
	e := newTestExecutor(f, nil, nil)

	res := e.Execute(context.Background(), socketInput(singleStepPlan(domain.AgentDesigner, "test")), nil)

	s := res.Outputs[0].Structured
	require.NotNil(t, s)
	assert.True(t, s.Legacy)
	assert.InDelta(t, 2.5, *s.CableSizeMM2, 1e-9)
	assert.InDelta(t, 32, *s.ProtectiveDeviceRatingA, 1e-9)
	assert.InDelta(t, 27, *s.CarryingCapacityA, 1e-9)
}

func TestAgentCacheKeyDependsOnPriorOutputs(t *testing.T) {
	a := AgentCacheKey(domain.AgentCostEngineer, "fp", []domain.AgentOutput{{AgentID: domain.AgentDesigner, Narrative: "2.5mm²"}})
	b := AgentCacheKey(domain.AgentCostEngineer, "fp", []domain.AgentOutput{{AgentID: domain.AgentDesigner, Narrative: "4mm²"}})
	c := AgentCacheKey(domain.AgentInstaller, "fp", []domain.AgentOutput{{AgentID: domain.AgentDesigner, Narrative: "2.5mm²"}})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "agent:"))
}

// expertFunc adapts a function to ExpertClient for consult-only tests.
type expertFunc func(ctx context.Context, agent domain.AgentID) (*domain.AgentResponse, error)

func (f expertFunc) Consult(ctx context.Context, agent domain.AgentID, _ domain.AgentRequest) (*domain.AgentResponse, error) {
	return f(ctx, agent)
}

func (f expertFunc) ResolveChallenge(context.Context, domain.AgentID, domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	return nil, domain.ErrTransient
}
