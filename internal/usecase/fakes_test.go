package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"sparkwise/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

// fakeExpert is a scriptable ExpertClient.
type fakeExpert struct {
	mu sync.Mutex

	responses    map[domain.AgentID]*domain.AgentResponse
	failures     map[domain.AgentID][]error // returned by the first calls, in order
	alwaysFail   map[domain.AgentID]error
	delays       map[domain.AgentID]time.Duration
	challenge    map[domain.AgentID]*domain.ChallengeResponse
	challengeErr map[domain.AgentID]error

	calls          map[domain.AgentID]int
	requests       map[domain.AgentID][]domain.AgentRequest
	order          []domain.AgentID
	challengeCalls []domain.ChallengeRequest
}

func newFakeExpert() *fakeExpert {
	return &fakeExpert{
		responses:    make(map[domain.AgentID]*domain.AgentResponse),
		failures:     make(map[domain.AgentID][]error),
		alwaysFail:   make(map[domain.AgentID]error),
		delays:       make(map[domain.AgentID]time.Duration),
		challenge:    make(map[domain.AgentID]*domain.ChallengeResponse),
		challengeErr: make(map[domain.AgentID]error),
		calls:        make(map[domain.AgentID]int),
		requests:     make(map[domain.AgentID][]domain.AgentRequest),
	}
}

func (f *fakeExpert) Consult(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	f.mu.Lock()
	f.calls[agent]++
	f.requests[agent] = append(f.requests[agent], req)
	delay := f.delays[agent]
	var err error
	if e, ok := f.alwaysFail[agent]; ok {
		err = e
	} else if q := f.failures[agent]; len(q) > 0 {
		err = q[0]
		f.failures[agent] = q[1:]
	}
	resp := f.responses[agent]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.order = append(f.order, agent)
	f.mu.Unlock()
	if resp == nil {
		resp = &domain.AgentResponse{Narrative: string(agent) + " advice", Confidence: 0.8}
	}
	cp := *resp
	return &cp, nil
}

func (f *fakeExpert) ResolveChallenge(_ context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challengeCalls = append(f.challengeCalls, req)
	if err, ok := f.challengeErr[agent]; ok {
		return nil, err
	}
	if resp, ok := f.challenge[agent]; ok {
		cp := *resp
		return &cp, nil
	}
	return &domain.ChallengeResponse{Action: "defended", Reasoning: "design stands"}, nil
}

func (f *fakeExpert) callCount(agent domain.AgentID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agent]
}

func (f *fakeExpert) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeCache is an in-memory Cache with an injectable clock.
type fakeCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]fakeEntry
}

type fakeEntry struct {
	value   []byte
	expires time.Time
}

func newFakeCache(now func() time.Time) *fakeCache {
	return &fakeCache{now: now, entries: make(map[string]fakeEntry)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = fakeEntry{value: bytes.Clone(value), expires: c.now().Add(ttl)}
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingSink collects the events written to a consultation stream.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// countingRecorder tracks the measurements tests assert on.
type countingRecorder struct {
	NopRecorder
	mu       sync.Mutex
	retries  map[domain.AgentID]int
	avoided  int
	cacheHit map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{retries: make(map[domain.AgentID]int), cacheHit: make(map[string]int)}
}

func (r *countingRecorder) AgentRetry(agent domain.AgentID) {
	r.mu.Lock()
	r.retries[agent]++
	r.mu.Unlock()
}

func (r *countingRecorder) SharedLookupsAvoided(n int) {
	r.mu.Lock()
	r.avoided += n
	r.mu.Unlock()
}

func (r *countingRecorder) CacheLookup(layer string, hit bool) {
	if !hit {
		return
	}
	r.mu.Lock()
	r.cacheHit[layer]++
	r.mu.Unlock()
}

func structuredJSON(fields map[string]any) json.RawMessage {
	fields["schema_version"] = "1"
	data, _ := json.Marshal(fields)
	return data
}

func userMessages(texts ...string) []domain.Message {
	msgs := make([]domain.Message, len(texts))
	for i, t := range texts {
		msgs[i] = domain.Message{Role: domain.RoleUser, Content: t}
	}
	return msgs
}
