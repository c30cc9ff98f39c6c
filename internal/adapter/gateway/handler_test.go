package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/usecase"
)

// --- test doubles ---

// fakeConsulter validates like the orchestrator, emits a fixed event
// sequence and returns a canned result.
type fakeConsulter struct {
	mu       sync.Mutex
	requests []domain.ConsultRequest
	result   *domain.ConsultResult
	err      error
	block    chan struct{} // when set, Consult waits on it or ctx
}

func (f *fakeConsulter) Consult(ctx context.Context, req domain.ConsultRequest, sink domain.EventSink) (*domain.ConsultResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r := f.result
	if sink != nil {
		emit := func(t domain.EventType, payload any) {
			_ = sink.Emit(ctx, domain.NewEvent(t, req.SessionID, payload))
		}
		emit(domain.EventPlan, usecase.PlanPayload{Plan: *r.Plan, Agents: r.Plan.Agents()})
		for _, out := range r.Outputs {
			step, _ := r.Plan.Step(out.AgentID)
			emit(domain.EventAgentResponse, usecase.AgentResponsePayload{Step: step, Output: out})
		}
		emit(domain.EventComplete, usecase.CompletePayload{
			ConsultationID:   r.ConsultationID,
			CombinedResponse: r.CombinedResponse,
			Confidence:       r.Confidence,
		})
	}
	return r, nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	opened  map[string]int
	closed  map[string]int
	statuses map[string][]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{opened: map[string]int{}, closed: map[string]int{}, statuses: map[string][]int{}}
}

func (r *recordingRecorder) StreamOpened(t string) { r.mu.Lock(); r.opened[t]++; r.mu.Unlock() }
func (r *recordingRecorder) StreamClosed(t string) { r.mu.Lock(); r.closed[t]++; r.mu.Unlock() }
func (r *recordingRecorder) HTTPRequest(route string, code int, _ time.Duration) {
	r.mu.Lock()
	r.statuses[route] = append(r.statuses[route], code)
	r.mu.Unlock()
}

func sampleResult() *domain.ConsultResult {
	plan := domain.AgentPlan{
		Sequence: []domain.AgentStep{
			{AgentID: domain.AgentDesigner, Priority: 1, Reasoning: "circuit design"},
			{AgentID: domain.AgentHealthSafety, Priority: 2, Reasoning: "safety review",
				Dependencies: []domain.AgentID{domain.AgentDesigner}},
		},
		Reasoning:           "design with safety review",
		EstimatedComplexity: domain.ComplexityModerate,
	}
	return &domain.ConsultResult{
		ConsultationID: "01HZX",
		SessionID:      "sess-1",
		Plan:           &plan,
		Outputs: []domain.AgentOutput{
			{AgentID: domain.AgentDesigner, Narrative: "Use 6mm² cable on a 40A MCB.", Confidence: 0.85},
			{AgentID: domain.AgentHealthSafety, Narrative: "30mA RCD required.", Confidence: 0.9},
		},
		CombinedResponse: "Use 6mm² cable on a 40A MCB with 30mA RCD protection.",
		Confidence:       0.87,
		Warnings:         []string{"verify Zs on site"},
		CreatedAt:        time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

const validBody = `{"session_id":"sess-1","messages":[{"role":"user","content":"Size a cooker circuit"}]}`

func newTestServer(t *testing.T, c Consulter, mutate ...func(*config.ServerConfig, *HandlerDeps)) (*httptest.Server, *recordingRecorder) {
	t.Helper()
	cfg := config.ServerConfig{Addr: "127.0.0.1:0", MaxBodyBytes: 1 << 20}
	rec := newRecordingRecorder()
	deps := HandlerDeps{
		Consulter: c,
		Recorder:  rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:   "test",
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := httptest.NewServer(NewServer(cfg, deps).Handler(ctx))
	t.Cleanup(ts.Close)
	return ts, rec
}

func postConsult(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", url+"/api/v1/consult", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

type sseEvent struct {
	Type string
	Data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Type != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

// --- tests ---

func TestConsultJSON(t *testing.T) {
	fc := &fakeConsulter{result: sampleResult()}
	ts, rec := newTestServer(t, fc)

	resp := postConsult(t, ts.URL, validBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "01HZX", body["consultation_id"])
	assert.Equal(t, "Use 6mm² cable on a 40A MCB with 30mA RCD protection.", body["combined_response"])
	assert.Len(t, body["agent_outputs"], 2)
	assert.NotNil(t, body["agent_plan"])
	assert.Equal(t, []any{"verify Zs on site"}, body["warnings"])
	assert.NotContains(t, body, "requires_clarification")

	require.Len(t, fc.requests, 1)
	assert.Equal(t, "sess-1", fc.requests[0].SessionID)
	assert.Equal(t, []int{200}, rec.statuses["/api/v1/consult"])
}

func TestConsultJSONClarification(t *testing.T) {
	fc := &fakeConsulter{result: &domain.ConsultResult{
		ConsultationID:        "01HZY",
		SessionID:             "sess-1",
		CombinedResponse:      "Which room is the circuit for?",
		RequiresClarification: true,
		ClarificationQuestion: "Which room is the circuit for?",
	}}
	ts, _ := newTestServer(t, fc)

	resp := postConsult(t, ts.URL, validBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["requires_clarification"])
	assert.Equal(t, "Which room is the circuit for?", body["clarification_question"])
	assert.Equal(t, []any{}, body["agent_outputs"])
}

func TestConsultValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"session_id":`},
		{"missing session", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"no messages", `{"session_id":"s","messages":[]}`},
		{"unknown agent", `{"session_id":"s","messages":[{"role":"user","content":"hi"}],"selected_agents":["plumber"]}`},
		{"bad role", `{"session_id":"s","messages":[{"role":"robot","content":"hi"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConsulter{result: sampleResult()}
			ts, _ := newTestServer(t, fc)

			resp := postConsult(t, ts.URL, tt.body, nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(domain.CodeValidation), body["code"])
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, fc.requests, "invalid requests must not reach the orchestrator")
		})
	}
}

func TestConsultValidationErrorInStreamMode(t *testing.T) {
	ts, _ := newTestServer(t, &fakeConsulter{result: sampleResult()})

	resp := postConsult(t, ts.URL, `{"session_id":""}`, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestConsultBodyTooLarge(t *testing.T) {
	ts, _ := newTestServer(t, &fakeConsulter{result: sampleResult()}, func(c *config.ServerConfig, _ *HandlerDeps) {
		c.MaxBodyBytes = 32
	})

	resp := postConsult(t, ts.URL, validBody, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, string(domain.CodeValidation), decodeBody(t, resp)["code"])
}

func TestConsultInternalError(t *testing.T) {
	fc := &fakeConsulter{err: errors.New("synthesizer exploded: secret detail")}
	ts, _ := newTestServer(t, fc)

	resp := postConsult(t, ts.URL, validBody, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, string(domain.CodeUnknown), body["code"])
}

func TestConsultSSE(t *testing.T) {
	for _, headers := range []map[string]string{
		{"Accept": "text/event-stream"},
		{"X-Response-Mode": "stream"},
	} {
		fc := &fakeConsulter{result: sampleResult()}
		ts, rec := newTestServer(t, fc)

		resp := postConsult(t, ts.URL, validBody, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		events := readSSE(t, resp.Body)
		var types []string
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []string{"plan", "agent_response", "agent_response", "complete"}, types)

		var plan usecase.PlanPayload
		require.NoError(t, json.Unmarshal([]byte(events[0].Data), &plan))
		assert.Equal(t, []domain.AgentID{domain.AgentDesigner, domain.AgentHealthSafety}, plan.Agents)

		var complete usecase.CompletePayload
		require.NoError(t, json.Unmarshal([]byte(events[3].Data), &complete))
		assert.Equal(t, "01HZX", complete.ConsultationID)

		rec.mu.Lock()
		assert.Equal(t, 1, rec.opened[transportSSE])
		assert.Equal(t, 1, rec.closed[transportSSE])
		rec.mu.Unlock()
	}
}

func TestConsultSSEErrorEvent(t *testing.T) {
	fc := &fakeConsulter{err: domain.NewDomainError("Orchestrator.Consult", domain.ErrPlanInvalid, "cycle")}
	ts, _ := newTestServer(t, fc)

	resp := postConsult(t, ts.URL, validBody, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)

	var payload usecase.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &payload))
	assert.Equal(t, domain.CodePlanInvalid, payload.Code)
	assert.Equal(t, "internal server error", payload.Error)
}

func TestConsultMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &fakeConsulter{result: sampleResult()})

	resp, err := http.Get(ts.URL + "/api/v1/consult")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConsultRequiresAuthWhenConfigured(t *testing.T) {
	ts, _ := newTestServer(t, &fakeConsulter{result: sampleResult()}, func(_ *config.ServerConfig, d *HandlerDeps) {
		d.Auth = newTestAuth()
	})

	resp := postConsult(t, ts.URL, validBody, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(domain.CodeAuthInvalid), decodeBody(t, resp)["code"])

	resp = postConsult(t, ts.URL, validBody, map[string]string{"Authorization": "Bearer secret-123"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConsultRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, &fakeConsulter{result: sampleResult()}, func(c *config.ServerConfig, _ *HandlerDeps) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.01, Burst: 1}
	})

	assert.Equal(t, http.StatusOK, postConsult(t, ts.URL, validBody, nil).StatusCode)
	resp := postConsult(t, ts.URL, validBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWantsStream(t *testing.T) {
	tests := []struct {
		accept, mode string
		want         bool
	}{
		{"text/event-stream", "", true},
		{"application/json, text/event-stream", "", true},
		{"", "stream", true},
		{"", "STREAM", true},
		{"application/json", "", false},
		{"", "json", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", "/api/v1/consult", nil)
		if tt.accept != "" {
			r.Header.Set("Accept", tt.accept)
		}
		if tt.mode != "" {
			r.Header.Set("X-Response-Mode", tt.mode)
		}
		assert.Equal(t, tt.want, wantsStream(r), "accept=%q mode=%q", tt.accept, tt.mode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewDomainError("op", domain.ErrValidation, "bad"), http.StatusBadRequest},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrAuthInvalid, http.StatusUnauthorized},
		{domain.ErrRateLimit, http.StatusTooManyRequests},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := errorStatus(tt.err)
		assert.Equal(t, tt.want, got, "err=%v", tt.err)
	}
}
