package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"sparkwise/internal/adapter/cache"
	"sparkwise/internal/adapter/expert"
	"sparkwise/internal/adapter/gateway"
	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/usecase"
	"sparkwise/internal/usecase/eventbus"
)

// Config holds integration test configuration from environment
type Config struct {
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		LLMAPIKey:   os.Getenv("SPARKWISE_LLM_API_KEY"),
		LLMBaseURL:  os.Getenv("SPARKWISE_LLM_BASE_URL"),
		LLMModel:    os.Getenv("SPARKWISE_LLM_MODEL"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: SPARKWISE_%s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// FakeExpert is an expert agent served over HTTP. Consult and Challenge
// build the replies; calls are counted per path.
type FakeExpert struct {
	Consult   func(domain.AgentRequest) domain.AgentResponse
	Challenge func(domain.ChallengeRequest) domain.ChallengeResponse

	mu    sync.Mutex
	calls map[string]int
}

// Calls returns how many requests hit path.
func (f *FakeExpert) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *FakeExpert) count(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[path]++
}

// Serve starts f on a test server closed at the end of the test.
func (f *FakeExpert) Serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /consult", func(w http.ResponseWriter, r *http.Request) {
		f.count("/consult")
		var req domain.AgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeReply(w, f.Consult(req))
	})
	mux.HandleFunc("POST /challenge", func(w http.ResponseWriter, r *http.Request) {
		f.count("/challenge")
		if f.Challenge == nil {
			http.Error(w, "challenges not supported", http.StatusServiceUnavailable)
			return
		}
		var req domain.ChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeReply(w, f.Challenge(req))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeReply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Stack is a running gateway in front of a fully wired orchestrator.
type Stack struct {
	URL   string
	Bus   domain.EventBus
	Cache domain.Cache
}

// NewStack wires the experts (agent id to base URL) through the real HTTP
// transport, registry, orchestrator and gateway handler.
func NewStack(t *testing.T, experts map[domain.AgentID]string, semantic domain.SemanticClassifier) *Stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Orchestrator.RetryBase = time.Millisecond
	for id, url := range experts {
		cfg.Experts.Agents = append(cfg.Experts.Agents, config.ExpertConfig{ID: string(id), Transport: "http", Endpoint: url})
	}

	registry, err := expert.NewRegistryFromConfig(cfg.Experts, log)
	if err != nil {
		t.Fatalf("expert registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	bus := eventbus.New(log)
	t.Cleanup(bus.Close)
	mem := cache.NewMemoryCache(0)
	t.Cleanup(func() { mem.Close() })

	oc := cfg.Orchestrator
	retry := usecase.RetryPolicy{MaxRetries: oc.MaxRetries, Base: oc.RetryBase}
	validator := usecase.NewValidator(usecase.DefaultValidationRules())
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Summarizer: usecase.NewSummarizer(nil, usecase.SummarizerConfig{}, log),
		Classifier: usecase.NewIntentClassifier(semantic, log),
		Planner:    usecase.NewPlanner(log),
		Executor: usecase.NewExecutor(registry, mem, usecase.NopRecorder{}, usecase.ExecutorConfig{
			MaxInFlight:   oc.MaxInFlight,
			StepTimeout:   oc.StepTimeout,
			Retry:         retry,
			AgentCacheTTL: cfg.Cache.AgentTTL,
		}, log),
		Validator: validator,
		Resolver: usecase.NewResolver(registry, validator, usecase.NopRecorder{}, usecase.ResolverConfig{
			MaxRounds:   oc.MaxResolutionRounds,
			CallTimeout: oc.ResolutionTimeout,
			Retry:       retry,
		}, log),
		Logger:           log,
		ResponseCache:    mem,
		Bus:              bus,
		SessionLocker:    usecase.NewSessionLocker(),
		RequestTimeout:   oc.RequestTimeout,
		ResponseCacheTTL: cfg.Cache.ResponseTTL,
	})

	server := gateway.NewServer(cfg.Server, gateway.HandlerDeps{Consulter: orch, Logger: log, Version: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(server.Handler(ctx))
	t.Cleanup(srv.Close)

	return &Stack{URL: srv.URL, Bus: bus, Cache: mem}
}
