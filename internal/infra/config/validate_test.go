package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr is required"},
		{"bad addr", func(c *Config) { c.Server.Addr = "localhost" }, "not a valid host:port"},
		{"zero body", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "server.max_body_bytes must be > 0"},
		{"rate limit rps", func(c *Config) { c.Server.RateLimit.RequestsPerSecond = 0 }, "requests_per_second must be > 0"},
		{"rate limit burst", func(c *Config) { c.Server.RateLimit.Burst = 0 }, "burst must be > 0"},
		{"in flight", func(c *Config) { c.Orchestrator.MaxInFlight = 0 }, "orchestrator.max_in_flight must be > 0"},
		{"negative retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }, "orchestrator.max_retries must be >= 0"},
		{"retry base", func(c *Config) { c.Orchestrator.RetryBase = 0 }, "orchestrator.retry_base must be > 0"},
		{"step exceeds request", func(c *Config) { c.Orchestrator.StepTimeout = 5 * time.Minute }, "must not exceed request_timeout"},
		{"keep recent", func(c *Config) { c.Summarizer.KeepRecent = 12 }, "must be below threshold"},
		{"max facts", func(c *Config) { c.Summarizer.MaxFacts = 0 }, "summarizer.max_facts must be > 0"},
		{"cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, `cache.backend "memcached" is invalid`},
		{"redis url missing", func(c *Config) { c.Cache.Backend = "redis" }, "cache.redis_url is required"},
		{"redis url scheme", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.RedisURL = "http://cache:6379"
		}, "must be a redis:// or rediss:// URL"},
		{"agent ttl", func(c *Config) { c.Cache.AgentTTL = 0 }, "cache.agent_ttl must be > 0"},
		{"expert timeout", func(c *Config) { c.Experts.Timeout = 0 }, "experts.timeout must be > 0"},
		{"voltage drop", func(c *Config) { c.Validation.VoltageDropLimitPercent = 0 }, "voltage_drop_limit_percent"},
		{"cost tolerance", func(c *Config) { c.Validation.CostTolerancePercent = -1 }, "cost_tolerance_percent must be >= 0"},
		{"blank rcd kind", func(c *Config) { c.Validation.RCDRequiredCircuitKinds = []string{"socket", " "} }, "rcd_required_circuit_kinds[1]"},
		{"logger level", func(c *Config) { c.Logger.Level = "verbose" }, `logger.level "verbose" is invalid`},
		{"logger format", func(c *Config) { c.Logger.Format = "xml" }, `logger.format "xml" is invalid`},
		{"tracer exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, `tracer.exporter "jaeger" is invalid`},
		{"sample ratio", func(c *Config) { c.Tracer.SampleRatio = 1.5 }, "tracer.sample_ratio 1.5 must be between 0 and 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateExperts(t *testing.T) {
	tests := []struct {
		name   string
		agents []ExpertConfig
		want   string
	}{
		{"unknown id", []ExpertConfig{{ID: "electrician", Endpoint: "http://x:1"}}, "is not a known agent"},
		{"duplicate", []ExpertConfig{
			{ID: "designer", Endpoint: "http://a:1"},
			{ID: "designer", Endpoint: "http://b:1"},
		}, `duplicate agent "designer"`},
		{"bad transport", []ExpertConfig{{ID: "installer", Transport: "amqp", Endpoint: "http://x:1"}}, `transport "amqp" is invalid`},
		{"missing endpoint", []ExpertConfig{{ID: "installer"}}, "endpoint is required"},
		{"relative http endpoint", []ExpertConfig{{ID: "commissioning", Endpoint: "/consult"}}, "is not an absolute URL"},
		{"grpc without port", []ExpertConfig{{ID: "health-safety", Transport: "grpc", Endpoint: "hs.internal"}}, "is not a valid host:port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Experts.Agents = tt.agents
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateExpertsValid(t *testing.T) {
	cfg := Defaults()
	cfg.Experts.Agents = []ExpertConfig{
		{ID: "designer", Transport: "http", Endpoint: "http://designer.internal:9000"},
		{ID: "cost-engineer", Transport: "grpc", Endpoint: "cost.internal:9001"},
		{ID: "installer", Endpoint: "https://installer.example.com"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateLLMDisabledSkipsProviders(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "cohere"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled llm should not be validated: %v", err)
	}
}

func TestValidateLLM(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LLMConfig)
		want   string
	}{
		{"no providers", func(l *LLMConfig) { l.Providers = nil }, "llm.providers must not be empty"},
		{"empty default", func(l *LLMConfig) { l.DefaultProvider = "" }, "llm.default_provider must not be empty"},
		{"duplicate", func(l *LLMConfig) {
			l.Providers = append(l.Providers, ProviderConfig{Name: "openai", APIKey: "sk-2"})
		}, `duplicate provider name "openai"`},
		{"bad type", func(l *LLMConfig) { l.Providers[0].Type = "cohere" }, `type "cohere" is invalid`},
		{"missing key", func(l *LLMConfig) { l.Providers[0].APIKey = "" }, "SPARKWISE_LLM_PROVIDER_OPENAI_API_KEY"},
		{"default not found", func(l *LLMConfig) { l.DefaultProvider = "anthropic" }, `llm.default_provider "anthropic" does not match`},
		{"bedrock region", func(l *LLMConfig) {
			l.Providers = append(l.Providers, ProviderConfig{Name: "claude", Type: "bedrock"})
		}, "region is required for bedrock provider"},
		{"unknown fallback", func(l *LLMConfig) {
			l.Failover = FailoverConfig{Enabled: true, Fallbacks: []string{"groq"}}
		}, `llm.failover.fallbacks: "groq" does not match`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.LLM.Enabled = true
			cfg.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "openai", APIKey: "sk-test"}}
			tt.mutate(&cfg.LLM)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateLLMBedrockNeedsNoKey(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Enabled = true
	cfg.LLM.DefaultProvider = "claude"
	cfg.LLM.Providers = []ProviderConfig{{Name: "claude", Type: "bedrock", Region: "eu-west-2"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("bedrock provider without api key should be valid: %v", err)
	}
}

func TestValidateStore(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("default store settings should be valid: %v", err)
	}

	cfg.Store.PruneSchedule = "every tuesday"
	cfg.Store.Retention = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `store.prune_schedule "every tuesday" is not a valid cron expression`)
	assertContains(t, err.Error(), "store.retention must be > 0")
}

func TestValidateStoreDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Path = ""
	cfg.Store.PruneSchedule = "nonsense"
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled store should not be validated: %v", err)
	}
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.MaxInFlight = 0
	cfg.Summarizer.MaxFacts = 0
	cfg.Cache.Backend = "disk"
	cfg.Logger.Level = "loud"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second %s", "error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
