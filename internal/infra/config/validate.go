package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"sparkwise/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateSummarizer(cfg, ve)
	validateCache(cfg, ve)
	validateExperts(cfg, ve)
	validateLLM(cfg, ve)
	validateRules(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			ve.Add("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	for i, t := range cfg.Server.AuthTokens {
		if t.Token == "" {
			ve.Add("server.auth_tokens[%d].token is required", i)
		}
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxInFlight <= 0 {
		ve.Add("orchestrator.max_in_flight must be > 0")
	}
	if o.StepTimeout <= 0 {
		ve.Add("orchestrator.step_timeout must be > 0")
	}
	if o.MaxRetries < 0 {
		ve.Add("orchestrator.max_retries must be >= 0")
	}
	if o.RetryBase <= 0 {
		ve.Add("orchestrator.retry_base must be > 0")
	}
	if o.MaxResolutionRounds < 0 {
		ve.Add("orchestrator.max_resolution_rounds must be >= 0")
	}
	if o.ResolutionTimeout <= 0 {
		ve.Add("orchestrator.resolution_timeout must be > 0")
	}
	if o.RequestTimeout <= 0 {
		ve.Add("orchestrator.request_timeout must be > 0")
	} else if o.StepTimeout > o.RequestTimeout {
		ve.Add("orchestrator.step_timeout (%s) must not exceed request_timeout (%s)", o.StepTimeout, o.RequestTimeout)
	}
}

func validateSummarizer(cfg *Config, ve *ValidationError) {
	s := cfg.Summarizer
	if s.Threshold <= 0 {
		ve.Add("summarizer.threshold must be > 0")
	}
	if s.KeepRecent <= 0 {
		ve.Add("summarizer.keep_recent must be > 0")
	}
	if s.KeepRecent >= s.Threshold && s.Threshold > 0 {
		ve.Add("summarizer.keep_recent (%d) must be below threshold (%d)", s.KeepRecent, s.Threshold)
	}
	if s.MaxFacts <= 0 {
		ve.Add("summarizer.max_facts must be > 0")
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	c := cfg.Cache
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			ve.Add("cache.redis_url is required for the redis backend (set via SPARKWISE_CACHE_REDIS_URL)")
		} else if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("cache.redis_url must be a redis:// or rediss:// URL")
		}
	default:
		ve.Add("cache.backend %q is invalid (want: memory, redis)", c.Backend)
	}
	if c.ResponseTTL <= 0 {
		ve.Add("cache.response_ttl must be > 0")
	}
	if c.AgentTTL <= 0 {
		ve.Add("cache.agent_ttl must be > 0")
	}
}

var validTransports = map[string]bool{"": true, "http": true, "grpc": true}

func validateExperts(cfg *Config, ve *ValidationError) {
	if cfg.Experts.Timeout <= 0 {
		ve.Add("experts.timeout must be > 0")
	}
	seen := make(map[domain.AgentID]bool)
	for i, a := range cfg.Experts.Agents {
		id, err := domain.ParseAgentID(a.ID)
		if err != nil {
			ve.Add("experts.agents[%d].id %q is not a known agent (want: designer, cost-engineer, installer, health-safety, commissioning)", i, a.ID)
			continue
		}
		if seen[id] {
			ve.Add("experts.agents[%d]: duplicate agent %q", i, id)
		}
		seen[id] = true

		if !validTransports[a.Transport] {
			ve.Add("experts.agents[%d].transport %q is invalid (want: http, grpc)", i, a.Transport)
		}
		if a.Endpoint == "" {
			ve.Add("experts.agents[%d] (%s): endpoint is required", i, id)
			continue
		}
		if a.Transport == "grpc" {
			if _, _, err := net.SplitHostPort(a.Endpoint); err != nil {
				ve.Add("experts.agents[%d] (%s): grpc endpoint %q is not a valid host:port", i, id, a.Endpoint)
			}
		} else if u, err := url.Parse(a.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("experts.agents[%d] (%s): endpoint %q is not an absolute URL", i, id, a.Endpoint)
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if !cfg.LLM.Enabled {
		return
	}
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty when llm is enabled")
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via SPARKWISE_LLM_API_KEY or SPARKWISE_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, envName(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, fb := range cfg.LLM.Failover.Fallbacks {
			if !seen[fb] {
				ve.Add("llm.failover.fallbacks: %q does not match any configured provider", fb)
			}
		}
	}
}

func validateRules(cfg *Config, ve *ValidationError) {
	v := cfg.Validation
	if v.VoltageDropLimitPercent <= 0 || v.VoltageDropLimitPercent > 100 {
		ve.Add("validation.voltage_drop_limit_percent must be in (0, 100]")
	}
	if v.CostTolerancePercent < 0 {
		ve.Add("validation.cost_tolerance_percent must be >= 0")
	}
	for i, kind := range v.RCDRequiredCircuitKinds {
		if strings.TrimSpace(kind) == "" {
			ve.Add("validation.rcd_required_circuit_kinds[%d] must not be empty", i)
		}
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateStore(cfg *Config, ve *ValidationError) {
	s := cfg.Store
	if !s.Enabled {
		return
	}
	if s.Path == "" {
		ve.Add("store.path is required when the consultation log is enabled")
	}
	if s.Retention <= 0 {
		ve.Add("store.retention must be > 0")
	}
	if s.PruneSchedule == "" {
		ve.Add("store.prune_schedule is required when the consultation log is enabled")
	} else if _, err := scheduleParser.Parse(s.PruneSchedule); err != nil {
		ve.Add("store.prune_schedule %q is not a valid cron expression", s.PruneSchedule)
	}
}

var (
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
	validExporters = map[string]bool{"noop": true, "stdout": true, "": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be between 0 and 1", r)
	}
}
