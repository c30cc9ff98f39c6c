package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sparkwise/internal/adapter/cache"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

const doctorDialTimeout = 5 * time.Second

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var notLoaded = CheckResult{
	Status:  StatusFail,
	Message: "cannot check: config not loaded",
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks still run when the config fails to load.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Expert agents", Fn: checkExperts},
		{Name: "Expert connectivity", Fn: checkExpertConnectivity},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Cache backend", Fn: checkCacheBackend},
		{Name: "Consultation log", Fn: checkStore},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
	}

	fmt.Println("sparkwise doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before starting sparkwise.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nsparkwise should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! sparkwise is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file parses and
// validates. A missing file is only a warning: defaults and SPARKWISE_*
// variables are enough to run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values reported above",
			}
		}

		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults and environment", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkExperts verifies expert agents are configured.
func checkExperts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Experts.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no expert agents configured; every consultation will be degraded",
			Fix:     "Add agents under experts.agents in config.yaml",
		}
	}

	ids := make([]string, len(cfg.Experts.Agents))
	for i, a := range cfg.Experts.Agents {
		ids[i] = a.ID
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent(s): %s", len(ids), strings.Join(ids, ", ")),
	}
}

// checkExpertConnectivity opens a TCP connection to every expert endpoint.
func checkExpertConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Experts.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped: no expert agents configured",
		}
	}

	var down []string
	for _, a := range cfg.Experts.Agents {
		addr, err := expertAddress(a)
		if err == nil {
			err = dialTCP(addr)
		}
		if err != nil {
			down = append(down, fmt.Sprintf("%s (%v)", a.ID, err))
		}
	}

	if len(down) == len(cfg.Experts.Agents) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no expert reachable: %s", strings.Join(down, "; ")),
			Fix:     "Check experts.agents[].endpoint and that the expert services are running",
		}
	}
	if len(down) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("unreachable: %s", strings.Join(down, "; ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("all %d expert endpoint(s) reachable", len(cfg.Experts.Agents)),
	}
}

// expertAddress returns the host:port an expert endpoint listens on.
func expertAddress(a config.ExpertConfig) (string, error) {
	if a.Transport == "grpc" {
		target := a.Endpoint
		if i := strings.Index(target, ":///"); i >= 0 {
			target = target[i+len(":///"):]
		}
		if _, _, err := net.SplitHostPort(target); err != nil {
			return "", fmt.Errorf("invalid grpc target %q", a.Endpoint)
		}
		return target, nil
	}

	u, err := url.Parse(a.Endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", a.Endpoint)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func dialTCP(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, doctorDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkLLMAPIKey verifies every configured provider that needs a key has one.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.LLM.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "text generation disabled; intent and summaries are rule-based",
		}
	}

	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider in config.yaml under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "bedrock":
			// AWS credentials come from the default chain.
			withKey = append(withKey, p.Name)
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set the key via SPARKWISE_LLM_API_KEY or SPARKWISE_LLM_PROVIDER_<NAME>_API_KEY",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.LLM.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "skipped: text generation disabled",
		}
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q; skipping connectivity test", provider.Type),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check llm.providers[].base_url and outbound network access",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a URL that answers without a completion request.
func providerEndpoint(p *config.ProviderConfig) string {
	switch p.Type {
	case "openai", "":
		if p.BaseURL != "" {
			return strings.TrimRight(p.BaseURL, "/") + "/models"
		}
		return "https://api.openai.com/v1/models"
	case "bedrock":
		region := p.Region
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/", region)
	default:
		return ""
	}
}

// checkCacheBackend verifies the configured cache backend is usable.
func checkCacheBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}

	switch cfg.Cache.Backend {
	case "memory", "":
		return CheckResult{
			Status:  StatusPass,
			Message: "in-process memory cache (not shared between replicas)",
		}
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), doctorDialTimeout)
		defer cancel()
		c, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.KeyPrefix)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("redis unreachable: %v", err),
				Fix:     "Check cache.redis_url or SPARKWISE_CACHE_REDIS_URL",
			}
		}
		c.Close()
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("redis reachable (key prefix %q)", cfg.Cache.KeyPrefix),
		}
	default:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("unsupported cache backend %q", cfg.Cache.Backend),
			Fix:     "Set cache.backend to memory or redis",
		}
	}
}

// checkStore verifies the consultation log directory is writable and the
// prune schedule parses.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Store.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "consultation log disabled",
		}
	}

	if _, err := scheduling.ParseSchedule(cfg.Store.PruneSchedule); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid prune schedule %q: %v", cfg.Store.PruneSchedule, err),
			Fix:     "Use a cron expression (e.g. @hourly) or a duration (e.g. 6h)",
		}
	}

	absDir, _ := filepath.Abs(filepath.Dir(cfg.Store.Path))
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s writable (retention %s)", absDir, cfg.Store.Retention),
	}
}

// checkGatewayAuth warns when the gateway listens beyond loopback without
// bearer tokens.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Server.AuthTokens) > 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%d bearer token(s) configured", len(cfg.Server.AuthTokens)),
		}
	}

	host, _, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid server.addr %q: %v", cfg.Server.Addr, err),
		}
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("no auth tokens; gateway bound to loopback %s", cfg.Server.Addr),
		}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("gateway listens on %s without authentication", cfg.Server.Addr),
		Fix:     "Add server.auth_tokens or set SPARKWISE_SERVER_AUTH_TOKEN",
	}
}
