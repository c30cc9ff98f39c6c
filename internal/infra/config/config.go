package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	Cache        CacheConfig        `yaml:"cache"`
	Experts      ExpertsConfig      `yaml:"experts"`
	LLM          LLMConfig          `yaml:"llm"`
	Validation   ValidationConfig   `yaml:"validation"`
	Store        StoreConfig        `yaml:"store"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	AllowedOrigins  []string        `yaml:"allowed_origins,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	// AuthTokens enables bearer-token auth on the consult endpoints when non-empty.
	AuthTokens []AuthTokenConfig `yaml:"auth_tokens,omitempty"`
}

// AuthTokenConfig names a client allowed to call the gateway.
type AuthTokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// OrchestratorConfig bounds one consultation.
type OrchestratorConfig struct {
	MaxInFlight         int           `yaml:"max_in_flight"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBase           time.Duration `yaml:"retry_base"`
	MaxResolutionRounds int           `yaml:"max_resolution_rounds"`
	ResolutionTimeout   time.Duration `yaml:"resolution_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
}

// SummarizerConfig controls history compression.
type SummarizerConfig struct {
	Threshold  int `yaml:"threshold"`
	KeepRecent int `yaml:"keep_recent"`
	MaxFacts   int `yaml:"max_facts"`
}

// CacheConfig selects the response and agent cache backend.
type CacheConfig struct {
	Backend         string        `yaml:"backend"` // "memory" or "redis"
	ResponseTTL     time.Duration `yaml:"response_ttl"`
	AgentTTL        time.Duration `yaml:"agent_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RedisURL        string        `yaml:"redis_url,omitempty"`
	KeyPrefix       string        `yaml:"key_prefix"`
}

// ExpertsConfig lists the remote expert agents.
type ExpertsConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	APIKey         string               `yaml:"api_key,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool           PoolConfig           `yaml:"pool"`
	Agents         []ExpertConfig       `yaml:"agents"`
}

// ExpertConfig locates one expert agent.
type ExpertConfig struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // "http" or "grpc"
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key,omitempty"`
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds the text-generation settings used for semantic
// classification and summarization. When disabled the keyword and
// structural fallbacks are used.
type LLMConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	MaxTokens       int                  `yaml:"max_tokens"`
}

// CircuitBreakerConfig holds circuit breaker settings for remote calls.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ValidationConfig is the domain rule set used by the cross-agent validator.
type ValidationConfig struct {
	VoltageDropLimitPercent float64  `yaml:"voltage_drop_limit_percent"`
	RCDRequiredCircuitKinds []string `yaml:"rcd_required_circuit_kinds"`
	RCDRegulation           string   `yaml:"rcd_regulation"`
	CapacityRegulation      string   `yaml:"capacity_regulation"`
	VoltageDropRegulation   string   `yaml:"voltage_drop_regulation"`
	CostTolerancePercent    float64  `yaml:"cost_tolerance_percent"`
}

// StoreConfig holds consultation log settings.
type StoreConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the fraction of root consultations traced; 0 traces all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.sparkwise/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".sparkwise", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 2,
				Burst:             10,
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxInFlight:         3,
			StepTimeout:         30 * time.Second,
			MaxRetries:          2,
			RetryBase:           250 * time.Millisecond,
			MaxResolutionRounds: 3,
			ResolutionTimeout:   30 * time.Second,
			RequestTimeout:      120 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Threshold:  12,
			KeepRecent: 6,
			MaxFacts:   20,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			ResponseTTL:     10 * time.Minute,
			AgentTTL:        30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			KeyPrefix:       "sparkwise:",
		},
		Experts: ExpertsConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			MaxTokens:       1024,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Validation: ValidationConfig{
			VoltageDropLimitPercent: 5.0,
			RCDRequiredCircuitKinds: []string{"socket", "bathroom", "outdoor", "ev-charger"},
			RCDRegulation:           "BS 7671 411.3.3",
			CapacityRegulation:      "BS 7671 433.1.1",
			VoltageDropRegulation:   "BS 7671 525 / Appendix 4",
			CostTolerancePercent:    25,
		},
		Store: StoreConfig{
			Path:          filepath.Join(defaultDataDir(), "consultations.db"),
			Retention:     720 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncludeResolver(cfg, absPath).processIncludes(filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SPARKWISE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps SPARKWISE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPARKWISE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SPARKWISE_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SPARKWISE_SERVER_RATE_LIMIT_ENABLED"); v != "" {
		cfg.Server.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("SPARKWISE_SERVER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthTokens = append(cfg.Server.AuthTokens, AuthTokenConfig{Name: "env", Token: v})
	}

	if n, ok := envInt("SPARKWISE_ORCHESTRATOR_MAX_IN_FLIGHT"); ok {
		cfg.Orchestrator.MaxInFlight = n
	}
	if n, ok := envInt("SPARKWISE_ORCHESTRATOR_MAX_RETRIES"); ok {
		cfg.Orchestrator.MaxRetries = n
	}
	if n, ok := envInt("SPARKWISE_ORCHESTRATOR_MAX_RESOLUTION_ROUNDS"); ok {
		cfg.Orchestrator.MaxResolutionRounds = n
	}
	if d, ok := envDuration("SPARKWISE_ORCHESTRATOR_STEP_TIMEOUT"); ok {
		cfg.Orchestrator.StepTimeout = d
	}
	if d, ok := envDuration("SPARKWISE_ORCHESTRATOR_REQUEST_TIMEOUT"); ok {
		cfg.Orchestrator.RequestTimeout = d
	}

	if v := os.Getenv("SPARKWISE_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("SPARKWISE_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if d, ok := envDuration("SPARKWISE_CACHE_RESPONSE_TTL"); ok {
		cfg.Cache.ResponseTTL = d
	}
	if d, ok := envDuration("SPARKWISE_CACHE_AGENT_TTL"); ok {
		cfg.Cache.AgentTTL = d
	}

	if v := os.Getenv("SPARKWISE_EXPERT_API_KEY"); v != "" {
		cfg.Experts.APIKey = v
	}
	// Per-agent endpoint overrides: SPARKWISE_EXPERT_<ID>_ENDPOINT
	for i := range cfg.Experts.Agents {
		if v := os.Getenv("SPARKWISE_EXPERT_" + envName(cfg.Experts.Agents[i].ID) + "_ENDPOINT"); v != "" {
			cfg.Experts.Agents[i].Endpoint = v
		}
	}

	if v := os.Getenv("SPARKWISE_LLM_ENABLED"); v != "" {
		cfg.LLM.Enabled = v == "true"
	}
	if v := os.Getenv("SPARKWISE_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	shared := os.Getenv("SPARKWISE_LLM_API_KEY")
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		// Per-provider key: SPARKWISE_LLM_PROVIDER_<NAME>_API_KEY
		if v := os.Getenv("SPARKWISE_LLM_PROVIDER_" + envName(p.Name) + "_API_KEY"); v != "" {
			p.APIKey = v
		} else if p.APIKey == "" && shared != "" {
			p.APIKey = shared
		}
	}

	if v := os.Getenv("SPARKWISE_STORE_ENABLED"); v != "" {
		cfg.Store.Enabled = v == "true"
	}
	if v := os.Getenv("SPARKWISE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("SPARKWISE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SPARKWISE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SPARKWISE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SPARKWISE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SPARKWISE_TRACER_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = r
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// envName upper-cases s and replaces dashes so it can be embedded in an env var name.
func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(s))
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in credentials and connection strings
// and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	type secret struct {
		name  string
		field *string
	}
	secrets := []secret{
		{"experts.api_key", &cfg.Experts.APIKey},
		{"cache.redis_url", &cfg.Cache.RedisURL},
	}
	for i := range cfg.LLM.Providers {
		secrets = append(secrets, secret{"llm provider " + cfg.LLM.Providers[i].Name + " api_key", &cfg.LLM.Providers[i].APIKey})
	}
	for i := range cfg.Experts.Agents {
		secrets = append(secrets, secret{"expert " + cfg.Experts.Agents[i].ID + " api_key", &cfg.Experts.Agents[i].APIKey})
	}
	for i := range cfg.Server.AuthTokens {
		secrets = append(secrets, secret{"server auth token " + cfg.Server.AuthTokens[i].Name, &cfg.Server.AuthTokens[i].Token})
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
