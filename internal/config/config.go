// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported DB_DRIVER values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DB                 DBConfig
	LLM                LLMConfig
	Bank               BankConfig
	CatalogPath        string
	Workflow           WorkflowConfig
	SessionTTL         time.Duration
	RateLimit          RateLimitConfig
	SSE                SSEConfig
	MaxRequestBodySize int64
	NATS               NATSConfig
	Telemetry          TelemetryConfig
	ConversationLog    ConversationLogConfig
}

// DBConfig selects the store backend.
type DBConfig struct {
	Driver string
	Path   string
	URL    string
}

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	Provider        string
	Model           string
	BaseURL         string
	Timeout         time.Duration
	Temperature     float64
	MaxTokens       int
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	GatewayAddr     string
}

// APIKey returns the key matching the configured provider.
func (c LLMConfig) APIKey() string {
	switch strings.ToLower(c.Provider) {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// BankConfig locates the question bank.
type BankConfig struct {
	Path  string
	Watch bool
}

// WorkflowConfig holds the routing thresholds of the assessment.
type WorkflowConfig struct {
	PlannerPerDim         int
	MaxIntentRounds       int
	IntentThreshold       float64
	CompletenessThreshold float64
}

// RateLimitConfig throttles turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes server-sent event streams.
type SSEConfig struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	ReplaySize        int
}

// NATSConfig enables event publishing to NATS when URL is set.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// lookupFunc resolves a configuration key.
type lookupFunc func(key string) (string, bool)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// Overlay re-reads the configuration with keys set in v taking precedence
// over the environment. Viper keys are the lower-cased environment names,
// e.g. "llm_provider".
func (c *Config) Overlay(v *viper.Viper) error {
	if v == nil {
		return nil
	}
	next, err := load(func(key string) (string, bool) {
		if k := strings.ToLower(key); v.IsSet(k) {
			return v.GetString(k), true
		}
		return os.LookupEnv(key)
	})
	if err != nil {
		return err
	}
	*c = *next
	return nil
}

func load(lookup lookupFunc) (*Config, error) {
	env := source(lookup)

	queueSize := env.getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        env.getEnv("PORT", "8080"),
		FrontendURL: env.getEnv("FRONTEND_URL", ""),
		DB: DBConfig{
			Driver: strings.ToLower(env.getEnv("DB_DRIVER", DriverSQLite)),
			Path:   env.getEnv("DB_PATH", "./data/mqol.db"),
			URL:    env.getEnv("DATABASE_URL", ""),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(env.getEnv("LLM_PROVIDER", "dummy")),
			Model:           env.getEnv("LLM_MODEL", ""),
			BaseURL:         env.getEnv("LLM_BASE_URL", env.getEnv("OPENAI_BASE_URL", "")),
			Timeout:         env.getEnvDuration("LLM_TIMEOUT", 180*time.Second),
			Temperature:     env.getEnvFloat("LLM_TEMPERATURE", 0.2),
			MaxTokens:       env.getEnvInt("LLM_MAX_TOKENS", 2048),
			OpenAIAPIKey:    env.getEnv("OPENAI_API_KEY", ""),
			AnthropicAPIKey: env.getEnv("ANTHROPIC_API_KEY", ""),
			GeminiAPIKey:    env.getEnv("GEMINI_API_KEY", ""),
			GatewayAddr:     env.getEnv("LLM_GATEWAY_ADDR", ""),
		},
		Bank: BankConfig{
			Path:  env.getEnv("QUESTION_BANK_PATH", "data/questions_mqol_v1.csv"),
			Watch: env.getEnvBool("QUESTION_BANK_WATCH", false),
		},
		CatalogPath: env.getEnv("INTERVENTION_CATALOG_PATH", "data/plans/plans_minimal_v1.yaml"),
		Workflow: WorkflowConfig{
			PlannerPerDim:         env.getEnvInt("PLANNER_PER_DIM", 10),
			MaxIntentRounds:       env.getEnvInt("MAX_INTENT_ROUNDS", 2),
			IntentThreshold:       env.getEnvFloat("INTENT_THRESHOLD", 0.6),
			CompletenessThreshold: env.getEnvFloat("COMPLETENESS_THRESHOLD", 0.7),
		},
		SessionTTL: env.getEnvDuration("SESSION_TTL", 60*time.Minute),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: env.getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    env.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			RetryDelay:        env.getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval: env.getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			ReplaySize:        env.getEnvInt("SSE_REPLAY_SIZE", 200),
		},
		MaxRequestBodySize: int64(env.getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		NATS: NATSConfig{
			URL:           env.getEnv("NATS_URL", ""),
			SubjectPrefix: env.getEnv("NATS_SUBJECT_PREFIX", "mqol.events"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    env.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    env.getEnvBool("OTEL_INSECURE", false),
			ServiceName: env.getEnv("OTEL_SERVICE_NAME", "mqol"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   env.getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       env.getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DB.Driver)
	}
	if c.LLM.Provider == "gateway" && c.LLM.GatewayAddr == "" {
		return errors.New("LLM_GATEWAY_ADDR is required when LLM_PROVIDER=gateway")
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("LLM_TIMEOUT must be > 0")
	}
	if c.Workflow.PlannerPerDim <= 0 {
		return errors.New("PLANNER_PER_DIM must be > 0")
	}
	if c.Workflow.MaxIntentRounds < 0 {
		return errors.New("MAX_INTENT_ROUNDS must be >= 0")
	}
	if c.Workflow.IntentThreshold < 0 || c.Workflow.IntentThreshold > 1 {
		return errors.New("INTENT_THRESHOLD must be within [0,1]")
	}
	if c.Workflow.CompletenessThreshold < 0 || c.Workflow.CompletenessThreshold > 1 {
		return errors.New("COMPLETENESS_THRESHOLD must be within [0,1]")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return errors.New("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return errors.New("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

type source lookupFunc

func (s source) getEnv(key, fallback string) string {
	if value, ok := s(key); ok {
		return value
	}
	return fallback
}

func (s source) getEnvBool(key string, fallback bool) bool {
	value, ok := s(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) getEnvInt(key string, fallback int) int {
	value, ok := s(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getEnvFloat(key string, fallback float64) float64 {
	value, ok := s(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func (s source) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
