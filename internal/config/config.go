// Package config loads service configuration from environment variables with
// an optional YAML file underlay. Environment variables always win over file
// values; validation runs once at startup so malformed limits never surface
// at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pmoraes/chat-backend/internal/domain"
)

type Config struct {
	Addr       string `yaml:"addr"`
	LogLevel   string `yaml:"log_level"`
	AdminToken string `yaml:"admin_token"`

	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIModel      string `yaml:"openai_model"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	OpenRouterModel  string `yaml:"openrouter_model"`
	MCPServerURL     string `yaml:"mcp_server_url"`
	MCPAPIKey        string `yaml:"mcp_api_key"`
	DefaultProvider  string `yaml:"default_provider"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	MemoryDefault int `yaml:"memory_default"`
	MemoryMax     int `yaml:"memory_max"`

	InitialSystemPrompt string `yaml:"initial_system_prompt"`

	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	AWSRegion          string `yaml:"aws_region"`
	SecretsName        string `yaml:"secrets_name"`
	SNSTopicArn        string `yaml:"sns_topic_arn"`
	TranscriptQueueURL string `yaml:"transcript_queue_url"`
}

// Load builds a Config from the optional YAML file named by CONFIG_FILE and
// the process environment, then validates it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Addr:            ":8080",
		LogLevel:        "info",
		OpenAIBaseURL:   "https://api.openai.com",
		OpenAIModel:     "gpt-3.5-turbo",
		OpenRouterModel: "openrouter/auto",
		RateRPS:         1.0,
		RateBurst:       5,
		MemoryDefault:   10,
		MemoryMax:       50,
		MetricsEnabled:  true,
		ProviderTimeout: 30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("ADDR", c.Addr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)

	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIModel = getEnv("OPENAI_MODEL", c.OpenAIModel)
	c.OpenRouterAPIKey = getEnv("OPENROUTER_KEY", c.OpenRouterAPIKey)
	c.OpenRouterModel = getEnv("OPENROUTER_MODEL", c.OpenRouterModel)
	c.MCPServerURL = getEnv("MCP_SERVER_URL", c.MCPServerURL)
	c.MCPAPIKey = getEnv("MCP_API_KEY", c.MCPAPIKey)
	c.DefaultProvider = getEnv("DEFAULT_PROVIDER", c.DefaultProvider)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.RateRPS = getFloatEnv("RATE_RPS", c.RateRPS)
	c.RateBurst = getIntEnv("RATE_BURST", c.RateBurst)
	c.MemoryDefault = getIntEnv("MEMORY_DEFAULT", c.MemoryDefault)
	c.MemoryMax = getIntEnv("MEMORY_MAX", c.MemoryMax)

	c.InitialSystemPrompt = getEnv("INITIAL_SYSTEM_PROMPT", c.InitialSystemPrompt)

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.MetricsEnabled)
	c.ProviderTimeout = getDurationEnv("PROVIDER_TIMEOUT", c.ProviderTimeout)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.SecretsName = getEnv("SECRETS_NAME", c.SecretsName)
	c.SNSTopicArn = getEnv("SNS_TOPIC_ARN", c.SNSTopicArn)
	c.TranscriptQueueURL = getEnv("TRANSCRIPT_QUEUE_URL", c.TranscriptQueueURL)
}

// Validate checks the limits that back the rate limiter and session memory.
// The service refuses to start on a bad value rather than failing requests.
func (c *Config) Validate() error {
	if c.RateRPS <= 0 {
		return fmt.Errorf("%w: RATE_RPS must be greater than 0, got %v", domain.ErrInvalidConfig, c.RateRPS)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("%w: RATE_BURST must be at least 1, got %d", domain.ErrInvalidConfig, c.RateBurst)
	}
	if c.MemoryDefault < 1 {
		return fmt.Errorf("%w: MEMORY_DEFAULT must be at least 1, got %d", domain.ErrInvalidConfig, c.MemoryDefault)
	}
	if c.MemoryMax < 1 {
		return fmt.Errorf("%w: MEMORY_MAX must be at least 1, got %d", domain.ErrInvalidConfig, c.MemoryMax)
	}
	if c.MemoryDefault > c.MemoryMax {
		return fmt.Errorf("%w: MEMORY_DEFAULT (%d) cannot exceed MEMORY_MAX (%d)",
			domain.ErrInvalidConfig, c.MemoryDefault, c.MemoryMax)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("%w: PROVIDER_TIMEOUT must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// RedisEnabled reports whether redis-backed components should be used.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
