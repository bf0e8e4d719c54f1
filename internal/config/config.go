// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults, then
// an optional YAML file, then environment variables.
type Config struct {
	Port            string                `yaml:"port"`
	FrontendURL     string                `yaml:"frontend_url"`
	DBPath          string                `yaml:"db_path"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
	FollowUp        FollowUpConfig        `yaml:"follow_up"`
	Extraction      ExtractionConfig      `yaml:"extraction"`
	Generator       GeneratorConfig       `yaml:"generator"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Redis           RedisConfig           `yaml:"redis"`
	Events          EventsConfig          `yaml:"events"`
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
}

// FollowUpConfig controls the follow-up scheduler.
type FollowUpConfig struct {
	WarmUp              time.Duration `yaml:"warm_up"`
	Interval            time.Duration `yaml:"interval"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
	MaxFollowUps        int           `yaml:"max_follow_ups"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	RetentionWindow     time.Duration `yaml:"retention_window"`
}

// ExtractionConfig bounds accepted slot values.
type ExtractionConfig struct {
	MinAge int `yaml:"min_age"`
	MaxAge int `yaml:"max_age"`
}

// GeneratorConfig selects the optional text generation backend.
type GeneratorConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Address   string        `yaml:"address"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RateLimitConfig limits messages per lead.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RedisConfig enables the Redis follow-up outbox when URL is set.
type RedisConfig struct {
	URL         string `yaml:"url"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// EventsConfig toggles the lead event consumers.
type EventsConfig struct {
	Recommendations bool `yaml:"recommendations"`
}

var knownProviders = map[string]bool{
	"": true, "none": true, "grpc": true, "openai": true, "anthropic": true, "gemini": true,
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:   "8080",
		DBPath: "./data/leadqual.db",
		ConversationLog: ConversationLogConfig{
			Enabled:   true,
			Dir:       "./data/logs/conversations",
			QueueSize: 1000,
		},
		FollowUp: FollowUpConfig{
			WarmUp:              10 * time.Second,
			Interval:            30 * time.Second,
			InactivityThreshold: time.Minute,
			MaxFollowUps:        3,
			CleanupInterval:     time.Hour,
			RetentionWindow:     24 * time.Hour,
		},
		Extraction: ExtractionConfig{MinAge: 10, MaxAge: 120},
		Generator: GeneratorConfig{
			Provider:  "none",
			Address:   "localhost:50051",
			MaxTokens: 256,
			Timeout:   5 * time.Second,
		},
		RateLimit: RateLimitConfig{PerSecond: 2, Burst: 5},
		Events:    EventsConfig{Recommendations: true},
	}
}

// Load builds the configuration. path may be empty, in which case
// LEADQUAL_CONFIG is consulted; with neither set only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("LEADQUAL_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
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
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)

	c.FollowUp.WarmUp = getEnvDuration("FOLLOW_UP_WARM_UP", c.FollowUp.WarmUp)
	c.FollowUp.Interval = getEnvDuration("FOLLOW_UP_INTERVAL", c.FollowUp.Interval)
	c.FollowUp.InactivityThreshold = getEnvDuration("FOLLOW_UP_INACTIVITY_THRESHOLD", c.FollowUp.InactivityThreshold)
	c.FollowUp.MaxFollowUps = getEnvInt("FOLLOW_UP_MAX", c.FollowUp.MaxFollowUps)
	c.FollowUp.CleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", c.FollowUp.CleanupInterval)
	c.FollowUp.RetentionWindow = getEnvDuration("SESSION_RETENTION", c.FollowUp.RetentionWindow)

	c.Extraction.MinAge = getEnvInt("MIN_AGE", c.Extraction.MinAge)
	c.Extraction.MaxAge = getEnvInt("MAX_AGE", c.Extraction.MaxAge)

	c.Generator.Provider = getEnv("GENERATOR_PROVIDER", c.Generator.Provider)
	c.Generator.Model = getEnv("GENERATOR_MODEL", c.Generator.Model)
	c.Generator.APIKey = getEnv("GENERATOR_API_KEY", c.Generator.APIKey)
	c.Generator.BaseURL = getEnv("GENERATOR_BASE_URL", c.Generator.BaseURL)
	c.Generator.Address = getEnv("GENERATOR_GRPC_ADDRESS", c.Generator.Address)
	c.Generator.MaxTokens = getEnvInt("GENERATOR_MAX_TOKENS", c.Generator.MaxTokens)
	c.Generator.Timeout = getEnvDuration("GENERATOR_TIMEOUT", c.Generator.Timeout)
	if c.Generator.APIKey == "" {
		c.Generator.APIKey = providerKey(c.Generator.Provider)
	}

	c.RateLimit.PerSecond = getEnvFloat("RATE_LIMIT_PER_SECOND", c.RateLimit.PerSecond)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.TLSInsecure = getEnvBool("REDIS_TLS_INSECURE", c.Redis.TLSInsecure)

	c.Events.Recommendations = getEnvBool("RECOMMENDATIONS_ENABLED", c.Events.Recommendations)
}

// providerKey falls back to the SDKs' conventional key variables.
func providerKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.ConversationLog.Enabled {
		if c.ConversationLog.Dir == "" {
			return errors.New("CONVERSATION_LOG_DIR cannot be empty")
		}
		if c.ConversationLog.QueueSize <= 0 {
			return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
		}
	}
	if c.Extraction.MinAge <= 0 || c.Extraction.MaxAge < c.Extraction.MinAge {
		return fmt.Errorf("age bounds %d..%d are invalid", c.Extraction.MinAge, c.Extraction.MaxAge)
	}
	f := c.FollowUp
	if f.WarmUp < 0 || f.Interval <= 0 || f.InactivityThreshold <= 0 || f.CleanupInterval <= 0 || f.RetentionWindow <= 0 {
		return errors.New("follow-up intervals must be > 0")
	}
	if f.MaxFollowUps <= 0 {
		return errors.New("FOLLOW_UP_MAX must be > 0")
	}
	if !knownProviders[strings.ToLower(c.Generator.Provider)] {
		return fmt.Errorf("unknown generator provider %q", c.Generator.Provider)
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate limit must be > 0")
	}
	return nil
}

// Persistent reports whether a durable store is configured. An empty DB_PATH
// runs fully in memory.
func (c *Config) Persistent() bool {
	return c.DBPath != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
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

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
