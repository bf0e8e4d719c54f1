package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEADQUAL_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.FollowUp.MaxFollowUps)
	assert.Equal(t, time.Minute, cfg.FollowUp.InactivityThreshold)
	assert.Equal(t, "none", cfg.Generator.Provider)
	assert.True(t, cfg.Persistent())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadqual.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
db_path: ""
follow_up:
  interval: 5s
  max_follow_ups: 2
generator:
  provider: grpc
  address: gen:50051
redis:
  url: redis://localhost:6379/0
`), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("FOLLOW_UP_INACTIVITY_THRESHOLD", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.False(t, cfg.Persistent())
	assert.Equal(t, 5*time.Second, cfg.FollowUp.Interval)
	assert.Equal(t, 2, cfg.FollowUp.MaxFollowUps)
	assert.Equal(t, 90*time.Second, cfg.FollowUp.InactivityThreshold)
	assert.Equal(t, "grpc", cfg.Generator.Provider)
	assert.Equal(t, "gen:50051", cfg.Generator.Address)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadProviderKeyFallback(t *testing.T) {
	t.Setenv("GENERATOR_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Generator.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"inverted ages", func(c *Config) { c.Extraction.MinAge, c.Extraction.MaxAge = 50, 20 }},
		{"zero interval", func(c *Config) { c.FollowUp.Interval = 0 }},
		{"zero cap", func(c *Config) { c.FollowUp.MaxFollowUps = 0 }},
		{"unknown provider", func(c *Config) { c.Generator.Provider = "llama" }},
		{"no rate", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"log dir", func(c *Config) { c.ConversationLog.Dir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.edit(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestGetEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("LQ_TEST_INT", "x")
	t.Setenv("LQ_TEST_BOOL", "maybe")
	t.Setenv("LQ_TEST_DUR", "soon")

	assert.Equal(t, 4, getEnvInt("LQ_TEST_INT", 4))
	assert.True(t, getEnvBool("LQ_TEST_BOOL", true))
	assert.Equal(t, time.Second, getEnvDuration("LQ_TEST_DUR", time.Second))
}
