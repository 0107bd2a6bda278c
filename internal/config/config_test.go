package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.com/api/v4", cfg.GitLab.APIURL)
	assert.Equal(t, "glm-4", cfg.GLM.Model)
	assert.Equal(t, 3, cfg.Review.MaxConcurrentReviews)
	assert.Equal(t, 5, cfg.Review.ConcurrentGLMRequests)
	assert.Equal(t, 10, cfg.Chunk.MaxChunks)
	assert.Equal(t, 86400, cfg.Dedup.CommitTTLSeconds)
	assert.Equal(t, []string{"open", "update", "reopen"}, cfg.Webhook.TriggerActions)
	assert.True(t, cfg.Webhook.SkipDraft)
	assert.True(t, cfg.Dedup.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "glpat-test")
	t.Setenv("GITLAB_API_URL", "https://git.example.com/api/v4")
	t.Setenv("GLM_TEMPERATURE", "0.7")
	t.Setenv("MAX_CONCURRENT_REVIEWS", "7")
	t.Setenv("REVIEW_TIMEOUT_SECONDS", "120")
	t.Setenv("WEBHOOK_TRIGGER_ACTIONS", "open, reopen")
	t.Setenv("IGNORE_FILE_PATTERNS", "*.lock,generated/*")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "glpat-test", cfg.GitLab.Token)
	assert.Equal(t, "https://git.example.com/api/v4", cfg.GitLab.APIURL)
	assert.InDelta(t, 0.7, cfg.GLM.Temperature, 1e-9)
	assert.Equal(t, 7, cfg.Review.MaxConcurrentReviews)
	assert.Equal(t, 120, cfg.Review.TimeoutSeconds)
	assert.Equal(t, []string{"open", "reopen"}, cfg.Webhook.TriggerActions)
	assert.Equal(t, []string{"*.lock", "generated/*"}, cfg.Chunk.IgnorePatterns)
}

func TestLoadIgnoresUnknownEnvVars(t *testing.T) {
	t.Setenv("GITLAB_UNRELATED_SETTING", "boom")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.com/api/v4", cfg.GitLab.APIURL)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.GitLab.Token = "tok"
		cfg.GLM.APIKey = "key"
		cfg.Webhook.Secret = "sekrit"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("missing gitlab token", func(t *testing.T) {
		cfg := base()
		cfg.GitLab.Token = ""
		assert.ErrorContains(t, Validate(cfg), "GITLAB_TOKEN")
	})

	t.Run("missing glm key", func(t *testing.T) {
		cfg := base()
		cfg.GLM.APIKey = ""
		assert.ErrorContains(t, Validate(cfg), "GLM_API_KEY")
	})

	t.Run("temperature out of range", func(t *testing.T) {
		cfg := base()
		cfg.GLM.Temperature = 1.5
		assert.ErrorContains(t, Validate(cfg), "GLM_TEMPERATURE")
	})

	t.Run("webhook enabled without secret", func(t *testing.T) {
		cfg := base()
		cfg.Webhook.Secret = ""
		assert.ErrorContains(t, Validate(cfg), "WEBHOOK_SECRET")
	})

	t.Run("bad cleanup policy", func(t *testing.T) {
		cfg := base()
		cfg.Dedup.CleanupPolicy = "purge_everything"
		assert.ErrorContains(t, Validate(cfg), "cleanup policy")
	})

	t.Run("zero concurrency", func(t *testing.T) {
		cfg := base()
		cfg.Review.MaxConcurrentReviews = 0
		assert.ErrorContains(t, Validate(cfg), "MAX_CONCURRENT_REVIEWS")
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{}
	cfg.Review.APIRequestDelay = 0.5
	cfg.Review.TimeoutSeconds = 300
	cfg.GitLab.TimeoutSeconds = 30

	assert.Equal(t, "500ms", cfg.Review.PublishDelay().String())
	assert.Equal(t, "5m0s", cfg.Review.Timeout().String())
	assert.Equal(t, "30s", cfg.GitLab.Timeout().String())
}
