package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/diffcritic/pkg/models"
)

// GitLabConfig configures the GitLab API client.
type GitLabConfig struct {
	Token          string  `koanf:"token"`
	APIURL         string  `koanf:"api_url"`
	TimeoutSeconds float64 `koanf:"timeout"`
}

func (c GitLabConfig) Timeout() time.Duration {
	return secondsToDuration(c.TimeoutSeconds)
}

// GLMConfig configures the chat-completions client.
type GLMConfig struct {
	APIKey         string  `koanf:"api_key"`
	APIURL         string  `koanf:"api_url"`
	Model          string  `koanf:"model"`
	Temperature    float64 `koanf:"temperature"`
	MaxTokens      int     `koanf:"max_tokens"`
	TimeoutSeconds float64 `koanf:"timeout"`
}

func (c GLMConfig) Timeout() time.Duration {
	return secondsToDuration(c.TimeoutSeconds)
}

// ReviewConfig bounds the scheduling of reviews and LLM fan-out.
type ReviewConfig struct {
	MaxConcurrentReviews  int     `koanf:"max_concurrent_reviews"`
	ConcurrentGLMRequests int     `koanf:"concurrent_glm_requests"`
	APIRequestDelay       float64 `koanf:"api_request_delay"`
	TimeoutSeconds        int     `koanf:"timeout_seconds"`
	ChunkTimeoutSeconds   float64 `koanf:"chunk_timeout"`
	DefaultProjectID      string  `koanf:"default_project_id"`
	DefaultMRIID          int     `koanf:"default_mr_iid"`
}

func (c ReviewConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ReviewConfig) ChunkTimeout() time.Duration {
	return secondsToDuration(c.ChunkTimeoutSeconds)
}

func (c ReviewConfig) PublishDelay() time.Duration {
	return secondsToDuration(c.APIRequestDelay)
}

// ChunkConfig bounds the diff chunker.
type ChunkConfig struct {
	MaxDiffSize        int      `koanf:"max_diff_size"`
	MaxFilesPerChunk   int      `koanf:"max_files_per_chunk"`
	MaxChunks          int      `koanf:"max_chunks"`
	MaxChunkTokens     int      `koanf:"max_chunk_tokens"`
	IgnorePatterns     []string `koanf:"ignore_patterns"`
	PrioritizePatterns []string `koanf:"prioritize_patterns"`
}

// RetryConfig holds the shared backoff knobs.
type RetryConfig struct {
	MaxRetries    int     `koanf:"max_retries"`
	DelaySeconds  float64 `koanf:"delay"`
	BackoffFactor float64 `koanf:"backoff_factor"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return secondsToDuration(c.DelaySeconds)
}

// WebhookConfig filters inbound webhook events.
type WebhookConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Secret         string   `koanf:"secret"`
	TriggerActions []string `koanf:"trigger_actions"`
	SkipDraft      bool     `koanf:"skip_draft"`
	SkipWIP        bool     `koanf:"skip_wip"`
	RequiredLabels []string `koanf:"required_labels"`
	ExcludedLabels []string `koanf:"excluded_labels"`
}

// DedupConfig controls commit-review deduplication and comment cleanup.
type DedupConfig struct {
	Enabled          bool   `koanf:"enabled"`
	CommitTTLSeconds int    `koanf:"commit_ttl_seconds"`
	BotUsername      string `koanf:"bot_username"`
	CleanupPolicy    string `koanf:"cleanup_policy"`
}

func (c DedupConfig) CommitTTL() time.Duration {
	return time.Duration(c.CommitTTLSeconds) * time.Second
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `koanf:"port"`
	// ShutdownGraceSeconds bounds how long in-flight reviews may keep
	// running after a shutdown signal.
	ShutdownGraceSeconds int `koanf:"shutdown_grace_seconds"`
}

func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// LogConfig configures the zerolog backend.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// Config is the immutable application configuration. It is loaded once at
// startup and passed into component constructors.
type Config struct {
	GitLab  GitLabConfig  `koanf:"gitlab"`
	GLM     GLMConfig     `koanf:"glm"`
	Review  ReviewConfig  `koanf:"review"`
	Chunk   ChunkConfig   `koanf:"chunk"`
	Retry   RetryConfig   `koanf:"retry"`
	Webhook WebhookConfig `koanf:"webhook"`
	Dedup   DedupConfig   `koanf:"dedup"`
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
}

// envKeys maps recognized environment variables to koanf keys. Variables not
// listed here are ignored.
var envKeys = map[string]string{
	"GITLAB_TOKEN":             "gitlab.token",
	"GITLAB_API_URL":           "gitlab.api_url",
	"GITLAB_TIMEOUT":           "gitlab.timeout",
	"GLM_API_KEY":              "glm.api_key",
	"GLM_API_URL":              "glm.api_url",
	"GLM_MODEL":                "glm.model",
	"GLM_TEMPERATURE":          "glm.temperature",
	"GLM_MAX_TOKENS":           "glm.max_tokens",
	"GLM_TIMEOUT":              "glm.timeout",
	"CI_PROJECT_ID":            "review.default_project_id",
	"CI_MERGE_REQUEST_IID":     "review.default_mr_iid",
	"MAX_CONCURRENT_REVIEWS":   "review.max_concurrent_reviews",
	"CONCURRENT_GLM_REQUESTS":  "review.concurrent_glm_requests",
	"API_REQUEST_DELAY":        "review.api_request_delay",
	"REVIEW_TIMEOUT_SECONDS":   "review.timeout_seconds",
	"CHUNK_TIMEOUT":            "review.chunk_timeout",
	"MAX_DIFF_SIZE":            "chunk.max_diff_size",
	"MAX_FILES_PER_COMMENT":    "chunk.max_files_per_chunk",
	"MAX_CHUNKS":               "chunk.max_chunks",
	"MAX_CHUNK_TOKENS":         "chunk.max_chunk_tokens",
	"IGNORE_FILE_PATTERNS":     "chunk.ignore_patterns",
	"PRIORITIZE_FILE_PATTERNS": "chunk.prioritize_patterns",
	"MAX_RETRIES":              "retry.max_retries",
	"RETRY_DELAY":              "retry.delay",
	"RETRY_BACKOFF_FACTOR":     "retry.backoff_factor",
	"WEBHOOK_ENABLED":          "webhook.enabled",
	"WEBHOOK_SECRET":           "webhook.secret",
	"WEBHOOK_TRIGGER_ACTIONS":  "webhook.trigger_actions",
	"WEBHOOK_SKIP_DRAFT":       "webhook.skip_draft",
	"WEBHOOK_SKIP_WIP":         "webhook.skip_wip",
	"WEBHOOK_REQUIRED_LABELS":  "webhook.required_labels",
	"WEBHOOK_EXCLUDED_LABELS":  "webhook.excluded_labels",
	"DEDUPLICATION_ENABLED":    "dedup.enabled",
	"COMMIT_TTL_SECONDS":       "dedup.commit_ttl_seconds",
	"BOT_USERNAME":             "dedup.bot_username",
	"COMMENT_CLEANUP_POLICY":   "dedup.cleanup_policy",
	"SERVER_PORT":              "server.port",
	"SERVER_SHUTDOWN_GRACE":    "server.shutdown_grace_seconds",
	"LOG_LEVEL":                "log.level",
	"LOG_FORMAT":               "log.format",
	"LOG_FILE":                 "log.file",
}

// listKeys are env-sourced values parsed as comma-separated lists.
var listKeys = map[string]bool{
	"chunk.ignore_patterns":     true,
	"chunk.prioritize_patterns": true,
	"webhook.trigger_actions":   true,
	"webhook.required_labels":   true,
	"webhook.excluded_labels":   true,
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"gitlab.api_url":                 "https://gitlab.com/api/v4",
		"gitlab.timeout":                 30.0,
		"glm.api_url":                    "https://open.bigmodel.cn/api/paas/v4",
		"glm.model":                      "glm-4",
		"glm.temperature":                0.3,
		"glm.max_tokens":                 4000,
		"glm.timeout":                    60.0,
		"review.max_concurrent_reviews":  3,
		"review.concurrent_glm_requests": 5,
		"review.api_request_delay":       0.5,
		"review.timeout_seconds":         300,
		"review.chunk_timeout":           120.0,
		"chunk.max_diff_size":            500000,
		"chunk.max_files_per_chunk":      10,
		"chunk.max_chunks":               10,
		"chunk.max_chunk_tokens":         8000,
		"chunk.ignore_patterns": []string{
			"*.lock", "*.min.js", "*.min.css", "*.map", "*.sum",
			"vendor/*", "node_modules/*", "dist/*", "build/*",
			"*.svg", "*.png", "*.jpg", "*.gif", "*.ico", "*.pdf",
		},
		"chunk.prioritize_patterns": []string{
			"*.go", "*.py", "*.js", "*.ts", "*.tsx", "*.java",
			"*.rb", "*.c", "*.cc", "*.cpp", "*.h", "*.rs", "*.php",
		},
		"retry.max_retries":             3,
		"retry.delay":                   1.0,
		"retry.backoff_factor":          2.0,
		"webhook.enabled":               true,
		"webhook.trigger_actions":       []string{"open", "update", "reopen"},
		"webhook.skip_draft":            true,
		"webhook.skip_wip":              true,
		"dedup.enabled":                 true,
		"dedup.commit_ttl_seconds":      86400,
		"dedup.cleanup_policy":          string(models.CleanupDeleteSummaryOnly),
		"server.port":                   8080,
		"server.shutdown_grace_seconds": 30,
		"log.level":                     "info",
		"log.format":                    "console",
	}
}

// Load builds the configuration by layering defaults, an optional TOML file,
// and the recognized environment variables, in that order.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	} else {
		for _, path := range []string{"./diffcritic.toml", "$HOME/.diffcritic.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// List-valued variables arrive as comma-separated strings and are split
	// here; everything else passes through and is coerced during unmarshal.
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		mapped, ok := envKeys[key]
		if !ok {
			return "", nil
		}
		if listKeys[mapped] {
			return mapped, splitList(value)
		}
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for startup-fatal problems.
func Validate(cfg *Config) error {
	if cfg.GitLab.Token == "" {
		return fmt.Errorf("GITLAB_TOKEN is required")
	}
	if cfg.GitLab.APIURL == "" {
		return fmt.Errorf("GITLAB_API_URL is required")
	}
	if cfg.GLM.APIKey == "" {
		return fmt.Errorf("GLM_API_KEY is required")
	}
	if cfg.GLM.APIURL == "" {
		return fmt.Errorf("GLM_API_URL is required")
	}
	if cfg.GLM.Temperature < 0 || cfg.GLM.Temperature > 1 {
		return fmt.Errorf("GLM_TEMPERATURE must be between 0 and 1, got %v", cfg.GLM.Temperature)
	}
	if cfg.Review.MaxConcurrentReviews < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REVIEWS must be at least 1")
	}
	if cfg.Review.ConcurrentGLMRequests < 1 {
		return fmt.Errorf("CONCURRENT_GLM_REQUESTS must be at least 1")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when webhooks are enabled")
	}
	if !models.ValidCleanupPolicy(models.CleanupPolicy(cfg.Dedup.CleanupPolicy)) {
		return fmt.Errorf("unknown cleanup policy %q", cfg.Dedup.CleanupPolicy)
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
