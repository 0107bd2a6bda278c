// Package llm drives the GLM backend through its OpenAI-compatible
// chat-completions surface and normalizes model replies into critiques.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/internal/prompts"
	"github.com/diffcritic/internal/retry"
	"github.com/diffcritic/pkg/models"
)

// Error is a failed backend call after classification. Status is zero
// when the failure never produced an HTTP status, such as a transport
// error.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("GLM request failed with status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("GLM request failed: %s", e.Message)
}

// Retriable reports whether another attempt can succeed. Rate limits,
// server errors and transport failures qualify; everything else is
// permanent.
func (e *Error) Retriable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// statusPattern matches the status code the OpenAI-compatible transport
// embeds in its error text. Classification happens once, here; nothing
// downstream inspects error messages.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

func classify(err error) *Error {
	msg := err.Error()
	status := 0
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	return &Error{Status: status, Message: msg}
}

// Client talks to one configured GLM model.
type Client struct {
	model llms.Model
	cfg   config.GLMConfig
	retry retry.Config
}

// NewClient builds the chat-completions client for the configured
// endpoint. The API key must be set.
func NewClient(cfg config.GLMConfig, retryCfg config.RetryConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GLM API key is not set")
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.APIURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.APIURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GLM client: %w", err)
	}

	return newWithModel(model, cfg, retry.Tuned(retryCfg.MaxRetries, retryCfg.BaseDelay(), retryCfg.BackoffFactor)), nil
}

// newWithModel is the injection point for tests.
func newWithModel(model llms.Model, cfg config.GLMConfig, retryCfg retry.Config) *Client {
	return &Client{model: model, cfg: cfg, retry: retryCfg}
}

// Result is one decoded model reply.
type Result struct {
	Critiques []models.Critique
	Usage     models.TokenUsage
	// Raw is the reply text before decoding, kept for logging.
	Raw string
}

// Analyze submits one rendered diff chunk for review and decodes the
// reply. Transient backend failures are retried on the configured
// schedule; each attempt gets its own timeout from the GLM config.
func (c *Client) Analyze(ctx context.Context, chunkText string, reviewType models.ReviewType) (*Result, error) {
	if strings.TrimSpace(chunkText) == "" {
		return nil, fmt.Errorf("chunk text is empty")
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, prompts.SystemPrompt(reviewType)),
		llms.TextParts(schema.ChatMessageTypeHuman, chunkText),
	}

	callOptions := []llms.CallOption{
		llms.WithTemperature(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.cfg.MaxTokens))
	}

	var resp *llms.ContentResponse
	err := retry.Do(ctx, c.retry, "glm_analyze", func() error {
		callCtx := ctx
		if timeout := c.cfg.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		r, err := c.model.GenerateContent(callCtx, messages, callOptions...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.LLMRequests.WithLabelValues("error").Inc()
			return classify(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.LLMRequests.WithLabelValues("success").Inc()

	if len(resp.Choices) == 0 {
		return nil, &Error{Message: "model returned no choices"}
	}
	choice := resp.Choices[0]

	usage := usageFrom(choice.GenerationInfo)
	metrics.LLMTokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))

	critiques, parsed := ParseCritiques(choice.Content)
	if !parsed {
		log.Warn().
			Str("review_type", string(reviewType)).
			Int("response_bytes", len(choice.Content)).
			Msg("Model reply was not valid JSON, keeping raw text as a single suggestion")
	}

	log.Debug().
		Str("model", c.cfg.Model).
		Int("critiques", len(critiques)).
		Int("total_tokens", usage.TotalTokens).
		Msg("Chunk analysis complete")

	return &Result{Critiques: critiques, Usage: usage, Raw: choice.Content}, nil
}

// usageFrom reads token accounting out of the generation info map. The
// keys follow the OpenAI-compatible response shape; absent keys count
// as zero.
func usageFrom(info map[string]any) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     intFrom(info, "PromptTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens"),
		TotalTokens:      intFrom(info, "TotalTokens"),
	}
}

func intFrom(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
