package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewsTotal counts completed review runs, labeled by outcome.
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_reviews_total",
		Help: "The total number of merge request reviews",
	}, []string{"status"}) // status: completed, failed, cancelled

	// ReviewDuration measures end-to-end review time.
	ReviewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diffcritic_review_duration_seconds",
		Help:    "Time taken to review a merge request",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"result"}) // result: success, error

	// WebhookRequests counts incoming webhook deliveries, labeled by outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: accepted, ignored, invalid, unauthorized, rejected

	// ChunksProcessed counts diff chunks sent through the LLM, labeled by outcome.
	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_chunks_processed_total",
		Help: "The total number of diff chunks analyzed",
	}, []string{"status"}) // status: success, failed

	// LLMRequests counts chat completion calls against the model backend.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_llm_requests_total",
		Help: "The total number of LLM chat completion requests",
	}, []string{"status"}) // status: success, error

	// LLMTokens accumulates token usage reported by the model backend.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_llm_tokens_total",
		Help: "Token usage reported by the LLM backend",
	}, []string{"kind"}) // kind: prompt, completion

	// CommentsPublished counts comments posted to GitLab, labeled by placement.
	CommentsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_comments_published_total",
		Help: "The total number of review comments posted",
	}, []string{"placement"}) // placement: summary, general, inline, fallback

	// CommentFailures counts comment posts that failed after retries.
	CommentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_comment_failures_total",
		Help: "Total number of failed comment posts to GitLab",
	}, []string{"reason"})

	// GitLabRequests counts outbound GitLab API calls, labeled by endpoint and status.
	GitLabRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffcritic_gitlab_requests_total",
		Help: "The total number of GitLab API requests",
	}, []string{"endpoint", "status"})

	// ActiveReviews tracks review tasks currently running.
	ActiveReviews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diffcritic_active_reviews",
		Help: "Number of review tasks currently running",
	})
)
