package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/dedup"
	"github.com/diffcritic/internal/gitlab"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/internal/tasks"
	"github.com/diffcritic/pkg/models"
)

// resolveEmoji is the reaction left on a note that resolved a discussion.
const resolveEmoji = "thumbsup"

// DiscussionResolver is the slice of the GitLab client the note flow needs.
type DiscussionResolver interface {
	GetDiscussion(ctx context.Context, ref models.MergeRequestRef, discussionID string) (*gitlab.Discussion, error)
	ResolveDiscussion(ctx context.Context, ref models.MergeRequestRef, discussionID string) error
	AwardNoteEmoji(ctx context.Context, ref models.MergeRequestRef, noteID int, name string) error
}

// WebhookHandler turns GitLab webhook deliveries into review tasks and
// discussion resolutions.
type WebhookHandler struct {
	cfg        config.WebhookConfig
	dedupCfg   config.DedupConfig
	supervisor *tasks.Supervisor
	commits    *dedup.CommitTracker
	bot        dedup.BotIdentity
	forge      DiscussionResolver
}

// NewWebhookHandler builds the webhook endpoint. commits may be nil when
// commit deduplication is disabled.
func NewWebhookHandler(cfg config.WebhookConfig, dedupCfg config.DedupConfig, supervisor *tasks.Supervisor, commits *dedup.CommitTracker, bot dedup.BotIdentity, forge DiscussionResolver) *WebhookHandler {
	return &WebhookHandler{
		cfg:        cfg,
		dedupCfg:   dedupCfg,
		supervisor: supervisor,
		commits:    commits,
		bot:        bot,
		forge:      forge,
	}
}

// Handle authenticates a delivery and dispatches on its object_kind. Events
// that do not lead to a review are answered 200 with the reason, so GitLab
// does not retry them.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if !h.cfg.Enabled {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{"message": "webhooks are disabled"})
	}

	if h.cfg.Secret != "" {
		token := c.Request().Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Secret)) != 1 {
			metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook token"})
		}
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil || !gjson.ValidBytes(body) {
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
	}

	kind := gjson.GetBytes(body, "object_kind").String()
	switch kind {
	case "merge_request":
		return h.handleMergeRequest(c, body)
	case "note":
		return h.handleNote(c, body)
	default:
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{"message": "ignored", "event": kind})
	}
}

func (h *WebhookHandler) handleMergeRequest(c echo.Context, body []byte) error {
	projectID := gjson.GetBytes(body, "project.id")
	iid := gjson.GetBytes(body, "object_attributes.iid")
	if !projectID.Exists() || !iid.Exists() {
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing project id or merge request iid"})
	}
	ref := models.MergeRequestRef{ProjectID: projectID.String(), MRIID: int(iid.Int())}
	headSHA := gjson.GetBytes(body, "object_attributes.last_commit.id").String()

	if reason := h.filterMergeRequest(body); reason != "" {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		log.Debug().Str("mr", ref.String()).Str("reason", reason).Msg("Webhook event skipped")
		return c.JSON(http.StatusOK, map[string]string{"message": "ignored", "reason": reason})
	}

	if h.dedupCfg.Enabled && h.commits != nil && headSHA != "" &&
		h.commits.IsReviewed(ref.ProjectID, ref.MRIID, headSHA) {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{
			"message": fmt.Sprintf("commit %s already reviewed", headSHA),
		})
	}

	taskID, err := h.supervisor.Submit(ref, models.ReviewOptions{CommitSHA: headSHA})
	if err != nil {
		return h.submitError(c, err)
	}
	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	log.Info().Str("task_id", taskID).Str("mr", ref.String()).Msg("Webhook review accepted")
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
}

// filterMergeRequest applies the configured event filters. It returns the
// skip reason, or "" when the event should trigger a review.
func (h *WebhookHandler) filterMergeRequest(body []byte) string {
	action := gjson.GetBytes(body, "object_attributes.action").String()
	if len(h.cfg.TriggerActions) > 0 && !containsFold(h.cfg.TriggerActions, action) {
		return fmt.Sprintf("action %q does not trigger reviews", action)
	}

	if h.cfg.SkipDraft && (gjson.GetBytes(body, "object_attributes.draft").Bool() ||
		gjson.GetBytes(body, "object_attributes.work_in_progress").Bool()) {
		return "merge request is a draft"
	}
	title := gjson.GetBytes(body, "object_attributes.title").String()
	if h.cfg.SkipWIP && wipTitle(title) {
		return "merge request title is marked WIP"
	}

	labels := labelTitles(body)
	for _, required := range h.cfg.RequiredLabels {
		if !containsFold(labels, required) {
			return fmt.Sprintf("missing required label %q", required)
		}
	}
	for _, excluded := range h.cfg.ExcludedLabels {
		if containsFold(labels, excluded) {
			return fmt.Sprintf("excluded label %q present", excluded)
		}
	}
	return ""
}

func (h *WebhookHandler) submitError(c echo.Context, err error) error {
	var tooMany *tasks.TooManyReviewsError
	var already *tasks.AlreadyReviewedError
	switch {
	case errors.As(err, &tooMany):
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.As(err, &already):
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{
			"message": fmt.Sprintf("commit %s already reviewed", already.SHA),
		})
	case errors.Is(err, tasks.ErrShuttingDown):
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// handleNote resolves a bot discussion when someone replies "done" to it.
func (h *WebhookHandler) handleNote(c echo.Context, body []byte) error {
	noteable := gjson.GetBytes(body, "object_attributes.noteable_type").String()
	discussionID := gjson.GetBytes(body, "object_attributes.discussion_id").String()
	noteBody := gjson.GetBytes(body, "object_attributes.note").String()

	if noteable != "MergeRequest" || discussionID == "" ||
		!strings.EqualFold(strings.TrimSpace(noteBody), "done") {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{"message": "ignored"})
	}

	projectID := gjson.GetBytes(body, "project.id").String()
	iid := int(gjson.GetBytes(body, "merge_request.iid").Int())
	if projectID == "" || iid == 0 {
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing project id or merge request iid"})
	}
	ref := models.MergeRequestRef{ProjectID: projectID, MRIID: iid}

	ctx := c.Request().Context()
	discussion, err := h.forge.GetDiscussion(ctx, ref, discussionID)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("failed to load discussion: %v", err),
		})
	}
	first, ok := discussion.FirstNote()
	if !ok || !h.bot.Matches(first.Author) {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.JSON(http.StatusOK, map[string]string{"message": "discussion not created by bot"})
	}

	if err := h.forge.ResolveDiscussion(ctx, ref, discussionID); err != nil {
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("failed to resolve discussion: %v", err),
		})
	}

	// The reaction on the triggering note is best effort.
	if noteID := int(gjson.GetBytes(body, "object_attributes.id").Int()); noteID != 0 {
		if err := h.forge.AwardNoteEmoji(ctx, ref, noteID, resolveEmoji); err != nil {
			log.Debug().Err(err).Int("note_id", noteID).Msg("Emoji award failed")
		}
	}

	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	log.Info().Str("mr", ref.String()).Str("discussion_id", discussionID).Msg("Discussion resolved")
	return c.JSON(http.StatusOK, map[string]string{
		"message":       "discussion resolved",
		"discussion_id": discussionID,
	})
}

func labelTitles(body []byte) []string {
	var labels []string
	for _, l := range gjson.GetBytes(body, "labels.#.title").Array() {
		labels = append(labels, l.String())
	}
	return labels
}

// wipTitle reports the two title conventions that mark an MR as not ready:
// a "wip:" prefix or a "[wip]" tag anywhere in the title.
func wipTitle(title string) bool {
	lower := strings.ToLower(title)
	return strings.HasPrefix(lower, "wip:") || strings.Contains(lower, "[wip]")
}

func containsFold(haystack []string, needle string) bool {
	for _, item := range haystack {
		if strings.EqualFold(item, needle) {
			return true
		}
	}
	return false
}
