package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/diffcritic/internal/gitlab"
	"github.com/diffcritic/pkg/models"
)

// NoteSource is the slice of the GitLab client the comment tracker
// needs to find and remove prior comments.
type NoteSource interface {
	ListNotes(ctx context.Context, ref models.MergeRequestRef) ([]gitlab.Note, error)
	ListDiscussions(ctx context.Context, ref models.MergeRequestRef) ([]gitlab.Discussion, error)
	DeleteNote(ctx context.Context, ref models.MergeRequestRef, noteID int) error
	DeleteDiscussionNote(ctx context.Context, ref models.MergeRequestRef, discussionID string, noteID int) error
}

// BotIdentity identifies the reviewing account. A comment counts as the
// bot's when either the author id or the username matches.
type BotIdentity struct {
	ID       int
	Username string
}

// Matches reports whether the note author is the bot.
func (b BotIdentity) Matches(author gitlab.User) bool {
	if b.ID != 0 && author.ID == b.ID {
		return true
	}
	return b.Username != "" && strings.EqualFold(author.Username, b.Username)
}

// CommentTracker removes the bot's prior comments from a merge request
// before a new review publishes, according to the configured policy.
type CommentTracker struct {
	forge NoteSource
	bot   BotIdentity
}

func NewCommentTracker(forge NoteSource, bot BotIdentity) *CommentTracker {
	return &CommentTracker{forge: forge, bot: bot}
}

// botComment is one prior comment with enough addressing to delete it.
type botComment struct {
	noteID       int
	discussionID string // empty for notes outside any discussion
	inline       bool
}

// collect lists the bot's prior comments. Discussions are listed first;
// the plain-note listing then fills in anything the discussion listing
// did not return, keyed by note id so nothing is deleted twice.
func (t *CommentTracker) collect(ctx context.Context, ref models.MergeRequestRef) ([]botComment, error) {
	discussions, err := t.forge.ListDiscussions(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list discussions: %w", err)
	}

	var comments []botComment
	seen := make(map[int]bool)
	for _, discussion := range discussions {
		for _, note := range discussion.Notes {
			if note.System || !t.bot.Matches(note.Author) {
				continue
			}
			seen[note.ID] = true
			comments = append(comments, botComment{
				noteID:       note.ID,
				discussionID: discussion.ID,
				inline:       note.Inline(),
			})
		}
	}

	notes, err := t.forge.ListNotes(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	for _, note := range notes {
		if note.System || seen[note.ID] || !t.bot.Matches(note.Author) {
			continue
		}
		comments = append(comments, botComment{noteID: note.ID, inline: note.Inline()})
	}

	return comments, nil
}

// shouldDelete applies the policy to one comment. The delete_outdated
// policy has no per-commit tagging to consult yet and clears everything.
func shouldDelete(policy models.CleanupPolicy, comment botComment) bool {
	switch policy {
	case models.CleanupDeleteAll, models.CleanupDeleteOutdated:
		return true
	case models.CleanupDeleteSummaryOnly:
		return !comment.inline
	default:
		return false
	}
}

// Cleanup applies the policy to the bot's prior comments on the MR.
// Deletion is per note: failures are counted in the result and the
// pass continues.
func (t *CommentTracker) Cleanup(ctx context.Context, ref models.MergeRequestRef, policy models.CleanupPolicy) (*models.CleanupResult, error) {
	result := &models.CleanupResult{}

	if policy == models.CleanupKeepAll {
		return result, nil
	}

	comments, err := t.collect(ctx, ref)
	if err != nil {
		return result, err
	}

	for _, comment := range comments {
		if !shouldDelete(policy, comment) {
			result.Kept++
			continue
		}
		if err := t.deleteComment(ctx, ref, comment); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("note %d: %v", comment.noteID, err))
			log.Warn().
				Int("note_id", comment.noteID).
				Str("project_id", ref.ProjectID).
				Int("mr_iid", ref.MRIID).
				Err(err).
				Msg("Failed to delete prior comment")
			continue
		}
		result.Deleted++
	}

	log.Info().
		Str("project_id", ref.ProjectID).
		Int("mr_iid", ref.MRIID).
		Str("policy", string(policy)).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Int("kept", result.Kept).
		Msg("Cleaned up prior review comments")

	return result, nil
}

func (t *CommentTracker) deleteComment(ctx context.Context, ref models.MergeRequestRef, comment botComment) error {
	if comment.discussionID != "" {
		return t.forge.DeleteDiscussionNote(ctx, ref, comment.discussionID, comment.noteID)
	}
	return t.forge.DeleteNote(ctx, ref, comment.noteID)
}
