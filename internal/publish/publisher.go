// Package publish turns one review's critiques into merge request
// comments: a summary note, inline discussions where the diff allows
// them, and annotated general notes for everything else.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/diffcritic/internal/diff"
	"github.com/diffcritic/internal/gitlab"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/pkg/models"
)

// Forge is the slice of the GitLab client the publisher calls.
type Forge interface {
	CreateNote(ctx context.Context, ref models.MergeRequestRef, body string) (*gitlab.Note, error)
	CreateDiscussion(ctx context.Context, ref models.MergeRequestRef, body string, position *gitlab.NotePosition) (*gitlab.Discussion, error)
}

// Result counts what one publish pass created.
type Result struct {
	SummaryPosted bool
	// Inline discussions anchored to a diff line.
	Inline int
	// General notes for file-level and unanchored comments.
	General int
	// Fallback notes for inline intents the diff or GitLab refused.
	Fallback int
}

// Total is the number of notes and discussions created.
func (r *Result) Total() int {
	n := r.Inline + r.General + r.Fallback
	if r.SummaryPosted {
		n++
	}
	return n
}

// Publisher posts one review's comment batch to a merge request. All
// calls go through a shared limiter so consecutive requests stay at
// least the configured delay apart.
type Publisher struct {
	forge   Forge
	mapper  *diff.Mapper
	refs    models.DiffRefs
	limiter *rate.Limiter
}

// New builds a publisher for one review. The mapper must have been
// built from the same diff the refs describe, or every inline position
// it confirms would be rejected upstream.
func New(forge Forge, mapper *diff.Mapper, refs models.DiffRefs, delay time.Duration) *Publisher {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return &Publisher{forge: forge, mapper: mapper, refs: refs, limiter: limiter}
}

// Publish posts the batch: summary first, then comments in file-name
// order, keeping batch order within a file. Inline comments whose line
// the diff cannot address, or whose position GitLab rejects, degrade to
// general notes with an annotation. Any other failure stops the pass
// and returns the counts accumulated so far.
func (p *Publisher) Publish(ctx context.Context, ref models.MergeRequestRef, batch models.CommentBatch) (*Result, error) {
	result := &Result{}

	if batch.Summary != nil && strings.TrimSpace(*batch.Summary) != "" {
		body := *batch.Summary
		if !strings.HasPrefix(body, SummaryBanner) {
			body = SummaryBanner + "\n\n" + body
		}
		if err := p.postNote(ctx, ref, body); err != nil {
			metrics.CommentFailures.WithLabelValues("summary").Inc()
			return result, fmt.Errorf("failed to publish summary: %w", err)
		}
		result.SummaryPosted = true
		metrics.CommentsPublished.WithLabelValues("summary").Inc()
	}

	type pendingComment struct {
		comment models.FormattedComment
		inline  bool
	}

	pending := make([]pendingComment, 0, len(batch.FileComments)+len(batch.InlineComments))
	for _, c := range batch.FileComments {
		pending = append(pending, pendingComment{comment: c})
	}
	for _, c := range batch.InlineComments {
		pending = append(pending, pendingComment{comment: c, inline: c.File != "" && c.Line != nil})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].comment.File < pending[j].comment.File
	})

	for i := range pending {
		item := &pending[i]
		body := Format(&item.comment)

		if !item.inline {
			if err := p.postNote(ctx, ref, body); err != nil {
				metrics.CommentFailures.WithLabelValues("general").Inc()
				return result, fmt.Errorf("failed to publish comment for %q: %w", item.comment.File, err)
			}
			result.General++
			metrics.CommentsPublished.WithLabelValues("general").Inc()
			continue
		}

		inline, err := p.publishInline(ctx, ref, &item.comment, body)
		if err != nil {
			return result, err
		}
		if inline {
			result.Inline++
		} else {
			result.Fallback++
		}
	}

	log.Info().
		Str("project_id", ref.ProjectID).
		Int("mr_iid", ref.MRIID).
		Bool("summary", result.SummaryPosted).
		Int("inline", result.Inline).
		Int("general", result.General).
		Int("fallback", result.Fallback).
		Msg("Published review comments")

	return result, nil
}

// publishInline tries the discussion endpoint for one anchored comment.
// The bool reports whether the comment landed inline rather than as a
// fallback note.
func (p *Publisher) publishInline(ctx context.Context, ref models.MergeRequestRef, comment *models.FormattedComment, body string) (bool, error) {
	file := comment.File
	line := *comment.Line

	info, ok := p.mapper.Info(file, line)
	if !ok {
		log.Debug().
			Str("file", file).
			Int("line", line).
			Msg("Line is not part of the diff, posting general note instead")
		if err := p.postNote(ctx, ref, annotate(body, fmt.Sprintf(outsideDiffAnnotation, file, line))); err != nil {
			metrics.CommentFailures.WithLabelValues("fallback").Inc()
			return false, fmt.Errorf("failed to publish fallback comment for %s:%d: %w", file, line, err)
		}
		metrics.CommentsPublished.WithLabelValues("fallback").Inc()
		return false, nil
	}

	position := &gitlab.NotePosition{
		BaseSHA:      p.refs.BaseSHA,
		StartSHA:     p.refs.StartSHA,
		HeadSHA:      p.refs.HeadSHA,
		PositionType: "text",
		OldPath:      file,
		NewPath:      file,
		OldLine:      info.OldLine,
		NewLine:      &info.NewLine,
		LineCode:     info.LineCode,
	}

	err := p.postDiscussion(ctx, ref, body, position)
	if err == nil {
		metrics.CommentsPublished.WithLabelValues("inline").Inc()
		return true, nil
	}

	var rejected *gitlab.PositionRejectedError
	if !errors.As(err, &rejected) {
		metrics.CommentFailures.WithLabelValues("inline").Inc()
		return false, fmt.Errorf("failed to publish inline comment for %s:%d: %w", file, line, err)
	}

	log.Warn().
		Str("file", file).
		Int("line", line).
		Int("status", rejected.Status).
		Msg("GitLab rejected the inline position, posting general note instead")
	if err := p.postNote(ctx, ref, annotate(body, fmt.Sprintf(rejectedAnnotation, file, line))); err != nil {
		metrics.CommentFailures.WithLabelValues("fallback").Inc()
		return false, fmt.Errorf("failed to publish fallback comment for %s:%d: %w", file, line, err)
	}
	metrics.CommentsPublished.WithLabelValues("fallback").Inc()
	return false, nil
}

func (p *Publisher) postNote(ctx context.Context, ref models.MergeRequestRef, body string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.forge.CreateNote(ctx, ref, body)
	return err
}

func (p *Publisher) postDiscussion(ctx context.Context, ref models.MergeRequestRef, body string, position *gitlab.NotePosition) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.forge.CreateDiscussion(ctx, ref, body, position)
	return err
}
