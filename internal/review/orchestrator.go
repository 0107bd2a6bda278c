package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/dedup"
	"github.com/diffcritic/internal/diff"
	"github.com/diffcritic/internal/publish"
	"github.com/diffcritic/pkg/models"
)

// Forge is the full GitLab surface one review needs. *gitlab.Client
// satisfies it.
type Forge interface {
	GetMergeRequest(ctx context.Context, ref models.MergeRequestRef) (*models.MergeRequest, error)
	GetMergeRequestDiffs(ctx context.Context, ref models.MergeRequestRef) ([]models.RawFileDiff, error)
	publish.Forge
	dedup.NoteSource
}

// ProgressFunc receives pipeline progress as a stage name and a
// fraction in [0, 1]. Called synchronously from the review goroutine.
type ProgressFunc func(stage string, fraction float64)

// Orchestrator runs the full review pipeline for one merge request:
// fetch, parse, map, chunk, analyze, clean up old comments, publish,
// record the reviewed commit.
type Orchestrator struct {
	forge    Forge
	analyzer Analyzer
	parser   *diff.Parser
	chunker  *diff.Chunker
	commits  *dedup.CommitTracker
	bot      dedup.BotIdentity
	cfg      *config.Config
}

func NewOrchestrator(forge Forge, analyzer Analyzer, commits *dedup.CommitTracker, bot dedup.BotIdentity, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		forge:    forge,
		analyzer: analyzer,
		parser:   diff.NewParser(),
		chunker:  diff.NewChunker(cfg.Chunk),
		commits:  commits,
		bot:      bot,
		cfg:      cfg,
	}
}

// Run executes one review end to end and reports stage transitions on
// progress when it is non-nil. A merge request with no reviewable
// changes returns a success result without calling the model. Cleanup
// failures are logged and skipped; fetch, parse, and publish failures
// abort the review.
func (o *Orchestrator) Run(ctx context.Context, ref models.MergeRequestRef, opts models.ReviewOptions, progress ProgressFunc) (*models.ReviewResult, error) {
	start := time.Now()
	report := func(stage string, fraction float64) {
		if progress != nil {
			progress(stage, fraction)
		}
	}

	reviewType := opts.ReviewType
	if reviewType == "" {
		reviewType = models.ReviewGeneral
	}

	log.Info().
		Str("project_id", ref.ProjectID).
		Int("mr_iid", ref.MRIID).
		Str("review_type", string(reviewType)).
		Bool("force", opts.Force).
		Msg("Starting review")
	report("fetch", 0.05)

	// MR metadata and the diff listing live on separate endpoints.
	var (
		mr  *models.MergeRequest
		raw []models.RawFileDiff
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mr, err = o.forge.GetMergeRequest(gctx, ref)
		if err != nil {
			return fmt.Errorf("failed to fetch merge request: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		raw, err = o.forge.GetMergeRequestDiffs(gctx, ref)
		if err != nil {
			return fmt.Errorf("failed to fetch diffs: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report("parse", 0.15)
	files, err := o.parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}

	mapper := diff.NewMapper()
	mapper.Build(files)

	report("chunk", 0.2)
	chunks := o.chunker.Chunk(files)
	if len(chunks) == 0 {
		log.Info().
			Str("project_id", ref.ProjectID).
			Int("mr_iid", ref.MRIID).
			Int("files", len(raw)).
			Msg("No reviewable changes after filtering")
		return &models.ReviewResult{
			Status:         models.ReviewStatusSuccess,
			ProcessingTime: time.Since(start),
			Stats:          models.ReviewStats{FilesReviewed: len(files)},
			Message:        "no reviewable changes",
		}, nil
	}

	report("analyze", 0.3)
	processor := NewChunkProcessor(o.analyzer, ProcessorConfig{
		Concurrency:    o.cfg.Review.ConcurrentGLMRequests,
		ChunkTimeout:   o.cfg.Review.ChunkTimeout(),
		MaxChunkTokens: o.cfg.Chunk.MaxChunkTokens,
	})
	processed := processor.Process(ctx, chunks, reviewType, opts.ExtraInstructions)

	report("cleanup", 0.65)
	if o.cfg.Dedup.Enabled {
		tracker := dedup.NewCommentTracker(o.forge, o.bot)
		policy := models.CleanupPolicy(o.cfg.Dedup.CleanupPolicy)
		if _, cleanupErr := tracker.Cleanup(ctx, ref, policy); cleanupErr != nil {
			// Stale comments linger at worst; the new review still goes out.
			log.Warn().Err(cleanupErr).
				Str("project_id", ref.ProjectID).
				Int("mr_iid", ref.MRIID).
				Msg("Comment cleanup failed, publishing anyway")
		}
	}

	report("publish", 0.75)
	batch := buildBatch(mr, reviewType, processed, len(files), len(chunks))
	publisher := publish.New(o.forge, mapper, mr.DiffRefs, o.cfg.Review.PublishDelay())
	published, err := publisher.Publish(ctx, ref, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to publish review: %w", err)
	}

	report("record", 0.95)
	headSHA := mr.HeadSHA
	if headSHA == "" {
		headSHA = opts.CommitSHA
	}
	if o.cfg.Dedup.Enabled && headSHA != "" {
		o.commits.MarkReviewed(ref.ProjectID, ref.MRIID, headSHA, published.Total())
	}

	result := &models.ReviewResult{
		Status:         models.ReviewStatusSuccess,
		ProcessingTime: time.Since(start),
		Stats: models.ReviewStats{
			FilesReviewed:     len(files),
			ChunksProcessed:   processed.Processed,
			ChunksFailed:      processed.Failed,
			CommentsPublished: published.Total(),
			InlineComments:    published.Inline,
			FallbackComments:  published.Fallback,
			Usage:             processed.Usage,
		},
		Message: resultMessage(processed, published),
	}

	log.Info().
		Str("project_id", ref.ProjectID).
		Int("mr_iid", ref.MRIID).
		Dur("duration", result.ProcessingTime).
		Int("files", len(files)).
		Int("chunks", len(chunks)).
		Int("comments", published.Total()).
		Int("tokens", processed.Usage.TotalTokens).
		Msg("Review completed")
	report("done", 1.0)

	return result, nil
}

func resultMessage(processed *ProcessResult, published *publish.Result) string {
	msg := fmt.Sprintf("published %d comments", published.Total())
	if processed.Failed > 0 {
		msg += fmt.Sprintf(" (%d chunks failed analysis)", processed.Failed)
	}
	return msg
}

// buildBatch splits critiques into inline and general comments and
// composes the summary. A critique anchors inline only when it names
// both a file and a line; summary-type critiques fold into the summary
// note instead of posting on their own.
func buildBatch(mr *models.MergeRequest, reviewType models.ReviewType, processed *ProcessResult, files, chunks int) models.CommentBatch {
	var batch models.CommentBatch
	for _, critique := range processed.Critiques {
		if critique.Type == models.CritiqueSummary {
			continue
		}
		comment := models.FormattedComment{Critique: critique}
		if critique.File != "" && critique.Line != nil {
			batch.InlineComments = append(batch.InlineComments, comment)
		} else {
			batch.FileComments = append(batch.FileComments, comment)
		}
	}
	summary := composeSummary(mr, reviewType, processed, files, chunks)
	batch.Summary = &summary
	return batch
}

func composeSummary(mr *models.MergeRequest, reviewType models.ReviewType, processed *ProcessResult, files, chunks int) string {
	var overviews []string
	var actionable []models.Critique
	for _, c := range processed.Critiques {
		if c.Type == models.CritiqueSummary {
			if text := strings.TrimSpace(c.Comment); text != "" {
				overviews = append(overviews, text)
			}
			continue
		}
		actionable = append(actionable, c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s review** of %q, covering %d files in %d chunks.\n\n",
		capitalize(string(reviewType)), mr.Title, files, chunks)

	for _, overview := range overviews {
		b.WriteString(overview)
		b.WriteString("\n\n")
	}

	switch {
	case len(actionable) > 0:
		bySeverity := map[models.Severity]int{}
		for _, c := range actionable {
			bySeverity[c.Severity]++
		}
		fmt.Fprintf(&b, "Found %d comments:\n\n", len(actionable))
		for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
			if n := bySeverity[sev]; n > 0 {
				fmt.Fprintf(&b, "- %s: %d\n", sev, n)
			}
		}
	case len(overviews) == 0:
		b.WriteString("No issues found. The changes look good.\n")
	}

	if processed.Failed > 0 {
		fmt.Fprintf(&b, "\n⚠️ %d of %d chunks could not be analyzed.\n", processed.Failed, chunks)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
