// Package review runs the end-to-end pipeline for one merge request:
// fetch, parse, map, chunk, analyze, clean up, publish, record.
package review

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/diffcritic/internal/diff"
	"github.com/diffcritic/internal/llm"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/internal/prompts"
	"github.com/diffcritic/pkg/models"
)

// Analyzer is the LLM surface the processor fans out to.
type Analyzer interface {
	Analyze(ctx context.Context, chunkText string, reviewType models.ReviewType) (*llm.Result, error)
}

// ProcessorConfig bounds one chunk fan-out.
type ProcessorConfig struct {
	// Concurrency caps LLM calls in flight.
	Concurrency int
	// ChunkTimeout is the deadline for one chunk, retries included.
	ChunkTimeout time.Duration
	// MaxChunkTokens rejects a chunk before it round-trips to the
	// model. Only a single file too large to split can exceed it.
	MaxChunkTokens int
}

// ProcessResult aggregates a fan-out in chunk-index order.
type ProcessResult struct {
	Critiques []models.Critique
	Usage     models.TokenUsage
	Processed int
	Failed    int
}

// chunkOutcome is one chunk's analysis, produced by a worker.
type chunkOutcome struct {
	critiques []models.Critique
	usage     models.TokenUsage
	err       error
}

// ChunkProcessor runs LLM analyses for a batch of chunks.
type ChunkProcessor struct {
	analyzer Analyzer
	cfg      ProcessorConfig
}

func NewChunkProcessor(analyzer Analyzer, cfg ProcessorConfig) *ChunkProcessor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &ChunkProcessor{analyzer: analyzer, cfg: cfg}
}

// Process analyzes every chunk with at most Concurrency calls in
// flight. Critiques concatenate in chunk-index order regardless of
// completion order. A failed chunk contributes no critiques and no
// tokens and is counted; it never aborts the batch.
func (p *ChunkProcessor) Process(ctx context.Context, chunks []models.DiffChunk, reviewType models.ReviewType, extraInstructions string) *ProcessResult {
	result := &ProcessResult{}
	if len(chunks) == 0 {
		return result
	}

	outcomes := make([]chunkOutcome, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for i := range chunks {
		i := i
		g.Go(func() error {
			outcomes[i] = p.processChunk(gctx, chunks[i], reviewType, extraInstructions)
			// Failures stay in the outcome so sibling chunks keep going.
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return an error

	for i := range outcomes {
		outcome := &outcomes[i]
		if outcome.err != nil {
			result.Failed++
			metrics.ChunksProcessed.WithLabelValues("failed").Inc()
			continue
		}
		result.Processed++
		result.Critiques = append(result.Critiques, outcome.critiques...)
		result.Usage.Add(outcome.usage)
		metrics.ChunksProcessed.WithLabelValues("success").Inc()
	}

	log.Debug().
		Int("chunks", len(chunks)).
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("critiques", len(result.Critiques)).
		Int("total_tokens", result.Usage.TotalTokens).
		Msg("Chunk fan-out complete")

	return result
}

func (p *ChunkProcessor) processChunk(ctx context.Context, chunk models.DiffChunk, reviewType models.ReviewType, extra string) chunkOutcome {
	if p.cfg.MaxChunkTokens > 0 && chunk.EstimatedTokens > p.cfg.MaxChunkTokens {
		path := ""
		if len(chunk.Files) > 0 {
			path = chunk.Files[0].Path()
		}
		err := &diff.TokenLimitError{Path: path, Estimated: chunk.EstimatedTokens, Budget: p.cfg.MaxChunkTokens}
		log.Warn().
			Int("chunk", chunk.Index).
			Str("file", path).
			Int("estimated_tokens", chunk.EstimatedTokens).
			Msg("Chunk exceeds the token limit, skipping analysis")
		return chunkOutcome{err: err}
	}

	callCtx := ctx
	if p.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.ChunkTimeout)
		defer cancel()
	}

	res, err := p.analyzer.Analyze(callCtx, prompts.RenderChunk(chunk, extra), reviewType)
	if err != nil {
		log.Warn().
			Int("chunk", chunk.Index).
			Int("files", len(chunk.Files)).
			Err(err).
			Msg("Chunk analysis failed")
		return chunkOutcome{err: err}
	}

	return chunkOutcome{critiques: res.Critiques, usage: res.Usage}
}
