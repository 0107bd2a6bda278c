package diff

import (
	"path"

	"github.com/rs/zerolog/log"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/pkg/models"
)

// Chunker filters parsed files against the configured glob lists and packs
// the survivors into token-bounded chunks.
type Chunker struct {
	cfg        config.ChunkConfig
	ignore     []string
	prioritize []string
}

// NewChunker validates the glob patterns once at construction; a bad
// pattern is dropped with a warning instead of failing every review.
func NewChunker(cfg config.ChunkConfig) *Chunker {
	return &Chunker{
		cfg:        cfg,
		ignore:     compilePatterns(cfg.IgnorePatterns),
		prioritize: compilePatterns(cfg.PrioritizePatterns),
	}
}

func compilePatterns(patterns []string) []string {
	valid := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, "probe"); err != nil {
			log.Warn().Str("pattern", pattern).Msg("Dropping invalid glob pattern")
			continue
		}
		valid = append(valid, pattern)
	}
	return valid
}

// matchAny matches the full path first, then the base name so that
// "*.lock" catches lockfiles in subdirectories.
func matchAny(patterns []string, filePath string) bool {
	base := path.Base(filePath)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, filePath); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Chunk orders and packs files into chunks. Prioritized files come first,
// ignored files are excluded outright, and within each class the input
// order is preserved. A single file over the token budget becomes its own
// chunk; files are never split mid-hunk.
func (c *Chunker) Chunk(files []models.FileDiff) []models.DiffChunk {
	kept := make([]models.FileDiff, 0, len(files))
	ignored := 0
	for _, f := range files {
		if matchAny(c.ignore, f.Path()) {
			ignored++
			continue
		}
		kept = append(kept, f)
	}

	ordered := make([]models.FileDiff, 0, len(kept))
	var deferred []models.FileDiff
	for _, f := range kept {
		if matchAny(c.prioritize, f.Path()) {
			ordered = append(ordered, f)
		} else {
			deferred = append(deferred, f)
		}
	}
	ordered = append(ordered, deferred...)

	var (
		chunks    []models.DiffChunk
		current   models.DiffChunk
		totalSize int
		oversized int
	)
	flush := func() {
		if len(current.Files) > 0 {
			chunks = append(chunks, current)
			current = models.DiffChunk{}
		}
	}

	for _, f := range ordered {
		serialized := Serialize(f)
		if c.cfg.MaxDiffSize > 0 && totalSize+len(serialized) > c.cfg.MaxDiffSize {
			oversized++
			continue
		}
		totalSize += len(serialized)

		tokens := EstimateTokens(serialized, KindForPath(f.Path()))

		full := c.cfg.MaxChunkTokens > 0 && current.EstimatedTokens+tokens > c.cfg.MaxChunkTokens
		if c.cfg.MaxFilesPerChunk > 0 && len(current.Files) >= c.cfg.MaxFilesPerChunk {
			full = true
		}
		if len(current.Files) > 0 && full {
			flush()
		}

		current.Files = append(current.Files, f)
		current.EstimatedTokens += tokens
	}
	flush()

	truncated := 0
	if c.cfg.MaxChunks >= 0 && len(chunks) > c.cfg.MaxChunks {
		truncated = len(chunks) - c.cfg.MaxChunks
		chunks = chunks[:c.cfg.MaxChunks]
	}
	for i := range chunks {
		chunks[i].Index = i
	}

	log.Debug().
		Int("files", len(files)).
		Int("ignored", ignored).
		Int("dropped_over_size", oversized).
		Int("chunks", len(chunks)).
		Int("chunks_truncated", truncated).
		Msg("Chunked diff")

	return chunks
}
