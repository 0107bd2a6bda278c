package review

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffcritic/internal/llm"
	"github.com/diffcritic/pkg/models"
)

type chunkReply struct {
	result *llm.Result
	err    error
	delay  time.Duration
	// block holds the call until its context is cancelled.
	block bool
}

type analyzerCall struct {
	chunkText  string
	reviewType models.ReviewType
}

// fakeAnalyzer dispatches replies by substring match against the rendered
// chunk text, so tests key replies by file path.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   []analyzerCall
	replies map[string]chunkReply

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, chunkText string, reviewType models.ReviewType) (*llm.Result, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, analyzerCall{chunkText: chunkText, reviewType: reviewType})
	f.mu.Unlock()

	var reply chunkReply
	for key, r := range f.replies {
		if strings.Contains(chunkText, key) {
			reply = r
			break
		}
	}

	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.result != nil {
		return reply.result, nil
	}
	return &llm.Result{}, nil
}

func (f *fakeAnalyzer) callTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.calls))
	for i, c := range f.calls {
		texts[i] = c.chunkText
	}
	return texts
}

func singleFileChunk(index int, path string, tokens int) models.DiffChunk {
	return models.DiffChunk{
		Index:           index,
		Files:           []models.FileDiff{{NewPath: path}},
		EstimatedTokens: tokens,
	}
}

func oneCritique(file, comment string) *llm.Result {
	line := 3
	return &llm.Result{
		Critiques: []models.Critique{{
			File:     file,
			Line:     &line,
			Comment:  comment,
			Type:     models.CritiqueIssue,
			Severity: models.SeverityMedium,
		}},
		Usage: models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

func TestProcessAggregatesInChunkOrder(t *testing.T) {
	// The slowest chunk finishes last but its critiques still come first.
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		"a.py": {result: oneCritique("a.py", "first"), delay: 30 * time.Millisecond},
		"b.py": {result: oneCritique("b.py", "second"), delay: 10 * time.Millisecond},
		"c.py": {result: oneCritique("c.py", "third")},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{
		Concurrency:  3,
		ChunkTimeout: time.Second,
	})

	chunks := []models.DiffChunk{
		singleFileChunk(0, "a.py", 50),
		singleFileChunk(1, "b.py", 50),
		singleFileChunk(2, "c.py", 50),
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	require.Len(t, result.Critiques, 3)
	assert.Equal(t, "first", result.Critiques[0].Comment)
	assert.Equal(t, "second", result.Critiques[1].Comment)
	assert.Equal(t, "third", result.Critiques[2].Comment)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 360, result.Usage.TotalTokens)
	assert.Equal(t, 300, result.Usage.PromptTokens)
}

func TestProcessIsolatesFailedChunk(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		"a.py": {result: oneCritique("a.py", "keep me")},
		"b.py": {err: errors.New("model unavailable")},
		"c.py": {result: oneCritique("c.py", "me too")},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{
		Concurrency:  2,
		ChunkTimeout: time.Second,
	})

	chunks := []models.DiffChunk{
		singleFileChunk(0, "a.py", 50),
		singleFileChunk(1, "b.py", 50),
		singleFileChunk(2, "c.py", 50),
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	require.Len(t, result.Critiques, 2)
	assert.Equal(t, "keep me", result.Critiques[0].Comment)
	assert.Equal(t, "me too", result.Critiques[1].Comment)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 240, result.Usage.TotalTokens)
}

func TestProcessSkipsChunkOverTokenBudget(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		"small.py": {result: oneCritique("small.py", "fine")},
		"huge.py":  {result: oneCritique("huge.py", "never seen")},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{
		Concurrency:    1,
		ChunkTimeout:   time.Second,
		MaxChunkTokens: 100,
	})

	chunks := []models.DiffChunk{
		singleFileChunk(0, "small.py", 100), // at the budget, still analyzed
		singleFileChunk(1, "huge.py", 500),
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Critiques, 1)
	assert.Equal(t, "fine", result.Critiques[0].Comment)

	for _, text := range analyzer.callTexts() {
		assert.NotContains(t, text, "huge.py")
	}
}

func TestProcessHonorsConcurrencyLimit(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		".py": {delay: 20 * time.Millisecond},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{
		Concurrency:  2,
		ChunkTimeout: time.Second,
	})

	chunks := make([]models.DiffChunk, 5)
	for i := range chunks {
		chunks[i] = singleFileChunk(i, "file"+string(rune('a'+i))+".py", 50)
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	assert.Equal(t, 5, result.Processed)
	assert.LessOrEqual(t, analyzer.maxSeen.Load(), int32(2))
}

func TestProcessDefaultsToSerial(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		".py": {delay: 10 * time.Millisecond},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{ChunkTimeout: time.Second})

	chunks := []models.DiffChunk{
		singleFileChunk(0, "a.py", 50),
		singleFileChunk(1, "b.py", 50),
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, int32(1), analyzer.maxSeen.Load())
}

func TestProcessChunkTimeoutFailsOnlyThatChunk(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{
		"stuck.py": {block: true},
		"fast.py":  {result: oneCritique("fast.py", "done")},
	}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{
		Concurrency:  2,
		ChunkTimeout: 25 * time.Millisecond,
	})

	chunks := []models.DiffChunk{
		singleFileChunk(0, "stuck.py", 50),
		singleFileChunk(1, "fast.py", 50),
	}
	result := processor.Process(context.Background(), chunks, models.ReviewGeneral, "")

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Critiques, 1)
	assert.Equal(t, "done", result.Critiques[0].Comment)
}

func TestProcessEmptyInput(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{Concurrency: 2, ChunkTimeout: time.Second})

	result := processor.Process(context.Background(), nil, models.ReviewGeneral, "")

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Critiques)
	assert.Empty(t, analyzer.calls)
}

func TestProcessRendersInstructionsAndType(t *testing.T) {
	analyzer := &fakeAnalyzer{replies: map[string]chunkReply{}}
	processor := NewChunkProcessor(analyzer, ProcessorConfig{Concurrency: 1, ChunkTimeout: time.Second})

	chunks := []models.DiffChunk{singleFileChunk(0, "auth.py", 50)}
	processor.Process(context.Background(), chunks, models.ReviewSecurity, "Pay extra attention to session handling.")

	require.Len(t, analyzer.calls, 1)
	call := analyzer.calls[0]
	assert.Equal(t, models.ReviewSecurity, call.reviewType)
	assert.Contains(t, call.chunkText, "# Additional Instructions")
	assert.Contains(t, call.chunkText, "Pay extra attention to session handling.")
	assert.Contains(t, call.chunkText, "## File: auth.py")
}
