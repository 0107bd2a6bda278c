package diff

import (
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/diffcritic/pkg/models"
)

// ContentKind selects which chars-to-tokens ratio applies to a piece of
// text.
type ContentKind string

const (
	ContentCode ContentKind = "code"
	ContentText ContentKind = "text"
	ContentDiff ContentKind = "diff"
)

// Ratios are calibrated against typical tokenizer output: prose packs
// tightest, diff markers and line numbers worst.
var tokenRatios = map[ContentKind]float64{
	ContentCode: 0.30,
	ContentText: 0.25,
	ContentDiff: 0.35,
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".java": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".cs": true, ".rb": true, ".php": true, ".rs": true,
	".kt": true, ".swift": true, ".scala": true, ".sh": true, ".sql": true,
}

var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".html": true, ".css": true,
}

// KindForPath classifies a file by extension; anything unrecognized is
// costed at the diff ratio.
func KindForPath(filePath string) ContentKind {
	ext := strings.ToLower(path.Ext(filePath))
	switch {
	case codeExtensions[ext]:
		return ContentCode
	case textExtensions[ext]:
		return ContentText
	default:
		return ContentDiff
	}
}

// EstimateTokens approximates token cost without running a tokenizer.
func EstimateTokens(content string, kind ContentKind) int {
	ratio, ok := tokenRatios[kind]
	if !ok {
		ratio = tokenRatios[ContentText]
	}
	return int(math.Ceil(float64(len(content)) * ratio))
}

// EstimateFileTokens estimates the cost of submitting one parsed file's
// serialized hunks.
func EstimateFileTokens(file models.FileDiff) int {
	return EstimateTokens(Serialize(file), KindForPath(file.Path()))
}

// TokenLimitError reports a chunk whose estimated token count exceeds the
// hard submission bound. The chunk is skipped without an LLM round-trip.
type TokenLimitError struct {
	Path      string
	Estimated int
	Budget    int
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("%s: estimated %d tokens exceeds limit of %d", e.Path, e.Estimated, e.Budget)
}
