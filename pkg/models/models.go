package models

import (
	"fmt"
	"time"
)

// MergeRequestRef identifies a merge request on the GitLab instance.
type MergeRequestRef struct {
	ProjectID string `json:"project_id"`
	MRIID     int    `json:"mr_iid"`
}

func (r MergeRequestRef) String() string {
	return fmt.Sprintf("%s!%d", r.ProjectID, r.MRIID)
}

// DiffRefs holds the three commit SHAs that anchor an inline comment to a
// specific diff version. Fetched once per review and immutable afterwards.
type DiffRefs struct {
	BaseSHA  string `json:"base_sha"`
	StartSHA string `json:"start_sha"`
	HeadSHA  string `json:"head_sha"`
}

// MergeRequest is the subset of MR metadata the review pipeline needs.
type MergeRequest struct {
	ProjectID    string   `json:"project_id"`
	IID          int      `json:"iid"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	State        string   `json:"state"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
	HeadSHA      string   `json:"head_sha"`
	DiffRefs     DiffRefs `json:"diff_refs"`
	WebURL       string   `json:"web_url"`
}

// RawFileDiff is one per-file diff record as returned by the GitLab diffs
// endpoint. Diff holds the unified-diff fragment for the file.
type RawFileDiff struct {
	OldPath   string `json:"old_path"`
	NewPath   string `json:"new_path"`
	Diff      string `json:"diff"`
	IsNew     bool   `json:"new_file"`
	IsRenamed bool   `json:"renamed_file"`
	IsDeleted bool   `json:"deleted_file"`
}

// LineKind classifies a line inside a hunk.
type LineKind string

const (
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
	LineContext LineKind = "context"
)

// HunkLine is a single line of a hunk with its leading marker stripped.
type HunkLine struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Hunk is one @@-delimited region of a unified diff.
type Hunk struct {
	OldStart int        `json:"old_start"`
	OldCount int        `json:"old_count"`
	NewStart int        `json:"new_start"`
	NewCount int        `json:"new_count"`
	Lines    []HunkLine `json:"lines"`
}

// FileDiff is a parsed per-file diff.
type FileDiff struct {
	OldPath   string `json:"old_path"`
	NewPath   string `json:"new_path"`
	Hunks     []Hunk `json:"hunks"`
	IsNew     bool   `json:"is_new"`
	IsDeleted bool   `json:"is_deleted"`
	IsRenamed bool   `json:"is_renamed"`
}

// Path returns the path the file is addressed by: the new path, falling back
// to the old path for deletions.
func (f FileDiff) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// LinePositionInfo describes one new-side line that GitLab accepts as an
// inline comment position. Added lines carry a nil OldLine; context lines
// carry the old-side cursor value from the hunk walk.
type LinePositionInfo struct {
	FilePath string   `json:"file_path"`
	NewLine  int      `json:"new_line"`
	OldLine  *int     `json:"old_line,omitempty"`
	LineType LineKind `json:"line_type"`
	LineCode string   `json:"line_code"`
}

// FileLineMapping holds every valid inline position for one file. The set of
// valid new-side lines is exactly the key set of LineInfo.
type FileLineMapping struct {
	FilePath string
	LineInfo map[int]LinePositionInfo
	FileSHA  string
}

// DiffChunk is an ordered group of files submitted as one LLM call. Chunks
// are disjoint in file membership and together cover the filtered file set.
type DiffChunk struct {
	Index           int        `json:"index"`
	Files           []FileDiff `json:"files"`
	EstimatedTokens int        `json:"estimated_tokens"`
}

// CritiqueType tags what kind of feedback a critique is.
type CritiqueType string

const (
	CritiqueIssue      CritiqueType = "issue"
	CritiqueSuggestion CritiqueType = "suggestion"
	CritiqueQuestion   CritiqueType = "question"
	CritiqueSummary    CritiqueType = "summary"
)

// Severity grades how serious a critique is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Critique is one normalized feedback item from the LLM. Line is nil for
// file-level or summary feedback. A line range like "37-49" normalizes to
// its first integer during parsing.
type Critique struct {
	File     string       `json:"file"`
	Line     *int         `json:"line,omitempty"`
	Comment  string       `json:"comment"`
	Type     CritiqueType `json:"type"`
	Severity Severity     `json:"severity"`
}

// FormattedComment is a critique plus its presentation fields, ready to post.
type FormattedComment struct {
	Critique
	Title       string `json:"title,omitempty"`
	CodeSnippet string `json:"code_snippet,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
	Markdown    string `json:"markdown"`
}

// Inline reports whether the comment targets a specific diff line.
func (c FormattedComment) Inline() bool {
	return c.Line != nil && c.File != ""
}

// CommentBatch is the publisher's input: an optional summary plus file-level
// and inline comments.
type CommentBatch struct {
	Summary        *string            `json:"summary,omitempty"`
	FileComments   []FormattedComment `json:"file_comments"`
	InlineComments []FormattedComment `json:"inline_comments"`
}

// Empty reports whether there is nothing to publish.
func (b CommentBatch) Empty() bool {
	return b.Summary == nil && len(b.FileComments) == 0 && len(b.InlineComments) == 0
}

// ReviewedCommit is one commit-dedup cache entry.
type ReviewedCommit struct {
	ProjectID    string    `json:"project_id"`
	MRIID        int       `json:"mr_iid"`
	CommitSHA    string    `json:"commit_sha"`
	ReviewedAt   time.Time `json:"reviewed_at"`
	CommentCount int       `json:"comment_count"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CommitKey builds the cache key for a reviewed commit.
func CommitKey(projectID string, mrIID int, sha string) string {
	return fmt.Sprintf("%s:%d:%s", projectID, mrIID, sha)
}

// TrackedComment is one prior bot note found on the MR during cleanup.
type TrackedComment struct {
	NoteID       int       `json:"note_id"`
	DiscussionID string    `json:"discussion_id,omitempty"`
	Body         string    `json:"body"`
	Author       string    `json:"author"`
	CreatedAt    time.Time `json:"created_at"`
	IsInline     bool      `json:"is_inline"`
	FilePath     string    `json:"file_path,omitempty"`
	LineNumber   int       `json:"line_number,omitempty"`
}

// CleanupPolicy selects how prior bot comments are treated before publishing.
type CleanupPolicy string

const (
	CleanupDeleteAll         CleanupPolicy = "delete_all"
	CleanupDeleteSummaryOnly CleanupPolicy = "delete_summary_only"
	CleanupKeepAll           CleanupPolicy = "keep_all"
	// CleanupDeleteOutdated is reserved for per-commit tagging; it currently
	// behaves like CleanupDeleteAll.
	CleanupDeleteOutdated CleanupPolicy = "delete_outdated"
)

// ValidCleanupPolicy reports whether p is one of the recognized policies.
func ValidCleanupPolicy(p CleanupPolicy) bool {
	switch p {
	case CleanupDeleteAll, CleanupDeleteSummaryOnly, CleanupKeepAll, CleanupDeleteOutdated:
		return true
	}
	return false
}

// CleanupResult summarizes one comment-cleanup pass. Per-note failures are
// recorded here and never abort the pipeline.
type CleanupResult struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Kept    int      `json:"kept"`
	Errors  []string `json:"errors,omitempty"`
}

// TaskState is the lifecycle state of a review task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ReviewType selects the system prompt family for a review.
type ReviewType string

const (
	ReviewGeneral     ReviewType = "general"
	ReviewSecurity    ReviewType = "security"
	ReviewPerformance ReviewType = "performance"
)

// ReviewOptions carries per-review knobs from the caller into the pipeline.
type ReviewOptions struct {
	ReviewType        ReviewType `json:"review_type,omitempty"`
	Force             bool       `json:"force,omitempty"`
	CommitSHA         string     `json:"commit_sha,omitempty"`
	ExtraInstructions string     `json:"extra_instructions,omitempty"`
}

// TokenUsage accumulates LLM token accounting across calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ReviewStats summarizes one review run.
type ReviewStats struct {
	FilesReviewed     int        `json:"files_reviewed"`
	ChunksProcessed   int        `json:"chunks_processed"`
	ChunksFailed      int        `json:"chunks_failed"`
	CommentsPublished int        `json:"comments_published"`
	InlineComments    int        `json:"inline_comments"`
	FallbackComments  int        `json:"fallback_comments"`
	Usage             TokenUsage `json:"usage"`
}

// ReviewStatusSuccess is the status of a review that ran to completion,
// including runs that found nothing to comment on.
const ReviewStatusSuccess = "success"

// ReviewResult is the orchestrator's final answer for one review.
type ReviewResult struct {
	Status         string        `json:"status"`
	ProcessingTime time.Duration `json:"processing_time"`
	Stats          ReviewStats   `json:"stats"`
	Message        string        `json:"message,omitempty"`
}

// ReviewTask is the supervisor's record of one submitted review. Terminal
// records are immutable and live in the bounded history ring.
type ReviewTask struct {
	TaskID      string          `json:"task_id"`
	MRRef       MergeRequestRef `json:"mr_ref"`
	CommitSHA   string          `json:"commit_sha,omitempty"`
	State       TaskState       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Result      *ReviewResult   `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}
