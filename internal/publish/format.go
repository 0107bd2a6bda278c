package publish

import (
	"fmt"
	"strings"

	"github.com/diffcritic/pkg/models"
)

// SummaryBanner heads the one general note that carries the review
// overview for a merge request.
const SummaryBanner = "## 🤖 Automated Code Review"

// Annotations appended to comments that were meant to be inline but had
// to land as general notes.
const (
	outsideDiffAnnotation = "intended for `%s:%d`, but that line is not part of the diff"
	rejectedAnnotation    = "intended for `%s:%d`, but GitLab rejected the inline position"
)

func typeEmoji(t models.CritiqueType) string {
	switch t {
	case models.CritiqueIssue:
		return "⚠️"
	case models.CritiqueQuestion:
		return "❓"
	default:
		return "💡"
	}
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityHigh:
		return "🟠"
	case models.SeverityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

// Format renders one comment into the markdown body posted to the merge
// request: emoji pair and severity badge, optional title, the comment
// text, optional code fence and suggestion, and a file:line footer. The
// rendered body is cached on the comment.
func Format(comment *models.FormattedComment) string {
	if comment.Markdown != "" {
		return comment.Markdown
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s %s **Severity: %s**\n\n", typeEmoji(comment.Type), severityEmoji(comment.Severity), comment.Severity)

	if comment.Title != "" {
		fmt.Fprintf(&b, "**%s**\n\n", comment.Title)
	}

	b.WriteString(strings.TrimSpace(comment.Comment))
	b.WriteString("\n")

	if comment.CodeSnippet != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", strings.Trim(comment.CodeSnippet, "\n"))
	}

	if comment.Suggestion != "" {
		fmt.Fprintf(&b, "\n**Suggestion:** %s\n", strings.TrimSpace(comment.Suggestion))
	}

	if comment.File != "" {
		if comment.Line != nil {
			fmt.Fprintf(&b, "\n📍 `%s:%d`\n", comment.File, *comment.Line)
		} else {
			fmt.Fprintf(&b, "\n📍 `%s`\n", comment.File)
		}
	}

	comment.Markdown = b.String()
	return comment.Markdown
}

// annotate appends a fallback annotation as its own trailing paragraph.
func annotate(body, note string) string {
	return strings.TrimRight(body, "\n") + "\n\n" + note
}
