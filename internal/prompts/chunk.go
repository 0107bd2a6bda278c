package prompts

import (
	"fmt"
	"strings"

	"github.com/diffcritic/pkg/models"
)

// RenderChunk builds the user message for one chunk: every file's hunks as
// OLD | NEW | CONTENT tables, plus any caller-supplied instructions.
func RenderChunk(chunk models.DiffChunk, extraInstructions string) string {
	var prompt strings.Builder

	if extraInstructions != "" {
		prompt.WriteString("# Additional Instructions\n\n")
		prompt.WriteString(extraInstructions)
		prompt.WriteString("\n\n")
	}

	prompt.WriteString("# Code Changes\n\n")

	for _, file := range chunk.Files {
		prompt.WriteString(fmt.Sprintf("## File: %s\n", file.Path()))
		switch {
		case file.IsNew:
			prompt.WriteString("(New file)\n")
		case file.IsDeleted:
			prompt.WriteString("(Deleted file)\n")
		case file.IsRenamed:
			prompt.WriteString(fmt.Sprintf("(Renamed from: %s)\n", file.OldPath))
		}
		prompt.WriteString("\n")

		for _, hunk := range file.Hunks {
			prompt.WriteString(formatHunkWithLineNumbers(hunk))
			prompt.WriteString("\n")
		}
	}

	return prompt.String()
}

// formatHunkWithLineNumbers renders a hunk as a numbered table so the model
// can cite exact new-side line numbers.
func formatHunkWithLineNumbers(hunk models.Hunk) string {
	var result strings.Builder

	result.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n",
		hunk.OldStart, hunk.OldCount, hunk.NewStart, hunk.NewCount))
	result.WriteString("OLD | NEW | CONTENT\n")
	result.WriteString("----|-----|--------\n")

	currentOldLine := hunk.OldStart
	currentNewLine := hunk.NewStart

	for _, line := range hunk.Lines {
		var oldNum, newNum, prefix string

		switch line.Kind {
		case models.LineAdded:
			oldNum = "   "
			newNum = fmt.Sprintf("%3d", currentNewLine)
			prefix = "+"
			currentNewLine++
		case models.LineRemoved:
			oldNum = fmt.Sprintf("%3d", currentOldLine)
			newNum = "   "
			prefix = "-"
			currentOldLine++
		default:
			oldNum = fmt.Sprintf("%3d", currentOldLine)
			newNum = fmt.Sprintf("%3d", currentNewLine)
			prefix = " "
			currentOldLine++
			currentNewLine++
		}

		result.WriteString(fmt.Sprintf("%s | %s | %s%s\n", oldNum, newNum, prefix, line.Text))
	}

	return result.String()
}
