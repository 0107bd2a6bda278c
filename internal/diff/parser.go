// Package diff parses GitLab's per-file unified-diff fragments, estimates
// their token cost, groups them into LLM-sized chunks, and maps new-side
// line numbers to the inline positions GitLab accepts.
package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/diffcritic/pkg/models"
)

// hunkHeaderRegexp matches "@@ -O[,C] +O[,C] @@"; counts default to 1 when
// omitted.
var hunkHeaderRegexp = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseError reports a malformed hunk header or a hunk whose body does not
// add up to the declared line counts. LineNo is 1-based within the file's
// diff fragment.
type ParseError struct {
	File    string
	LineNo  int
	Excerpt string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed diff in %s at line %d: %q", e.File, e.LineNo, e.Excerpt)
}

// Parser turns GitLab's raw diff records into structured FileDiffs.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse parses every raw file diff. A failure on any single file aborts the
// whole parse so downstream line mapping never sees a partial view.
func (p *Parser) Parse(raw []models.RawFileDiff) ([]models.FileDiff, error) {
	files := make([]models.FileDiff, 0, len(raw))
	for _, r := range raw {
		file, err := p.parseFile(r)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

func (p *Parser) parseFile(raw models.RawFileDiff) (models.FileDiff, error) {
	file := models.FileDiff{
		OldPath:   raw.OldPath,
		NewPath:   raw.NewPath,
		IsNew:     raw.IsNew,
		IsDeleted: raw.IsDeleted,
		IsRenamed: raw.IsRenamed,
	}

	var (
		current *models.Hunk
		seenOld int
		seenNew int
		openAt  int
	)

	closeHunk := func() error {
		if current == nil {
			return nil
		}
		if seenOld != current.OldCount || seenNew != current.NewCount {
			return &ParseError{
				File:   file.Path(),
				LineNo: openAt,
				Excerpt: fmt.Sprintf("@@ -%d,%d +%d,%d @@ body has %d old / %d new lines",
					current.OldStart, current.OldCount, current.NewStart, current.NewCount, seenOld, seenNew),
			}
		}
		file.Hunks = append(file.Hunks, *current)
		current = nil
		return nil
	}

	lines := strings.Split(raw.Diff, "\n")
	for i, line := range lines {
		lineNo := i + 1

		if strings.HasPrefix(line, "@@") {
			header, ok := parseHunkHeader(line)
			if !ok {
				return models.FileDiff{}, &ParseError{File: file.Path(), LineNo: lineNo, Excerpt: line}
			}
			if err := closeHunk(); err != nil {
				return models.FileDiff{}, err
			}
			current = &header
			seenOld, seenNew = 0, 0
			openAt = lineNo
			continue
		}

		if current == nil {
			// Preamble such as "--- a/x", "+++ b/x" or git headers.
			continue
		}

		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			current.Lines = append(current.Lines, models.HunkLine{Kind: models.LineAdded, Text: line[1:]})
			seenNew++
		case strings.HasPrefix(line, "-"):
			current.Lines = append(current.Lines, models.HunkLine{Kind: models.LineRemoved, Text: line[1:]})
			seenOld++
		case strings.HasPrefix(line, " "):
			current.Lines = append(current.Lines, models.HunkLine{Kind: models.LineContext, Text: line[1:]})
			seenOld++
			seenNew++
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"; carries no position.
			continue
		case line == "":
			continue
		default:
			return models.FileDiff{}, &ParseError{File: file.Path(), LineNo: lineNo, Excerpt: line}
		}
	}

	if err := closeHunk(); err != nil {
		return models.FileDiff{}, err
	}

	return file, nil
}

func parseHunkHeader(line string) (models.Hunk, bool) {
	matches := hunkHeaderRegexp.FindStringSubmatch(line)
	if matches == nil {
		return models.Hunk{}, false
	}

	oldStart, _ := strconv.Atoi(matches[1])
	newStart, _ := strconv.Atoi(matches[3])

	oldCount := 1
	if matches[2] != "" {
		oldCount, _ = strconv.Atoi(matches[2])
	}
	newCount := 1
	if matches[4] != "" {
		newCount, _ = strconv.Atoi(matches[4])
	}

	return models.Hunk{
		OldStart: oldStart,
		OldCount: oldCount,
		NewStart: newStart,
		NewCount: newCount,
	}, true
}

// Serialize renders a parsed file back to unified-diff text. Parsing the
// output yields the same FileDiff, which keeps token estimation and prompt
// rendering consistent with what was parsed.
func Serialize(file models.FileDiff) string {
	var b strings.Builder
	for _, hunk := range file.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", hunk.OldStart, hunk.OldCount, hunk.NewStart, hunk.NewCount)
		for _, line := range hunk.Lines {
			switch line.Kind {
			case models.LineAdded:
				b.WriteString("+")
			case models.LineRemoved:
				b.WriteString("-")
			default:
				b.WriteString(" ")
			}
			b.WriteString(line.Text)
			b.WriteString("\n")
		}
	}
	return b.String()
}
