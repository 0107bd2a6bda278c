package diff

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"github.com/diffcritic/pkg/models"
)

// LineCode builds GitLab's per-line identifier:
// sha1_hex(file_path) + "_" + old_line + "_" + new_line, with absent sides
// rendered as the empty string. Deterministic by construction.
func LineCode(filePath string, oldLine, newLine *int) string {
	return lineCodeWithSHA(fileSHA(filePath), oldLine, newLine)
}

func fileSHA(filePath string) string {
	sum := sha1.Sum([]byte(filePath))
	return hex.EncodeToString(sum[:])
}

func lineCodeWithSHA(sha string, oldLine, newLine *int) string {
	return sha + "_" + intOrEmpty(oldLine) + "_" + intOrEmpty(newLine)
}

func intOrEmpty(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

// Mapper records, per file, every new-side line GitLab will accept as an
// inline comment position. Removed lines are never addressable.
type Mapper struct {
	files map[string]*models.FileLineMapping
}

func NewMapper() *Mapper {
	return &Mapper{files: map[string]*models.FileLineMapping{}}
}

// Build replaces the mapper's state from parsed file diffs. Files are
// indexed by their new path; deleted files contribute no positions.
func (m *Mapper) Build(files []models.FileDiff) {
	m.files = make(map[string]*models.FileLineMapping, len(files))

	for _, file := range files {
		if file.IsDeleted {
			continue
		}

		filePath := file.Path()
		mapping := &models.FileLineMapping{
			FilePath: filePath,
			LineInfo: map[int]models.LinePositionInfo{},
			FileSHA:  fileSHA(filePath),
		}

		for _, hunk := range file.Hunks {
			cursorOld := hunk.OldStart
			cursorNew := hunk.NewStart

			for _, line := range hunk.Lines {
				switch line.Kind {
				case models.LineAdded:
					newLine := cursorNew
					mapping.LineInfo[newLine] = models.LinePositionInfo{
						FilePath: filePath,
						NewLine:  newLine,
						LineType: models.LineAdded,
						LineCode: lineCodeWithSHA(mapping.FileSHA, nil, &newLine),
					}
					cursorNew++
				case models.LineContext:
					oldLine := cursorOld
					newLine := cursorNew
					mapping.LineInfo[newLine] = models.LinePositionInfo{
						FilePath: filePath,
						NewLine:  newLine,
						OldLine:  &oldLine,
						LineType: models.LineContext,
						LineCode: lineCodeWithSHA(mapping.FileSHA, &oldLine, &newLine),
					}
					cursorOld++
					cursorNew++
				case models.LineRemoved:
					cursorOld++
				}
			}
		}

		m.files[filePath] = mapping
	}
}

// IsValid reports whether an inline comment can anchor to (file, newLine).
// Unknown paths are simply invalid, never an error.
func (m *Mapper) IsValid(filePath string, newLine int) bool {
	mapping, ok := m.files[filePath]
	if !ok {
		return false
	}
	_, ok = mapping.LineInfo[newLine]
	return ok
}

// Info returns the position details recorded for (file, newLine).
func (m *Mapper) Info(filePath string, newLine int) (models.LinePositionInfo, bool) {
	mapping, ok := m.files[filePath]
	if !ok {
		return models.LinePositionInfo{}, false
	}
	info, ok := mapping.LineInfo[newLine]
	return info, ok
}

// NearestValid returns the recorded line closest to newLine, breaking
// distance ties toward the higher line number.
func (m *Mapper) NearestValid(filePath string, newLine int) (int, bool) {
	mapping, ok := m.files[filePath]
	if !ok || len(mapping.LineInfo) == 0 {
		return 0, false
	}

	best := 0
	bestDist := -1
	for candidate := range mapping.LineInfo {
		dist := candidate - newLine
		if dist < 0 {
			dist = -dist
		}
		if bestDist == -1 || dist < bestDist || (dist == bestDist && candidate > best) {
			best = candidate
			bestDist = dist
		}
	}
	return best, true
}

// FileCount reports how many files the mapper indexed.
func (m *Mapper) FileCount() int {
	return len(m.files)
}
