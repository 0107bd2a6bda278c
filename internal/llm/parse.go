package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/diffcritic/pkg/models"
)

// wireCritique mirrors the JSON the model is instructed to emit. Line
// tolerates numbers, numeric strings and ranges like "37-49".
type wireCritique struct {
	File     string          `json:"file"`
	Line     json.RawMessage `json:"line"`
	Comment  string          `json:"comment"`
	Type     string          `json:"type"`
	Severity string          `json:"severity"`
}

type wireResponse struct {
	Comments []wireCritique `json:"comments"`
}

// ParseCritiques decodes a model reply into normalized critiques. The
// reply may fence its JSON in markdown or wrap it in prose, and light
// syntax damage is repaired. When no JSON can be recovered the raw text
// survives as a single medium-severity suggestion so the review never
// silently loses model output. The second return reports whether
// structured output was recovered.
func ParseCritiques(raw string) ([]models.Critique, bool) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return fallbackCritique(raw), false
	}

	comments, ok := decodeComments(jsonStr)
	if !ok {
		repaired, err := jsonrepair.JSONRepair(jsonStr)
		if err != nil {
			return fallbackCritique(raw), false
		}
		if comments, ok = decodeComments(repaired); !ok {
			return fallbackCritique(raw), false
		}
		log.Debug().
			Int("original_bytes", len(jsonStr)).
			Int("repaired_bytes", len(repaired)).
			Msg("Repaired malformed JSON from model")
	}

	critiques := make([]models.Critique, 0, len(comments))
	for _, wire := range comments {
		comment := strings.TrimSpace(wire.Comment)
		if comment == "" {
			continue
		}
		critiques = append(critiques, models.Critique{
			File:     strings.TrimSpace(wire.File),
			Line:     parseLine(wire.Line),
			Comment:  comment,
			Type:     normalizeType(wire.Type),
			Severity: normalizeSeverity(wire.Severity),
		})
	}
	return critiques, true
}

// decodeComments accepts both the documented {"comments": [...]} shape
// and a bare top-level array.
func decodeComments(data string) ([]wireCritique, bool) {
	var resp wireResponse
	if err := json.Unmarshal([]byte(data), &resp); err == nil {
		return resp.Comments, true
	}
	var list []wireCritique
	if err := json.Unmarshal([]byte(data), &list); err == nil {
		return list, true
	}
	return nil, false
}

// extractJSON digs the JSON payload out of a reply that may fence it in
// markdown or surround it with explanatory prose.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw
	}

	if strings.Contains(raw, "```") {
		inFence := false
		var fenced []string
		for _, line := range strings.Split(raw, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inFence = !inFence
				continue
			}
			if inFence {
				fenced = append(fenced, line)
			}
		}
		if body := strings.TrimSpace(strings.Join(fenced, "\n")); body != "" {
			return body
		}
	}

	start := strings.IndexAny(raw, "{[")
	if start == -1 {
		return ""
	}
	opener := raw[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	// Unbalanced tail; the repair pass may still complete it.
	return raw[start:]
}

// fallbackCritique keeps an uninterpretable reply visible to reviewers
// instead of dropping it.
func fallbackCritique(raw string) []models.Critique {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	return []models.Critique{{
		Comment:  text,
		Type:     models.CritiqueSuggestion,
		Severity: models.SeverityMedium,
	}}
}

// leadingInt pulls the first integer out of a line value, so a range
// like "37-49" anchors on its first line.
var leadingInt = regexp.MustCompile(`^(\d+)`)

func parseLine(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	s = strings.TrimSpace(strings.Trim(s, `"`))

	m := leadingInt.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func normalizeType(s string) models.CritiqueType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issue":
		return models.CritiqueIssue
	case "question":
		return models.CritiqueQuestion
	case "summary":
		return models.CritiqueSummary
	case "suggestion":
		return models.CritiqueSuggestion
	default:
		return models.CritiqueSuggestion
	}
}

func normalizeSeverity(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return models.SeverityLow
	case "medium":
		return models.SeverityMedium
	case "high":
		return models.SeverityHigh
	case "critical":
		return models.SeverityCritical
	default:
		return models.SeverityMedium
	}
}
