// Package prompts holds the system prompts for each review type and
// renders diff chunks into the numbered-table form the prompts reference.
package prompts

import (
	"github.com/diffcritic/pkg/models"
)

const responseFormat = "Format your response as JSON with the following structure:\n" +
	"```json\n" +
	"{\n" +
	"  \"comments\": [\n" +
	"    {\n" +
	"      \"file\": \"path/to/file.ext\",\n" +
	"      \"line\": 42,\n" +
	"      \"comment\": \"Description of the issue and a concrete fix\",\n" +
	"      \"type\": \"issue|suggestion|question\",\n" +
	"      \"severity\": \"low|medium|high|critical\"\n" +
	"    }\n" +
	"  ]\n" +
	"}\n" +
	"```\n\n" +
	"Respond with JSON only, no prose around it. Use null for \"line\" when the feedback applies to a whole file.\n"

const lineNumberRules = "LINE NUMBER REFERENCES:\n" +
	"- Each diff hunk is formatted as a table with columns: OLD | NEW | CONTENT\n" +
	"- The OLD column shows line numbers in the original file\n" +
	"- The NEW column shows line numbers in the modified file\n" +
	"- For added lines (+ prefix), use the NEW line number\n" +
	"- For context lines (space prefix), use the NEW line number\n" +
	"- Never reference removed lines (- prefix) or lines outside the diff\n"

const generalFocus = "You are an expert code reviewer. Analyze the following code changes and provide feedback.\n\n" +
	"Focus on correctness, security, maintainability, and performance. " +
	"Skip trivial observations and praise; every comment must be actionable.\n\n"

const securityFocus = "You are an expert application security reviewer. Analyze the following code changes for vulnerabilities.\n\n" +
	"Focus on injection, authentication and authorization flaws, secrets in code, " +
	"unsafe deserialization, path traversal, and unvalidated input reaching sensitive sinks. " +
	"Rate exploitable findings high or critical.\n\n"

const performanceFocus = "You are an expert performance reviewer. Analyze the following code changes for efficiency problems.\n\n" +
	"Focus on algorithmic complexity, redundant work inside loops, N+1 query patterns, " +
	"unbounded memory growth, and missing caching opportunities. " +
	"Only flag issues likely to matter at realistic scale.\n\n"

// SystemPrompt returns the system message for a review type. Unknown types
// fall back to the general reviewer.
func SystemPrompt(reviewType models.ReviewType) string {
	var focus string
	switch reviewType {
	case models.ReviewSecurity:
		focus = securityFocus
	case models.ReviewPerformance:
		focus = performanceFocus
	default:
		focus = generalFocus
	}
	return focus + responseFormat + "\n" + lineNumberRules
}
