package prompt

import (
	"fmt"
	"strings"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
)

// System builds the scoring instructions for one rubric dimension. The
// model must answer with a single JSON object matching the schema the
// client decodes.
func System(rubric *analysis.Rubric, dimension string) string {
	var b strings.Builder
	b.WriteString("You are an expert sales call coach. Assess the call transcript excerpt on exactly one dimension: ")
	b.WriteString(dimension)
	b.WriteString(".\n\n")

	if rubric.PromptTemplate != "" {
		b.WriteString(strings.ReplaceAll(rubric.PromptTemplate, "{dimension}", dimension))
		b.WriteString("\n\n")
	}

	b.WriteString(fmt.Sprintf("Rubric %s (version %s), weighted criteria:\n", rubric.Category, rubric.Version))
	for _, c := range rubric.Criteria {
		b.WriteString(fmt.Sprintf("- %s (weight %.2f): %s\n", c.Name, c.Weight, c.Description))
	}

	b.WriteString(`
Respond with only a JSON object:
{
  "score": <integer 0-100>,
  "summary": "<2-3 sentence assessment>",
  "quotes": [{"text": "<verbatim supporting quote>", "start": <character offset in the excerpt>, "end": <character offset>}],
  "action_items": ["<concrete coaching action>"]
}
Quotes must be verbatim spans from the excerpt. Offsets are relative to the excerpt you were given.`)
	return b.String()
}

// User wraps one chunk of the transcript.
func User(chunkIndex, chunkCount int, text string) string {
	if chunkCount > 1 {
		return fmt.Sprintf("Transcript excerpt %d of %d:\n\n%s", chunkIndex+1, chunkCount, text)
	}
	return "Full call transcript:\n\n" + text
}
