package gate

import (
	"fmt"
	"strings"
)

// The extraction prompt is fixed. It names the exact output schema so strict
// decoding can reject anything else, and forbids verbatim copying so the
// leak check is a backstop rather than the only line of defense.
const promptHeader = `You are a clinical privacy firewall. You receive one raw medical record
and must extract a de-identified summary.

Rules:
- Respond with a single JSON object and nothing else.
- Use exactly these keys: "condition", "treatment", "outcome", "notes".
- "notes" may be an empty string; the other three must be filled in.
- Paraphrase. Never copy sentences from the record verbatim.
- Never include names, dates of birth, addresses, identifiers, or any other
  detail that could identify the patient or the institution.`

func buildPrompt(raw, queryContext string) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	if qc := strings.TrimSpace(queryContext); qc != "" {
		fmt.Fprintf(&b, "\n\nThe requesting clinician is asking about: %s\n", qc)
		b.WriteString("Focus the summary on what is relevant to that question.\n")
	}
	b.WriteString("\nRaw record:\n---\n")
	b.WriteString(raw)
	b.WriteString("\n---\n")
	return b.String()
}
