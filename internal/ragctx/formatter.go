package ragctx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brightloom/stagehand/internal/model"
)

// bufferMessageChars is the truncation limit for a short-term buffer
// message (section 3); excerptChars is the truncation limit for a recalled
// turn or knowledge excerpt (sections 4 and 5).
const (
	bufferMessageChars = 500
	excerptChars       = 300
)

// citationReminder is the fixed terminal line (section 6) constraining how
// the agent may use citations: it is only appended when at least one of the
// preceding optional sections was rendered, since an empty context needs no
// reminder about citing it.
const citationReminder = "Only cite the conversation excerpts and knowledge above; never invent a citation that isn't present in this context."

// FormatSystemPrompt converts a [model.ContextBundle] into a system prompt
// string ready for LLM injection. Section 1 (the agent's identity) is
// rendered verbatim, with no added framing; empty optional sections are
// omitted entirely rather than rendering as empty headers.
//
// The formatter is pure: no I/O, no side effects, safe for concurrent use.
// Section order is fixed — identity, user profile, recent conversation,
// relevant past conversation, relevant knowledge, citation reminder — so the
// same bundle always renders identically.
func FormatSystemPrompt(bundle *model.ContextBundle) string {
	if bundle == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(bundle.Identity)

	wroteOptional := false

	if bundle.Profile != nil && len(bundle.Profile.Facts) > 0 {
		sb.WriteString("\n\n## User\n")
		sb.WriteString(formatProfile(bundle.Profile))
		wroteOptional = true
	}

	if len(bundle.RecentTurns) > 0 {
		sb.WriteString("\n\n## Recent Conversation\n")
		sb.WriteString(formatRecentTurns(bundle.RecentTurns))
		wroteOptional = true
	}

	if len(bundle.RelevantTurns) > 0 {
		sb.WriteString("\n\n## Relevant Past Conversation\n")
		sb.WriteString(formatRelevantTurns(bundle.RelevantTurns))
		wroteOptional = true
	}

	if len(bundle.RelevantChunks) > 0 {
		sb.WriteString("\n\n## Relevant Knowledge\n")
		sb.WriteString(formatChunks(bundle.RelevantChunks))
		wroteOptional = true
	}

	if wroteOptional {
		sb.WriteString("\n\n")
		sb.WriteString(citationReminder)
	}

	return sb.String()
}

// formatProfile lists a user's known facts in stable sorted key order so the
// rendered section is deterministic across calls.
func formatProfile(p *model.UserProfile) string {
	keys := make([]string, 0, len(p.Facts))
	for k := range p.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, p.Facts[k]))
	}
	return strings.Join(lines, "\n")
}

// formatRecentTurns renders the short-term buffer chronologically as
// "role: content", each message truncated to bufferMessageChars.
func formatRecentTurns(turns []model.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, truncate(t.Text, bufferMessageChars)))
	}
	return strings.Join(lines, "\n")
}

// formatRelevantTurns renders S4 hits with their similarity and a truncated
// excerpt. Callers are expected to have already ordered turns by similarity
// descending, ties broken by more-recent created_at.
func formatRelevantTurns(turns []model.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("- %s (sim=%.2f): %s", t.Role, t.Similarity, truncate(t.Text, excerptChars)))
	}
	return strings.Join(lines, "\n")
}

// formatChunks renders S5 hits as "[title] excerpt (sim=0.00)". Callers are
// expected to have already ordered chunks by similarity descending, ties
// broken by more-recent created_at.
func formatChunks(chunks []model.KnowledgeChunk) string {
	lines := make([]string, 0, len(chunks))
	for _, c := range chunks {
		lines = append(lines, fmt.Sprintf("[%s] %s (sim=%.2f)", c.Title, truncate(c.Text, excerptChars), c.Similarity))
	}
	return strings.Join(lines, "\n")
}

// truncate clips s to at most limit bytes, appending an ellipsis when it
// does. Byte-slicing (not rune-aware) matches the trigger package's
// clipMessage convention elsewhere in this codebase.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
