package ragctx

import "github.com/brightloom/stagehand/internal/model"

// approxCharsPerToken is a rough token estimate; exact tokenization is
// provider-specific and not worth the dependency for a soft budget trim.
const approxCharsPerToken = 4

// TrimToBudget drops sections from bundle, lowest priority first, until the
// estimated rendered prompt fits within maxTokens. Priority (highest to
// lowest): identity, recent turns, relevant turns, relevant chunks; the
// identity section is never dropped. Dropping the knowledge section also
// clears the bundle's citations, since each citation references a chunk
// that would no longer appear in the prompt. Dropped sections are appended
// to bundle.Degraded.
//
// TrimToBudget mutates bundle in place and also returns it for chaining.
func TrimToBudget(bundle *model.ContextBundle, maxTokens int) *model.ContextBundle {
	if bundle == nil || maxTokens <= 0 {
		return bundle
	}

	budget := maxTokens * approxCharsPerToken

	for _, drop := range []struct {
		name  string
		clear func()
	}{
		{"relevant_chunks", func() { bundle.RelevantChunks = nil; bundle.Citations = nil }},
		{"relevant_turns", func() { bundle.RelevantTurns = nil }},
		{"recent_turns", func() { bundle.RecentTurns = nil }},
	} {
		if estimatedChars(bundle) <= budget {
			break
		}
		drop.clear()
		bundle.Degraded = append(bundle.Degraded, drop.name+"_trimmed")
	}

	return bundle
}

func estimatedChars(bundle *model.ContextBundle) int {
	total := len(bundle.Identity)
	total += sumTurnChars(bundle.RecentTurns)
	total += sumTurnChars(bundle.RelevantTurns)
	total += sumChunkChars(bundle.RelevantChunks)
	return total
}

func sumTurnChars(turns []model.Turn) int {
	n := 0
	for _, t := range turns {
		n += len(t.Text)
	}
	return n
}

func sumChunkChars(chunks []model.KnowledgeChunk) int {
	n := 0
	for _, c := range chunks {
		n += len(c.Text)
	}
	return n
}
