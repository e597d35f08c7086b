package llm

import "github.com/brightloom/stagehand/pkg/types"

// The conversation wire types live in [github.com/brightloom/stagehand/pkg/types]
// so that provider packages and internal/ code can share them without either
// importing the other. They are aliased here so code working against the
// Provider interface can spell them llm.Message, llm.ToolCall, etc.
type (
	// Message represents a single message in an LLM conversation history.
	Message = types.Message

	// ToolCall represents a tool/function invocation requested by the LLM.
	ToolCall = types.ToolCall

	// ToolDefinition describes a tool that can be offered to an LLM.
	ToolDefinition = types.ToolDefinition

	// ModelCapabilities describes what an LLM model supports.
	ModelCapabilities = types.ModelCapabilities
)
