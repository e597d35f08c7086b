// Package model defines the shared types used across all stagehand packages.
//
// These types form the lingua franca between the tenant registry, agent
// registry, dispatch controller, worker supervisor, context assembler, turn
// store and event bridge. They are intentionally minimal — each package
// defines its own internal types, but cross-cutting data structures live here
// to avoid circular imports.
package model

import "time"

// Tenant is a single customer boundary: its own data-plane credentials, media
// plane, and agent catalog. Every downstream lookup is scoped by TenantID.
type Tenant struct {
	ID        string
	Slug      string
	DataPlane DataPlaneConfig
	Media     MediaPlaneConfig
	Keys      ProviderKeys
	Degraded  bool
	UpdatedAt time.Time
}

// DataPlaneConfig holds the connection parameters for a tenant's Postgres +
// pgvector data plane. Extras carries provider-specific knobs that don't
// warrant a dedicated field, keeping this a closed variant rather than a
// free-form map for the fields that matter to every tenant.
type DataPlaneConfig struct {
	DSN                 string
	EmbeddingDimensions int
	Extras              map[string]string
}

// MediaPlaneConfig holds the connection parameters for a tenant's realtime
// media plane (room/SFU provider).
type MediaPlaneConfig struct {
	Provider  string
	APIKey    string
	APISecret string
	URL       string
	Extras    map[string]string
}

// ProviderKeys holds per-tenant credentials for upstream LLM/embedding
// providers. A zero-value field means the tenant falls back to the platform
// default credential for that provider.
type ProviderKeys struct {
	LLM        map[string]string `json:"llm,omitempty"`
	Embeddings map[string]string `json:"embeddings,omitempty"`
	Extras     map[string]string `json:"extras,omitempty"`
}

// SubsetFor narrows the key set to the two providers an agent's profiles
// actually name, so a dispatch payload carries only the credentials its
// worker will use rather than the tenant's whole keyring.
func (k ProviderKeys) SubsetFor(llmProvider AgentLLMProvider, embProvider EmbeddingProvider) ProviderKeys {
	out := ProviderKeys{}
	if key, ok := k.LLM[string(llmProvider)]; ok {
		out.LLM = map[string]string{string(llmProvider): key}
	}
	if key, ok := k.Embeddings[string(embProvider)]; ok {
		out.Embeddings = map[string]string{string(embProvider): key}
	}
	return out
}

// AgentLLMProvider is a closed set of LLM backends an agent's model profile
// may name. Unknown values are rejected when an agent definition is
// validated (agentreg.AgentDefinition.Validate); resolving an agent does not
// re-check them.
type AgentLLMProvider string

const (
	ProviderOpenAI    AgentLLMProvider = "openai"
	ProviderAnthropic AgentLLMProvider = "anthropic"
	ProviderGemini    AgentLLMProvider = "gemini"
	ProviderGroq      AgentLLMProvider = "groq"
	ProviderOllama    AgentLLMProvider = "ollama"
	ProviderDeepSeek  AgentLLMProvider = "deepseek"
	ProviderMistral   AgentLLMProvider = "mistral"
)

// Valid reports whether p is one of the known provider values.
func (p AgentLLMProvider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderGroq, ProviderOllama, ProviderDeepSeek, ProviderMistral:
		return true
	}
	return false
}

// ModelProfile names the LLM backend and model an agent uses for completions.
type ModelProfile struct {
	Provider    AgentLLMProvider `json:"provider"`
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

// EmbeddingProvider is a closed set of embedding backends.
type EmbeddingProvider string

const (
	EmbeddingProviderOpenAI EmbeddingProvider = "openai"
	EmbeddingProviderOllama EmbeddingProvider = "ollama"
)

// Valid reports whether p is one of the known embedding provider values.
func (p EmbeddingProvider) Valid() bool {
	switch p {
	case EmbeddingProviderOpenAI, EmbeddingProviderOllama:
		return true
	}
	return false
}

// EmbeddingProfile names the embedding backend an agent's context assembler
// uses for vector search over conversation history and documents.
type EmbeddingProfile struct {
	Provider   EmbeddingProvider `json:"provider"`
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions"`
}

// Agent is a configured persona scoped to a tenant: its model profile,
// embedding profile, system prompt and dispatch defaults.
type Agent struct {
	ID          string
	TenantID    string
	Slug        string
	DisplayName string
	Persona     string
	Model       ModelProfile
	Embeddings  EmbeddingProfile
	Defaults    AgentDefaults
	IsDefault   bool
	UpdatedAt   time.Time
}

// AgentDefaults holds the context assembler's tenant/agent-overridable
// knobs. A zero value for any field means "use the assembler's built-in
// default" — see the ragctx.With* options for what those are.
type AgentDefaults struct {
	// BufferTurns is N_buf: how many recent turns the short-term buffer
	// (S2) reads.
	BufferTurns int

	// RecallTopK is K_conv: how many semantic-recall hits (S4) to keep.
	RecallTopK int
	// RecallThreshold is θ_conv: the minimum similarity a recall hit (S4)
	// must clear to be kept.
	RecallThreshold float64

	// KnowledgeTopK is K_doc: how many knowledge hits (S5) to keep.
	KnowledgeTopK int
	// KnowledgeThreshold is θ_doc: the minimum similarity a knowledge hit
	// (S5) must clear to be kept.
	KnowledgeThreshold float64

	// MaxContextTokens bounds the assembled prompt; sections are dropped
	// bottom-up (knowledge, then recall, then buffer) until the estimated
	// token count fits.
	MaxContextTokens int
}

// DispatchProfile is the job-description payload attached to a media-plane
// room at dispatch: everything a claiming worker needs to serve the session
// without reaching back into the control plane. Credentials are included by
// value for the worker's convenience, but they stay resolvable from
// TenantID through the tenant registry, so a worker holding a stale payload
// can re-resolve rather than fail.
type DispatchProfile struct {
	TenantID       string           `json:"tenant_id"`
	AgentID        string           `json:"agent_id"`
	SystemPrompt   string           `json:"system_prompt"`
	Model          ModelProfile     `json:"model_profile"`
	Embeddings     EmbeddingProfile `json:"embedding_profile"`
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	ProviderKeys   ProviderKeys     `json:"provider_keys"`
}

// Room names the media-plane room a conversation is dispatched into.
// JobDescription is the serialised [DispatchProfile] the room was created
// with; the media plane treats it as an opaque payload and hands it to the
// single worker that claims the room.
type Room struct {
	Name           string
	TenantID       string
	JobDescription string
	CreatedAt      time.Time
}

// JobClaim is the handle a worker supervisor uses to track a single
// dispatched agent process for one conversation. Profile carries the same
// payload that was attached to the room as its job description; spawner
// implementations inject it into the worker process's environment so the
// worker knows which persona, models, and credentials to serve with.
type JobClaim struct {
	JobID     string
	RoomName  string
	Profile   DispatchProfile
	ClaimedAt time.Time

	// PoolLabel tags which worker pool should serve this claim, e.g. to
	// route GPU-backed agents to a dedicated node pool. Empty means the
	// spawner's default pool.
	PoolLabel string
}

// Conversation is a single continuous interaction between a user and an
// agent, scoped to one tenant and one media-plane room.
type Conversation struct {
	ID        string
	TenantID  string
	AgentID   string
	RoomName  string
	UserID    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Source identifies the modality a turn was captured in.
type Source string

const (
	SourceVoice Source = "voice"
	SourceText  Source = "text"
)

// Turn is one row in a user/agent exchange recorded in the turn store. Two
// rows (one per Role) are written as an atomic pair and share TurnID; ID
// remains each row's own primary key so the store can address and delete a
// single row during compensation without touching its counterpart.
//
// Similarity is only ever populated on rows returned by
// [dataplane.TurnStore.SearchSimilar]; it is zero on every other read.
type Turn struct {
	ID             string
	TurnID         string
	ConversationID string
	TenantID       string
	UserID         string
	Role           Role
	Text           string
	Source         Source
	Embedding      []float32
	Citations      []Citation
	CreatedAt      time.Time
	Similarity     float64
}

// Citation references a knowledge chunk used to ground an agent's response.
// Span is populated best-effort when the assembler can identify which byte
// range of the cited excerpt Text covers; nil when it can't.
type Citation struct {
	DocumentID string
	ChunkID    string
	Title      string
	Similarity float64
	Span       *[2]int
}

// KnowledgeChunk is a unit of tenant document content eligible for retrieval.
// PermittedAgentSlugs restricts which agents may cite it; an empty slice
// means every agent in the tenant may cite it. Title is resolved from the
// owning document and, like Similarity, is only populated on rows returned
// by [dataplane.ChunkStore.SearchSimilar].
type KnowledgeChunk struct {
	ID                  string
	TenantID            string
	DocumentID          string
	Title               string
	Text                string
	Embedding           []float32
	PermittedAgentSlugs []string
	Similarity          float64
	CreatedAt           time.Time
}

// UserProfile is durable per-user context an agent may draw on across
// conversations (name, preferences, relationship facts).
type UserProfile struct {
	ID       string
	TenantID string
	UserID   string
	Facts    map[string]string
}

// ContextBundle is the assembled, ready-to-render context for one turn: the
// fixed-order sections the context assembler produces, before prompt
// formatting.
type ContextBundle struct {
	Identity       string
	Profile        *UserProfile
	RecentTurns    []Turn
	RelevantTurns  []Turn
	RelevantChunks []KnowledgeChunk
	Citations      []Citation
	ElapsedByStage map[string]time.Duration
	Degraded       []string
}
