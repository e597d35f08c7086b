package trigger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brightloom/stagehand/internal/agentreg"
	agentregmock "github.com/brightloom/stagehand/internal/agentreg/mock"
	"github.com/brightloom/stagehand/internal/config"
	"github.com/brightloom/stagehand/internal/dataplane"
	dpmock "github.com/brightloom/stagehand/internal/dataplane/mock"
	"github.com/brightloom/stagehand/internal/dispatch"
	mediamock "github.com/brightloom/stagehand/internal/mediaplane/mock"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/stageerr"
	"github.com/brightloom/stagehand/internal/tenantreg"
	"github.com/brightloom/stagehand/internal/trigger"
	"github.com/brightloom/stagehand/internal/worker"
	workermock "github.com/brightloom/stagehand/internal/worker/mock"
	"github.com/brightloom/stagehand/pkg/provider/embeddings"
	embeddingsmock "github.com/brightloom/stagehand/pkg/provider/embeddings/mock"
	"github.com/brightloom/stagehand/pkg/provider/llm"
	llmmock "github.com/brightloom/stagehand/pkg/provider/llm/mock"
)

// fixture bundles a fully wired trigger.Server over in-memory stores.
type fixture struct {
	server *trigger.Server
	turns  *dpmock.TurnStore
	chunks *dpmock.ChunkStore
	media  *mediamock.Provider
}

func newFixture(t *testing.T, embed *embeddingsmock.Provider) *fixture {
	t.Helper()

	tenantsFile := &config.TenantsFile{Tenants: []config.TenantEntry{{
		ID:       "t-acme",
		Slug:     "acme",
		MediaURL: "wss://media.acme.example",
	}}}
	tenants := tenantreg.NewRegistry(tenantreg.NewConfigStore(tenantsFile))

	agentStore := agentregmock.New()
	if err := agentStore.Upsert(context.Background(), &agentreg.AgentDefinition{
		ID:                "t-acme:ada",
		TenantID:          "t-acme",
		Slug:              "ada",
		DisplayName:       "Ada",
		Persona:           "You are Ada, a helpful onboarding assistant.",
		ModelProvider:     "openai",
		ModelName:         "gpt-4o-mini",
		Temperature:       0.4,
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
		EmbeddingDims:     3,
		IsDefault:         true,
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	agents := agentreg.NewRegistry(agentStore)

	media := mediamock.New()
	dispatcher := dispatch.NewController(media)
	workers := worker.NewSupervisor(workermock.New())

	llmProvider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Here's what we covered about onboarding."},
	}

	turns := dpmock.NewTurnStore()
	chunks := dpmock.NewChunkStore()
	profiles := dpmock.NewProfileStore()

	srv := trigger.NewServer(
		tenants, agents, dispatcher, workers, media, nil,
		func(_ model.Tenant, _ model.Agent) (llm.Provider, error) { return llmProvider, nil },
		func(_ model.Tenant, _ model.Agent) (embeddings.Provider, error) { return embed, nil },
		trigger.WithStoreBuilder(func(_ context.Context, _ model.Tenant) (dataplane.TurnStore, dataplane.ChunkStore, dataplane.ProfileStore, error) {
			return turns, chunks, profiles, nil
		}),
	)

	return &fixture{server: srv, turns: turns, chunks: chunks, media: media}
}

func workingEmbedder() *embeddingsmock.Provider {
	return &embeddingsmock.Provider{
		DimensionsValue:  3,
		ModelIDValue:     "text-embedding-3-small",
		EmbedBatchResult: [][]float32{{1, 0, 0}},
		EmbedResult:      []float32{1, 0, 0},
	}
}

func seedKnowledge(t *testing.T, chunks *dpmock.ChunkStore, permitted []string) {
	t.Helper()
	ctx := context.Background()
	if err := chunks.UpsertDocument(ctx, "t-acme", "D1", "Onboarding Playbook"); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := chunks.IndexChunk(ctx, model.KnowledgeChunk{
		ID:                  "C1",
		TenantID:            "t-acme",
		DocumentID:          "D1",
		Text:                "Onboarding starts with a kickoff call and a sandbox tenant.",
		Embedding:           []float32{1, 0, 0},
		PermittedAgentSlugs: permitted,
	}); err != nil {
		t.Fatalf("IndexChunk: %v", err)
	}
}

func TestHandle_TextMode_RecordsTurnPairWithCitations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())
	seedKnowledge(t, f.chunks, nil)

	resp, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "ada",
		Mode:      "text",
		UserID:    "U1",
		Message:   "What did we discuss about onboarding?",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response == "" {
		t.Error("expected a non-empty text response")
	}
	if resp.ConversationID == "" {
		t.Error("expected a generated conversation_id")
	}
	if resp.AgentInfo.Name != "Ada" {
		t.Errorf("AgentInfo.Name = %q, want Ada", resp.AgentInfo.Name)
	}

	rows, err := f.turns.Recent(context.Background(), resp.ConversationID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("wrote %d turn rows, want 2", len(rows))
	}
	if rows[0].TurnID == "" || rows[0].TurnID != rows[1].TurnID {
		t.Fatalf("turn pair does not share turn_id: %q vs %q", rows[0].TurnID, rows[1].TurnID)
	}
	if rows[0].Role != model.RoleUser || rows[1].Role != model.RoleAgent {
		t.Fatalf("row roles = %q, %q; want user then agent", rows[0].Role, rows[1].Role)
	}
	if !rows[0].CreatedAt.Before(rows[1].CreatedAt) {
		t.Error("user row must sort strictly before the agent row")
	}
	for _, r := range rows {
		if r.UserID != "U1" {
			t.Errorf("row %q has UserID %q, want U1", r.Role, r.UserID)
		}
	}

	citations := rows[1].Citations
	if len(citations) != 1 {
		t.Fatalf("agent row has %d citations, want 1", len(citations))
	}
	c := citations[0]
	if c.DocumentID != "D1" || c.ChunkID != "C1" || c.Title != "Onboarding Playbook" {
		t.Errorf("citation = %+v, want D1/C1/Onboarding Playbook", c)
	}
	if c.Similarity <= 0.3 {
		t.Errorf("citation similarity = %v, want above the retrieval threshold", c.Similarity)
	}
	if len(rows[0].Citations) != 0 {
		t.Error("user rows must not carry citations")
	}
}

func TestHandle_TextMode_PermissionFilteredChunkNeverCited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())
	// Highly similar chunk, but only "bob" may cite it; the agent is "ada".
	seedKnowledge(t, f.chunks, []string{"bob"})

	resp, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "ada",
		Mode:      "text",
		UserID:    "U1",
		Message:   "What did we discuss about onboarding?",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rows, err := f.turns.Recent(context.Background(), resp.ConversationID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("wrote %d turn rows, want 2", len(rows))
	}
	if len(rows[1].Citations) != 0 {
		t.Fatalf("agent row cites a chunk the agent is not permitted to see: %+v", rows[1].Citations)
	}
}

func TestHandle_TextMode_EmbeddingFailureDegradesWithoutFailing(t *testing.T) {
	t.Parallel()
	// Wrong vector width: the gateway's dimension check rejects every embed
	// without burning its retry budget.
	embed := &embeddingsmock.Provider{
		DimensionsValue:  3,
		EmbedBatchResult: [][]float32{{1}},
	}
	f := newFixture(t, embed)
	seedKnowledge(t, f.chunks, nil)

	resp, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "ada",
		Mode:      "text",
		UserID:    "U1",
		Message:   "What did we discuss about onboarding?",
	})
	if err != nil {
		t.Fatalf("Handle: %v (embedding failure must degrade, not fail)", err)
	}
	if resp.Response == "" {
		t.Error("expected a response even with the embedding stage degraded")
	}

	rows, err := f.turns.Recent(context.Background(), resp.ConversationID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("wrote %d turn rows, want 2", len(rows))
	}
	if len(rows[1].Citations) != 0 {
		t.Error("no citations expected when vector search was skipped")
	}
}

func TestHandle_TextMode_RequiresMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())

	_, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "ada",
		Mode:      "text",
		UserID:    "U1",
	})
	if !errors.Is(err, stageerr.ErrInvalidDispatch) {
		t.Fatalf("err = %v, want ErrInvalidDispatch", err)
	}
}

func TestHandle_VoiceMode_DispatchesProvidedRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())

	resp, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "ada",
		Mode:      "voice",
		UserID:    "U1",
		RoomName:  "r_test_1",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.RoomName != "r_test_1" {
		t.Errorf("RoomName = %q, want r_test_1", resp.RoomName)
	}
	if resp.UserToken == "" {
		t.Error("expected a minted user token")
	}
	if resp.ServerURL != "wss://media.acme.example" {
		t.Errorf("ServerURL = %q, want the tenant's media URL", resp.ServerURL)
	}
	if resp.DispatchStatus != "running" {
		t.Errorf("DispatchStatus = %q, want running (mock worker is ready immediately)", resp.DispatchStatus)
	}

	payload, ok := f.media.JobDescription("t-acme", "r_test_1")
	if !ok {
		t.Fatal("room was not created on the media plane")
	}
	var job model.DispatchProfile
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		t.Fatalf("job description is not a serialised dispatch profile: %v", err)
	}
	if job.SystemPrompt != "You are Ada, a helpful onboarding assistant." {
		t.Errorf("job description carries system prompt %q, want the agent's persona", job.SystemPrompt)
	}
	if job.Model.Provider != model.ProviderOpenAI || job.Embeddings.Model != "text-embedding-3-small" {
		t.Errorf("job description profiles = %+v / %+v, want the agent's model and embedding profiles", job.Model, job.Embeddings)
	}
	if job.UserID != "U1" || job.ConversationID != resp.ConversationID {
		t.Errorf("job description identifiers = %q/%q, want U1/%q", job.UserID, job.ConversationID, resp.ConversationID)
	}
}

func TestHandle_VoiceMode_DuplicateDispatchCollapses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())

	req := trigger.Request{
		TenantKey:      "acme",
		AgentSlug:      "ada",
		Mode:           "voice",
		UserID:         "U1",
		ConversationID: "conv-dup",
		RoomName:       "r_dup",
	}
	first, err := f.server.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle (first): %v", err)
	}
	second, err := f.server.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle (second): %v", err)
	}
	if first.RoomName != second.RoomName {
		t.Errorf("room names differ: %q vs %q", first.RoomName, second.RoomName)
	}
	if first.ConversationID != second.ConversationID {
		t.Errorf("conversation IDs differ: %q vs %q", first.ConversationID, second.ConversationID)
	}
}

func TestHandle_UnknownAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())

	_, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "acme",
		AgentSlug: "nobody",
		Mode:      "text",
		UserID:    "U1",
		Message:   "hi",
	})
	if !errors.Is(err, stageerr.ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestHandle_UnknownTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, workingEmbedder())

	_, err := f.server.Handle(context.Background(), trigger.Request{
		TenantKey: "nonesuch",
		Mode:      "text",
		UserID:    "U1",
		Message:   "hi",
	})
	if !errors.Is(err, stageerr.ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}
