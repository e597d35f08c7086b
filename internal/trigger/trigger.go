// Package trigger implements the HTTP trigger endpoint: the single
// inbound entry point that resolves a tenant and agent, then either
// dispatches a voice session onto the media plane (mode=voice) or answers
// inline using the context assembler and an LLM call (mode=text).
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightloom/stagehand/internal/agentreg"
	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/dataplane/postgres"
	"github.com/brightloom/stagehand/internal/dispatch"
	"github.com/brightloom/stagehand/internal/egress/gateway"
	"github.com/brightloom/stagehand/internal/eventbridge"
	"github.com/brightloom/stagehand/internal/mediaplane"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/observe"
	"github.com/brightloom/stagehand/internal/ragctx"
	"github.com/brightloom/stagehand/internal/stageerr"
	"github.com/brightloom/stagehand/internal/tenantreg"
	"github.com/brightloom/stagehand/internal/turnstore"
	"github.com/brightloom/stagehand/internal/worker"
	"github.com/brightloom/stagehand/pkg/provider/embeddings"
	"github.com/brightloom/stagehand/pkg/provider/llm"
	"github.com/brightloom/stagehand/pkg/types"
)

// claimDeadline is how long Dispatch waits for a worker to reach Serving
// before reporting dispatch_status "pending" rather than "running".
const claimDeadline = 8 * time.Second

// defaultTextContextDeadline is the soft budget for the text-mode
// embed+assemble path when no deadline is configured (see
// config.ContextBudgetConfig).
const defaultTextContextDeadline = 1200 * time.Millisecond

// userTokenTTL bounds how long a minted join token stays valid. Scoped to
// a single room, so a short life is cheap: a caller that dawdles past it
// re-triggers and gets a fresh token for the same room.
const userTokenTTL = 10 * time.Minute

// LLMFactory builds the LLM backend for one agent's model profile. Wiring
// lives in internal/app, which knows how to turn a provider name and per-tenant
// credential into a concrete pkg/provider/llm implementation.
type LLMFactory func(tenant model.Tenant, agent model.Agent) (llm.Provider, error)

// EmbedFactory builds the embeddings backend for one agent's embedding
// profile.
type EmbedFactory func(tenant model.Tenant, agent model.Agent) (embeddings.Provider, error)

// StoreBuilder builds the per-tenant data-plane stores the turn store,
// context assembler, and event bridge are wired over. The default builder
// opens the tenant's Postgres pool; tests inject in-memory stores.
type StoreBuilder func(ctx context.Context, tenant model.Tenant) (dataplane.TurnStore, dataplane.ChunkStore, dataplane.ProfileStore, error)

// Server holds every wired component the trigger endpoint needs and the
// per-tenant resource caches built lazily on first use. Safe for concurrent
// use.
type Server struct {
	tenants    *tenantreg.Registry
	agents     *agentreg.Registry
	dispatcher *dispatch.Controller
	workers    *worker.Supervisor
	media      mediaplane.Provider
	nats       eventbridge.Conn
	llmFactory LLMFactory
	embedder   EmbedFactory
	stores     StoreBuilder
	metrics    *observe.Metrics

	textDeadline time.Duration

	mu        sync.Mutex
	resources map[string]*tenantResources // tenant ID -> C5/C6/C8 wiring
	gateways  map[string]*gateway.Gateway // tenantID + agentID -> C7 wiring
}

// tenantResources bundles the per-tenant components built over a tenant's
// data-plane pool: the turn store, the context assembler, and the event
// bridge that pairs transcript halves and writes them through the turn
// store. Built once per tenant and reused across requests.
type tenantResources struct {
	turns     *turnstore.Store
	assembler *ragctx.Assembler
	bridge    *eventbridge.Bridge
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics attaches an observability [observe.Metrics] instance. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStoreBuilder replaces the Postgres-backed per-tenant store builder.
// Tests use this to serve the text-mode flow from in-memory stores.
func WithStoreBuilder(b StoreBuilder) Option {
	return func(s *Server) {
		if b != nil {
			s.stores = b
		}
	}
}

// WithTextContextDeadline bounds the text-mode embed+assemble path (see
// CONTEXT_DEADLINE_MS_TEXT). Default: 1200ms.
func WithTextContextDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.textDeadline = d
		}
	}
}

// NewServer creates a [Server]. nats may be nil, in which case event-bridge
// publishes are skipped (useful for tests and single-node deployments with
// no realtime subscribers).
func NewServer(
	tenants *tenantreg.Registry,
	agents *agentreg.Registry,
	dispatcher *dispatch.Controller,
	workers *worker.Supervisor,
	media mediaplane.Provider,
	nats eventbridge.Conn,
	llmFactory LLMFactory,
	embedder EmbedFactory,
	opts ...Option,
) *Server {
	s := &Server{
		tenants:      tenants,
		agents:       agents,
		dispatcher:   dispatcher,
		workers:      workers,
		media:        media,
		nats:         nats,
		llmFactory:   llmFactory,
		embedder:     embedder,
		metrics:      observe.DefaultMetrics(),
		textDeadline: defaultTextContextDeadline,
		resources:    make(map[string]*tenantResources),
		gateways:     make(map[string]*gateway.Gateway),
	}
	s.stores = s.postgresStores
	for _, o := range opts {
		o(s)
	}
	return s
}

// postgresStores is the default [StoreBuilder]: it resolves the tenant's
// data-plane pool through the tenant registry and wraps it in the Postgres
// store implementations.
func (s *Server) postgresStores(ctx context.Context, tenant model.Tenant) (dataplane.TurnStore, dataplane.ChunkStore, dataplane.ProfileStore, error) {
	pool, err := s.tenants.Pool(ctx, tenant.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewTurnStore(pool), postgres.NewChunkStore(pool), postgres.NewProfileStore(pool), nil
}

// discardConn drops published events; used when no NATS connection is
// configured so the event bridge still records turns.
type discardConn struct{}

func (discardConn) Publish(string, []byte) error { return nil }

// resourcesFor returns (building and caching, if absent) the per-tenant
// resources for tenant.
func (s *Server) resourcesFor(tenant model.Tenant, embedder *gateway.Gateway) (*tenantResources, error) {
	s.mu.Lock()
	if r, ok := s.resources[tenant.ID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	turnBacking, chunks, profiles, err := s.stores(context.Background(), tenant)
	if err != nil {
		return nil, err
	}

	var turnOpts []turnstore.Option
	if embedder != nil {
		turnOpts = append(turnOpts, turnstore.WithEmbedder(embedder))
	}
	turns := turnstore.New(turnBacking, turnOpts...)

	asmOpts := []ragctx.Option{ragctx.WithProfileStore(profiles)}
	if embedder != nil {
		asmOpts = append(asmOpts, ragctx.WithReranker(embedder))
	}
	assembler := ragctx.NewAssembler(turns, chunks, asmOpts...)

	var conn eventbridge.Conn = discardConn{}
	if s.nats != nil {
		conn = s.nats
	}
	bridge := eventbridge.New(conn, turns, eventbridge.WithSubjectPrefix(eventbridge.DefaultSubjectPrefix))

	r := &tenantResources{turns: turns, assembler: assembler, bridge: bridge}

	s.mu.Lock()
	if existing, ok := s.resources[tenant.ID]; ok {
		s.mu.Unlock()
		turns.Close()
		return existing, nil
	}
	s.resources[tenant.ID] = r
	s.mu.Unlock()

	return r, nil
}

// TenantTurnStore returns the tenant's turn store, resolving the tenant and
// building (or reusing) its resources if this is the first access. Used by
// the reconciliation loop, which has no embedding gateway of its own and
// does not need one to scan for orphaned turns.
func (s *Server) TenantTurnStore(ctx context.Context, tenantID string) (*turnstore.Store, error) {
	tenant, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r, err := s.resourcesFor(tenant, nil)
	if err != nil {
		return nil, err
	}
	return r.turns, nil
}

// gatewayFor returns (building and caching, if absent) the embedding
// gateway for tenant+agent. Per the C7 doc comment, a distinct Gateway is
// kept per (provider, model) pair; keying by tenant+agent is a reasonable
// proxy for that since an agent's embedding profile is fixed at resolve
// time.
func (s *Server) gatewayFor(tenant model.Tenant, agent model.Agent) (*gateway.Gateway, error) {
	key := tenant.ID + "\x00" + agent.ID
	s.mu.Lock()
	if g, ok := s.gateways[key]; ok {
		s.mu.Unlock()
		return g, nil
	}
	s.mu.Unlock()

	provider, err := s.embedder(tenant, agent)
	if err != nil {
		return nil, fmt.Errorf("trigger: build embedder for agent %q: %w", agent.Slug, err)
	}
	g := gateway.New(string(agent.Embeddings.Provider), agent.Embeddings.Model, provider)

	s.mu.Lock()
	if existing, ok := s.gateways[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.gateways[key] = g
	s.mu.Unlock()
	return g, nil
}

// Request is the trigger endpoint's request body.
type Request struct {
	TenantKey      string `json:"tenant_key" binding:"required"`
	AgentSlug      string `json:"agent_slug"`
	Mode           string `json:"mode" binding:"required,oneof=voice text"`
	UserID         string `json:"user_id" binding:"required"`
	ConversationID string `json:"conversation_id"`
	RoomName       string `json:"room_name"`
	Message        string `json:"message"`
}

// AgentInfo is the agent_info field of [Response].
type AgentInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ModelProfile string `json:"model_profile"`
}

// Response is the trigger endpoint's response body.
type Response struct {
	ConversationID string    `json:"conversation_id"`
	Response       string    `json:"response,omitempty"`
	RoomName       string    `json:"room_name,omitempty"`
	ServerURL      string    `json:"server_url,omitempty"`
	UserToken      string    `json:"user_token,omitempty"`
	DispatchStatus string    `json:"dispatch_status"`
	AgentInfo      AgentInfo `json:"agent_info"`
}

// maxUserMessageBytes clips an overlong user_message before it reaches the
// context assembler or an LLM call.
const maxUserMessageBytes = 4096

func clipMessage(s string) string {
	if len(s) <= maxUserMessageBytes {
		return s
	}
	return s[:maxUserMessageBytes] + "…"
}

// Handle resolves tenant and agent, then dispatches to the voice or text
// flow. It is transport-agnostic; see [RegisterRoutes] for the gin binding.
func (s *Server) Handle(ctx context.Context, req Request) (*Response, error) {
	tenant, err := s.resolveTenant(ctx, req.TenantKey)
	if err != nil {
		return nil, err
	}

	agent, err := s.agents.Resolve(ctx, tenant.ID, req.AgentSlug)
	if err != nil {
		return nil, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	info := AgentInfo{
		ID:           agent.ID,
		Name:         agent.DisplayName,
		ModelProfile: fmt.Sprintf("%s/%s", agent.Model.Provider, agent.Model.Model),
	}

	switch req.Mode {
	case "voice":
		return s.handleVoice(ctx, tenant, agent, req, conversationID, info)
	case "text":
		return s.handleText(ctx, tenant, agent, req, conversationID, info)
	default:
		return nil, fmt.Errorf("%w: mode must be \"voice\" or \"text\", got %q", stageerr.ErrInvalidDispatch, req.Mode)
	}
}

func (s *Server) resolveTenant(ctx context.Context, tenantKey string) (model.Tenant, error) {
	tenant, err := s.tenants.Resolve(ctx, tenantKey)
	if err == nil {
		return tenant, nil
	}
	return s.tenants.ResolveSlug(ctx, tenantKey)
}

// handleVoice dispatches a media-plane room and claims a worker for it,
// returning as soon as the worker reaches Serving or claimDeadline elapses,
// whichever comes first.
//
// When req.RoomName is empty the dispatch controller derives the room name
// deterministically from tenant and conversation (see [dispatch.RoomName]),
// so re-dispatching the same conversation always collapses onto the same
// room — which is what makes crash reconciliation and duplicate-claim
// reaping possible. A caller-provided name is honoured and collapses by
// that name instead.
func (s *Server) handleVoice(ctx context.Context, tenant model.Tenant, agent model.Agent, req Request, conversationID string, info AgentInfo) (*Response, error) {
	job := model.DispatchProfile{
		TenantID:       tenant.ID,
		AgentID:        agent.ID,
		SystemPrompt:   agent.Persona,
		Model:          agent.Model,
		Embeddings:     agent.Embeddings,
		UserID:         req.UserID,
		ConversationID: conversationID,
		ProviderKeys:   tenant.Keys.SubsetFor(agent.Model.Provider, agent.Embeddings.Provider),
	}

	room, err := s.dispatcher.Dispatch(ctx, job, req.RoomName)
	if err != nil {
		s.metrics.RecordDispatch(ctx, tenant.ID, "failed")
		return nil, err
	}
	s.metrics.RecordDispatch(ctx, tenant.ID, "ok")

	token, err := s.media.MintParticipantToken(ctx, tenant.ID, room.Name, req.UserID, userTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: mint participant token: %v", stageerr.ErrDispatchFailed, err)
	}

	status := s.claimWorker(ctx, job, room.Name)

	return &Response{
		ConversationID: conversationID,
		RoomName:       room.Name,
		ServerURL:      tenant.Media.URL,
		UserToken:      token,
		DispatchStatus: status,
		AgentInfo:      info,
	}, nil
}

// claimWorker claims a worker for roomName with a bounded wait: if the
// worker reaches Serving within claimDeadline, "running" is returned;
// otherwise "pending" is returned and the claim continues in the
// background. A hard claim failure (retries exhausted) is reported as
// "failed" only when observed within the deadline.
func (s *Server) claimWorker(ctx context.Context, job model.DispatchProfile, roomName string) string {
	done := make(chan error, 1)
	claimCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		_, err := s.workers.Claim(claimCtx, job, roomName)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return "failed"
		}
		return "running"
	case <-time.After(claimDeadline):
		return "pending"
	case <-ctx.Done():
		return "pending"
	}
}

// handleText answers inline: assembles context, calls the agent's LLM, and
// records the turn pair through the event bridge — the same pairing path a
// voice worker's transcript events drive.
func (s *Server) handleText(ctx context.Context, tenant model.Tenant, agent model.Agent, req Request, conversationID string, info AgentInfo) (*Response, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required in text mode", stageerr.ErrInvalidDispatch)
	}
	message := clipMessage(req.Message)

	embedder, err := s.gatewayFor(tenant, agent)
	if err != nil {
		return nil, err
	}
	resources, err := s.resourcesFor(tenant, embedder)
	if err != nil {
		return nil, err
	}

	assembleCtx, cancelAssemble := context.WithTimeout(ctx, s.textDeadline)
	defer cancelAssemble()

	embeddingUnavailable := false
	queryEmbedding, err := embedder.Embed(assembleCtx, message)
	if err != nil {
		s.metrics.RecordErrorKind(ctx, string(stageerr.KindGatewayUnavailable))
		queryEmbedding = nil
		embeddingUnavailable = true
	}

	assembleStart := time.Now()
	bundle := resources.assembler.Assemble(assembleCtx, agent, conversationID, req.UserID, message, queryEmbedding)
	if embeddingUnavailable {
		// The two vector stages were skipped, not merely slow; callers
		// reading the bundle metadata should see why.
		bundle.Degraded = append(bundle.Degraded, "query_embedding")
	}
	ragctx.TrimToBudget(bundle, agent.Defaults.MaxContextTokens)
	s.metrics.ContextAssembleDuration.Record(ctx, time.Since(assembleStart).Seconds())
	for _, stage := range bundle.Degraded {
		s.metrics.RecordStageDegradation(ctx, stage)
	}

	systemPrompt := ragctx.FormatSystemPrompt(bundle)

	provider, err := s.llmFactory(tenant, agent)
	if err != nil {
		return nil, fmt.Errorf("trigger: build llm provider for agent %q: %w", agent.Slug, err)
	}

	completion, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: message}},
		SystemPrompt: systemPrompt,
		Temperature:  agent.Model.Temperature,
		MaxTokens:    agent.Model.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger: llm completion: %v", err)
	}

	turnID := uuid.NewString()
	if err := resources.bridge.UserSpeechCommitted(ctx, tenant.ID, conversationID, req.UserID, turnID, message, model.SourceText); err != nil {
		return nil, fmt.Errorf("%w: %v", stageerr.ErrTurnWriteFailed, err)
	}
	if err := resources.bridge.AgentSpeechCommitted(ctx, turnID, completion.Content, bundle.Citations, model.SourceText); err != nil {
		resources.bridge.Abandon(turnID)
		return nil, fmt.Errorf("%w: %v", stageerr.ErrTurnWriteFailed, err)
	}

	return &Response{
		ConversationID: conversationID,
		Response:       completion.Content,
		DispatchStatus: "running",
		AgentInfo:      info,
	}, nil
}
