// Package app wires every stagehand subsystem into a running process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the HTTP trigger server and the reconciliation
// loop and blocks until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithMediaProvider, WithWorkerSpawner, etc.). When an option is not
// provided, New builds the default from the config; the media plane and the
// worker spawner default to their in-memory mocks.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	nats "github.com/nats-io/nats.go"

	"github.com/brightloom/stagehand/internal/agentreg"
	"github.com/brightloom/stagehand/internal/config"
	"github.com/brightloom/stagehand/internal/dispatch"
	"github.com/brightloom/stagehand/internal/eventbridge"
	"github.com/brightloom/stagehand/internal/health"
	"github.com/brightloom/stagehand/internal/mediaplane"
	mediamock "github.com/brightloom/stagehand/internal/mediaplane/mock"
	"github.com/brightloom/stagehand/internal/observe"
	"github.com/brightloom/stagehand/internal/tenantreg"
	"github.com/brightloom/stagehand/internal/trigger"
	"github.com/brightloom/stagehand/internal/worker"
	workermock "github.com/brightloom/stagehand/internal/worker/mock"
)

// App owns all subsystem lifetimes and orchestrates the stagehand control
// plane: tenant and agent resolution, dispatch, worker supervision, the
// trigger HTTP server, and background turn reconciliation.
type App struct {
	cfg         *config.Config
	tenantsFile *config.TenantsFile

	// Subsystems — initialised in New, torn down in Shutdown.
	tenantStore   tenantreg.Store
	tenants       *tenantreg.Registry
	agentRegistry *agentreg.Registry
	media         mediaplane.Provider
	spawner       worker.Spawner
	workers       *worker.Supervisor
	dispatcher    *dispatch.Controller
	natsConn      *nats.Conn // non-nil only when App opened it; closed on Shutdown
	eventConn     eventbridge.Conn
	llmFactory    trigger.LLMFactory
	embedFactory  trigger.EmbedFactory
	triggerServer *trigger.Server
	healthHandler *health.Handler
	router        *gin.Engine
	httpServer    *http.Server

	reconcileInterval time.Duration
	reconcileStop     chan struct{}
	reconcileDone     chan struct{}
	reconcileStarted  atomic.Bool // set by Run; reconcileDone is only closed after it

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTenantStore injects a tenant registry store instead of building a
// [tenantreg.ConfigStore] from the tenants file.
func WithTenantStore(s tenantreg.Store) Option {
	return func(a *App) { a.tenantStore = s }
}

// WithMediaProvider injects a media-plane provider instead of the in-memory
// mock used when a deployment has not wired a real SFU vendor.
func WithMediaProvider(p mediaplane.Provider) Option {
	return func(a *App) { a.media = p }
}

// WithWorkerSpawner injects a worker spawner instead of the in-process mock.
func WithWorkerSpawner(s worker.Spawner) Option {
	return func(a *App) { a.spawner = s }
}

// WithEventConn injects an event-bridge publish connection instead of
// dialing NATS from config.EventBridgeConfig.URL.
func WithEventConn(c eventbridge.Conn) Option {
	return func(a *App) { a.eventConn = c }
}

// WithLLMFactory injects the per-agent LLM provider factory instead of the
// any-llm-go-backed default.
func WithLLMFactory(f trigger.LLMFactory) Option {
	return func(a *App) { a.llmFactory = f }
}

// WithEmbedFactory injects the per-agent embeddings provider factory instead
// of the default OpenAI/Ollama dispatch.
func WithEmbedFactory(f trigger.EmbedFactory) Option {
	return func(a *App) { a.embedFactory = f }
}

// New wires every subsystem together. tenantsFile is the parsed tenant
// bootstrap document (see [config.LoadTenantsFile]); its agents are
// upserted into each tenant's agent registry on first use. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, tenantsFile *config.TenantsFile, opts ...Option) (*App, error) {
	a := &App{
		cfg:               cfg,
		tenantsFile:       tenantsFile,
		reconcileInterval: 5 * time.Minute,
		reconcileStop:     make(chan struct{}),
		reconcileDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Tenant registry (C1) ──────────────────────────────────────────
	if a.tenantStore == nil {
		a.tenantStore = tenantreg.NewConfigStore(tenantsFile)
	}
	a.tenants = tenantreg.NewRegistry(a.tenantStore)
	a.closers = append(a.closers, func() error { a.tenants.Close(); return nil })

	// ── 2. Agent registry (C2), fanned out per tenant data plane ─────────
	poolResolver := agentreg.PoolResolverFunc(func(ctx context.Context, tenantID string) (agentreg.DB, error) {
		return a.tenants.Pool(ctx, tenantID)
	})
	a.agentRegistry = agentreg.NewRegistry(agentreg.NewTenantStore(poolResolver))

	if err := a.bootstrapAgents(ctx); err != nil {
		return nil, fmt.Errorf("app: bootstrap agents: %w", err)
	}

	// ── 3. Media plane + dispatch controller (C3) ────────────────────────
	if a.media == nil {
		a.media = mediamock.New()
	}
	a.dispatcher = dispatch.NewController(a.media,
		dispatch.WithRetries(cfg.Dispatch.MaxRetries, cfg.Dispatch.RetryBaseDelayMs),
		dispatch.WithPerTenantRate(cfg.Dispatch.PerTenantRatePerSecond, cfg.Dispatch.PerTenantBurst),
		dispatch.WithEmptyTimeout(time.Duration(cfg.Worker.EmptyTimeoutSeconds)*time.Second),
	)

	// ── 4. Worker supervisor (C4) ─────────────────────────────────────────
	if a.spawner == nil {
		a.spawner = workermock.New()
	}
	a.workers = worker.NewSupervisor(a.spawner, worker.WithPoolLabel(cfg.Worker.PoolLabel))

	// ── 5. Event bridge connection (C8) ──────────────────────────────────
	if a.eventConn == nil && cfg.EventBridge.URL != "" {
		conn, err := eventbridge.Connect(cfg.EventBridge.URL, cfg.Observability.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("app: connect event bridge: %w", err)
		}
		a.natsConn = conn
		a.eventConn = conn
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
	}

	// ── 6. Provider factories ────────────────────────────────────────────
	if a.llmFactory == nil {
		a.llmFactory = defaultLLMFactory
	}
	if a.embedFactory == nil {
		a.embedFactory = defaultEmbedFactory
	}

	// ── 7. Observability ─────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.closers = append(a.closers, func() error { return otelShutdown(context.Background()) })

	// ── 8. Trigger server + HTTP routes ──────────────────────────────────
	var triggerOpts []trigger.Option
	if cfg.ContextBudget.TextDeadlineMs > 0 {
		triggerOpts = append(triggerOpts, trigger.WithTextContextDeadline(time.Duration(cfg.ContextBudget.TextDeadlineMs)*time.Millisecond))
	}
	a.triggerServer = trigger.NewServer(
		a.tenants, a.agentRegistry, a.dispatcher, a.workers, a.media, a.eventConn,
		a.llmFactory, a.embedFactory, triggerOpts...,
	)
	a.healthHandler = health.New(a.readinessCheckers()...)

	gin.SetMode(gin.ReleaseMode)
	a.router = gin.New()
	a.router.Use(gin.Recovery())
	trigger.RegisterRoutes(a.router, a.triggerServer, a.healthHandler)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	a.httpServer = &http.Server{Addr: listenAddr, Handler: a.router}

	return a, nil
}

// bootstrapAgents upserts every agent declared in the tenants file into its
// tenant's agent registry. Agent IDs are derived deterministically from
// tenant ID and slug so re-running bootstrap on a restart updates existing
// rows instead of duplicating them.
func (a *App) bootstrapAgents(ctx context.Context) error {
	for _, t := range a.tenantsFile.Tenants {
		for _, e := range t.Agents {
			def := &agentreg.AgentDefinition{
				ID:                fmt.Sprintf("%s:%s", t.ID, e.Slug),
				TenantID:          t.ID,
				Slug:              e.Slug,
				DisplayName:       e.DisplayName,
				Persona:           e.Persona,
				ModelProvider:     e.ModelProvider,
				ModelName:         e.ModelName,
				Temperature:       e.Temperature,
				MaxTokens:         e.MaxTokens,
				EmbeddingProvider: e.EmbeddingProvider,
				EmbeddingModel:    e.EmbeddingModel,
				EmbeddingDims:     e.EmbeddingDims,
				IsDefault:         e.IsDefault,
			}
			if err := a.agentRegistry.Store().Upsert(ctx, def); err != nil {
				return fmt.Errorf("tenant %q agent %q: %w", t.ID, e.Slug, err)
			}
			slog.Info("bootstrapped agent", "tenant_id", t.ID, "slug", e.Slug)
		}
	}
	return nil
}

// readinessCheckers builds the /readyz checks: that every bootstrapped
// tenant's data plane is reachable.
func (a *App) readinessCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "tenant_pools",
			Check: func(ctx context.Context) error {
				for _, t := range a.tenantsFile.Tenants {
					if _, err := a.tenants.Pool(ctx, t.ID); err != nil {
						return fmt.Errorf("tenant %q: %w", t.ID, err)
					}
				}
				return nil
			},
		},
	}
}

// Tenants returns the tenant registry.
func (a *App) Tenants() *tenantreg.Registry { return a.tenants }

// Agents returns the agent registry.
func (a *App) Agents() *agentreg.Registry { return a.agentRegistry }

// Trigger returns the trigger server, primarily for tests that call Handle
// directly rather than through HTTP.
func (a *App) Trigger() *trigger.Server { return a.triggerServer }

// Router returns the gin engine serving the trigger, health, and metrics
// routes.
func (a *App) Router() *gin.Engine { return a.router }

// Run starts the HTTP trigger server and the turn-reconciliation loop, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("app: trigger server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	a.reconcileStarted.Store(true)
	go a.runReconciliation(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// runReconciliation periodically scans every tenant's turn store for
// conversations with a user turn but no matching agent turn — orphaned by a
// worker crash mid-response — and logs them for operator follow-up. It does
// not itself resolve orphans; that requires re-dispatching, which is outside
// this loop's scope.
func (a *App) runReconciliation(ctx context.Context) {
	defer close(a.reconcileDone)

	ticker := time.NewTicker(a.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reconcileStop:
			return
		case <-ticker.C:
			a.reconcileOnce(ctx)
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context) {
	cutoff := time.Now().Add(-a.reconcileInterval)
	for _, t := range a.tenantsFile.Tenants {
		turns, err := a.triggerServer.TenantTurnStore(ctx, t.ID)
		if err != nil {
			slog.Warn("app: reconciliation could not resolve tenant turn store", "tenant_id", t.ID, "err", err)
			continue
		}
		orphans, err := turns.Reconcile(ctx, t.ID, cutoff)
		if err != nil {
			slog.Warn("app: reconciliation query failed", "tenant_id", t.ID, "err", err)
			continue
		}
		if len(orphans) > 0 {
			slog.Warn("app: found conversations with an unanswered user turn", "tenant_id", t.ID, "conversations", orphans)
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down")

		close(a.reconcileStop)
		if a.reconcileStarted.Load() {
			select {
			case <-a.reconcileDone:
			case <-ctx.Done():
			}
		}

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("app: http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
