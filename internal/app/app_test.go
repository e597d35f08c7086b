package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brightloom/stagehand/internal/app"
	"github.com/brightloom/stagehand/internal/config"
	"github.com/brightloom/stagehand/internal/model"
	mediamock "github.com/brightloom/stagehand/internal/mediaplane/mock"
	workermock "github.com/brightloom/stagehand/internal/worker/mock"
	"github.com/brightloom/stagehand/pkg/provider/embeddings"
	embeddingsmock "github.com/brightloom/stagehand/pkg/provider/embeddings/mock"
	"github.com/brightloom/stagehand/pkg/provider/llm"
	llmmock "github.com/brightloom/stagehand/pkg/provider/llm/mock"
)

// testConfig returns a minimal config with no bootstrapped tenants, so New
// never needs to dial a real tenant data-plane pool.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   config.LogLevelInfo,
		},
		Observability: config.ObservabilityConfig{
			ServiceName: "stagehand-test",
		},
		Dispatch: config.DispatchConfig{
			MaxRetries:             2,
			RetryBaseDelayMs:       10,
			PerTenantRatePerSecond: 10,
			PerTenantBurst:         10,
		},
		Worker: config.WorkerConfig{
			PoolLabel:           "test-pool",
			EmptyTimeoutSeconds: 300,
		},
	}
}

func testTenantsFile() *config.TenantsFile {
	return &config.TenantsFile{}
}

// TestApp exercises app.New/Run-supporting wiring, routes, and Shutdown
// against a single instance. InitProvider registers its Prometheus collector
// on the process-wide default registerer, so a second app.New in the same
// test binary would fail registration — every case below shares one App.
func TestApp(t *testing.T) {
	cfg := testConfig()
	tenantsFile := testTenantsFile()

	llmProvider := &llmmock.Provider{}
	embedProvider := &embeddingsmock.Provider{DimensionsValue: 3}

	application, err := app.New(
		context.Background(),
		cfg,
		tenantsFile,
		app.WithMediaProvider(mediamock.New()),
		app.WithWorkerSpawner(workermock.New()),
		app.WithLLMFactory(func(_ model.Tenant, _ model.Agent) (llm.Provider, error) {
			return llmProvider, nil
		}),
		app.WithEmbedFactory(func(_ model.Tenant, _ model.Agent) (embeddings.Provider, error) {
			return embedProvider, nil
		}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() returned error: %v", err)
		}
	})

	t.Run("accessors are non-nil", func(t *testing.T) {
		if application.Tenants() == nil {
			t.Error("Tenants() returned nil")
		}
		if application.Agents() == nil {
			t.Error("Agents() returned nil")
		}
		if application.Trigger() == nil {
			t.Error("Trigger() returned nil")
		}
		if application.Router() == nil {
			t.Error("Router() returned nil")
		}
	})

	t.Run("healthz responds ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		application.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET /healthz = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("readyz responds ok with no tenants", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		application.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET /readyz = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("metrics endpoint is scrapeable", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		application.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET /metrics = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("unknown route returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		rec := httptest.NewRecorder()
		application.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET /nope = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// stopOnce guards repeated calls; the t.Cleanup above will call
		// Shutdown again once this test finishes, which must also succeed.
		if err := application.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() returned error: %v", err)
		}
	})
}
