// Package config provides the configuration schema, loader, and hot-reload
// watcher for the stagehand control plane.
package config

import "fmt"

// Config is the root configuration structure for the stagehand process.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	ControlPlane  ControlPlaneConfig  `yaml:"control_plane"`
	DataPlane     DataPlaneDefaults   `yaml:"data_plane"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	ContextBudget ContextBudgetConfig `yaml:"context_budget"`
	Worker        WorkerConfig        `yaml:"worker"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	EventBridge   EventBridgeConfig   `yaml:"event_bridge"`
	TenantsFile   string              `yaml:"tenants_file"`
}

// ControlPlaneConfig addresses the control-plane store backing the tenant
// registry (component C1) when it is not the file-backed [ConfigStore] —
// e.g. an administrative API a deployment runs instead of hand-editing the
// tenants file. Overridden by CONTROL_PLANE_URL / CONTROL_PLANE_CREDENTIAL.
type ControlPlaneConfig struct {
	URL        string `yaml:"url"`
	Credential string `yaml:"credential"`
}

// ContextBudgetConfig bounds how long the context assembler (C5) is given to
// produce a bundle before the trigger endpoint proceeds with whatever is
// ready, split by channel since voice has a tighter turn-taking budget than
// text. Overridden by CONTEXT_DEADLINE_MS_TEXT / CONTEXT_DEADLINE_MS_VOICE.
type ContextBudgetConfig struct {
	TextDeadlineMs  int `yaml:"text_deadline_ms"`
	VoiceDeadlineMs int `yaml:"voice_deadline_ms"`
}

// WorkerConfig controls the worker supervisor (C4).
type WorkerConfig struct {
	// PoolLabel tags spawned workers for routing to a dedicated node pool.
	// Overridden by WORKER_POOL_LABEL.
	PoolLabel string `yaml:"pool_label"`

	// EmptyTimeoutSeconds is how long a conversation may sit with no
	// participants before the worker is drained. Overridden by
	// DEFAULT_EMPTY_TIMEOUT_SECONDS.
	EmptyTimeoutSeconds int `yaml:"empty_timeout_seconds"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the known log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// ServerConfig holds network, logging, and HTTP trigger settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the trigger HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds how long Shutdown waits for in-flight dispatches
	// to drain before forcing closers to run (seconds).
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// ObservabilityConfig controls the OpenTelemetry metrics exporter.
type ObservabilityConfig struct {
	// MetricsAddr is parsed but not read by the app; metrics are served on
	// the trigger server's own listener at /metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	// ServiceName is reported on every metric/span as the otel resource name.
	ServiceName string `yaml:"service_name"`
}

// DataPlaneDefaults holds platform-wide defaults applied when a tenant's
// [model.DataPlaneConfig] omits a value.
type DataPlaneDefaults struct {
	// DefaultEmbeddingDimensions is parsed but not read by the app; a tenant
	// that omits embedding_dimensions keeps the zero value.
	DefaultEmbeddingDimensions int `yaml:"default_embedding_dimensions"`

	// MigrationsDir names a golang-migrate source directory. It is parsed but
	// not read by the app; tenant data planes are not migrated on connect.
	MigrationsDir string `yaml:"migrations_dir"`
}

// DispatchConfig controls the dispatch controller's retry and rate-limiting
// behaviour.
type DispatchConfig struct {
	// MaxRetries bounds how many times a dispatch is retried before
	// surfacing DispatchFailed.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelayMs is the base delay for exponential backoff between
	// dispatch retries.
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`

	// PerTenantRatePerSecond caps sustained dispatch throughput per tenant.
	PerTenantRatePerSecond float64 `yaml:"per_tenant_rate_per_second"`

	// PerTenantBurst caps the burst allowance per tenant.
	PerTenantBurst int `yaml:"per_tenant_burst"`
}

// GatewayConfig controls the embedding/rerank gateway's batching and cache
// behaviour.
type GatewayConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`

	// CacheCapacity bounds the LRU embedding cache size. Overridden by
	// EMBED_CACHE_SIZE.
	CacheCapacity int `yaml:"cache_capacity"`
}

// EventBridgeConfig holds the NATS connection used for publishing turn
// lifecycle events.
type EventBridgeConfig struct {
	// URL is the NATS server URL, e.g. "nats://localhost:4222".
	URL string `yaml:"url"`

	// SubjectPrefix is parsed but not read by the app; published subjects
	// always use eventbridge.DefaultSubjectPrefix ("stagehand").
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TenantsFile is the bootstrap document listing every tenant and its agents,
// loaded at startup and on each config reload.
type TenantsFile struct {
	Tenants []TenantEntry `yaml:"tenants"`
}

// TenantEntry describes one tenant's data plane, media plane, and credential
// configuration in the bootstrap file.
type TenantEntry struct {
	ID                  string            `yaml:"id"`
	Slug                string            `yaml:"slug"`
	DataPlaneDSN        string            `yaml:"data_plane_dsn"`
	EmbeddingDimensions int               `yaml:"embedding_dimensions"`
	MediaProvider       string            `yaml:"media_provider"`
	MediaAPIKey         string            `yaml:"media_api_key"`
	MediaAPISecret      string            `yaml:"media_api_secret"`
	MediaURL            string            `yaml:"media_url"`
	LLMKeys             map[string]string `yaml:"llm_keys"`
	EmbeddingKeys       map[string]string `yaml:"embedding_keys"`
	Agents              []AgentEntry      `yaml:"agents"`
}

// AgentEntry describes one agent in the tenant bootstrap file.
type AgentEntry struct {
	Slug              string  `yaml:"slug"`
	DisplayName       string  `yaml:"display_name"`
	Persona           string  `yaml:"persona"`
	ModelProvider     string  `yaml:"model_provider"`
	ModelName         string  `yaml:"model_name"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	EmbeddingProvider string  `yaml:"embedding_provider"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	EmbeddingDims     int     `yaml:"embedding_dims"`
	IsDefault         bool    `yaml:"is_default"`
}

// Validate checks that e has a non-empty slug and a non-empty model name.
func (e AgentEntry) Validate() error {
	if e.Slug == "" {
		return fmt.Errorf("config: agent slug must not be empty")
	}
	if e.ModelName == "" {
		return fmt.Errorf("config: agent %q: model_name must not be empty", e.Slug)
	}
	return nil
}
