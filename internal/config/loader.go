package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment-variable overlay, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the built-in defaults for the environment-overridable
// settings, applied before the YAML file and the env overlay so either one
// can override them.
func applyDefaults(cfg *Config) {
	cfg.Worker.EmptyTimeoutSeconds = 300
	cfg.ContextBudget.TextDeadlineMs = 1200
	cfg.ContextBudget.VoiceDeadlineMs = 700
	cfg.Gateway.CacheCapacity = 10000
}

// applyEnvOverrides overlays recognised environment variables onto cfg. Env
// vars take precedence over both the built-in defaults and the YAML file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CONTROL_PLANE_URL", &c.ControlPlane.URL)
	envStr("CONTROL_PLANE_CREDENTIAL", &c.ControlPlane.Credential)
	envInt("DEFAULT_EMPTY_TIMEOUT_SECONDS", &c.Worker.EmptyTimeoutSeconds)
	envInt("CONTEXT_DEADLINE_MS_TEXT", &c.ContextBudget.TextDeadlineMs)
	envInt("CONTEXT_DEADLINE_MS_VOICE", &c.ContextBudget.VoiceDeadlineMs)
	envStr("WORKER_POOL_LABEL", &c.Worker.PoolLabel)
	envInt("EMBED_CACHE_SIZE", &c.Gateway.CacheCapacity)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Dispatch.PerTenantRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("dispatch.per_tenant_rate_per_second must be >= 0"))
	}
	if cfg.Gateway.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_batch_size must be >= 0"))
	}

	return errors.Join(errs...)
}

// LoadTenantsFile reads and parses a tenant bootstrap file from path.
func LoadTenantsFile(path string) (*TenantsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open tenants file %q: %w", path, err)
	}
	defer f.Close()

	tf := &TenantsFile{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(tf); err != nil {
		return nil, fmt.Errorf("config: decode tenants file %q: %w", path, err)
	}

	var errs []error
	seen := make(map[string]int, len(tf.Tenants))
	for i, t := range tf.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tenants[%d]: id must not be empty", i))
			continue
		}
		if prev, ok := seen[t.ID]; ok {
			errs = append(errs, fmt.Errorf("tenants[%d]: duplicate id %q also used by tenants[%d]", i, t.ID, prev))
		}
		seen[t.ID] = i

		agentSlugs := make(map[string]int, len(t.Agents))
		defaults := 0
		for j, a := range t.Agents {
			if err := a.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tenants[%d].agents[%d]: %w", i, j, err))
				continue
			}
			if prev, ok := agentSlugs[a.Slug]; ok {
				errs = append(errs, fmt.Errorf("tenants[%d].agents[%d]: duplicate slug %q also used by agents[%d]", i, j, a.Slug, prev))
			}
			agentSlugs[a.Slug] = j
			if a.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Errorf("tenants[%d]: only one agent may be marked is_default, found %d", i, defaults))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tf, nil
}
