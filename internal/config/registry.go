package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/resilience"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
	"github.com/MrWong99/voicelink/pkg/provider/realtime/mock"
	"github.com/MrWong99/voicelink/pkg/provider/realtime/openai"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderFactory constructs a realtime provider from its config entry.
type ProviderFactory func(ProviderEntry) (rt.Provider, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// DefaultRegistry returns a [Registry] with the built-in providers:
// "openai-realtime" and "mock". logger is handed to providers that log.
func DefaultRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()
	r.Register(openai.ProviderName, func(e ProviderEntry) (rt.Provider, error) {
		opts := []openai.Option{openai.WithLogger(logger)}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		n, err := intOption(e.Options, "queue_size")
		if err != nil {
			return nil, err
		}
		opts = append(opts, openai.WithQueueSize(n))
		d, err := durationOption(e.Options, "write_timeout")
		if err != nil {
			return nil, err
		}
		opts = append(opts, openai.WithWriteTimeout(d))
		return openai.New(e.APIKey, opts...), nil
	})
	r.Register("mock", func(e ProviderEntry) (rt.Provider, error) {
		return &mock.Provider{ProviderName: e.Name}, nil
	})
	return r
}

// Register registers a provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the provider named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory was registered under that name.
func (r *Registry) Create(entry ProviderEntry) (rt.Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// BuildProvider creates the primary provider and, when fallbacks are
// configured, wraps it with them in a [resilience.RealtimeFallback] whose
// circuit breakers follow cfg.Reconnect.
func BuildProvider(cfg *Config, reg *Registry, logger *slog.Logger, opts ...BuildOption) (rt.Provider, error) {
	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fc := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Reconnect.BreakerFailures,
			ResetTimeout: cfg.Reconnect.BreakerReset,
		},
		Logger: logger,
	}
	for _, o := range opts {
		o(&fc)
	}
	fb := resilience.NewRealtimeFallback(primary, fc)
	for _, e := range cfg.Fallbacks {
		p, err := reg.Create(e)
		if err != nil {
			return nil, err
		}
		fb.AddFallback(p)
	}
	return fb, nil
}

// BuildOption adjusts the failover chain built by [BuildProvider].
type BuildOption func(*resilience.FallbackConfig)

// WithBreakerHook reports circuit breaker transitions of every endpoint in the
// failover chain to fn.
func WithBreakerHook(fn func(name string, from, to resilience.State)) BuildOption {
	return func(fc *resilience.FallbackConfig) {
		fc.CircuitBreaker.OnStateChange = fn
	}
}

// ── Option helpers ────────────────────────────────────────────────────────────

// intOption reads an integer provider option. YAML decodes small integers as
// int, so float64 only appears for values written like "128.0".
func intOption(opts map[string]any, key string) (int, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("options.%s: want integer, got %T", key, v)
	}
}

// durationOption reads a duration provider option written as a string such as
// "2s" or as integer milliseconds.
func durationOption(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	switch d := v.(type) {
	case string:
		out, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("options.%s: %w", key, err)
		}
		return out, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("options.%s: want duration, got %T", key, v)
	}
}
