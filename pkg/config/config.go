// Package config provides configuration loading, validation, and secret
// management for the dispatch engine. Configuration comes from a YAML file
// with environment variable overrides for secrets.
package config

import (
	"fmt"
	"sort"
	"time"
)

// Known backend identifiers. These are opaque names for the pluggable worker
// backends the engine dispatches to; nothing in the engine interprets them.
const (
	BackendClaude = "claude"
	BackendGoose  = "goose"
	BackendAider  = "aider"
	BackendCodex  = "codex"
)

// Routing strategy names.
const (
	StrategyCapabilityPriority = "capability_priority"
	StrategyRoundRobin         = "round_robin"
	StrategyLeastLoaded        = "least_loaded"
	StrategyPerformanceBased   = "performance_based"
)

// DispatcherCfg holds the task queue and manager tuning knobs.
type DispatcherCfg struct {
	MaxConcurrentTasks   int           `yaml:"max_concurrent_tasks"`
	TaskTimeout          time.Duration `yaml:"task_timeout"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	QueueProcessInterval time.Duration `yaml:"queue_process_interval"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`
}

// ClientCfg holds per-backend HTTP client resilience settings.
type ClientCfg struct {
	RetryAttempts           int           `yaml:"retry_attempts"`
	RetryDelay              time.Duration `yaml:"retry_delay"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
}

// RouterCfg selects and tunes the routing strategy.
type RouterCfg struct {
	Strategy string `yaml:"strategy"`
}

// BulkheadCfg bounds concurrent in-flight operations.
type BulkheadCfg struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueSize     int           `yaml:"queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RateLimitCfg configures the sliding-window rate limiter.
type RateLimitCfg struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// PoolCfg configures the generic resource pool.
type PoolCfg struct {
	MinSize        int           `yaml:"min_size"`
	MaxSize        int           `yaml:"max_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// BackendCfg is the static per-backend-type configuration.
type BackendCfg struct {
	Enabled     bool     `yaml:"enabled"`
	BaseURL     string   `yaml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env"` // Secret name resolved via GetSecret.
	Model       string   `yaml:"model"`
	MaxSessions int      `yaml:"max_sessions"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	Toolkits    []string `yaml:"toolkits"`
	EnableSSE   bool     `yaml:"enable_sse"`
}

// Config is the root configuration for the dispatch engine.
type Config struct {
	Dispatcher DispatcherCfg         `yaml:"dispatcher"`
	Client     ClientCfg             `yaml:"client"`
	Router     RouterCfg             `yaml:"router"`
	Bulkhead   BulkheadCfg           `yaml:"bulkhead"`
	RateLimit  RateLimitCfg          `yaml:"rate_limit"`
	Pool       PoolCfg               `yaml:"pool"`
	Backends   map[string]BackendCfg `yaml:"backends"`
	StatusAddr string                `yaml:"status_addr"` // /metrics and /healthz listener, empty disables.
	DBPath     string                `yaml:"db_path"`     // Task history database, empty disables persistence.
}

// Default returns a configuration with every knob at its default value.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherCfg{
			MaxConcurrentTasks:   3,
			TaskTimeout:          5 * time.Minute,
			RetryAttempts:        3,
			RetryDelay:           5 * time.Second,
			MaxQueueSize:         100,
			QueueProcessInterval: time.Second,
			ShutdownGracePeriod:  30 * time.Second,
		},
		Client: ClientCfg{
			RetryAttempts:           3,
			RetryDelay:              time.Second,
			RequestTimeout:          30 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   time.Minute,
		},
		Router: RouterCfg{
			Strategy: StrategyCapabilityPriority,
		},
		Bulkhead: BulkheadCfg{
			MaxConcurrent: 10,
			QueueSize:     20,
			Timeout:       30 * time.Second,
		},
		RateLimit: RateLimitCfg{
			MaxRequests: 60,
			Window:      time.Minute,
		},
		Pool: PoolCfg{
			MinSize:        1,
			MaxSize:        5,
			AcquireTimeout: 10 * time.Second,
		},
		Backends: map[string]BackendCfg{},
		DBPath:   "",
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Dispatcher.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("dispatcher.max_concurrent_tasks must be positive, got %d", c.Dispatcher.MaxConcurrentTasks)
	}
	if c.Dispatcher.MaxQueueSize <= 0 {
		return fmt.Errorf("dispatcher.max_queue_size must be positive, got %d", c.Dispatcher.MaxQueueSize)
	}
	if c.Client.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("client.circuit_breaker_threshold must be positive, got %d", c.Client.CircuitBreakerThreshold)
	}
	switch c.Router.Strategy {
	case StrategyCapabilityPriority, StrategyRoundRobin, StrategyLeastLoaded, StrategyPerformanceBased:
	default:
		return fmt.Errorf("router.strategy %q is not a known strategy", c.Router.Strategy)
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool size bounds invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	for name, b := range c.Backends {
		if b.Enabled && b.BaseURL == "" {
			return fmt.Errorf("backend %s is enabled but has no base_url", name)
		}
	}
	return nil
}

// EnabledBackends returns the names of all enabled backends in stable order
// (declaration order from the config file is not preserved by YAML maps, so
// the canonical order claude, goose, aider, codex is used for known names,
// followed by any others sorted by name).
func (c *Config) EnabledBackends() []string {
	canonical := []string{BackendClaude, BackendGoose, BackendAider, BackendCodex}
	seen := make(map[string]bool, len(c.Backends))
	out := make([]string, 0, len(c.Backends))
	for _, name := range canonical {
		if b, ok := c.Backends[name]; ok && b.Enabled {
			out = append(out, name)
			seen[name] = true
		}
	}
	// Remaining backends in sorted order for determinism.
	rest := make([]string, 0)
	for name, b := range c.Backends {
		if !seen[name] && b.Enabled {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	out = append(out, rest...)
	return out
}
