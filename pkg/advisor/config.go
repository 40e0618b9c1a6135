// config.go loads and validates pipeline configuration.

package advisor

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/cache"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/providers/anthropic"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/providers/llmsdk"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/providers/openai"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/ratelimit"
)

// Duration is a time.Duration written as a Go duration string ("30s") in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", node.Line)
	}
	if secs, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	// ProviderLLMSDK routes through an ai-llm-sdk client configured from the
	// environment.
	ProviderLLMSDK = "llmsdk"
)

// Config holds the full pipeline configuration.
type Config struct {
	// Providers are tried in order; later entries are fallbacks.
	Providers []ProviderConfig `yaml:"providers"`

	// DefaultRateLimit applies to providers without their own rate_limit.
	DefaultRateLimit RateLimitConfig `yaml:"default_rate_limit"`

	Queue       QueueConfig       `yaml:"queue"`
	Cache       CacheConfig       `yaml:"cache"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Client      ClientConfig      `yaml:"client"`
	Retry       RetryConfig       `yaml:"retry"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Scrubber    ScrubberConfig    `yaml:"scrubber"`

	// SweepInterval is the period of cache expiry and watchdog sweeps.
	SweepInterval Duration `yaml:"sweep_interval"`

	// MetricsInterval is the period of stats emission to the Observer.
	MetricsInterval Duration `yaml:"metrics_interval"`
}

// ProviderConfig selects and configures one LLM provider.
type ProviderConfig struct {
	Kind    string `yaml:"kind"` // anthropic | openai | llmsdk
	Name    string `yaml:"name"` // defaults to Kind
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`

	// Backend picks the ai-llm-sdk backend for kind llmsdk; empty uses the
	// SDK client's default.
	Backend string `yaml:"backend"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env"`

	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures a token bucket.
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// QueueConfig bounds pending work.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size"`
	Concurrency int `yaml:"concurrency"`
}

// CacheConfig mirrors cache.Config with YAML durations.
type CacheConfig struct {
	MaxEntries    int      `yaml:"max_entries"`
	MaxBytes      int64    `yaml:"max_bytes"`
	MaxEntryBytes int      `yaml:"max_entry_bytes"`
	ReadyTTL      Duration `yaml:"ready_ttl"`
	FailedTTL     Duration `yaml:"failed_ttl"`
	PendingMaxAge Duration `yaml:"pending_max_age"`
	Shards        int      `yaml:"shards"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// ClientConfig bounds a single analysis attempt.
type ClientConfig struct {
	CallTimeout    Duration `yaml:"call_timeout"`
	InCallRetries  int      `yaml:"in_call_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// RetryConfig controls re-enqueueing of failed attempts.
type RetryConfig struct {
	// MaxAttempts is the retry ceiling per fingerprint.
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// DefaultConfig returns sane defaults with no providers configured.
func DefaultConfig() *Config {
	cc := cache.DefaultConfig()
	lim := ratelimit.DefaultLimit()
	return &Config{
		DefaultRateLimit: RateLimitConfig{Capacity: lim.Capacity, RefillPerSecond: lim.RefillPerSecond},
		Queue: QueueConfig{
			MaxSize:     256,
			Concurrency: 4,
		},
		Cache: CacheConfig{
			MaxEntries:    cc.MaxEntries,
			MaxBytes:      cc.MaxBytes,
			MaxEntryBytes: cc.MaxEntryBytes,
			ReadyTTL:      Duration(cc.ReadyTTL),
			FailedTTL:     Duration(cc.FailedTTL),
			PendingMaxAge: Duration(cc.PendingMaxAge),
			Shards:        cc.Shards,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
		Client: ClientConfig{
			CallTimeout:    Duration(10 * time.Second),
			InCallRetries:  1,
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(30 * time.Second),
		},
		Fingerprint:     DefaultFingerprintConfig(),
		Scrubber:        DefaultScrubberConfig(),
		SweepInterval:   Duration(30 * time.Second),
		MetricsInterval: Duration(15 * time.Second),
	}
}

// LoadConfig reads a YAML file and merges it over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxBytes <= 0 || c.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache ceilings must be > 0")
	}
	if c.Cache.ReadyTTL <= 0 || c.Cache.FailedTTL <= 0 || c.Cache.PendingMaxAge <= 0 {
		return fmt.Errorf("cache ttls must be > 0")
	}
	if c.Cache.FailedTTL >= c.Cache.ReadyTTL {
		return fmt.Errorf("cache.failed_ttl (%s) must be shorter than cache.ready_ttl (%s)", c.Cache.FailedTTL, c.Cache.ReadyTTL)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0")
	}
	if c.Client.CallTimeout <= 0 {
		return fmt.Errorf("client.call_timeout must be > 0")
	}
	if c.Client.InCallRetries < 0 {
		return fmt.Errorf("client.in_call_retries must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if err := c.DefaultRateLimit.validate(); err != nil {
		return fmt.Errorf("default_rate_limit: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch p.Kind {
		case ProviderAnthropic, ProviderOpenAI, ProviderLLMSDK:
		default:
			return fmt.Errorf("providers[%d]: unsupported kind %q (use anthropic, openai or llmsdk)", i, p.Kind)
		}
		name := p.name()
		if seen[name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if p.RateLimit != nil {
			if err := p.RateLimit.validate(); err != nil {
				return fmt.Errorf("providers[%d].rate_limit: %w", i, err)
			}
		}
	}
	return nil
}

func (r RateLimitConfig) validate() error {
	if r.Capacity <= 0 {
		return fmt.Errorf("capacity must be > 0")
	}
	if r.RefillPerSecond <= 0 {
		return fmt.Errorf("refill_per_second must be > 0")
	}
	return nil
}

func (r RateLimitConfig) limit() ratelimit.Limit {
	return ratelimit.Limit{Capacity: r.Capacity, RefillPerSecond: r.RefillPerSecond}
}

func (p ProviderConfig) name() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Kind
}

// cacheConfig converts the cache section.
func (c *Config) cacheConfig() cache.Config {
	return cache.Config{
		MaxEntries:    c.Cache.MaxEntries,
		MaxBytes:      c.Cache.MaxBytes,
		MaxEntryBytes: c.Cache.MaxEntryBytes,
		ReadyTTL:      c.Cache.ReadyTTL.D(),
		FailedTTL:     c.Cache.FailedTTL.D(),
		PendingMaxAge: c.Cache.PendingMaxAge.D(),
		Shards:        c.Cache.Shards,
	}
}

func (c *Config) limiterOptions() []ratelimit.Option {
	opts := []ratelimit.Option{ratelimit.WithDefaultLimit(c.DefaultRateLimit.limit())}
	for _, p := range c.Providers {
		if p.RateLimit != nil {
			opts = append(opts, ratelimit.WithProviderLimit(p.name(), p.RateLimit.limit()))
		}
	}
	return opts
}

// BuildProviders constructs the configured providers in fallback order.
// Credentials are read from the environment with getenv (os.Getenv if nil).
func (c *Config) BuildProviders(getenv func(string) string) ([]client.Provider, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	out := make([]client.Provider, 0, len(c.Providers))
	for i, p := range c.Providers {
		var key string
		if p.APIKeyEnv != "" {
			key = getenv(p.APIKeyEnv)
		}
		switch p.Kind {
		case ProviderAnthropic:
			if key == "" {
				return nil, fmt.Errorf("providers[%d]: anthropic requires api_key_env to name a non-empty variable", i)
			}
			opts := []anthropic.Option{anthropic.WithName(p.name())}
			if p.Model != "" {
				opts = append(opts, anthropic.WithModel(p.Model))
			}
			if p.BaseURL != "" {
				opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
			}
			out = append(out, anthropic.New(key, opts...))
		case ProviderOpenAI:
			opts := []openai.Option{openai.WithName(p.name())}
			if p.Model != "" {
				opts = append(opts, openai.WithModel(p.Model))
			}
			if p.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(p.BaseURL))
			}
			out = append(out, openai.New(key, opts...))
		case ProviderLLMSDK:
			prov, err := llmsdk.NewFromEnv(
				llmsdk.WithName(p.name()),
				llmsdk.WithModel(p.Model),
				llmsdk.WithBackend(p.Backend),
			)
			if err != nil {
				return nil, fmt.Errorf("providers[%d]: %w", i, err)
			}
			out = append(out, prov)
		default:
			return nil, fmt.Errorf("providers[%d]: unsupported kind %q", i, p.Kind)
		}
	}
	return out, nil
}
