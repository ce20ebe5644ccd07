// Package config loads the immutable startup configuration of the VX11
// gateway: defaults, then an optional YAML file, then VX11_* environment
// overrides, then validation.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vx11/vx11/pkg/types"
)

// Config is the full startup configuration
type Config struct {
	ListenAddr        string `yaml:"listen_addr"`
	TokenHeader       string `yaml:"token_header"`
	CorrelationHeader string `yaml:"correlation_header"`
	DataDir           string `yaml:"data_dir"`

	// Token is the expected shared token. It only comes from VX11_TOKEN.
	Token string `yaml:"-"`
	// SigningKey is a base64 Ed25519 seed for capability tokens. Optional.
	SigningKey string `yaml:"signing_key"`

	Targets   map[types.Target]TargetConfig `yaml:"targets"`
	Window    WindowConfig                  `yaml:"window"`
	Stream    StreamConfig                  `yaml:"stream"`
	Router    RouterConfig                  `yaml:"router"`
	Results   ResultsConfig                 `yaml:"results"`
	RateLimit RateLimitConfig               `yaml:"rate_limit"`
	Health    HealthConfig                  `yaml:"health"`
	Log       LogConfig                     `yaml:"log"`
	Telemetry TelemetryConfig               `yaml:"telemetry"`
}

// TargetConfig describes how to reach one backend.
// An empty BaseURL on madre means the in-process executor.
type TargetConfig struct {
	BaseURL    string        `yaml:"base_url"`
	HealthPath string        `yaml:"health_path"`
	Timeout    time.Duration `yaml:"timeout"`
	Gating     types.Gating  `yaml:"gating"`
}

type WindowConfig struct {
	MinTTL           time.Duration `yaml:"min_ttl"`
	MaxTTL           time.Duration `yaml:"max_ttl"`
	ExpiryTick       time.Duration `yaml:"expiry_tick"`
	CapabilityMaxTTL time.Duration `yaml:"capability_max_ttl"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	TicketTTL         time.Duration `yaml:"ticket_ttl"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type RouterConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ResultsConfig controls outcome retention. With RedisURL set, outcomes are
// kept in redis and survive gateway restarts.
type ResultsConfig struct {
	Retention time.Duration `yaml:"retention"`
	RedisURL  string        `yaml:"redis_url"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`

	// Sampler is always_on, always_off, traceidratio or parentbased
	Sampler     string  `yaml:"sampler"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
// madre is always-on and in-process; every other target is window-gated.
func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8000",
		TokenHeader:       "X-VX11-Token",
		CorrelationHeader: "X-Correlation-ID",
		DataDir:           "./vx11-data",
		Targets: map[types.Target]TargetConfig{
			types.TargetMadre:        {Gating: types.GatingAlwaysOn, Timeout: 5 * time.Second},
			types.TargetSwitch:       {BaseURL: "http://127.0.0.1:8002", HealthPath: "/health", Timeout: 30 * time.Second, Gating: types.GatingWindow},
			types.TargetHermes:       {BaseURL: "http://127.0.0.1:8003", HealthPath: "/health", Timeout: 60 * time.Second, Gating: types.GatingWindow},
			types.TargetHormiguero:   {BaseURL: "http://127.0.0.1:8004", HealthPath: "/health", Timeout: 30 * time.Second, Gating: types.GatingWindow},
			types.TargetManifestator: {BaseURL: "http://127.0.0.1:8005", HealthPath: "/health", Timeout: 30 * time.Second, Gating: types.GatingWindow},
			types.TargetSpawner:      {BaseURL: "http://127.0.0.1:8008", HealthPath: "/health", Timeout: 30 * time.Second, Gating: types.GatingWindow},
		},
		Window: WindowConfig{
			MinTTL:           time.Second,
			MaxTTL:           time.Hour,
			ExpiryTick:       250 * time.Millisecond,
			CapabilityMaxTTL: 5 * time.Minute,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
			QueueCapacity:     64,
			TicketTTL:         time.Minute,
			WriteTimeout:      5 * time.Second,
		},
		Router:    RouterConfig{RetryDelay: 100 * time.Millisecond},
		Results:   ResultsConfig{Retention: 15 * time.Minute},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Health:    HealthConfig{Interval: 10 * time.Second, Timeout: 2 * time.Second},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "vx11-gateway", Sampler: "parentbased", SampleRatio: 1},
	}
}

// Load builds the configuration. path may be empty. getenv is os.Getenv in
// production and a map lookup in tests.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays a YAML document on the defaults. Target entries are merged
// field by field so a file can override one URL without restating gating.
func (c *Config) merge(data []byte) error {
	defaults := c.Targets
	c.Targets = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	overrides := c.Targets
	c.Targets = defaults
	for name, o := range overrides {
		if _, err := types.ParseTarget(string(name)); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		t := c.Targets[name]
		if o.BaseURL != "" {
			t.BaseURL = o.BaseURL
		}
		if o.HealthPath != "" {
			t.HealthPath = o.HealthPath
		}
		if o.Timeout != 0 {
			t.Timeout = o.Timeout
		}
		if o.Gating != "" {
			t.Gating = o.Gating
		}
		c.Targets[name] = t
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Token = getenv("VX11_TOKEN")

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("VX11_LISTEN_ADDR", &c.ListenAddr)
	setString("VX11_TOKEN_HEADER", &c.TokenHeader)
	setString("VX11_DATA_DIR", &c.DataDir)
	setString("VX11_SIGNING_KEY", &c.SigningKey)
	setString("VX11_REDIS_URL", &c.Results.RedisURL)
	setString("VX11_LOG_LEVEL", &c.Log.Level)
	setString("VX11_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if v := getenv("VX11_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: VX11_LOG_JSON: %w", err)
		}
		c.Log.JSON = b
	}

	for key, dst := range map[string]*time.Duration{
		"VX11_HEARTBEAT_INTERVAL": &c.Stream.HeartbeatInterval,
		"VX11_EXPIRY_TICK":        &c.Window.ExpiryTick,
		"VX11_WINDOW_MIN_TTL":     &c.Window.MinTTL,
		"VX11_WINDOW_MAX_TTL":     &c.Window.MaxTTL,
		"VX11_RESULT_RETENTION":   &c.Results.Retention,
	} {
		if err := setDuration(key, dst); err != nil {
			return err
		}
	}
	if v := getenv("VX11_EVENT_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: VX11_EVENT_QUEUE_CAPACITY: %w", err)
		}
		c.Stream.QueueCapacity = n
	}

	for name, t := range c.Targets {
		prefix := "VX11_" + strings.ToUpper(string(name))
		setString(prefix+"_URL", &t.BaseURL)
		if err := setDuration(prefix+"_TIMEOUT", &t.Timeout); err != nil {
			return err
		}
		c.Targets[name] = t
	}
	return nil
}

// parseDuration accepts Go durations and bare integers meaning seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("config: VX11_TOKEN is required")
	}
	if c.TokenHeader == "" || c.CorrelationHeader == "" {
		return fmt.Errorf("config: token and correlation headers must be named")
	}
	if c.Window.MinTTL < time.Second {
		return fmt.Errorf("config: window.min_ttl must be at least 1s, got %s", c.Window.MinTTL)
	}
	if c.Window.MaxTTL > time.Hour || c.Window.MaxTTL < c.Window.MinTTL {
		return fmt.Errorf("config: window.max_ttl must be within [min_ttl, 1h], got %s", c.Window.MaxTTL)
	}
	if c.Window.ExpiryTick <= 0 || c.Window.ExpiryTick > time.Second {
		return fmt.Errorf("config: window.expiry_tick must be within (0, 1s], got %s", c.Window.ExpiryTick)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: stream.heartbeat_interval must be positive")
	}
	if c.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("config: stream.queue_capacity must be positive")
	}
	if c.Results.Retention <= 0 {
		return fmt.Errorf("config: results.retention must be positive")
	}

	for _, name := range types.AllTargets {
		t, ok := c.Targets[name]
		if !ok {
			return fmt.Errorf("config: target %s is not configured", name)
		}
		switch t.Gating {
		case types.GatingAlwaysOn, types.GatingWindow:
		default:
			return fmt.Errorf("config: target %s has unknown gating %q", name, t.Gating)
		}
		if t.Timeout <= 0 {
			return fmt.Errorf("config: target %s timeout must be positive", name)
		}
		if name == types.TargetMadre {
			if t.Gating != types.GatingAlwaysOn {
				return fmt.Errorf("config: madre hosts the window manager and must be always_on")
			}
			continue
		}
		u, err := url.Parse(t.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: target %s base_url %q is not an absolute URL", name, t.BaseURL)
		}
	}

	if c.SigningKey != "" {
		if _, err := c.SigningPrivateKey(); err != nil {
			return err
		}
	}
	return nil
}

// GatingMap returns the gating class of every target
func (c *Config) GatingMap() map[types.Target]types.Gating {
	out := make(map[types.Target]types.Gating, len(c.Targets))
	for name, t := range c.Targets {
		out[name] = t.Gating
	}
	return out
}

// SigningPrivateKey decodes the configured Ed25519 seed. It returns nil
// without error when no key is configured.
func (c *Config) SigningPrivateKey() (ed25519.PrivateKey, error) {
	if c.SigningKey == "" {
		return nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("config: signing_key is not valid base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config: signing_key must decode to %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
