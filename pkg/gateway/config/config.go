// Package config loads gateway configuration from an optional YAML file with
// environment overrides. Env vars use the VOICE_GATEWAY_ prefix with "__"
// separating sections, e.g. VOICE_GATEWAY_IDENTITY__SECRET.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/livingtwin/voice-gateway/pkg/core"
)

const envPrefix = "VOICE_GATEWAY_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Identity IdentityConfig `koanf:"identity"`
	Session  SessionConfig  `koanf:"session"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr           string `koanf:"addr"`
	MaxSessions    int    `koanf:"max_sessions"`
	DrainTimeoutMS int    `koanf:"drain_timeout_ms"`
}

type UpstreamConfig struct {
	URL              string `koanf:"url"`
	ConnectTimeoutMS int    `koanf:"connect_timeout_ms"`
	WriteTimeoutMS   int    `koanf:"write_timeout_ms"`
}

type IdentityConfig struct {
	BaseURL string `koanf:"base_url"`
	Secret  string `koanf:"secret"`
	// Scopes is the comma-separated allowlist of mintable credential scopes.
	Scopes    string `koanf:"scopes"`
	TimeoutMS int    `koanf:"timeout_ms"`
}

type SessionConfig struct {
	InitTimeoutMS        int   `koanf:"init_timeout_ms"`
	PingIntervalMS       int   `koanf:"ping_interval_ms"`
	WriteTimeoutMS       int   `koanf:"write_timeout_ms"`
	ReadLimitBytes       int64 `koanf:"read_limit_bytes"`
	ReconnectBaseMS      int   `koanf:"reconnect_base_ms"`
	ReconnectMaxAttempts int   `koanf:"reconnect_max_attempts"`
	AudioFailureLimit    int   `koanf:"audio_failure_limit"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"server.addr":                    ":8080",
	"server.max_sessions":            256,
	"server.drain_timeout_ms":        10000,
	"upstream.connect_timeout_ms":    10000,
	"upstream.write_timeout_ms":      5000,
	"identity.timeout_ms":            10000,
	"identity.scopes":                "realtime-voice",
	"session.init_timeout_ms":        5000,
	"session.ping_interval_ms":       20000,
	"session.write_timeout_ms":       5000,
	"session.read_limit_bytes":       int64(1 << 20),
	"session.reconnect_base_ms":      1000,
	"session.reconnect_max_attempts": 5,
	"session.audio_failure_limit":    3,
	"log.level":                      "info",
}

// Load reads the optional YAML file at path, applies environment overrides,
// fills defaults, and validates. Validation failures are startup-fatal
// configuration errors.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, core.NewConfigurationError(fmt.Sprintf("read config file %s: %v", path, err))
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("read environment: %v", err))
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("unmarshal config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants. The identity secret is the hard
// one: the gateway refuses to start without it rather than failing every
// credential mint at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Secret) == "" {
		return core.NewConfigurationError("identity.secret is required (VOICE_GATEWAY_IDENTITY__SECRET)")
	}
	if strings.TrimSpace(c.Identity.BaseURL) == "" {
		return core.NewConfigurationError("identity.base_url is required (VOICE_GATEWAY_IDENTITY__BASE_URL)")
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return core.NewConfigurationError("upstream.url is required (VOICE_GATEWAY_UPSTREAM__URL)")
	}
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return core.NewConfigurationError("upstream.url must be a ws:// or wss:// URL")
	}
	if len(c.Identity.ScopeList()) == 0 {
		return core.NewConfigurationError("identity.scopes must list at least one scope")
	}
	if c.Server.MaxSessions < 0 {
		return core.NewConfigurationError("server.max_sessions must be >= 0")
	}
	if c.Session.ReconnectBaseMS <= 0 || c.Session.ReconnectMaxAttempts <= 0 {
		return core.NewConfigurationError("session reconnect policy must have a positive base and attempt budget")
	}
	if c.Session.AudioFailureLimit <= 0 {
		return core.NewConfigurationError("session.audio_failure_limit must be > 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	return nil
}

// ScopeList splits the configured scope allowlist.
func (c IdentityConfig) ScopeList() []string {
	var out []string
	for _, s := range strings.Split(c.Scopes, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SlogLevel maps the configured level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func (c UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c UpstreamConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c IdentityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c SessionConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutMS) * time.Millisecond
}

func (c SessionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

func (c SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c SessionConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}
