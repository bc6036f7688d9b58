package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/livingtwin/voice-gateway/pkg/core"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VOICE_GATEWAY_IDENTITY__SECRET", "sk_test")
	t.Setenv("VOICE_GATEWAY_IDENTITY__BASE_URL", "https://identity.example.com")
	t.Setenv("VOICE_GATEWAY_UPSTREAM__URL", "wss://upstream.example.com/v1/realtime")
}

func TestLoad_EnvOnly(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOICE_GATEWAY_SERVER__ADDR", ":9999")
	t.Setenv("VOICE_GATEWAY_IDENTITY__SCOPES", "realtime-voice, realtime-voice-mini")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr=%q", cfg.Server.Addr)
	}
	if cfg.Identity.Secret != "sk_test" {
		t.Fatalf("secret not loaded")
	}
	scopes := cfg.Identity.ScopeList()
	if len(scopes) != 2 || scopes[0] != "realtime-voice" || scopes[1] != "realtime-voice-mini" {
		t.Fatalf("scopes=%v", scopes)
	}

	// Defaults fill the rest.
	if cfg.Session.ReconnectBaseMS != 1000 || cfg.Session.ReconnectMaxAttempts != 5 {
		t.Fatalf("reconnect defaults=%d/%d", cfg.Session.ReconnectBaseMS, cfg.Session.ReconnectMaxAttempts)
	}
	if cfg.Session.AudioFailureLimit != 3 {
		t.Fatalf("audio failure limit=%d", cfg.Session.AudioFailureLimit)
	}
	if cfg.Server.MaxSessions != 256 {
		t.Fatalf("max sessions=%d", cfg.Server.MaxSessions)
	}
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yaml := `
server:
  addr: ":7000"
  max_sessions: 8
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VOICE_GATEWAY_SERVER__ADDR", ":7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7001" {
		t.Fatalf("addr=%q, env should override file", cfg.Server.Addr)
	}
	if cfg.Server.MaxSessions != 8 {
		t.Fatalf("max sessions=%d, want file value 8", cfg.Server.MaxSessions)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level=%v", cfg.Log.SlogLevel())
	}
}

func TestLoad_MissingSecretIsFatal(t *testing.T) {
	t.Setenv("VOICE_GATEWAY_IDENTITY__SECRET", "")
	t.Setenv("VOICE_GATEWAY_IDENTITY__BASE_URL", "https://identity.example.com")
	t.Setenv("VOICE_GATEWAY_UPSTREAM__URL", "wss://upstream.example.com/v1/realtime")

	_, err := Load("")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrConfiguration {
		t.Fatalf("err=%v, want configuration_error", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Addr: ":8080", MaxSessions: 10},
			Upstream: UpstreamConfig{URL: "wss://upstream.example.com"},
			Identity: IdentityConfig{BaseURL: "https://id.example.com", Secret: "sk", Scopes: "realtime-voice"},
			Session:  SessionConfig{ReconnectBaseMS: 1000, ReconnectMaxAttempts: 5, AudioFailureLimit: 3},
			Log:      LogConfig{Level: "info"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http upstream", func(c *Config) { c.Upstream.URL = "https://not-a-socket" }},
		{"empty scopes", func(c *Config) { c.Identity.Scopes = " , " }},
		{"negative max sessions", func(c *Config) { c.Server.MaxSessions = -1 }},
		{"zero reconnect base", func(c *Config) { c.Session.ReconnectBaseMS = 0 }},
		{"zero audio failure limit", func(c *Config) { c.Session.AudioFailureLimit = 0 }},
		{"bogus log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
