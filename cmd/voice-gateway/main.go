package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/livingtwin/voice-gateway/pkg/gateway/backoff"
	"github.com/livingtwin/voice-gateway/pkg/gateway/broker"
	"github.com/livingtwin/voice-gateway/pkg/gateway/config"
	"github.com/livingtwin/voice-gateway/pkg/gateway/conversation"
	"github.com/livingtwin/voice-gateway/pkg/gateway/handlers"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/session"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/sessions"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/upstream"
	"github.com/livingtwin/voice-gateway/pkg/gateway/server"
	"github.com/livingtwin/voice-gateway/pkg/telemetry"
)

type gatewayDeps struct {
	loadConfig   func(path string) (*config.Config, error)
	initTracer   func(serviceName string, logger *slog.Logger) (func(context.Context) error, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.Load,
		initTracer: telemetry.InitTracer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildServer(cfg *config.Config, logger *slog.Logger) *server.Server {
	dialer := upstream.NewDialer(cfg.Upstream.URL)
	dialer.HandshakeTimeout = cfg.Upstream.ConnectTimeout()
	dialer.WriteTimeout = cfg.Upstream.WriteTimeout()
	dialer.MaxMessageBytes = cfg.Session.ReadLimitBytes

	deps := handlers.Deps{
		Logger: logger,
		Store:  conversation.NewStore(logger, cfg.Server.MaxSessions),
		Broker: broker.New(logger, cfg.Identity.BaseURL, cfg.Identity.Secret,
			cfg.Identity.ScopeList(), cfg.Identity.Timeout()),
		Connector: session.ConnectorFunc(func(ctx context.Context, credential, scope string) (session.Connection, error) {
			return dialer.Dial(ctx, credential, scope)
		}),
		Tracker: sessions.NewTracker(),
		SessionCfg: session.Config{
			InitTimeout:    cfg.Session.InitTimeout(),
			ConnectTimeout: cfg.Upstream.ConnectTimeout(),
			WriteTimeout:   cfg.Session.WriteTimeout(),
			PingInterval:   cfg.Session.PingInterval(),
			ReadLimit:      cfg.Session.ReadLimitBytes,
			Backoff: backoff.Policy{
				Base:        cfg.Session.ReconnectBase(),
				MaxAttempts: cfg.Session.ReconnectMaxAttempts,
			},
			AudioFailureLimit: cfg.Session.AudioFailureLimit,
		},
	}
	return server.New(logger, cfg.Server.Addr, cfg.Server.DrainTimeout(), deps)
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.initTracer == nil {
		return errors.New("missing dependencies")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig(os.Getenv("VOICE_GATEWAY_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	shutdownTracer, err := deps.initTracer("voice-gateway", logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout())
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	srv := buildServer(cfg, logger)

	listenErrCh := make(chan error, 1)
	go func() { listenErrCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Server.DrainTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A missing .env file is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "voice-gateway: load .env: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
