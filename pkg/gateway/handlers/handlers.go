// Package handlers implements the gateway's HTTP surface: health probes, the
// credential mint endpoint, the conversation API, and the realtime websocket.
package handlers

import (
	"context"
	"log/slog"

	"github.com/livingtwin/voice-gateway/pkg/gateway/broker"
	"github.com/livingtwin/voice-gateway/pkg/gateway/conversation"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/session"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/sessions"
)

// Deps carries everything the handlers need. Tests substitute fakes for the
// broker and connector.
type Deps struct {
	Logger     *slog.Logger
	Store      *conversation.Store
	Broker     CredentialMinter
	Connector  session.Connector
	Tracker    *sessions.Tracker
	SessionCfg session.Config
	Draining   func() bool
}

// CredentialMinter is the broker surface the handlers depend on.
type CredentialMinter interface {
	Mint(ctx context.Context, scope string) (broker.Credential, error)
}

// Handlers is the receiver for every route.
type Handlers struct {
	deps Deps
}

func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Draining == nil {
		deps.Draining = func() bool { return false }
	}
	return &Handlers{deps: deps}
}
