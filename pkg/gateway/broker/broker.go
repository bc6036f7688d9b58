// Package broker mints short-lived session credentials from the identity
// provider. The server secret authenticates the mint request and is never
// exposed to clients; the minted value is handed to exactly one session and
// never logged or persisted.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/livingtwin/voice-gateway/pkg/core"
)

const mintPath = "/v1/realtime/credentials"

// Credential is one minted ephemeral credential.
type Credential struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Broker talks to the identity provider.
type Broker struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	secret     string
	scopes     map[string]struct{}
}

// New builds a broker. allowedScopes is the closed set of mintable scopes;
// requests outside it fail before any network call.
func New(logger *slog.Logger, baseURL, secret string, allowedScopes []string, timeout time.Duration) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	scopes := make(map[string]struct{}, len(allowedScopes))
	for _, s := range allowedScopes {
		s = strings.TrimSpace(s)
		if s != "" {
			scopes[s] = struct{}{}
		}
	}
	return &Broker{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		scopes:     scopes,
	}
}

type mintRequest struct {
	Model string `json:"model"`
}

type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint requests one credential for the given scope. Mint failures are not
// retried; the caller simply asks again on its next session attempt.
func (b *Broker) Mint(ctx context.Context, scope string) (Credential, error) {
	scope = strings.TrimSpace(scope)
	if _, ok := b.scopes[scope]; !ok {
		return Credential{}, core.NewInvalidScopeError(scope)
	}

	body, err := json.Marshal(mintRequest{Model: scope})
	if err != nil {
		return Credential{}, core.NewInternalError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+mintPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, core.NewInternalError(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+b.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Credential{}, core.NewUpstreamUnavailableError(fmt.Sprintf("identity provider unreachable: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return Credential{}, core.NewAuthError("identity provider rejected server credentials")
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		io.Copy(io.Discard, resp.Body)
		return Credential{}, core.NewUpstreamUnavailableError(
			fmt.Sprintf("identity provider returned status %d", resp.StatusCode))
	}

	var minted mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return Credential{}, core.NewUpstreamUnavailableError(fmt.Sprintf("malformed mint response: %v", err))
	}
	if strings.TrimSpace(minted.ClientSecret.Value) == "" {
		return Credential{}, core.NewUpstreamUnavailableError("mint response missing client secret")
	}

	b.logger.Info("credential minted", "scope", scope, "expires_at", minted.ClientSecret.ExpiresAt)
	return Credential{
		Value:     minted.ClientSecret.Value,
		ExpiresAt: minted.ClientSecret.ExpiresAt,
	}, nil
}
