package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/broker"
	"github.com/livingtwin/voice-gateway/pkg/gateway/conversation"
	"github.com/livingtwin/voice-gateway/pkg/gateway/handlers"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/session"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/sessions"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/upstream"
)

type fakeMinter struct {
	cred broker.Credential
	err  error
}

func (f *fakeMinter) Mint(ctx context.Context, scope string) (broker.Credential, error) {
	if f.err != nil {
		return broker.Credential{}, f.err
	}
	return f.cred, nil
}

// loopConn is an upstream connection whose frames the test feeds directly.
type loopConn struct {
	frames chan upstream.Frame
	done   chan struct{}
}

func newLoopConn() *loopConn {
	return &loopConn{frames: make(chan upstream.Frame, 16), done: make(chan struct{})}
}

func (c *loopConn) Frames() <-chan upstream.Frame { return c.frames }
func (c *loopConn) Err() error                    { return nil }
func (c *loopConn) Send(data []byte) error        { return nil }
func (c *loopConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.frames)
		close(c.done)
	}
	return nil
}

func newTestServer(t *testing.T, minter handlers.CredentialMinter, conn session.Connection) (*Server, *httptest.Server, *conversation.Store) {
	t.Helper()

	store := conversation.NewStore(nil, 0)
	deps := handlers.Deps{
		Store:   store,
		Broker:  minter,
		Tracker: sessions.NewTracker(),
		Connector: session.ConnectorFunc(func(ctx context.Context, credential, scope string) (session.Connection, error) {
			if conn == nil {
				return nil, core.NewUpstreamUnavailableError("no upstream in this test")
			}
			return conn, nil
		}),
		SessionCfg: session.DefaultConfig(),
	}
	s := New(nil, ":0", 100*time.Millisecond, deps)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, store
}

func getJSON(t *testing.T, url string, status int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("GET %s status=%d, want %d", url, resp.StatusCode, status)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url string, body any, status int) map[string]any {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("POST %s status=%d, want %d", url, resp.StatusCode, status)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	s, ts, _ := newTestServer(t, &fakeMinter{}, nil)

	health := getJSON(t, ts.URL+"/health", http.StatusOK)
	if health["ok"] != true {
		t.Fatalf("health=%v", health)
	}
	ready := getJSON(t, ts.URL+"/readyz", http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("ready=%v", ready)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	getJSON(t, ts.URL+"/readyz", http.StatusServiceUnavailable)
}

func TestMintCredentialEndpoint(t *testing.T) {
	minter := &fakeMinter{cred: broker.Credential{Value: "ek_live", ExpiresAt: 1767225600}}
	_, ts, _ := newTestServer(t, minter, nil)

	out := postJSON(t, ts.URL+"/v1/realtime/credentials", map[string]string{"scope": "realtime-voice"}, http.StatusOK)
	if out["value"] != "ek_live" {
		t.Fatalf("response=%v", out)
	}

	minter.err = core.NewInvalidScopeError("admin-api")
	postJSON(t, ts.URL+"/v1/realtime/credentials", map[string]string{"scope": "admin-api"}, http.StatusBadRequest)
}

func TestSessionAPIFlow(t *testing.T) {
	_, ts, _ := newTestServer(t, &fakeMinter{}, nil)

	started := postJSON(t, ts.URL+"/v1/session/start",
		map[string]any{"agenda_items": []string{"budget", "timeline", "hiring"}}, http.StatusOK)
	id, _ := started["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", started)
	}

	// Complete one agenda item and score an utterance.
	postJSON(t, ts.URL+"/v1/session/update", map[string]any{
		"session_id": id,
		"event": map[string]any{
			"type":    "decision",
			"payload": map[string]any{"completed_item": "budget"},
		},
	}, http.StatusOK)
	postJSON(t, ts.URL+"/v1/session/update", map[string]any{
		"session_id":     id,
		"sentiment_text": "great progress, thanks",
	}, http.StatusOK)

	sum := getJSON(t, ts.URL+"/v1/session/summary/"+id, http.StatusOK)
	if sum["agenda_progress"] != "1/3" {
		t.Fatalf("agenda_progress=%v, want 1/3", sum["agenda_progress"])
	}
	if sum["engagement_level"] != "high" {
		t.Fatalf("engagement=%v, want high", sum["engagement_level"])
	}
}

func TestSessionSummary_UnknownID(t *testing.T) {
	_, ts, _ := newTestServer(t, &fakeMinter{}, nil)

	resp, err := http.Get(ts.URL + "/v1/session/summary/s_missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
	var envelope struct {
		Error *core.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error == nil || envelope.Error.Type != core.ErrSessionNotFound {
		t.Fatalf("error=%+v, want session_not_found", envelope.Error)
	}
}

func TestRealtimeWebsocketEndToEnd(t *testing.T) {
	conn := newLoopConn()
	_, ts, _ := newTestServer(t, &fakeMinter{}, conn)

	wsAddr := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime"
	client, _, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	init := `{"type": "init", "credential": "ek_test", "scope": "realtime-voice",
		"agenda_items": ["budget"],
		"audio_format": {"encoding": "pcm_s16le", "sample_rate_hz": 24000, "channels": 1}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(init)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	// The handshake produces state frames and a connected frame.
	sawConnected := false
	deadline := time.Now().Add(2 * time.Second)
	for !sawConnected && time.Now().Before(deadline) {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if m["type"] == "connected" {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatalf("no connected frame")
	}

	// An upstream transcript flows through to the client.
	conn.frames <- upstream.Frame{
		Type: "transcript.delta",
		Data: []byte(`{"type": "transcript.delta", "text": "hel"}`),
	}
	for {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		if m["type"] == "transcript.delta" {
			break
		}
	}
}
