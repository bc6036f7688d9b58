// Package upstream dials the speech-to-speech provider websocket and pumps
// its frames into a channel the session loop can select on.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 1 << 20
	frameBuffer             = 64
)

// Frame is one inbound upstream message. Type is empty when the frame is not
// a JSON object with a type tag; such frames are still relayed verbatim.
type Frame struct {
	Type string
	Data []byte
}

// Dialer opens authenticated upstream connections.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

// NewDialer builds a dialer for the given upstream websocket URL.
func NewDialer(rawURL string) *Dialer {
	return &Dialer{
		URL:              rawURL,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		MaxMessageBytes:  defaultMaxMessageBytes,
	}
}

// Dial connects to the upstream with the session credential as a bearer
// token and the scope as the model query parameter. A 401 or 403 during the
// handshake means the credential is dead and the session must not retry; any
// other failure is a retryable availability problem.
func (d *Dialer) Dial(ctx context.Context, credential, scope string) (*Conn, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("invalid upstream url: %v", err))
	}
	if scope != "" {
		q := target.Query()
		q.Set("model", scope)
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	wsDialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout()}
	ws, resp, err := wsDialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.NewInvalidCredentialError("upstream rejected session credential")
		}
		return nil, core.NewUpstreamUnavailableError(fmt.Sprintf("upstream dial failed: %v", err))
	}

	if d.MaxMessageBytes > 0 {
		ws.SetReadLimit(d.MaxMessageBytes)
	}

	conn := &Conn{
		ws:           ws,
		writeTimeout: d.writeTimeout(),
		frames:       make(chan Frame, frameBuffer),
		done:         make(chan struct{}),
	}
	go conn.readPump()
	return conn, nil
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (d *Dialer) writeTimeout() time.Duration {
	if d.WriteTimeout > 0 {
		return d.WriteTimeout
	}
	return defaultWriteTimeout
}

// Conn is one live upstream connection. Frames() delivers inbound messages
// until the read pump exits, then closes; Err() reports how it ended. Send
// and Close are only called from the session loop goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	frames chan Frame
	done   chan struct{}

	mu       sync.Mutex
	closeErr error
	clean    bool
}

// Frames returns the inbound frame channel. It closes when the connection ends.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Done closes when the read pump has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: nil means a clean close from the
// upstream, anything else is an unclean termination.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clean {
		return nil
	}
	return c.closeErr
}

// Send writes one text frame with the configured write deadline.
func (c *Conn) Send(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and tears down the socket.
func (c *Conn) Close() error {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *Conn) readPump() {
	defer close(c.done)
	defer close(c.frames)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.clean = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !c.clean {
				c.closeErr = err
			}
			c.mu.Unlock()
			return
		}

		frame := Frame{Data: data}
		if typ, err := protocol.PeekType(data); err == nil {
			frame.Type = typ
		}
		c.frames <- frame
	}
}
