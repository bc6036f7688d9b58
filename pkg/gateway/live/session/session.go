// Package session runs one live voice session: the bridge between a client
// websocket and the upstream speech-to-speech connection. The session loop is
// the only goroutine that touches lifecycle state; reads and writes happen on
// dedicated pumps feeding channels it selects on.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livingtwin/voice-gateway/pkg/audio"
	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/backoff"
	"github.com/livingtwin/voice-gateway/pkg/gateway/conversation"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/protocol"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/upstream"
)

// Connection is one live upstream leg, as the session loop sees it. The leg
// is over when Frames() closes; Err() then reports how it ended.
type Connection interface {
	Frames() <-chan upstream.Frame
	Err() error
	Send(data []byte) error
	Close() error
}

// Connector opens upstream connections. The real implementation wraps
// upstream.Dialer; tests substitute fakes.
type Connector interface {
	Connect(ctx context.Context, credential, scope string) (Connection, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, credential, scope string) (Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, credential, scope string) (Connection, error) {
	return f(ctx, credential, scope)
}

// Config carries the session loop's tunables.
type Config struct {
	InitTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64

	// Backoff governs upstream reconnects after an unclean close.
	Backoff backoff.Policy

	// AudioFailureLimit is how many consecutive undecodable audio chunks are
	// absorbed before the session escalates and forces a reconnect.
	AudioFailureLimit int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		InitTimeout:       5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		ReadLimit:         1 << 20,
		Backoff:           backoff.Default(),
		AudioFailureLimit: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.Backoff.MaxAttempts <= 0 || c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.AudioFailureLimit <= 0 {
		c.AudioFailureLimit = d.AudioFailureLimit
	}
	return c
}

type clientSocket interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

// errReconnect signals the main loop that the current upstream leg must be
// replaced while the client stays connected.
var errReconnect = errors.New("upstream reconnect required")

// Session bridges one client websocket to the upstream.
type Session struct {
	logger    *slog.Logger
	ws        clientSocket
	connector Connector
	store     *conversation.Store
	cfg       Config

	id         string
	scope      string
	credential string
	state      conversation.State
	transcoder *audio.Transcoder

	priorityCh chan []byte
	normalCh   chan []byte
	done       chan struct{}

	audioFailures int
	errored       bool
	unknownTags   map[string]struct{}
}

// New builds a session around an upgraded client websocket.
func New(logger *slog.Logger, ws *websocket.Conn, connector Connector, store *conversation.Store, cfg Config) *Session {
	return newSession(logger, ws, connector, store, cfg)
}

func newSession(logger *slog.Logger, ws clientSocket, connector Connector, store *conversation.Store, cfg Config) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:      logger,
		ws:          ws,
		connector:   connector,
		store:       store,
		cfg:         cfg.withDefaults(),
		state:       conversation.StateInitializing,
		priorityCh:  make(chan []byte, 16),
		normalCh:    make(chan []byte, 256),
		done:        make(chan struct{}),
		unknownTags: make(map[string]struct{}),
	}
}

// ID returns the session id, empty until the handshake completes.
func (s *Session) ID() string { return s.id }

// Run drives the session to a terminal state. It returns once the client
// socket is closed and conversation state has been released.
func (s *Session) Run(ctx context.Context) error {
	s.ws.SetReadLimit(s.cfg.ReadLimit)

	init, err := s.readInit()
	if err != nil {
		s.writeDirectError(err)
		_ = s.ws.Close()
		return err
	}
	s.logger.Info("handshake received", "init", init.RedactedForLog())

	s.credential = init.Credential
	s.scope = init.Scope

	transcoder, err := audio.NewTranscoder(audio.Format{
		Encoding:     audio.Encoding(init.AudioFormat.Encoding),
		SampleRateHz: init.AudioFormat.SampleRateHz,
		Channels:     init.AudioFormat.Channels,
	})
	if err != nil {
		reqErr := core.NewInvalidRequestErrorWithParam(err.Error(), "audio_format")
		s.writeDirectError(reqErr)
		_ = s.ws.Close()
		return reqErr
	}
	s.transcoder = transcoder

	id, err := s.store.StartSession(init.AgendaItems)
	if err != nil {
		s.writeDirectError(err)
		_ = s.ws.Close()
		return err
	}
	s.id = id

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- (&outboundWriter{
			ws:       s.ws,
			ctx:      writerCtx,
			cfg:      s.cfg,
			priority: s.priorityCh,
			normal:   s.normalCh,
		}).Run()
	}()
	finish := func() {
		stopWriter()
		<-writerDone
	}

	defer close(s.done)
	clientFrames := make(chan []byte, 64)
	go s.clientReadPump(clientFrames)

	s.transition(conversation.StateAwaitingUpstream)
	conn, connErr := s.connectUpstream(ctx, 0, clientFrames)
	if connErr != nil {
		s.fail(connErr)
		finish()
		return connErr
	}
	if conn == nil {
		// Client went away while we were connecting.
		s.shutdown(nil)
		finish()
		return nil
	}

	if frame, err := protocol.EncodeConnected(s.id); err == nil {
		s.enqueuePriority(frame)
	}
	s.transition(conversation.StateActive)

	runErr := s.relayLoop(ctx, conn, clientFrames)
	finish()
	return runErr
}

// relayLoop is the steady-state select over both legs.
func (s *Session) relayLoop(ctx context.Context, conn Connection, clientFrames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			s.shutdown(conn)
			return nil

		case data, ok := <-clientFrames:
			if !ok {
				// Client disconnect is authoritative: no reconnect.
				s.shutdown(conn)
				return nil
			}
			if err := s.handleClientFrame(data, conn); err != nil {
				if errors.Is(err, errReconnect) {
					next, ok, fatal := s.rebuildUpstream(ctx, conn, clientFrames)
					if fatal != nil {
						return fatal
					}
					if !ok {
						return nil
					}
					conn = next
					continue
				}
				s.fail(err)
				return err
			}

		case frame, ok := <-conn.Frames():
			if !ok {
				if upErr := conn.Err(); upErr == nil {
					// Clean upstream close ends the session.
					s.shutdown(conn)
					return nil
				} else {
					s.logger.Warn("upstream closed uncleanly", "session_id", s.id, "error", upErr)
				}
				next, ok, fatal := s.rebuildUpstream(ctx, conn, clientFrames)
				if fatal != nil {
					return fatal
				}
				if !ok {
					return nil
				}
				conn = next
				continue
			}
			if err := s.handleUpstreamFrame(frame); err != nil {
				if errors.Is(err, errReconnect) {
					next, ok, fatal := s.rebuildUpstream(ctx, conn, clientFrames)
					if fatal != nil {
						return fatal
					}
					if !ok {
						return nil
					}
					conn = next
					continue
				}
				s.fail(err)
				return err
			}
		}
	}
}

// rebuildUpstream tears down the old leg (if still open) and dials a new one
// with backoff. Returns ok=false when the client disappeared mid-reconnect.
func (s *Session) rebuildUpstream(ctx context.Context, old Connection, clientFrames <-chan []byte) (Connection, bool, error) {
	if old != nil {
		_ = old.Close()
	}
	s.transition(conversation.StateAwaitingUpstream)

	conn, connErr := s.connectUpstream(ctx, 1, clientFrames)
	if connErr != nil {
		s.fail(connErr)
		return nil, false, connErr
	}
	if conn == nil {
		s.shutdown(nil)
		return nil, false, nil
	}
	s.transition(conversation.StateActive)
	return conn, true, nil
}

// connectUpstream dials the upstream, retrying retryable failures under the
// backoff policy. firstAttempt=0 dials immediately once before backing off;
// firstAttempt=1 (reconnect) waits the base delay before the first dial.
// A nil, nil return means the client closed while we were waiting.
func (s *Session) connectUpstream(ctx context.Context, firstAttempt int, clientFrames <-chan []byte) (Connection, error) {
	dial := func() (Connection, error) {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		return s.connector.Connect(dialCtx, s.credential, s.scope)
	}

	attempt := firstAttempt
	for {
		if attempt > 0 {
			if !s.cfg.Backoff.Allowed(attempt) {
				return nil, core.NewUpstreamUnavailableError(
					fmt.Sprintf("upstream unreachable after %d attempts", s.cfg.Backoff.MaxAttempts))
			}
			delay := s.cfg.Backoff.Delay(attempt)
			s.logger.Info("waiting before upstream attempt",
				"session_id", s.id, "attempt", attempt, "delay", delay)
			clientGone, err := s.waitForRetry(ctx, delay, clientFrames)
			if err != nil || clientGone {
				return nil, err
			}
		}

		conn, err := dial()
		if err == nil {
			s.audioFailures = 0
			return conn, nil
		}

		var coreErr *core.Error
		if !errors.As(err, &coreErr) || !coreErr.IsRetryable() {
			return nil, err
		}
		s.logger.Warn("upstream dial failed", "session_id", s.id, "attempt", attempt, "error", err)
		attempt++
		if attempt < 1 {
			attempt = 1
		}
	}
}

// waitForRetry sleeps the backoff delay while still servicing the client leg:
// session updates are applied locally, audio is dropped, and a client
// disconnect aborts the reconnect.
func (s *Session) waitForRetry(ctx context.Context, delay time.Duration, clientFrames <-chan []byte) (clientGone bool, err error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			s.shutdown(nil)
			return true, nil
		case data, ok := <-clientFrames:
			if !ok {
				s.shutdown(nil)
				return true, nil
			}
			s.handleClientFrameWhileDisconnected(data)
		}
	}
}

func (s *Session) handleClientFrameWhileDisconnected(data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.rejectFrame(err)
		return
	}
	if update, ok := msg.(protocol.SessionUpdateMessage); ok && update.Event != nil {
		s.applySessionEvent(update.Event)
	}
	// Audio and unknown frames have nowhere to go without an upstream leg.
}

func (s *Session) handleClientFrame(data []byte, conn Connection) error {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.rejectFrame(err)
		return nil
	}

	switch m := msg.(type) {
	case protocol.AudioAppendMessage:
		return s.handleClientAudio(m, conn)

	case protocol.SessionUpdateMessage:
		if m.Event != nil {
			if !s.applySessionEvent(m.Event) {
				return nil
			}
		}
		if err := conn.Send(m.Raw); err != nil {
			return errReconnect
		}
		return nil

	case protocol.UnknownMessage:
		if _, seen := s.unknownTags[m.Type]; !seen {
			s.unknownTags[m.Type] = struct{}{}
			s.logger.Warn("forwarding unknown client frame type", "session_id", s.id, "type", m.Type)
		}
		if err := conn.Send(m.Raw); err != nil {
			return errReconnect
		}
		return nil
	}
	return nil
}

func (s *Session) handleClientAudio(m protocol.AudioAppendMessage, conn Connection) error {
	wireB64, err := s.transcoder.EncodeBase64(m.Audio)
	if err != nil {
		return s.recordAudioFailure(err)
	}
	s.audioFailures = 0

	frame, err := protocol.EncodeAudioAppend(wireB64)
	if err != nil {
		return core.NewInternalError(err.Error())
	}
	if err := conn.Send(frame); err != nil {
		return errReconnect
	}
	return nil
}

// handleUpstreamAudio validates an audio.delta payload before relaying it.
// Corrupt deltas are dropped, never forwarded; a run of consecutive failures
// escalates exactly like undecodable client audio.
func (s *Session) handleUpstreamAudio(frame upstream.Frame) error {
	var msg protocol.AudioDeltaMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return s.recordAudioFailure(fmt.Errorf("malformed audio.delta frame: %w", err))
	}
	if msg.Payload == "" {
		return s.recordAudioFailure(errors.New("audio.delta payload is empty"))
	}
	if _, err := audio.DecodeBase64(msg.Payload); err != nil {
		return s.recordAudioFailure(err)
	}
	s.audioFailures = 0
	s.enqueueNormal(frame.Data)
	return nil
}

// recordAudioFailure counts one undecodable chunk from either direction.
// Single failures are absorbed; at the limit it raises audio_decode_error on
// the client leg and demands a fresh upstream connection.
func (s *Session) recordAudioFailure(cause error) error {
	s.audioFailures++
	s.logger.Warn("audio chunk rejected",
		"session_id", s.id, "consecutive_failures", s.audioFailures, "error", cause)
	if s.audioFailures >= s.cfg.AudioFailureLimit {
		s.audioFailures = 0
		decodeErr := core.NewAudioDecodeError(
			fmt.Sprintf("%d consecutive undecodable audio chunks", s.cfg.AudioFailureLimit))
		if frame, encErr := protocol.EncodeError(decodeErr); encErr == nil {
			s.enqueuePriority(frame)
		}
		return errReconnect
	}
	return nil
}

// applySessionEvent records a session.update event locally. Returns false
// when the event was rejected; rejected updates are not forwarded.
func (s *Session) applySessionEvent(ev *protocol.SessionUpdateEvent) bool {
	_, err := s.store.AppendEvent(s.id, conversation.Event{
		Type:    conversation.EventType(ev.Kind),
		Payload: ev.Payload,
	})
	if err != nil {
		s.rejectFrame(err)
		return false
	}
	return true
}

func (s *Session) handleUpstreamFrame(frame upstream.Frame) error {
	if frame.Type == protocol.TypeAudioDelta {
		return s.handleUpstreamAudio(frame)
	}

	switch protocol.UpstreamRoute(frame.Type) {
	case protocol.RouteConsumeForward:
		s.consumeTranscript(frame.Data)
		s.enqueueNormal(frame.Data)

	case protocol.RouteConsume:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(frame.Data, &msg); err == nil {
			s.logger.Warn("upstream error event",
				"session_id", s.id, "error_type", msg.Error.Type, "message", msg.Error.Message)
		}
		s.enqueuePriority(frame.Data)

	default:
		if frame.Type != "" && !s.knownUpstreamType(frame.Type) {
			if _, seen := s.unknownTags[frame.Type]; !seen {
				s.unknownTags[frame.Type] = struct{}{}
				s.logger.Warn("forwarding unknown upstream frame type", "session_id", s.id, "type", frame.Type)
			}
		}
		s.enqueueNormal(frame.Data)
	}
	return nil
}

func (s *Session) knownUpstreamType(typ string) bool {
	switch typ {
	case protocol.TypeAudioDelta, protocol.TypeTranscriptDelta, protocol.TypeResponseDone, protocol.TypeSessionUpdate:
		return true
	}
	return false
}

// consumeTranscript feeds a finalized utterance into conversation state.
// User speech is scored for sentiment; assistant turns are logged as events.
func (s *Session) consumeTranscript(data []byte) {
	var msg protocol.TranscriptCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Role == "assistant" {
		_, _ = s.store.AppendEvent(s.id, conversation.Event{
			Type:    conversation.EventAIResponse,
			Payload: map[string]any{"text": msg.Text},
		})
		return
	}

	snap, err := s.store.AppendSentimentText(s.id, msg.Text)
	if err != nil {
		return
	}
	_, _ = s.store.AppendEvent(s.id, conversation.Event{
		Type:    conversation.EventUserSpeech,
		Payload: map[string]any{"text": msg.Text},
	})
	s.logger.Debug("utterance scored",
		"session_id", s.id, "score", snap.LastScore, "engagement", string(snap.EngagementLevel))
}

// shutdown performs the orderly Closing -> Closed teardown.
func (s *Session) shutdown(conn Connection) {
	if s.state == conversation.StateClosed || s.state == conversation.StateErrored {
		return
	}
	s.transition(conversation.StateClosing)
	if conn != nil {
		_ = conn.Close()
	}
	_ = s.store.Close(s.id, conversation.StateClosed)
	s.transitionLocalOnly(conversation.StateClosed)
	s.logger.Info("session finished", "session_id", s.id)
}

// fail moves the session to Errored exactly once, surfacing the error to the
// client before teardown.
func (s *Session) fail(err error) {
	if s.errored {
		return
	}
	s.errored = true

	coreErr := asCoreError(err)
	if frame, encErr := protocol.EncodeError(coreErr); encErr == nil {
		s.enqueuePriority(frame)
	}
	_ = s.store.Close(s.id, conversation.StateErrored)
	s.transitionLocalOnly(conversation.StateErrored)
	s.logger.Error("session errored", "session_id", s.id, "error_type", string(coreErr.Type), "message", coreErr.Message)
}

func (s *Session) transition(to conversation.State) {
	from := s.state
	s.state = to
	_ = s.store.SetState(s.id, to)
	if frame, err := protocol.EncodeState(string(from), string(to)); err == nil {
		s.enqueuePriority(frame)
	}
	s.logger.Info("state transition", "session_id", s.id, "from", string(from), "to", string(to))
}

// transitionLocalOnly records a terminal transition after the store entry is
// gone; the state frame still goes to the client.
func (s *Session) transitionLocalOnly(to conversation.State) {
	from := s.state
	s.state = to
	if frame, err := protocol.EncodeState(string(from), string(to)); err == nil {
		s.enqueuePriority(frame)
	}
}

func (s *Session) rejectFrame(err error) {
	var frame []byte
	var encErr error
	switch e := err.(type) {
	case *core.Error:
		frame, encErr = protocol.EncodeError(e)
	case *protocol.DecodeError:
		frame, encErr = protocol.EncodeError(core.NewInvalidRequestErrorWithParam(e.Message, e.Param))
	default:
		frame, encErr = protocol.EncodeError(core.NewInvalidRequestError(err.Error()))
	}
	if encErr == nil {
		s.enqueuePriority(frame)
	}
}

func (s *Session) enqueuePriority(frame []byte) {
	select {
	case s.priorityCh <- frame:
	default:
		s.logger.Warn("priority queue full, dropping frame", "session_id", s.id)
	}
}

func (s *Session) enqueueNormal(frame []byte) {
	select {
	case s.normalCh <- frame:
	default:
		// Slow client: media frames are droppable, control frames are not.
		s.logger.Warn("client outbound queue full, dropping media frame", "session_id", s.id)
	}
}

// readInit reads and validates the handshake frame under the init deadline.
func (s *Session) readInit() (protocol.InitMessage, error) {
	if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.InitTimeout)); err != nil {
		return protocol.InitMessage{}, core.NewInternalError(err.Error())
	}
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return protocol.InitMessage{}, core.NewInvalidRequestError("no init frame received")
	}
	if err := s.ws.SetReadDeadline(time.Time{}); err != nil {
		return protocol.InitMessage{}, core.NewInternalError(err.Error())
	}

	msg, err := protocol.DecodeInit(data)
	if err != nil {
		if decodeErr, ok := err.(*protocol.DecodeError); ok {
			if decodeErr.Code == "invalid_credential" {
				return protocol.InitMessage{}, core.NewInvalidCredentialError(decodeErr.Message)
			}
			return protocol.InitMessage{}, core.NewInvalidRequestErrorWithParam(decodeErr.Message, decodeErr.Param)
		}
		return protocol.InitMessage{}, core.NewInvalidRequestError(err.Error())
	}
	return msg, nil
}

// clientReadPump feeds inbound client frames to the session loop and closes
// the channel when the client leg ends.
func (s *Session) clientReadPump(frames chan<- []byte) {
	defer close(frames)

	s.ws.SetPongHandler(func(string) error { return nil })
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case frames <- data:
		case <-s.done:
			return
		}
	}
}

// writeDirectError writes an error frame before the writer goroutine exists.
func (s *Session) writeDirectError(err error) {
	frame, encErr := protocol.EncodeError(asCoreError(err))
	if encErr != nil {
		return
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = s.ws.WriteMessage(websocket.TextMessage, frame)
}

func asCoreError(err error) *core.Error {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return core.NewInternalError(err.Error())
}
