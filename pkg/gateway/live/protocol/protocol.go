// Package protocol defines the JSON frame vocabulary spoken on both websocket
// legs. The same message types flow client-to-gateway and gateway-to-upstream,
// so steady-state relay is verbatim forwarding; routing decides per type
// whether a frame is forwarded, transcoded, or consumed.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/livingtwin/voice-gateway/pkg/core"
)

// Message types shared by both legs.
const (
	TypeInit                = "init"
	TypeConnected           = "connected"
	TypeState               = "state"
	TypeError               = "error"
	TypeAudioAppend         = "audio.append"
	TypeAudioDelta          = "audio.delta"
	TypeTranscriptDelta     = "transcript.delta"
	TypeTranscriptCompleted = "transcript.completed"
	TypeSessionUpdate       = "session.update"
	TypeResponseDone        = "response.done"
)

// DecodeError is a frame-level rejection. It maps onto a client error frame
// without tearing down the session.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func protocolViolation(message, param string) *DecodeError {
	return &DecodeError{Code: "protocol_violation", Message: message, Param: param}
}

func invalidCredential(message string) *DecodeError {
	return &DecodeError{Code: "invalid_credential", Message: message, Param: "credential"}
}

// AudioFormat describes the client's declared capture shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// DefaultAudioFormat is assumed when the init frame omits audio_format.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 24000, Channels: 1}
}

// InitMessage opens a session: the first and only handshake frame.
type InitMessage struct {
	Type        string      `json:"type"`
	Credential  string      `json:"credential"`
	Scope       string      `json:"scope,omitempty"`
	AgendaItems []string    `json:"agenda_items,omitempty"`
	AudioFormat AudioFormat `json:"audio_format"`
}

// RedactedForLog returns the loggable view of an init frame. The credential
// value itself never appears in logs.
func (m InitMessage) RedactedForLog() map[string]any {
	return map[string]any{
		"type":           m.Type,
		"scope":          m.Scope,
		"agenda_items":   len(m.AgendaItems),
		"audio_format":   m.AudioFormat,
		"has_credential": strings.TrimSpace(m.Credential) != "",
	}
}

// AudioAppendMessage carries one base64 chunk of caller audio.
type AudioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SessionUpdateMessage adjusts conversation state mid-session. Events are
// applied locally before the frame is forwarded upstream.
type SessionUpdateMessage struct {
	Type  string              `json:"type"`
	Event *SessionUpdateEvent `json:"event,omitempty"`
	Raw   json.RawMessage     `json:"-"`
}

// SessionUpdateEvent is the locally consumed part of a session.update frame.
type SessionUpdateEvent struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ConnectedMessage acknowledges a completed handshake.
type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StateMessage announces a lifecycle transition to the client.
type StateMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// ErrorMessage wraps a structured error for either leg.
type ErrorMessage struct {
	Type  string     `json:"type"`
	Error core.Error `json:"error"`
}

// AudioDeltaMessage carries one base64 chunk of synthesized audio from the
// upstream.
type AudioDeltaMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// TranscriptDeltaMessage is a partial transcript fragment from the upstream.
type TranscriptDeltaMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

// TranscriptCompletedMessage is a finalized utterance. It is consumed for
// sentiment and conversation tracking and forwarded to the client.
type TranscriptCompletedMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

// PeekType extracts the type tag without decoding the full frame.
func PeekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

// DecodeInit parses and validates the handshake frame. Credential validation
// here is presence-only; the upstream handshake is the authority on whether
// the credential is live.
func DecodeInit(data []byte) (InitMessage, error) {
	typ, err := PeekType(data)
	if err != nil {
		return InitMessage{}, err
	}
	if typ != TypeInit {
		return InitMessage{}, protocolViolation(fmt.Sprintf("expected init frame, got %q", typ), "type")
	}

	var msg InitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InitMessage{}, badRequest("invalid init frame", "")
	}
	if strings.TrimSpace(msg.Credential) == "" {
		return InitMessage{}, invalidCredential("init.credential is required")
	}
	if msg.AudioFormat == (AudioFormat{}) {
		msg.AudioFormat = DefaultAudioFormat()
	}
	if strings.TrimSpace(msg.AudioFormat.Encoding) == "" {
		return InitMessage{}, badRequest("init.audio_format.encoding is required", "audio_format.encoding")
	}
	if msg.AudioFormat.SampleRateHz <= 0 {
		return InitMessage{}, badRequest("init.audio_format.sample_rate_hz must be > 0", "audio_format.sample_rate_hz")
	}
	if msg.AudioFormat.Channels <= 0 {
		return InitMessage{}, badRequest("init.audio_format.channels must be > 0", "audio_format.channels")
	}
	for i, item := range msg.AgendaItems {
		if strings.TrimSpace(item) == "" {
			return InitMessage{}, badRequest("init.agenda_items entries must be non-empty", fmt.Sprintf("agenda_items[%d]", i))
		}
	}
	return msg, nil
}

// DecodeClientMessage parses a post-handshake client frame into its typed
// form. Unknown types come back as UnknownMessage so the session can forward
// them verbatim.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeInit:
		return nil, protocolViolation("init is only valid as the first frame", "type")
	case TypeAudioAppend:
		var msg AudioAppendMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.append frame", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("audio.append.audio is required", "audio")
		}
		return msg, nil
	case TypeSessionUpdate:
		var msg SessionUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.update frame", "")
		}
		msg.Raw = append(json.RawMessage(nil), data...)
		return msg, nil
	default:
		return UnknownMessage{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// UnknownMessage is a frame with a type outside the known vocabulary. The
// session forwards it unchanged and logs the tag once.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

// Route is the per-type relay decision.
type Route int

const (
	// RouteForward relays the frame verbatim.
	RouteForward Route = iota
	// RouteTranscode re-encodes the payload before relaying.
	RouteTranscode
	// RouteConsume applies the frame locally and does not relay it.
	RouteConsume
	// RouteConsumeForward applies the frame locally, then relays it verbatim.
	RouteConsumeForward
)

// ClientRoute decides how a post-handshake client frame is handled.
func ClientRoute(msgType string) Route {
	switch msgType {
	case TypeAudioAppend:
		return RouteTranscode
	case TypeSessionUpdate:
		return RouteConsumeForward
	default:
		return RouteForward
	}
}

// UpstreamRoute decides how an upstream frame is handled.
func UpstreamRoute(msgType string) Route {
	switch msgType {
	case TypeTranscriptCompleted:
		return RouteConsumeForward
	case TypeError:
		return RouteConsume
	default:
		return RouteForward
	}
}

// EncodeError builds an error frame for the client leg.
func EncodeError(coreErr *core.Error) ([]byte, error) {
	return json.Marshal(ErrorMessage{Type: TypeError, Error: *coreErr})
}

// EncodeState builds a state transition frame.
func EncodeState(from, to string) ([]byte, error) {
	return json.Marshal(StateMessage{Type: TypeState, From: from, To: to})
}

// EncodeConnected builds the handshake acknowledgement.
func EncodeConnected(sessionID string) ([]byte, error) {
	return json.Marshal(ConnectedMessage{Type: TypeConnected, SessionID: sessionID})
}

// EncodeAudioAppend builds an audio.append frame from already-encoded base64.
func EncodeAudioAppend(audioB64 string) ([]byte, error) {
	return json.Marshal(AudioAppendMessage{Type: TypeAudioAppend, Audio: audioB64})
}
