// Package audio converts captured client audio into the fixed wire format the
// upstream speech service requires (24 kHz, 16-bit signed little-endian, mono
// PCM) and validates upstream audio deltas for playback.
//
// Multi-channel input is reduced to mono by taking channel 0. Floating-point
// samples are clamped to the int16 range rather than wrapped, so clipping
// saturates instead of producing audible artifacts.
package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Encoding identifies a PCM sample encoding.
type Encoding string

const (
	EncodingPCM16   Encoding = "pcm_s16le"
	EncodingFloat32 Encoding = "pcm_f32le"
)

const (
	WireSampleRateHz = 24000
	WireChannels     = 1
	wireBytesPerSamp = 2
)

// Format describes the shape of a PCM byte stream.
type Format struct {
	Encoding     Encoding `json:"encoding"`
	SampleRateHz int      `json:"sample_rate_hz"`
	Channels     int      `json:"channels"`
}

// WireFormat is the fixed format required by the upstream protocol.
func WireFormat() Format {
	return Format{Encoding: EncodingPCM16, SampleRateHz: WireSampleRateHz, Channels: WireChannels}
}

// Validate checks that the format is complete and supported.
func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingPCM16, EncodingFloat32:
	default:
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	if f.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be > 0")
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be > 0")
	}
	return nil
}

// BytesPerFrame returns the byte width of one multi-channel sample frame.
func (f Format) BytesPerFrame() int {
	width := 2
	if f.Encoding == EncodingFloat32 {
		width = 4
	}
	return width * f.Channels
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.BytesPerFrame() * f.SampleRateHz
}

// DurationMS returns the duration in milliseconds of n bytes in this format.
func (f Format) DurationMS(n int) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return (n * 1000) / bps
}

// Transcoder converts capture chunks in one negotiated input format into wire
// frames. It is stateless per chunk; chunks may be any frame-aligned size.
type Transcoder struct {
	in Format
}

// NewTranscoder builds a transcoder for the given capture format.
func NewTranscoder(in Format) (*Transcoder, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("capture format: %w", err)
	}
	return &Transcoder{in: in}, nil
}

// InputFormat returns the negotiated capture format.
func (t *Transcoder) InputFormat() Format {
	return t.in
}

// Encode converts one raw capture chunk to wire PCM.
func (t *Transcoder) Encode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("empty audio chunk")
	}
	if len(chunk)%t.in.BytesPerFrame() != 0 {
		return nil, fmt.Errorf("audio chunk of %d bytes is not frame-aligned for %s x%d", len(chunk), t.in.Encoding, t.in.Channels)
	}

	mono, err := decodeChannelZero(chunk, t.in)
	if err != nil {
		return nil, err
	}
	if t.in.SampleRateHz != WireSampleRateHz {
		mono = resampleLinear(mono, t.in.SampleRateHz, WireSampleRateHz)
	}
	return marshalPCM16(mono), nil
}

// EncodeBase64 converts a base64 capture payload to a base64 wire payload.
func (t *Transcoder) EncodeBase64(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	wire, err := t.Encode(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wire), nil
}

// Decode validates an upstream wire frame and returns the playable buffer.
func Decode(wire []byte) ([]byte, error) {
	if len(wire) == 0 {
		return nil, fmt.Errorf("empty wire frame")
	}
	if len(wire)%wireBytesPerSamp != 0 {
		return nil, fmt.Errorf("wire frame of %d bytes is not sample-aligned", len(wire))
	}
	out := make([]byte, len(wire))
	copy(out, wire)
	return out, nil
}

// DecodeBase64 decodes a base64-framed upstream audio delta.
func DecodeBase64(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 wire frame: %w", err)
	}
	return Decode(raw)
}

// decodeChannelZero extracts channel 0 as int16 samples, clamping floats.
func decodeChannelZero(chunk []byte, f Format) ([]int16, error) {
	frame := f.BytesPerFrame()
	frames := len(chunk) / frame
	out := make([]int16, frames)

	switch f.Encoding {
	case EncodingPCM16:
		for i := 0; i < frames; i++ {
			off := i * frame
			out[i] = int16(chunk[off]) | int16(chunk[off+1])<<8
		}
	case EncodingFloat32:
		for i := 0; i < frames; i++ {
			off := i * frame
			bits := uint32(chunk[off]) | uint32(chunk[off+1])<<8 | uint32(chunk[off+2])<<16 | uint32(chunk[off+3])<<24
			out[i] = clampToInt16(float64(math.Float32frombits(bits)))
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	return out, nil
}

// clampToInt16 maps a [-1, 1] float sample to int16, saturating out-of-range
// values instead of wrapping.
func clampToInt16(v float64) int16 {
	scaled := v * 32767
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(math.Round(scaled))
}

// resampleLinear converts mono samples between rates by linear interpolation.
// Quality is adequate for speech; the upstream service resamples nothing.
func resampleLinear(in []int16, fromHz, toHz int) []int16 {
	if fromHz == toHz || len(in) == 0 {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(toHz) / float64(fromHz)))
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	ratio := float64(fromHz) / float64(toHz)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		sample := float64(in[idx])*(1-frac) + float64(in[idx+1])*frac
		out[i] = int16(math.Round(sample))
	}
	return out
}

func marshalPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
