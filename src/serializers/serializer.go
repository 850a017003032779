package serializers

import (
	"github.com/square-key-labs/strawgo-relay/src/frames"
)

// AudioCodec is the companded 8 kHz narrowband encoding carried on both legs
type AudioCodec string

const (
	CodecMulaw AudioCodec = "mulaw"
	CodecAlaw  AudioCodec = "alaw"
)

// SampleRate is fixed by the telephony network
const SampleRate = 8000

// NormalizeCodec maps the usual aliases onto an AudioCodec. Unknown names
// return ok=false.
func NormalizeCodec(name string) (AudioCodec, bool) {
	switch name {
	case "mulaw", "ulaw", "PCMU", "g711_ulaw", "audio/x-mulaw":
		return CodecMulaw, true
	case "alaw", "PCMA", "g711_alaw", "audio/x-alaw":
		return CodecAlaw, true
	default:
		return "", false
	}
}

// RealtimeFormat returns the realtime API name of the codec
func (c AudioCodec) RealtimeFormat() string {
	if c == CodecAlaw {
		return "g711_alaw"
	}
	return "g711_ulaw"
}

// TelephonySerializer translates one telephony media-stream dialect
// (Twilio, Asterisk) to and from frames.
type TelephonySerializer interface {
	// Name identifies the dialect in logs and metrics
	Name() string

	// Codec is the audio encoding the dialect carries
	Codec() AudioCodec

	// Deserialize never fails: frames it cannot map come back as
	// *frames.UnknownFrame, with Err set when the input was malformed.
	Deserialize(data []byte) frames.Frame

	// Serialize encodes a frame for the telephony peer, tagged with the
	// stream id. Frames without a representation return nil, nil.
	Serialize(frame frames.Frame, streamID string) ([]byte, error)
}
