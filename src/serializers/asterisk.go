package serializers

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/square-key-labs/strawgo-relay/src/frames"
)

// AsteriskFrameSerializer handles the JSON dialect of the Asterisk external
// media WebSocket. Audio is base64 text in the native codec and is passed
// through without conversion.
type AsteriskFrameSerializer struct {
	codec AudioCodec
}

// Asterisk JSON message structure
type asteriskMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 encoded
}

// AsteriskSerializerConfig holds configuration for Asterisk serializer
type AsteriskSerializerConfig struct {
	Codec string // Supported: "mulaw"/"ulaw"/"PCMU", "alaw"/"PCMA" (default: "alaw")
}

// NewAsteriskFrameSerializer creates a new Asterisk serializer with codec passthrough
func NewAsteriskFrameSerializer(config AsteriskSerializerConfig) (*AsteriskFrameSerializer, error) {
	name := config.Codec
	if name == "" {
		name = "alaw" // Default to A-law (common in Europe/Asterisk)
	}
	codec, ok := NormalizeCodec(name)
	if !ok {
		return nil, fmt.Errorf("unsupported asterisk codec %q", config.Codec)
	}
	return &AsteriskFrameSerializer{codec: codec}, nil
}

func (s *AsteriskFrameSerializer) Name() string {
	return "asterisk"
}

func (s *AsteriskFrameSerializer) Codec() AudioCodec {
	return s.codec
}

// Serialize converts a frame to Asterisk format
func (s *AsteriskFrameSerializer) Serialize(frame frames.Frame, streamID string) ([]byte, error) {
	var msg asteriskMessage

	switch f := frame.(type) {
	case *frames.OutputAudioFrame:
		msg = asteriskMessage{
			Type:      "audio",
			ChannelID: streamID,
			Audio:     f.Payload,
		}

	case *frames.UserStartedSpeakingFrame:
		msg = asteriskMessage{
			Type:      "interrupt",
			ChannelID: streamID,
		}

	default:
		return nil, nil
	}

	if streamID == "" {
		return nil, fmt.Errorf("asterisk %s: %w", msg.Type, errMissingStreamID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Asterisk %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Deserialize converts Asterisk data to frames
func (s *AsteriskFrameSerializer) Deserialize(data []byte) frames.Frame {
	var msg asteriskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return frames.NewUnknownFrame("", fmt.Errorf("failed to unmarshal Asterisk message: %w", err))
	}

	switch msg.Type {
	case "start":
		if msg.ChannelID == "" {
			return frames.NewUnknownFrame(msg.Type, errors.New("start message missing channel_id"))
		}
		// Asterisk has one id per channel; it doubles as the call id
		started := frames.NewStreamStartedFrame(msg.ChannelID, msg.ChannelID)
		started.MediaFormat = frames.MediaFormat{
			Encoding:   string(s.codec),
			SampleRate: SampleRate,
			Channels:   1,
		}
		if msg.CallerID != "" {
			started.CustomParameters = map[string]string{"caller_id": msg.CallerID}
		}
		return started

	case "audio":
		return frames.NewInputAudioFrame(msg.Audio)

	case "hangup":
		return frames.NewEndFrame()

	default:
		return frames.NewUnknownFrame(msg.Type, nil)
	}
}
