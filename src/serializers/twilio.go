package serializers

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/square-key-labs/strawgo-relay/src/frames"
)

var errMissingStreamID = errors.New("stream id is not set")

// TwilioFrameSerializer handles the Twilio Media Streams WebSocket protocol.
// It is stateless; the stream id is supplied by the caller on every Serialize.
type TwilioFrameSerializer struct{}

// Twilio message structures
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      twilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type twilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// NewTwilioFrameSerializer creates a new Twilio serializer
func NewTwilioFrameSerializer() *TwilioFrameSerializer {
	return &TwilioFrameSerializer{}
}

func (s *TwilioFrameSerializer) Name() string {
	return "twilio"
}

// Codec is always mulaw; Twilio streams 8kHz G.711 u-law
func (s *TwilioFrameSerializer) Codec() AudioCodec {
	return CodecMulaw
}

// Serialize converts a frame to Twilio WebSocket JSON format
func (s *TwilioFrameSerializer) Serialize(frame frames.Frame, streamID string) ([]byte, error) {
	var msg twilioMessage

	switch f := frame.(type) {
	case *frames.OutputAudioFrame:
		msg = twilioMessage{
			Event:     "media",
			StreamSid: streamID,
			Media:     &twilioMedia{Payload: f.Payload},
		}

	case *frames.UserStartedSpeakingFrame:
		// Flush whatever Twilio has queued for playback
		msg = twilioMessage{
			Event:     "clear",
			StreamSid: streamID,
		}

	default:
		// Transcripts, turn markers and the rest have no Twilio representation
		return nil, nil
	}

	if streamID == "" {
		return nil, fmt.Errorf("twilio %s: %w", msg.Event, errMissingStreamID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Twilio %s message: %w", msg.Event, err)
	}
	return data, nil
}

// Deserialize converts Twilio WebSocket JSON data to frames
func (s *TwilioFrameSerializer) Deserialize(data []byte) frames.Frame {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return frames.NewUnknownFrame("", fmt.Errorf("failed to unmarshal Twilio message: %w", err))
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil || msg.Start.StreamSid == "" {
			return frames.NewUnknownFrame(msg.Event, errors.New("start event missing streamSid"))
		}
		started := frames.NewStreamStartedFrame(msg.Start.StreamSid, msg.Start.CallSid)
		started.MediaFormat = frames.MediaFormat{
			Encoding:   msg.Start.MediaFormat.Encoding,
			SampleRate: msg.Start.MediaFormat.SampleRate,
			Channels:   msg.Start.MediaFormat.Channels,
		}
		started.CustomParameters = msg.Start.CustomParameters
		return started

	case "media":
		if msg.Media == nil {
			return frames.NewUnknownFrame(msg.Event, errors.New("media event missing media data"))
		}
		// Passthrough: the base64 payload is forwarded untouched
		return frames.NewInputAudioFrame(msg.Media.Payload)

	case "stop":
		return frames.NewEndFrame()

	default:
		// connected, mark, dtmf: nothing for the relay to do
		return frames.NewUnknownFrame(msg.Event, nil)
	}
}
