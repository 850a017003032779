package serializers

import (
	"encoding/json"
	"fmt"

	"github.com/square-key-labs/strawgo-relay/src/frames"
)

// Realtime API client event types
const (
	realtimeSessionUpdate      = "session.update"
	realtimeInputAudioAppend   = "input_audio_buffer.append"
	realtimeDefaultTranscriber = "whisper-1"
)

// RealtimeSerializer translates OpenAI Realtime API events. It is stateless
// and safe for concurrent use.
type RealtimeSerializer struct{}

func NewRealtimeSerializer() *RealtimeSerializer {
	return &RealtimeSerializer{}
}

// SessionConfig is everything session.update needs
type SessionConfig struct {
	Instructions       string
	Voice              string
	Codec              AudioCodec
	TranscriptionModel string
	Temperature        float64
	VAD                VADConfig
}

// VADConfig tunes server-side voice activity detection
type VADConfig struct {
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

type realtimeSessionUpdateMessage struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

type realtimeSession struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions"`
	Voice                   string                 `json:"voice"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *realtimeTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           realtimeTurnDetection  `json:"turn_detection"`
	Temperature             float64                `json:"temperature,omitempty"`
}

type realtimeTranscription struct {
	Model string `json:"model"`
}

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type realtimeAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// realtimeServerEvent is the union of the server event fields the relay reads
type realtimeServerEvent struct {
	Type       string               `json:"type"`
	Delta      string               `json:"delta"`
	Transcript string               `json:"transcript"`
	Error      *realtimeErrorDetail `json:"error"`
}

type realtimeErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionUpdate builds the session.update event sent once at connect time
func (s *RealtimeSerializer) SessionUpdate(cfg SessionConfig) ([]byte, error) {
	codec := cfg.Codec
	if codec == "" {
		codec = CodecMulaw
	}
	model := cfg.TranscriptionModel
	if model == "" {
		model = realtimeDefaultTranscriber
	}

	msg := realtimeSessionUpdateMessage{
		Type: realtimeSessionUpdate,
		Session: realtimeSession{
			Modalities:              []string{"text", "audio"},
			Instructions:            cfg.Instructions,
			Voice:                   cfg.Voice,
			InputAudioFormat:        codec.RealtimeFormat(),
			OutputAudioFormat:       codec.RealtimeFormat(),
			InputAudioTranscription: &realtimeTranscription{Model: model},
			TurnDetection: realtimeTurnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VAD.Threshold,
				PrefixPaddingMS:   cfg.VAD.PrefixPaddingMS,
				SilenceDurationMS: cfg.VAD.SilenceDurationMS,
			},
			Temperature: cfg.Temperature,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session.update: %w", err)
	}
	return data, nil
}

// Serialize encodes a frame as a realtime client event. Only caller audio
// has a representation; everything else returns nil, nil.
func (s *RealtimeSerializer) Serialize(frame frames.Frame) ([]byte, error) {
	audio, ok := frame.(*frames.InputAudioFrame)
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(realtimeAppendMessage{
		Type:  realtimeInputAudioAppend,
		Audio: audio.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", realtimeInputAudioAppend, err)
	}
	return data, nil
}

// Deserialize maps a realtime server event to a frame. Both the beta and GA
// event names are accepted.
func (s *RealtimeSerializer) Deserialize(data []byte) frames.Frame {
	var evt realtimeServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return frames.NewUnknownFrame("", fmt.Errorf("failed to unmarshal realtime event: %w", err))
	}

	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return frames.NewUnknownFrame(evt.Type, nil)
		}
		return frames.NewOutputAudioFrame(evt.Delta)

	case "response.audio.done", "response.output_audio.done":
		return frames.NewTurnEndedFrame()

	case "input_audio_buffer.speech_started":
		return frames.NewUserStartedSpeakingFrame()

	case "conversation.item.input_audio_transcription.completed":
		return frames.NewTranscriptionFrame(frames.SpeakerCaller, evt.Transcript, true)

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return frames.NewTranscriptionFrame(frames.SpeakerAssistant, evt.Delta, false)

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return frames.NewTranscriptionFrame(frames.SpeakerAssistant, evt.Transcript, true)

	case "error":
		if evt.Error == nil {
			return frames.NewUpstreamErrorFrame("", "", "error event without details")
		}
		return frames.NewUpstreamErrorFrame(evt.Error.Code, evt.Error.Type, evt.Error.Message)

	default:
		// session.created, response.created, rate_limits.updated, ...
		return frames.NewUnknownFrame(evt.Type, nil)
	}
}
