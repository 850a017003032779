package frames

import "fmt"

// InputAudioFrame is one frame of caller audio (telephony -> realtime API).
// Payload is the wire text exactly as received; it is never decoded.
type InputAudioFrame struct {
	*BaseFrame
	Payload string
}

func NewInputAudioFrame(payload string) *InputAudioFrame {
	return &InputAudioFrame{
		BaseFrame: NewBaseFrame("InputAudioFrame"),
		Payload:   payload,
	}
}

// OutputAudioFrame is one chunk of synthesized audio (realtime API -> telephony)
type OutputAudioFrame struct {
	*BaseFrame
	Payload string
}

func NewOutputAudioFrame(payload string) *OutputAudioFrame {
	return &OutputAudioFrame{
		BaseFrame: NewBaseFrame("OutputAudioFrame"),
		Payload:   payload,
	}
}

// Speaker identifies who a transcript belongs to
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptionFrame carries transcript text for observability only
type TranscriptionFrame struct {
	*BaseFrame
	Speaker Speaker
	Text    string
	IsFinal bool
}

func NewTranscriptionFrame(speaker Speaker, text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		BaseFrame: NewBaseFrame("TranscriptionFrame"),
		Speaker:   speaker,
		Text:      text,
		IsFinal:   isFinal,
	}
}

func (f *TranscriptionFrame) String() string {
	return fmt.Sprintf("%s(%s, final=%t, %q)", f.BaseFrame.String(), f.Speaker, f.IsFinal, f.Text)
}
