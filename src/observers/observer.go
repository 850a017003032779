package observers

import (
	"github.com/square-key-labs/strawgo-relay/src/frames"
)

// CallInfo identifies the call an observation belongs to
type CallInfo struct {
	ConnID    string
	StreamID  string
	CallID    string
	PersonaID string
	Scenario  string
}

// TranscriptObserver receives transcript text and call lifecycle events.
// Implementations must not block the relay: they are called from the
// outbound forwarding loop.
type TranscriptObserver interface {
	OnTranscript(call CallInfo, frame *frames.TranscriptionFrame)
	OnCallEnded(call CallInfo, err error)
}

// MultiObserver fans out to several observers in order
type MultiObserver []TranscriptObserver

func (m MultiObserver) OnTranscript(call CallInfo, frame *frames.TranscriptionFrame) {
	for _, o := range m {
		o.OnTranscript(call, frame)
	}
}

func (m MultiObserver) OnCallEnded(call CallInfo, err error) {
	for _, o := range m {
		o.OnCallEnded(call, err)
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) OnTranscript(CallInfo, *frames.TranscriptionFrame) {}
func (Nop) OnCallEnded(CallInfo, error)                       {}
