package observers

import (
	"github.com/square-key-labs/strawgo-relay/src/frames"
	"github.com/square-key-labs/strawgo-relay/src/logger"
)

// LogObserver writes transcripts to the leveled logger. Final transcripts
// log at INFO; streaming assistant deltas only at DEBUG since they arrive
// a few words at a time.
type LogObserver struct {
	logger *logger.Logger
}

// NewLogObserver creates a log observer. A nil logger uses the default one.
func NewLogObserver(log *logger.Logger) *LogObserver {
	if log == nil {
		log = logger.GetDefault()
	}
	return &LogObserver{logger: log.WithPrefix("Transcript")}
}

func (o *LogObserver) OnTranscript(call CallInfo, frame *frames.TranscriptionFrame) {
	if frame == nil || frame.Text == "" {
		return
	}

	if !frame.IsFinal {
		o.logger.Debug("[%s] %s (partial): %s", call.StreamID, frame.Speaker, frame.Text)
		return
	}

	switch frame.Speaker {
	case frames.SpeakerCaller:
		o.logger.Info("[%s] User said: %s", call.StreamID, frame.Text)
	case frames.SpeakerAssistant:
		o.logger.Info("[%s] AI said: %s", call.StreamID, frame.Text)
	default:
		o.logger.Info("[%s] %s said: %s", call.StreamID, frame.Speaker, frame.Text)
	}
}

func (o *LogObserver) OnCallEnded(call CallInfo, err error) {
	if err != nil {
		o.logger.Info("[%s] call %s ended: %v", call.StreamID, call.CallID, err)
		return
	}
	o.logger.Info("[%s] call %s ended", call.StreamID, call.CallID)
}
