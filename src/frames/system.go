package frames

import "fmt"

// MediaFormat is the audio format negotiated by the telephony peer
type MediaFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// StreamStartedFrame signals the telephony peer opened its media stream.
// StreamID is required on every frame sent back to that peer.
type StreamStartedFrame struct {
	*BaseFrame
	StreamID         string
	CallID           string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

func NewStreamStartedFrame(streamID, callID string) *StreamStartedFrame {
	return &StreamStartedFrame{
		BaseFrame: NewBaseFrame("StreamStartedFrame"),
		StreamID:  streamID,
		CallID:    callID,
	}
}

// EndFrame signals a peer stopped its stream. It is terminal for the leg
// it arrives on.
type EndFrame struct {
	*BaseFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{
		BaseFrame: NewBaseFrame("EndFrame"),
	}
}

// UserStartedSpeakingFrame signals the realtime API detected caller speech.
// On the telephony wire it becomes a playback flush (barge-in).
type UserStartedSpeakingFrame struct {
	*BaseFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{
		BaseFrame: NewBaseFrame("UserStartedSpeakingFrame"),
	}
}

// UpstreamErrorFrame carries an explicit error event from the realtime API
type UpstreamErrorFrame struct {
	*BaseFrame
	Code    string
	Type    string
	Message string
}

func NewUpstreamErrorFrame(code, errType, message string) *UpstreamErrorFrame {
	return &UpstreamErrorFrame{
		BaseFrame: NewBaseFrame("UpstreamErrorFrame"),
		Code:      code,
		Type:      errType,
		Message:   message,
	}
}

func (f *UpstreamErrorFrame) String() string {
	return fmt.Sprintf("%s(code=%s, type=%s, message=%q)", f.BaseFrame.String(), f.Code, f.Type, f.Message)
}
