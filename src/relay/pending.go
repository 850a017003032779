package relay

import (
	"github.com/square-key-labs/strawgo-relay/src/frames"
)

// DefaultPendingLimit bounds assistant audio held before the stream id is known
const DefaultPendingLimit = 64

// pendingAudio holds assistant audio that arrived before the telephony start
// event. It is owned by the outbound loop and needs no locking.
type pendingAudio struct {
	limit  int
	frames []*frames.OutputAudioFrame
}

func newPendingAudio(limit int) *pendingAudio {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &pendingAudio{limit: limit}
}

// push appends f, or returns false when the bound is reached. Newest frames
// are the ones dropped so playback stays contiguous from the start.
func (p *pendingAudio) push(f *frames.OutputAudioFrame) bool {
	if len(p.frames) >= p.limit {
		return false
	}
	p.frames = append(p.frames, f)
	return true
}

// take returns the buffered frames in arrival order and empties the buffer
func (p *pendingAudio) take() []*frames.OutputAudioFrame {
	out := p.frames
	p.frames = nil
	return out
}

// reset discards everything and returns how many frames were dropped
func (p *pendingAudio) reset() int {
	n := len(p.frames)
	p.frames = nil
	return n
}

func (p *pendingAudio) size() int {
	return len(p.frames)
}
