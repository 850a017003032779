package relay

import (
	"sync/atomic"

	"github.com/square-key-labs/strawgo-relay/src/frames"
	"github.com/square-key-labs/strawgo-relay/src/observers"
	"github.com/square-key-labs/strawgo-relay/src/serializers"
)

// State is the lifecycle state of a call
type State int32

const (
	StateHandshaking State = iota // waiting for the telephony start event
	StateStreaming
	StateDraining // a peer stopped, errored or disconnected
	StateClosed   // both loops exited
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is what the telephony peer announces in its start event
type Identity struct {
	StreamID    string
	CallID      string
	MediaFormat frames.MediaFormat
}

// Session is the state of one call-to-AI pairing. The inbound loop is the
// only writer; the identity is published once and never changes after.
type Session struct {
	ConnID    string
	PersonaID string
	Scenario  string
	Codec     serializers.AudioCodec

	state    atomic.Int32
	identity atomic.Pointer[Identity]
	ready    chan struct{}
}

func NewSession(connID, personaID, scenario string, codec serializers.AudioCodec) *Session {
	return &Session{
		ConnID:    connID,
		PersonaID: personaID,
		Scenario:  scenario,
		Codec:     codec,
		ready:     make(chan struct{}),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Active reports whether media may still flow
func (s *Session) Active() bool {
	st := s.State()
	return st == StateHandshaking || st == StateStreaming
}

// Ready is closed once the stream identity has been published
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Identity returns the published identity, or nil before Start
func (s *Session) Identity() *Identity {
	return s.identity.Load()
}

// StreamID returns "" until Start has succeeded
func (s *Session) StreamID() string {
	if id := s.identity.Load(); id != nil {
		return id.StreamID
	}
	return ""
}

func (s *Session) CallID() string {
	if id := s.identity.Load(); id != nil {
		return id.CallID
	}
	return ""
}

// Start publishes the stream identity and moves Handshaking to Streaming.
// It succeeds at most once; later calls return false and change nothing.
func (s *Session) Start(id Identity) bool {
	if s.State() != StateHandshaking {
		return false
	}
	if !s.identity.CompareAndSwap(nil, &id) {
		return false
	}
	close(s.ready)
	return s.state.CompareAndSwap(int32(StateHandshaking), int32(StateStreaming))
}

// Drain moves an active session to Draining. It returns false if the
// session was already draining or closed.
func (s *Session) Drain() bool {
	for {
		cur := s.state.Load()
		if cur != int32(StateHandshaking) && cur != int32(StateStreaming) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateDraining)) {
			return true
		}
	}
}

// Close moves the session to Closed. Only the first call returns true.
func (s *Session) Close() bool {
	return s.state.Swap(int32(StateClosed)) != int32(StateClosed)
}

// CallInfo snapshots the session for observers
func (s *Session) CallInfo() observers.CallInfo {
	return observers.CallInfo{
		ConnID:    s.ConnID,
		StreamID:  s.StreamID(),
		CallID:    s.CallID(),
		PersonaID: s.PersonaID,
		Scenario:  s.Scenario,
	}
}
