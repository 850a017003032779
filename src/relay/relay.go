package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/square-key-labs/strawgo-relay/src/frames"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/observers"
	"github.com/square-key-labs/strawgo-relay/src/serializers"
	"github.com/square-key-labs/strawgo-relay/src/telemetry"
)

// ErrPeerClosed marks the expected end of a call: a socket closed or a read
// failed. Run does not report it as an error.
var ErrPeerClosed = errors.New("peer closed")

// UpstreamError is an explicit error event from the realtime API
type UpstreamError struct {
	Code    string
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("realtime api error (code=%s, type=%s): %s", e.Code, e.Type, e.Message)
}

// Conn is the message-level socket the relay reads and writes. Both
// *websocket.Conn and the transport keepalive wrapper satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config holds the per-call collaborators of a Relay
type Config struct {
	Telephony    serializers.TelephonySerializer
	PendingLimit int
	Observer     observers.TranscriptObserver
	Metrics      *telemetry.Metrics
	Logger       *logger.Logger
}

// Relay forwards one call between the telephony socket and the realtime
// socket. The inbound loop is the only writer of the realtime socket and
// the outbound loop the only writer of the telephony socket.
type Relay struct {
	session   *Session
	telephony Conn
	upstream  Conn

	telephonySerializer serializers.TelephonySerializer
	realtimeSerializer  *serializers.RealtimeSerializer
	pending             *pendingAudio

	observer observers.TranscriptObserver
	metrics  *telemetry.Metrics
	logger   *logger.Logger

	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	started  bool
	onClosed []func(error)
}

// New creates a relay for session over the two sockets
func New(session *Session, telephony, upstream Conn, config Config) *Relay {
	if config.Telephony == nil {
		config.Telephony = serializers.NewTwilioFrameSerializer()
	}
	if config.Observer == nil {
		config.Observer = observers.Nop{}
	}
	log := config.Logger
	if log == nil {
		log = logger.GetDefault().WithPrefix("Relay")
	}

	return &Relay{
		session:             session,
		telephony:           telephony,
		upstream:            upstream,
		telephonySerializer: config.Telephony,
		realtimeSerializer:  serializers.NewRealtimeSerializer(),
		pending:             newPendingAudio(config.PendingLimit),
		observer:            config.Observer,
		metrics:             config.Metrics,
		logger:              log,
	}
}

// Session returns the call state shared by both loops
func (r *Relay) Session() *Session {
	return r.session
}

// OnClosed registers a callback fired once after the session reaches Closed.
// err is nil for a normal hang-up.
func (r *Relay) OnClosed(callback func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = append(r.onClosed, callback)
}

// Run forwards media until either loop ends, closes both sockets and
// returns once both loops have exited. A normal hang-up returns nil; an
// upstream error event returns *UpstreamError.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("relay already started")
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Debug("Starting relay (persona=%s, dialect=%s)", r.session.PersonaID, r.telephonySerializer.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.finish("inbound", r.inbound(gctx))
		return nil
	})
	g.Go(func() error {
		r.finish("outbound", r.outbound(gctx))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		// Cancellation unblocks both pending reads
		select {
		case <-ctx.Done():
			r.closeSockets()
		case <-stop:
		}
	}()
	g.Wait()
	close(stop)

	r.session.Close()

	r.mu.Lock()
	err := r.err
	callbacks := r.onClosed
	r.onClosed = nil
	r.mu.Unlock()

	r.logger.Info("Relay closed (stream=%s)", r.session.StreamID())
	for _, cb := range callbacks {
		cb(err)
	}
	return err
}

// finish records the first significant loop error and tears both sockets
// down so the counterpart loop unblocks.
func (r *Relay) finish(loop string, err error) {
	r.session.Drain()
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
	r.logger.Debug("%s loop exited: %v", loop, err)
	r.closeSockets()
}

func (r *Relay) closeSockets() {
	r.closeOnce.Do(func() {
		if err := r.telephony.Close(); err != nil {
			r.logger.Debug("close telephony socket: %v", err)
		}
		if err := r.upstream.Close(); err != nil {
			r.logger.Debug("close realtime socket: %v", err)
		}
	})
}

// inbound forwards telephony -> realtime API. Audio is written as soon as
// it is read, in order, without buffering.
func (r *Relay) inbound(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, data, err := r.telephony.ReadMessage()
		if err != nil {
			return fmt.Errorf("telephony %w: %v", ErrPeerClosed, err)
		}

		switch f := r.telephonySerializer.Deserialize(data).(type) {
		case *frames.StreamStartedFrame:
			if !r.session.Start(Identity{StreamID: f.StreamID, CallID: f.CallID, MediaFormat: f.MediaFormat}) {
				r.logger.Warn("Ignoring start for %s: session already %s (stream=%s)", f.StreamID, r.session.State(), r.session.StreamID())
				continue
			}
			r.logger.Info("Stream started (stream=%s, call=%s, encoding=%s)", f.StreamID, f.CallID, f.MediaFormat.Encoding)

		case *frames.InputAudioFrame:
			payload, err := r.realtimeSerializer.Serialize(f)
			if err != nil {
				return err
			}
			if err := r.upstream.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("realtime write %w: %v", ErrPeerClosed, err)
			}
			r.metrics.FrameForwarded(ctx, frames.Inbound.String())

		case *frames.EndFrame:
			r.session.Drain()
			r.logger.Info("Telephony stream stopped (stream=%s)", r.session.StreamID())
			return nil

		case *frames.UnknownFrame:
			r.dropUnknown("telephony", f)

		default:
			r.logger.Debug("Ignoring telephony frame %s", f.Name())
		}
	}
}

// outbound forwards realtime API -> telephony. A reader goroutine feeds the
// loop so it can also react to the session becoming ready.
func (r *Relay) outbound(ctx context.Context) error {
	incoming := make(chan frames.Frame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := r.upstream.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- r.realtimeSerializer.Deserialize(data):
			case <-done:
				return
			}
		}
	}()

	ready := r.session.Ready()
	for {
		if !r.session.Active() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil

		case <-ready:
			ready = nil
			if err := r.flushPending(ctx); err != nil {
				return err
			}

		case err := <-readErr:
			r.session.Drain()
			return fmt.Errorf("realtime %w: %v", ErrPeerClosed, err)

		case frame := <-incoming:
			if err := r.handleOutbound(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleOutbound(ctx context.Context, frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.OutputAudioFrame:
		streamID := r.session.StreamID()
		if streamID == "" {
			if !r.pending.push(f) {
				r.logger.Warn("Dropping assistant audio: %d frames already pending before stream start", r.pending.size())
				r.metrics.FrameDropped(ctx, "pending_overflow")
			}
			return nil
		}
		if err := r.flushPending(ctx); err != nil {
			return err
		}
		return r.writeTelephony(ctx, f, streamID)

	case *frames.UserStartedSpeakingFrame:
		streamID := r.session.StreamID()
		// Audio not yet played is stale once the caller talks over it
		if n := r.pending.reset(); n > 0 {
			r.logger.Debug("Barge-in discarded %d pending frames", n)
		}
		if streamID == "" {
			return nil
		}
		r.logger.Info("Caller started speaking, clearing playback (stream=%s)", streamID)
		r.metrics.BargeIn(ctx)
		return r.writeTelephony(ctx, f, streamID)

	case *frames.TranscriptionFrame:
		r.observer.OnTranscript(r.session.CallInfo(), f)

	case *frames.TurnEndedFrame:
		r.logger.Debug("Assistant turn ended (stream=%s)", r.session.StreamID())

	case *frames.UpstreamErrorFrame:
		r.session.Drain()
		r.logger.Error("Realtime API error (stream=%s): %s", r.session.StreamID(), f)
		return &UpstreamError{Code: f.Code, Type: f.Type, Message: f.Message}

	case *frames.EndFrame:
		r.session.Drain()
		return fmt.Errorf("realtime stream %w", ErrPeerClosed)

	case *frames.UnknownFrame:
		r.dropUnknown("realtime", f)

	default:
		r.logger.Debug("Ignoring realtime frame %s", f.Name())
	}
	return nil
}

func (r *Relay) flushPending(ctx context.Context) error {
	if r.pending.size() == 0 {
		return nil
	}
	streamID := r.session.StreamID()
	if streamID == "" {
		return nil
	}
	buffered := r.pending.take()
	r.logger.Debug("Flushing %d pending frames (stream=%s)", len(buffered), streamID)
	for _, f := range buffered {
		if err := r.writeTelephony(ctx, f, streamID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) writeTelephony(ctx context.Context, frame frames.Frame, streamID string) error {
	data, err := r.telephonySerializer.Serialize(frame, streamID)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if err := r.telephony.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("telephony write %w: %v", ErrPeerClosed, err)
	}
	if _, ok := frame.(*frames.OutputAudioFrame); ok {
		r.metrics.FrameForwarded(ctx, frames.Outbound.String())
	}
	return nil
}

func (r *Relay) dropUnknown(side string, f *frames.UnknownFrame) {
	if f.Malformed() {
		r.logger.Warn("Dropping malformed %s frame: %v", side, f.Err)
		r.metrics.FrameDropped(context.Background(), "malformed")
		return
	}
	r.logger.Debug("Ignoring %s event %q", side, f.Event)
}
