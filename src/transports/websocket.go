package transports

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/observers"
	"github.com/square-key-labs/strawgo-relay/src/relay"
	"github.com/square-key-labs/strawgo-relay/src/serializers"
	"github.com/square-key-labs/strawgo-relay/src/services/openai"
	"github.com/square-key-labs/strawgo-relay/src/telemetry"
)

// Connector opens the realtime leg of a call
type Connector interface {
	Connect(ctx context.Context, persona config.Persona, codec serializers.AudioCodec) (*websocket.Conn, error)
}

// TelephonyTransportConfig holds configuration for a telephony media-stream endpoint
type TelephonyTransportConfig struct {
	Serializer   serializers.TelephonySerializer // Protocol serializer (Twilio, Asterisk)
	Connector    Connector
	Personas     config.Personas
	Keepalive    KeepaliveConfig
	PendingLimit int
	Observer     observers.TranscriptObserver
	Metrics      *telemetry.Metrics
	Tracer       trace.Tracer
	Logger       *logger.Logger
}

// TelephonyTransport accepts telephony media-stream WebSockets and runs one
// relay per connection. It is an http.Handler; mount it on the stream path.
type TelephonyTransport struct {
	config   TelephonyTransportConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger

	calls   map[string]*activeCall
	callMu  sync.RWMutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

type activeCall struct {
	id      string
	session *relay.Session
	cancel  context.CancelFunc
}

// NewTelephonyTransport creates a transport for one telephony dialect
func NewTelephonyTransport(config TelephonyTransportConfig) *TelephonyTransport {
	if config.Serializer == nil {
		panic("TelephonyTransport requires a serializer")
	}
	if config.Connector == nil {
		panic("TelephonyTransport requires a connector")
	}
	if config.Observer == nil {
		config.Observer = observers.Nop{}
	}
	if config.Tracer == nil {
		config.Tracer = noop.NewTracerProvider().Tracer("")
	}
	log := config.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	t := &TelephonyTransport{
		config: config,
		logger: log.WithPrefix(config.Serializer.Name()),
		calls:  make(map[string]*activeCall),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Telephony providers do not send a browser origin
			},
		},
	}
	return t
}

// NewTwilioTransport serves Twilio Media Streams
func NewTwilioTransport(config TelephonyTransportConfig) *TelephonyTransport {
	config.Serializer = serializers.NewTwilioFrameSerializer()
	return NewTelephonyTransport(config)
}

// NewAsteriskTransport serves the Asterisk external media JSON dialect
func NewAsteriskTransport(codec string, config TelephonyTransportConfig) (*TelephonyTransport, error) {
	serializer, err := serializers.NewAsteriskFrameSerializer(serializers.AsteriskSerializerConfig{Codec: codec})
	if err != nil {
		return nil, err
	}
	config.Serializer = serializer
	return NewTelephonyTransport(config), nil
}

// ActiveCalls returns the number of calls currently being handled
func (t *TelephonyTransport) ActiveCalls() int {
	t.callMu.RLock()
	defer t.callMu.RUnlock()
	return len(t.calls)
}

func (t *TelephonyTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.admit() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer t.wg.Done()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("WebSocket upgrade error: %v", err)
		return
	}

	query := r.URL.Query()
	t.handleCall(conn, query.Get("agent"), query.Get("scenario"))
}

// handleCall owns one telephony connection from accept to teardown
func (t *TelephonyTransport) handleCall(conn *websocket.Conn, agent, scenario string) {
	connID := uuid.NewString()
	log := t.logger.WithPrefix(connID[:8])

	persona := t.config.Personas.Resolve(agent)
	if agent != "" && persona.ID != agent {
		log.Warn("Unknown agent %q, using %q", agent, persona.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, span := t.config.Tracer.Start(ctx, "relay.call", trace.WithAttributes(
		attribute.String("relay.conn_id", connID),
		attribute.String("relay.dialect", t.config.Serializer.Name()),
		attribute.String("relay.persona", persona.ID),
		attribute.String("relay.scenario", scenario),
	))
	defer span.End()

	session := relay.NewSession(connID, persona.ID, scenario, t.config.Serializer.Codec())
	t.register(&activeCall{id: connID, session: session, cancel: cancel})
	defer t.unregister(connID)

	started := time.Now()
	t.config.Metrics.CallStarted(ctx, t.config.Serializer.Name())
	defer func() { t.config.Metrics.CallEnded(ctx, time.Since(started)) }()

	telephony := newWSConn(conn, t.config.Keepalive)
	defer telephony.Close()

	log.Info("Telephony connected (persona=%s, scenario=%s)", persona.ID, scenario)

	upstreamConn, err := t.config.Connector.Connect(ctx, persona, session.Codec)
	if err != nil {
		reason := string(openai.ReasonNetwork)
		var ce *openai.ConnectError
		if errors.As(err, &ce) {
			reason = string(ce.Reason)
		}
		log.Error("Realtime connect failed for call %s: %v", connID, err)
		t.config.Metrics.CallFailed(ctx, reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, "realtime connect failed")
		t.config.Observer.OnCallEnded(session.CallInfo(), err)
		return
	}
	upstream := newWSConn(upstreamConn, t.config.Keepalive)
	defer upstream.Close()

	rl := relay.New(session, telephony, upstream, relay.Config{
		Telephony:    t.config.Serializer,
		PendingLimit: t.config.PendingLimit,
		Observer:     t.config.Observer,
		Metrics:      t.config.Metrics,
		Logger:       log,
	})
	rl.OnClosed(func(err error) {
		t.config.Observer.OnCallEnded(session.CallInfo(), err)
	})

	if err := rl.Run(ctx); err != nil {
		log.Error("Call %s ended with error: %v", session.CallID(), err)
		t.config.Metrics.CallFailed(ctx, "upstream")
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream error")
	}

	span.SetAttributes(
		attribute.String("relay.stream_id", session.StreamID()),
		attribute.String("relay.call_id", session.CallID()),
	)
	log.Info("Call finished (stream=%s, call=%s, duration=%s)", session.StreamID(), session.CallID(), time.Since(started).Round(time.Millisecond))
}

// admit counts a new handler unless Shutdown has started. The check and
// wg.Add share callMu with Shutdown so Add never races wg.Wait.
func (t *TelephonyTransport) admit() bool {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	if t.closing.Load() {
		return false
	}
	t.wg.Add(1)
	return true
}

// register tracks a live call. A call admitted before Shutdown but
// registered after it is cancelled straight away.
func (t *TelephonyTransport) register(call *activeCall) {
	t.callMu.Lock()
	t.calls[call.id] = call
	closing := t.closing.Load()
	t.callMu.Unlock()
	if closing {
		call.cancel()
	}
}

func (t *TelephonyTransport) unregister(id string) {
	t.callMu.Lock()
	delete(t.calls, id)
	t.callMu.Unlock()
}

// Shutdown stops accepting calls, tears down the live ones and waits for
// their handlers to return or ctx to expire.
func (t *TelephonyTransport) Shutdown(ctx context.Context) error {
	t.callMu.Lock()
	t.closing.Store(true)
	for _, call := range t.calls {
		call.cancel()
	}
	n := len(t.calls)
	t.callMu.Unlock()

	if n > 0 {
		t.logger.Info("Closing %d active calls", n)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
