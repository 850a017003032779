package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-relay/src/frames"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/observers"
	"github.com/square-key-labs/strawgo-relay/src/serializers"
)

var errFakeClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory socket. Messages queued with send are returned
// by ReadMessage; hangup simulates the peer closing.
type fakeConn struct {
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errFakeClosed
	default:
	}
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(msg string) {
	c.inbox <- []byte(msg)
}

func (c *fakeConn) hangup() {
	close(c.inbox)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", n, c.messages())
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transcripts []*frames.TranscriptionFrame
	streams     []string
}

func (o *recordingObserver) OnTranscript(call observers.CallInfo, f *frames.TranscriptionFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, f)
	o.streams = append(o.streams, call.StreamID)
}

func (o *recordingObserver) OnCallEnded(observers.CallInfo, error) {}

type harness struct {
	session   *Session
	telephony *fakeConn
	upstream  *fakeConn
	relay     *Relay
	done      chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.New(logger.ERROR, &bytes.Buffer{}, false, "Relay")
	}
	h := &harness{
		session:   NewSession("conn-1", "alex", "inbound", serializers.CodecMulaw),
		telephony: newFakeConn(),
		upstream:  newFakeConn(),
		done:      make(chan error, 1),
	}
	h.relay = New(h.session, h.telephony, h.upstream, cfg)
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.done <- h.relay.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish in time")
		return nil
	}
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
}

const startST1 = `{"event":"start","start":{"streamSid":"ST1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"ST1"}`

func media(payload string) string {
	return `{"event":"media","streamSid":"ST1","media":{"payload":"` + payload + `"}}`
}

func delta(payload string) string {
	return `{"type":"response.audio.delta","delta":"` + payload + `"}`
}

func appendPayloads(t *testing.T, msgs []string) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		var evt struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal([]byte(m), &evt); err != nil {
			t.Fatalf("decode upstream message %q: %v", m, err)
		}
		if evt.Type != "input_audio_buffer.append" {
			t.Fatalf("unexpected upstream message %q", m)
		}
		out = append(out, evt.Audio)
	}
	return out
}

func TestInboundAudioInOrderThenStop(t *testing.T) {
	h := newHarness(t, Config{})
	h.telephony.send(startST1)
	h.telephony.send(media("AAAA"))
	h.telephony.send(media("BBBB"))
	h.telephony.send(`{"event":"stop","streamSid":"ST1"}`)

	closedErr := make(chan error, 2)
	h.relay.OnClosed(func(err error) { closedErr <- err })

	h.run(context.Background())
	if err := h.wait(t); err != nil {
		t.Fatalf("normal hang-up should return nil, got %v", err)
	}

	got := appendPayloads(t, h.upstream.messages())
	if len(got) != 2 || got[0] != "AAAA" || got[1] != "BBBB" {
		t.Fatalf("upstream appends = %v, want [AAAA BBBB]", got)
	}
	if h.session.State() != StateClosed {
		t.Fatalf("state = %s, want closed", h.session.State())
	}
	if !h.upstream.isClosed() || !h.telephony.isClosed() {
		t.Fatal("both sockets must be closed")
	}
	if len(closedErr) != 1 || <-closedErr != nil {
		t.Fatal("OnClosed should fire exactly once with nil error")
	}
}

func TestOutboundAudioTaggedWithStreamID(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.waitReady(t)
	h.upstream.send(delta("XYZ"))

	msgs := h.telephony.waitFor(t, 1)
	if msgs[0] != `{"event":"media","streamSid":"ST1","media":{"payload":"XYZ"}}` {
		t.Fatalf("telephony got %s", msgs[0])
	}

	h.telephony.hangup()
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBargeInClearsBeforeNextMedia(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.waitReady(t)
	h.upstream.send(`{"type":"input_audio_buffer.speech_started","audio_start_ms":500}`)
	h.upstream.send(delta("Q"))

	msgs := h.telephony.waitFor(t, 2)
	if msgs[0] != `{"event":"clear","streamSid":"ST1"}` {
		t.Fatalf("first telephony message = %s, want clear", msgs[0])
	}
	if msgs[1] != `{"event":"media","streamSid":"ST1","media":{"payload":"Q"}}` {
		t.Fatalf("second telephony message = %s", msgs[1])
	}

	h.upstream.hangup()
	h.wait(t)
}

func TestAudioBeforeStartIsBufferedAndFlushedInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.upstream.send(delta("A"))
	h.upstream.send(delta("B"))
	time.Sleep(20 * time.Millisecond)
	if msgs := h.telephony.messages(); len(msgs) != 0 {
		t.Fatalf("no media may be sent before the stream id is known, got %v", msgs)
	}

	h.telephony.send(startST1)
	h.waitReady(t)
	h.upstream.send(delta("C"))

	msgs := h.telephony.waitFor(t, 3)
	for i, want := range []string{"A", "B", "C"} {
		if msgs[i] != `{"event":"media","streamSid":"ST1","media":{"payload":"`+want+`"}}` {
			t.Fatalf("message %d = %s, want payload %s", i, msgs[i], want)
		}
	}

	h.telephony.hangup()
	h.wait(t)
}

func TestPendingBoundDropsNewest(t *testing.T) {
	h := newHarness(t, Config{PendingLimit: 2})
	ctx := context.Background()

	for _, p := range []string{"A", "B", "C"} {
		if err := h.relay.handleOutbound(ctx, frames.NewOutputAudioFrame(p)); err != nil {
			t.Fatalf("handle %s: %v", p, err)
		}
	}
	if h.relay.pending.size() != 2 {
		t.Fatalf("pending = %d, want 2", h.relay.pending.size())
	}

	h.session.Start(Identity{StreamID: "ST1", CallID: "CA1"})
	if err := h.relay.handleOutbound(ctx, frames.NewOutputAudioFrame("D")); err != nil {
		t.Fatalf("handle D: %v", err)
	}

	msgs := h.telephony.messages()
	if len(msgs) != 3 {
		t.Fatalf("telephony got %v", msgs)
	}
	for i, want := range []string{"A", "B", "D"} {
		if msgs[i] != `{"event":"media","streamSid":"ST1","media":{"payload":"`+want+`"}}` {
			t.Fatalf("message %d = %s, want payload %s", i, msgs[i], want)
		}
	}
}

func TestSpeechStartedBeforeStreamIDDiscardsPending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.relay.handleOutbound(ctx, frames.NewOutputAudioFrame("stale"))
	if err := h.relay.handleOutbound(ctx, frames.NewUserStartedSpeakingFrame()); err != nil {
		t.Fatalf("handle speech started: %v", err)
	}
	if h.relay.pending.size() != 0 {
		t.Fatal("pending audio should be discarded on barge-in")
	}
	if msgs := h.telephony.messages(); len(msgs) != 0 {
		t.Fatalf("no clear can be sent without a stream id, got %v", msgs)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.telephony.send(`{"event":"media",`)
	h.telephony.send(media("AAAA"))
	h.waitReady(t)

	h.upstream.send(`{"type":"response.audio.delta",`)
	h.upstream.send(delta("XYZ"))

	got := appendPayloads(t, h.upstream.waitFor(t, 1))
	if got[0] != "AAAA" {
		t.Fatalf("append after malformed frame = %v", got)
	}
	msgs := h.telephony.waitFor(t, 1)
	if msgs[0] != `{"event":"media","streamSid":"ST1","media":{"payload":"XYZ"}}` {
		t.Fatalf("media after malformed frame = %s", msgs[0])
	}

	h.telephony.hangup()
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTelephonyHangupClosesUpstream(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.waitReady(t)
	h.telephony.hangup()

	if err := h.wait(t); err != nil {
		t.Fatalf("hang-up is not an error: %v", err)
	}
	if !h.upstream.isClosed() {
		t.Fatal("upstream socket should be closed after telephony hang-up")
	}
	if h.session.State() != StateClosed {
		t.Fatalf("state = %s", h.session.State())
	}
}

func TestUpstreamCloseClosesTelephony(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.waitReady(t)
	h.upstream.hangup()

	if err := h.wait(t); err != nil {
		t.Fatalf("upstream close is not an error: %v", err)
	}
	if !h.telephony.isClosed() {
		t.Fatal("telephony socket should be closed after upstream close")
	}
}

func TestUpstreamErrorEndsCall(t *testing.T) {
	h := newHarness(t, Config{})
	var closedWith error
	h.relay.OnClosed(func(err error) { closedWith = err })
	h.run(context.Background())

	h.telephony.send(startST1)
	h.waitReady(t)
	h.upstream.send(`{"type":"error","error":{"type":"insufficient_quota","code":"insufficient_quota","message":"You exceeded your current quota"}}`)

	err := h.wait(t)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Code != "insufficient_quota" {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !h.telephony.isClosed() || h.session.State() != StateClosed {
		t.Fatal("upstream error must tear the call down")
	}
	if closedWith != err {
		t.Fatalf("OnClosed got %v", closedWith)
	}
}

func TestContextCancelClosesSockets(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	h.telephony.send(startST1)
	h.waitReady(t)
	cancel()

	h.wait(t)
	if !h.telephony.isClosed() || !h.upstream.isClosed() {
		t.Fatal("cancellation must close both sockets")
	}
}

func TestSecondStartIgnoredAndTranscriptsObserved(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, Config{Observer: obs})
	h.run(context.Background())

	h.telephony.send(startST1)
	h.telephony.send(`{"event":"start","start":{"streamSid":"ST9","callSid":"CA9"}}`)
	h.telephony.send(media("AAAA"))
	h.upstream.waitFor(t, 1)
	if h.session.StreamID() != "ST1" {
		t.Fatalf("second start replaced stream id with %q", h.session.StreamID())
	}

	h.upstream.send(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`)
	h.upstream.send(`{"type":"response.audio_transcript.done","transcript":"hello there"}`)
	h.upstream.send(delta("Z"))
	msgs := h.telephony.waitFor(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("transcripts must never reach telephony, got %v", msgs)
	}

	h.telephony.hangup()
	h.wait(t)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.transcripts) != 2 {
		t.Fatalf("observer got %d transcripts", len(obs.transcripts))
	}
	if obs.transcripts[0].Speaker != frames.SpeakerCaller || obs.transcripts[1].Text != "hello there" {
		t.Fatalf("unexpected transcripts: %v %v", obs.transcripts[0], obs.transcripts[1])
	}
	if obs.streams[0] != "ST1" {
		t.Fatalf("observer call info stream = %q", obs.streams[0])
	}
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.telephony.hangup()
	h.run(context.Background())
	h.wait(t)

	if err := h.relay.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}
