package observers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/frames"
	"github.com/square-key-labs/strawgo-relay/src/logger"
)

// Publisher is the part of *nats.Conn the observer needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// TranscriptEvent is the JSON document published for every observation
type TranscriptEvent struct {
	Type      string    `json:"type"` // transcript | call.ended
	StreamID  string    `json:"stream_id"`
	CallID    string    `json:"call_id,omitempty"`
	Persona   string    `json:"persona,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSObserver publishes transcripts to <prefix>.<stream id>. Delivery is
// fire-and-forget core NATS; nothing is persisted.
type NATSObserver struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
	now    func() time.Time
}

// NewNATSObserver wraps an existing publisher
func NewNATSObserver(pub Publisher, subjectPrefix string, log *logger.Logger) *NATSObserver {
	if log == nil {
		log = logger.GetDefault()
	}
	return &NATSObserver{
		pub:    pub,
		prefix: strings.TrimSuffix(subjectPrefix, "."),
		logger: log.WithPrefix("NATS"),
		now:    time.Now,
	}
}

// ConnectNATS dials the configured servers and returns an observer that owns
// the connection.
func ConnectNATS(cfg config.NATSConfig, name string, log *logger.Logger) (*NATSObserver, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	o := NewNATSObserver(conn, cfg.SubjectPrefix, log)
	o.conn = conn
	o.logger.Info("connected to %s, publishing on %s.>", url, o.prefix)
	return o, nil
}

// subjectToken rewrites characters NATS treats as token separators or
// wildcards. Asterisk channel ids such as 1700000000.42 contain dots.
var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// Subject returns the subject transcripts for a stream are published on.
// The stream id always maps to a single token.
func (o *NATSObserver) Subject(streamID string) string {
	if streamID == "" {
		streamID = "unknown"
	}
	return o.prefix + "." + subjectToken.Replace(streamID)
}

func (o *NATSObserver) OnTranscript(call CallInfo, frame *frames.TranscriptionFrame) {
	if frame == nil || frame.Text == "" {
		return
	}
	o.publish(call, TranscriptEvent{
		Type:    "transcript",
		Speaker: string(frame.Speaker),
		Text:    frame.Text,
		Final:   frame.IsFinal,
	})
}

func (o *NATSObserver) OnCallEnded(call CallInfo, err error) {
	evt := TranscriptEvent{Type: "call.ended"}
	if err != nil {
		evt.Error = err.Error()
	}
	o.publish(call, evt)
}

func (o *NATSObserver) publish(call CallInfo, evt TranscriptEvent) {
	evt.StreamID = call.StreamID
	evt.CallID = call.CallID
	evt.Persona = call.PersonaID
	evt.Scenario = call.Scenario
	evt.Timestamp = o.now().UTC()

	data, err := json.Marshal(evt)
	if err != nil {
		o.logger.Error("marshal %s event: %v", evt.Type, err)
		return
	}
	if err := o.pub.Publish(o.Subject(call.StreamID), data); err != nil {
		o.logger.Warn("publish %s event for %s: %v", evt.Type, call.StreamID, err)
	}
}

// Close drains the connection if the observer owns one
func (o *NATSObserver) Close() {
	if o == nil || o.conn == nil {
		return
	}
	o.logger.Info("closing NATS connection")
	if err := o.conn.Drain(); err != nil {
		o.conn.Close()
	}
}

// Healthy reports whether the owned connection is up
func (o *NATSObserver) Healthy() bool {
	if o.conn == nil {
		return true
	}
	return o.conn.Status() == nats.CONNECTED
}
