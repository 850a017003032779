package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/serializers"
)

// ConnectReason classifies why the realtime session could not be opened
type ConnectReason string

const (
	ReasonAuth     ConnectReason = "auth"     // credential rejected (401/403)
	ReasonProtocol ConnectReason = "protocol" // any other handshake rejection
	ReasonNetwork  ConnectReason = "network"  // dial, timeout or write failure
)

// ConnectError is returned by Connect. It is fatal for the call; there is
// no retry within one call attempt.
type ConnectError struct {
	Reason     ConnectReason
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime connect failed (%s, status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime connect failed (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// RealtimeConfig holds configuration for the OpenAI Realtime API
type RealtimeConfig struct {
	URL                string // e.g. "wss://api.openai.com/v1/realtime"
	Model              string // appended as ?model=
	APIKey             string
	BetaHeader         string // OpenAI-Beta value; empty omits the header
	HandshakeTimeout   time.Duration
	TranscriptionModel string
	Temperature        float64
	VAD                serializers.VADConfig
}

// RealtimeConfigFrom maps the file/env configuration onto the connector's
func RealtimeConfigFrom(cfg config.RealtimeConfig) RealtimeConfig {
	return RealtimeConfig{
		URL:                cfg.URL,
		Model:              cfg.Model,
		APIKey:             cfg.APIKey,
		BetaHeader:         cfg.BetaHeader,
		HandshakeTimeout:   cfg.HandshakeTimeout(),
		TranscriptionModel: cfg.TranscriptionModel,
		Temperature:        cfg.Temperature,
		VAD: serializers.VADConfig{
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMS:   cfg.VAD.PrefixPaddingMS,
			SilenceDurationMS: cfg.VAD.SilenceDurationMS,
		},
	}
}

// Connector opens authenticated realtime sessions. It holds only immutable
// configuration and is shared by all calls.
type Connector struct {
	config     RealtimeConfig
	dialer     websocket.Dialer
	serializer *serializers.RealtimeSerializer
	logger     *logger.Logger
}

// NewConnector creates a connector for the given configuration
func NewConnector(config RealtimeConfig, log *logger.Logger) *Connector {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Connector{
		config: config,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		serializer: serializers.NewRealtimeSerializer(),
		logger:     log.WithPrefix("OpenAIRealtime"),
	}
}

// Endpoint returns the websocket url including the model parameter
func (c *Connector) Endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if c.config.Model != "" {
		q := u.Query()
		q.Set("model", c.config.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the realtime API, authenticates with the bearer credential
// and sends session.update for the persona before returning. The caller
// owns the returned connection.
func (c *Connector) Connect(ctx context.Context, persona config.Persona, codec serializers.AudioCodec) (*websocket.Conn, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, &ConnectError{Reason: ReasonProtocol, Err: err}
	}

	update, err := c.serializer.SessionUpdate(serializers.SessionConfig{
		Instructions:       persona.Instructions,
		Voice:              persona.Voice,
		Codec:              codec,
		TranscriptionModel: c.config.TranscriptionModel,
		Temperature:        c.config.Temperature,
		VAD:                c.config.VAD,
	})
	if err != nil {
		return nil, &ConnectError{Reason: ReasonProtocol, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.APIKey)
	if c.config.BetaHeader != "" {
		header.Set("OpenAI-Beta", c.config.BetaHeader)
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, classifyDialError(resp, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		conn.Close()
		return nil, &ConnectError{Reason: ReasonNetwork, Err: fmt.Errorf("send session.update: %w", err)}
	}
	conn.SetWriteDeadline(time.Time{})

	c.logger.Info("Connected (persona=%s, voice=%s, format=%s)", persona.ID, persona.Voice, codec.RealtimeFormat())
	return conn, nil
}

func classifyDialError(resp *http.Response, err error) *ConnectError {
	if resp == nil {
		return &ConnectError{Reason: ReasonNetwork, Err: err}
	}
	if resp.Body != nil {
		resp.Body.Close()
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ConnectError{Reason: ReasonAuth, StatusCode: resp.StatusCode, Err: err}
	default:
		if errors.Is(err, websocket.ErrBadHandshake) || resp.StatusCode != http.StatusSwitchingProtocols {
			return &ConnectError{Reason: ReasonProtocol, StatusCode: resp.StatusCode, Err: err}
		}
		return &ConnectError{Reason: ReasonNetwork, StatusCode: resp.StatusCode, Err: err}
	}
}
