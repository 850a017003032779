package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/services/twilio"
	"github.com/square-key-labs/strawgo-relay/src/transports"
)

const (
	mediaStreamPath       = "/media-stream"
	outboundHandlerPath   = "/outbound-call-handler"
	recordingCallbackPath = "/recording-status-callback"
)

// Options wires the collaborators the HTTP surface exposes
type Options struct {
	Config   config.Config
	Twilio   *transports.TelephonyTransport
	Asterisk *transports.TelephonyTransport // nil when disabled
	Calls    twilio.CallPlacer              // nil when outbound calling is not configured
	Metrics  http.Handler                   // nil disables /metrics
	Checks   map[string]func() bool         // dependencies /readyz reports on
	Logger   *logger.Logger
}

// Server is the HTTP control surface: health, call placement, TwiML and the
// media-stream WebSocket endpoints.
type Server struct {
	cfg        config.Config
	twilio     *transports.TelephonyTransport
	asterisk   *transports.TelephonyTransport
	calls      twilio.CallPlacer
	checks     map[string]func() bool
	mux        *http.ServeMux
	httpServer *http.Server
	ready      atomic.Bool
	logger     *logger.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	s := &Server{
		cfg:      opts.Config,
		twilio:   opts.Twilio,
		asterisk: opts.Asterisk,
		calls:    opts.Calls,
		checks:   opts.Checks,
		mux:      http.NewServeMux(),
		logger:   log.WithPrefix("HTTP"),
	}

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("/make-call/{number}", s.handleMakeCall)
	s.mux.HandleFunc(outboundHandlerPath, s.handleOutboundTwiML)
	s.mux.HandleFunc("/inbound-call-handler", s.handleInboundTwiML)
	s.mux.HandleFunc("POST "+recordingCallbackPath, s.handleRecordingStatus)
	if s.twilio != nil {
		s.mux.Handle(mediaStreamPath, s.twilio)
	}
	if s.asterisk != nil {
		s.mux.Handle(s.cfg.Asterisk.Path, s.asterisk)
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then drains live calls and shuts the
// listener down.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.HTTP.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.ready.Store(true)
	s.logger.Info("Listening on %s (media stream %s)", addr, mediaStreamPath)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	s.ready.Store(false)
	s.logger.Info("Stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, t := range []*transports.TelephonyTransport{s.twilio, s.asterisk} {
		if t == nil {
			continue
		}
		if err := t.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Call drain incomplete: %v", err)
		}
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "running", "agents": s.cfg.Personas.IDs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "online", "agents": s.cfg.Personas.IDs()})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for name, healthy := range s.checks {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(name + " unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = s.cfg.Personas.Default
	}
	if _, ok := s.cfg.Personas.Lookup(agent); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown agent " + agent})
		return
	}
	if s.calls == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "outbound calling is not configured"})
		return
	}

	host := s.publicHost(r)
	answer := url.URL{Scheme: "https", Host: host, Path: outboundHandlerPath, RawQuery: url.Values{"agent": {agent}}.Encode()}
	recording := url.URL{Scheme: "https", Host: host, Path: recordingCallbackPath}

	sid, err := s.calls.PlaceCall(r.Context(), twilio.CallRequest{
		To:                      number,
		AnswerURL:               answer.String(),
		RecordingStatusCallback: recording.String(),
	})
	if err != nil {
		s.logger.Error("Failed to place call to %s: %v", number, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid, "agent": agent})
}

func (s *Server) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = s.cfg.Personas.Default
	}
	s.writeStreamTwiML(w, r, agent, "outbound")
}

func (s *Server) handleInboundTwiML(w http.ResponseWriter, r *http.Request) {
	s.writeStreamTwiML(w, r, s.cfg.Personas.Default, "inbound")
}

func (s *Server) writeStreamTwiML(w http.ResponseWriter, r *http.Request, agent, scenario string) {
	streamURL := twilio.StreamURL(s.publicHost(r), mediaStreamPath, agent, scenario)
	doc, err := twilio.ConnectStreamTwiML(streamURL)
	if err != nil {
		s.logger.Error("Failed to build TwiML: %v", err)
		http.Error(w, "failed to build twiml", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// handleRecordingStatus acknowledges Twilio's recording notification.
// Recordings stay with Twilio; nothing is stored here.
func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		s.logger.Info("Recording %s for call %s is %s", r.PostForm.Get("RecordingSid"), r.PostForm.Get("CallSid"), r.PostForm.Get("RecordingStatus"))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	return r.Host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
