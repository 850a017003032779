package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/services/twilio"
)

type fakePlacer struct {
	got twilio.CallRequest
	sid string
	err error
}

func (f *fakePlacer) PlaceCall(_ context.Context, req twilio.CallRequest) (string, error) {
	f.got = req
	return f.sid, f.err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PublicURL = "relay.example.com"
	return cfg
}

func TestHealthListsAgents(t *testing.T) {
	s := New(Options{Config: testConfig()})

	for path, status := range map[string]string{"/": "running", "/health": "online"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		var body struct {
			Status string   `json:"status"`
			Agents []string `json:"agents"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if body.Status != status {
			t.Fatalf("%s: status = %q, want %q", path, body.Status, status)
		}
		if strings.Join(body.Agents, ",") != "alex,jessica,stacy,test-bot" {
			t.Fatalf("%s: agents = %v", path, body.Agents)
		}
	}
}

func TestReadyzBeforeStart(t *testing.T) {
	s := New(Options{Config: testConfig()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d", rec.Code)
	}

	s.ready.Store(true)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz when ready = %d", rec.Code)
	}
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	natsUp := true
	s := New(Options{Config: testConfig(), Checks: map[string]func() bool{
		"nats": func() bool { return natsUp },
	}})
	s.ready.Store(true)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz with healthy check = %d", rec.Code)
	}

	natsUp = false
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "nats unavailable") {
		t.Fatalf("readyz with failing check = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMakeCallPlacesCall(t *testing.T) {
	placer := &fakePlacer{sid: "CA123"}
	s := New(Options{Config: testConfig(), Calls: placer})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/make-call/+15551112222?agent=jessica", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["call_sid"] != "CA123" || body["agent"] != "jessica" {
		t.Fatalf("body = %v", body)
	}
	if placer.got.To != "+15551112222" {
		t.Fatalf("to = %q", placer.got.To)
	}
	answer, err := url.Parse(placer.got.AnswerURL)
	if err != nil {
		t.Fatalf("answer url: %v", err)
	}
	if answer.Host != "relay.example.com" || answer.Path != "/outbound-call-handler" || answer.Query().Get("agent") != "jessica" {
		t.Fatalf("answer url = %s", placer.got.AnswerURL)
	}
	if placer.got.RecordingStatusCallback != "https://relay.example.com/recording-status-callback" {
		t.Fatalf("recording callback = %s", placer.got.RecordingStatusCallback)
	}
}

func TestMakeCallDefaultsAgent(t *testing.T) {
	placer := &fakePlacer{sid: "CA1"}
	s := New(Options{Config: testConfig(), Calls: placer})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/make-call/+15551112222", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"agent":"alex"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMakeCallRejectsUnknownAgent(t *testing.T) {
	placer := &fakePlacer{sid: "CA1"}
	s := New(Options{Config: testConfig(), Calls: placer})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/make-call/+15551112222?agent=bob", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown agent bob") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if placer.got.To != "" {
		t.Fatal("no call should be placed for an unknown agent")
	}
}

func TestMakeCallFailures(t *testing.T) {
	s := New(Options{Config: testConfig()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/make-call/+15551112222", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without placer: status %d", rec.Code)
	}

	s = New(Options{Config: testConfig(), Calls: &fakePlacer{err: errors.New("twilio down")}})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/make-call/+15551112222", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("placer error: status %d", rec.Code)
	}
}

func TestCallHandlersServeStreamTwiML(t *testing.T) {
	s := New(Options{Config: testConfig()})

	cases := map[string][]string{
		"/outbound-call-handler?agent=stacy": {"agent=stacy", "scenario=outbound"},
		"/inbound-call-handler":              {"agent=alex", "scenario=inbound"},
	}
	for path, wants := range cases {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
			t.Fatalf("%s: content type %q", path, ct)
		}
		doc := rec.Body.String()
		if !strings.Contains(doc, "<Stream") || !strings.Contains(doc, "wss://relay.example.com/media-stream?") {
			t.Fatalf("%s: twiml = %s", path, doc)
		}
		for _, want := range wants {
			if !strings.Contains(doc, want) {
				t.Fatalf("%s: expected %q in %s", path, want, doc)
			}
		}
	}
}

func TestTwiMLFallsBackToRequestHost(t *testing.T) {
	cfg := testConfig()
	cfg.PublicURL = ""
	s := New(Options{Config: cfg})

	req := httptest.NewRequest(http.MethodGet, "/inbound-call-handler", nil)
	req.Host = "tunnel.example.net"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "wss://tunnel.example.net/media-stream") {
		t.Fatalf("twiml = %s", rec.Body.String())
	}
}

func TestRecordingStatusCallback(t *testing.T) {
	s := New(Options{Config: testConfig()})

	form := url.Values{"RecordingSid": {"RE1"}, "CallSid": {"CA1"}, "RecordingStatus": {"completed"}}
	req := httptest.NewRequest(http.MethodPost, "/recording-status-callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsRouteOptional(t *testing.T) {
	s := New(Options{Config: testConfig()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", rec.Code)
	}

	s = New(Options{Config: testConfig(), Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("relay_calls_started_total 1"))
	})})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relay_calls_started_total") {
		t.Fatalf("metrics body = %s", rec.Body.String())
	}
}
