package twilio

import (
	"context"
	"strings"
	"testing"

	"github.com/square-key-labs/strawgo-relay/src/config"
)

func TestStreamURL(t *testing.T) {
	got := StreamURL("relay.example.com", "/media-stream", "jessica", "outbound")
	if got != "wss://relay.example.com/media-stream?agent=jessica&scenario=outbound" {
		t.Fatalf("stream url = %s", got)
	}
}

func TestConnectStreamTwiML(t *testing.T) {
	doc, err := ConnectStreamTwiML("wss://relay.example.com/media-stream?agent=alex&scenario=inbound")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	for _, want := range []string{"<Response>", "<Connect>", "<Stream", `url="wss://relay.example.com/media-stream?agent=alex`, "scenario=inbound"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %q in %s", want, doc)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(config.TwilioConfig{AccountSID: "AC1"}, nil); err == nil {
		t.Fatal("expected error without auth token and from number")
	}
}

func TestPlaceCallValidatesInput(t *testing.T) {
	c, err := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+15550000000"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.PlaceCall(context.Background(), CallRequest{}); err == nil {
		t.Fatal("expected error for empty destination")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.PlaceCall(ctx, CallRequest{To: "+15551112222"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
