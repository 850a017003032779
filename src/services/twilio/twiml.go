package twilio

import (
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go/twiml"
)

// StreamURL builds the media-stream websocket url for a public host
func StreamURL(publicHost, path, agent, scenario string) string {
	q := url.Values{}
	q.Set("agent", agent)
	q.Set("scenario", scenario)
	return fmt.Sprintf("wss://%s%s?%s", publicHost, path, q.Encode())
}

// ConnectStreamTwiML returns <Response><Connect><Stream url=.../></Connect></Response>
func ConnectStreamTwiML(streamURL string) (string, error) {
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: streamURL},
		},
	}
	return twiml.Voice([]twiml.Element{connect})
}
