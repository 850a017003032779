package twilio

import (
	"context"
	"errors"
	"fmt"

	twiliogo "github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
)

// CallRequest describes one outbound call
type CallRequest struct {
	To                      string
	AnswerURL               string // TwiML fetched when the callee answers
	RecordingStatusCallback string // optional
}

// CallPlacer places outbound calls and returns the provider call id
type CallPlacer interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
}

// Client places calls through the Twilio REST API
type Client struct {
	rest   *twiliogo.RestClient
	from   string
	logger *logger.Logger
}

// NewClient creates a Twilio REST client from the account credentials
func NewClient(cfg config.TwilioConfig, log *logger.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("twilio account_sid, auth_token and from_number are required")
	}
	if log == nil {
		log = logger.GetDefault()
	}
	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		rest:   rest,
		from:   cfg.FromNumber,
		logger: log.WithPrefix("Twilio"),
	}, nil
}

// PlaceCall dials req.To from the configured number. Twilio fetches
// req.AnswerURL for call-routing markup once the callee picks up.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.To == "" {
		return "", errors.New("destination number is required")
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.from)
	params.SetUrl(req.AnswerURL)
	if req.RecordingStatusCallback != "" {
		params.SetRecord(true)
		params.SetRecordingStatusCallback(req.RecordingStatusCallback)
	}

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", req.To, err)
	}
	if resp.Sid == nil {
		return "", errors.New("create call: response carried no call sid")
	}

	c.logger.Info("Placed call %s to %s", *resp.Sid, req.To)
	return *resp.Sid, nil
}
