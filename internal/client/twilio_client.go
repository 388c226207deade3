package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	accountSID string
	http       *resty.Client
}

func NewTwilioClient(baseURL, accountSID, authToken string) *TwilioClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultTwilioBaseURL
	}

	return &TwilioClient{
		accountSID: accountSID,
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10*time.Second).
			SetBasicAuth(accountSID, authToken).
			SetHeader("Accept", "application/json"),
	}
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (c *TwilioClient) Send(ctx context.Context, from, to, body string) (string, error) {
	var (
		out    twilioMessage
		apiErr twilioError
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("accountSid", c.accountSID).
		SetFormData(map[string]string{
			"From": from,
			"To":   to,
			"Body": body,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/Accounts/{accountSid}/Messages.json")
	if err != nil {
		return "", err
	}

	if resp.IsError() {
		if apiErr.Message != "" {
			return "", fmt.Errorf("twilio http %d: %s (code=%d)", resp.StatusCode(), apiErr.Message, apiErr.Code)
		}
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode(), resp.String())
	}
	if out.SID == "" {
		return "", fmt.Errorf("missing sid in response body=%q", resp.String())
	}

	return out.SID, nil
}
