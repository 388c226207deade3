package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
)

const DefaultSlackBaseURL = "https://slack.com/api"

// SlackClient covers the Web API methods the approval workflow needs.
type SlackClient struct {
	http *resty.Client
}

func NewSlackClient(baseURL, botToken string) *SlackClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultSlackBaseURL
	}

	return &SlackClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10*time.Second).
			SetAuthToken(botToken).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
	}
}

// SlackError is an ok=false reply from the Web API.
type SlackError struct {
	Method string
	Code   string
}

func (e *SlackError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// Unwrap lets callers match a deleted or unknown message with ErrNotFound.
func (e *SlackError) Unwrap() error {
	if e.Code == "message_not_found" {
		return apperrors.ErrNotFound
	}
	return nil
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

func (c *SlackClient) PostMessage(ctx context.Context, channel, text string, blocks any) (string, error) {
	res, err := c.call(ctx, "chat.postMessage", map[string]any{
		"channel": channel,
		"text":    text,
		"blocks":  blocks,
	})
	if err != nil {
		return "", err
	}
	return res.TS, nil
}

func (c *SlackClient) DeleteMessage(ctx context.Context, channel, ts string) error {
	_, err := c.call(ctx, "chat.delete", map[string]any{
		"channel": channel,
		"ts":      ts,
	})
	return err
}

func (c *SlackClient) AddReaction(ctx context.Context, channel, ts, name string) error {
	_, err := c.call(ctx, "reactions.add", map[string]any{
		"channel":   channel,
		"timestamp": ts,
		"name":      name,
	})
	var se *SlackError
	if errors.As(err, &se) && se.Code == "already_reacted" {
		return nil
	}
	return err
}

func (c *SlackClient) call(ctx context.Context, method string, body map[string]any) (slackResponse, error) {
	var out slackResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/" + method)
	if err != nil {
		return out, err
	}
	if resp.IsError() {
		return out, fmt.Errorf("slack %s: unexpected status code: %d body=%q", method, resp.StatusCode(), resp.String())
	}
	if !out.OK {
		code := out.Error
		if code == "" {
			code = "unknown_error"
		}
		return out, &SlackError{Method: method, Code: code}
	}
	return out, nil
}
