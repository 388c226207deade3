package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/LeventeLantos/sms-relay/internal/model"
)

const (
	ActionSend   = "send_message"
	ActionCancel = "cancel_message"

	cardFallbackText = "Do you want to send this message?"
	emptyText        = "(no text provided)"

	// Slack rejects button values longer than this many characters.
	maxButtonValue = 2000
)

// ErrProposalTooLong means the proposal does not fit in a card button.
var ErrProposalTooLong = errors.New("proposal too long for an approval card")

// Minimal Block Kit shapes for the proposal card.

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type button struct {
	Type     string     `json:"type"`
	Text     textObject `json:"text"`
	Style    string     `json:"style,omitempty"`
	Value    string     `json:"value"`
	ActionID string     `json:"action_id"`
}

type block struct {
	Type     string      `json:"type"`
	Text     *textObject `json:"text,omitempty"`
	Elements []button    `json:"elements,omitempty"`
}

func proposalCard(p model.Proposal) ([]block, error) {
	sendValue, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if n := utf8.RuneCount(sendValue); n > maxButtonValue {
		return nil, fmt.Errorf("%w: %d characters encoded, limit %d", ErrProposalTooLong, n, maxButtonValue)
	}
	cancelValue, err := json.Marshal(model.Proposal{TS: p.TS, User: p.User})
	if err != nil {
		return nil, err
	}

	return []block{
		{
			Type: "section",
			Text: &textObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("\U0001F4E9 *Confirm send?*\n\n\"%s\"", p.Text),
			},
		},
		{
			Type: "actions",
			Elements: []button{
				{
					Type:     "button",
					Text:     textObject{Type: "plain_text", Text: "✅ SEND"},
					Style:    "primary",
					Value:    string(sendValue),
					ActionID: ActionSend,
				},
				{
					Type:     "button",
					Text:     textObject{Type: "plain_text", Text: "❌ CANCEL"},
					Style:    "danger",
					Value:    string(cancelValue),
					ActionID: ActionCancel,
				},
			},
		},
	}, nil
}
