package model

// Proposal is a broadcast candidate awaiting approval in chat. It is carried
// in the proposal card's button values and never persisted.
type Proposal struct {
	TS   string `json:"ts"`
	Text string `json:"text,omitempty"`
	User string `json:"user"`
}
