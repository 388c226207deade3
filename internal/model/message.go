package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is a ledger entry. Rows are append-only.
type Message struct {
	ID         uuid.UUID `json:"id"`
	Content    string    `json:"content"`
	SenderID   uuid.UUID `json:"senderId"`
	ReceiverID uuid.UUID `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`

	Sender   *SubscriberSummary `json:"sender,omitempty"`
	Receiver *SubscriberSummary `json:"receiver,omitempty"`
}
