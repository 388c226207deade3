package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-relay/internal/model"
)

type MessageRepository interface {
	Insert(ctx context.Context, senderID, receiverID uuid.UUID, content string) (model.Message, error)
	// ListAll returns the whole ledger, newest first.
	ListAll(ctx context.Context) ([]model.Message, error)
	// ListConversation returns messages exchanged between a and b in either
	// direction, newest first.
	ListConversation(ctx context.Context, a, b uuid.UUID) ([]model.Message, error)
}
