package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/phone"
	"github.com/LeventeLantos/sms-relay/internal/repo"
)

// Writer appends one message per exchange, creating inactive subscribers for
// numbers seen for the first time.
type Writer struct {
	store repo.TxRunner
	log   *zap.Logger
}

func NewWriter(store repo.TxRunner, log *zap.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// Record stores one message. Both numbers are reduced to their canonical
// keys first, so formatting differences never produce a second row.
func (w *Writer) Record(ctx context.Context, senderPhone, receiverPhone, content string) (model.Message, error) {
	senderPhone, err := phone.Normalize(senderPhone)
	if err != nil {
		return model.Message{}, fmt.Errorf("ledger sender: %w", err)
	}
	receiverPhone, err = phone.Normalize(receiverPhone)
	if err != nil {
		return model.Message{}, fmt.Errorf("ledger receiver: %w", err)
	}

	var msg model.Message

	err = w.store.InTx(ctx, func(r repo.Repos) error {
		sender, _, err := r.Subscribers.Ensure(ctx, senderPhone, false)
		if err != nil {
			return err
		}
		receiver, _, err := r.Subscribers.Ensure(ctx, receiverPhone, false)
		if err != nil {
			return err
		}

		msg, err = r.Messages.Insert(ctx, sender.ID, receiver.ID, content)
		if err != nil {
			return err
		}

		s, rc := sender.Summary(), receiver.Summary()
		msg.Sender, msg.Receiver = &s, &rc
		return nil
	})
	if err != nil {
		w.log.Error("ledger write failed",
			zap.String("from", senderPhone),
			zap.String("to", receiverPhone),
			zap.Error(err),
		)
		return model.Message{}, err
	}

	w.log.Debug("ledger write",
		zap.String("message_id", msg.ID.String()),
		zap.String("from", senderPhone),
		zap.String("to", receiverPhone),
	)
	return msg, nil
}
