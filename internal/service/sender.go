package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
	"github.com/LeventeLantos/sms-relay/internal/model"
)

const DefaultSubscribeMessage = "You have subscribed to event notifications from /counter. " +
	"Notifications will end automatically once the event is over, or reply STOP to unsubscribe.\n\n" +
	"Visit https://madebycounter.com/live to check out past, current, and future streams."

type Carrier interface {
	Send(ctx context.Context, from, to, body string) (sid string, err error)
}

type Recorder interface {
	Record(ctx context.Context, senderPhone, receiverPhone, content string) (model.Message, error)
}

// Sender is the single outbound path: every SMS is recorded in the ledger
// before the carrier is called.
type Sender struct {
	carrier Carrier
	ledger  Recorder
	from    string
	log     *zap.Logger

	subscribeMessage string
}

func NewSender(carrier Carrier, ledger Recorder, from string, log *zap.Logger) *Sender {
	return &Sender{
		carrier:          carrier,
		ledger:           ledger,
		from:             from,
		log:              log,
		subscribeMessage: DefaultSubscribeMessage,
	}
}

func (s *Sender) WithSubscribeMessage(body string) *Sender {
	if body != "" {
		s.subscribeMessage = body
	}
	return s
}

// Send records the exchange and then hands it to the carrier. A carrier
// failure is returned after the ledger row exists.
func (s *Sender) Send(ctx context.Context, to, body string) error {
	if _, err := s.ledger.Record(ctx, s.from, to, body); err != nil {
		return err
	}

	sid, err := s.carrier.Send(ctx, s.from, to, body)
	if err != nil {
		s.log.Warn("carrier send failed", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("send to %s: %w: %w", to, apperrors.ErrCarrier, err)
	}

	s.log.Info("sms sent", zap.String("to", to), zap.String("sid", sid))
	return nil
}

func (s *Sender) SendSubscribeConfirmation(ctx context.Context, to string) error {
	return s.Send(ctx, to, s.subscribeMessage)
}
