package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/model"
)

const TestModePrefix = "[TEST MODE] "

type SubscriberLister interface {
	ListActive(ctx context.Context) ([]model.Subscriber, error)
}

type Result struct {
	Sent       int
	Production bool
}

// BroadcastError reports how far a broadcast got before it stopped.
type BroadcastError struct {
	Sent  int
	Total int
	Err   error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast stopped after %d/%d recipients: %v", e.Sent, e.Total, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

type Broadcaster struct {
	subs          SubscriberLister
	sender        *Sender
	testRecipient string
	log           *zap.Logger
}

func NewBroadcaster(subs SubscriberLister, sender *Sender, testRecipient string, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:          subs,
		sender:        sender,
		testRecipient: testRecipient,
		log:           log,
	}
}

// Broadcast sends text to every active subscriber in production mode, or to
// the test recipient with a visible marker otherwise. Recipients are served
// in order and the first failure stops the run.
func (b *Broadcaster) Broadcast(ctx context.Context, text string, production bool) (Result, error) {
	recipients, body, err := b.plan(ctx, text, production)
	if err != nil {
		return Result{Production: production}, err
	}

	res := Result{Production: production}
	for _, to := range recipients {
		if err := b.sender.Send(ctx, to, body); err != nil {
			b.log.Error("broadcast aborted",
				zap.Int("sent", res.Sent),
				zap.Int("total", len(recipients)),
				zap.Bool("production", production),
				zap.Error(err),
			)
			return res, &BroadcastError{Sent: res.Sent, Total: len(recipients), Err: err}
		}
		res.Sent++
	}

	b.log.Info("broadcast complete", zap.Int("sent", res.Sent), zap.Bool("production", production))
	return res, nil
}

func (b *Broadcaster) plan(ctx context.Context, text string, production bool) ([]string, string, error) {
	if !production {
		return []string{b.testRecipient}, TestModePrefix + text, nil
	}

	subs, err := b.subs.ListActive(ctx)
	if err != nil {
		return nil, "", err
	}
	recipients := make([]string, 0, len(subs))
	for _, s := range subs {
		recipients = append(recipients, s.PhoneNumber)
	}
	return recipients, text, nil
}
