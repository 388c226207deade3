package subscription

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/phone"
	"github.com/LeventeLantos/sms-relay/internal/repo"
)

// Inbound is one carrier webhook delivery.
type Inbound struct {
	Body string
	From string
	To   string
}

type Confirmer interface {
	SendSubscribeConfirmation(ctx context.Context, to string) error
}

type Recorder interface {
	Record(ctx context.Context, senderPhone, receiverPhone, content string) (model.Message, error)
}

// Outcome summarizes what HandleInbound did, mainly for logging.
type Outcome struct {
	Phone    string
	Decision Decision
}

type Handler struct {
	subs       repo.SubscriberRepository
	ledger     Recorder
	confirmer  Confirmer
	keywords   Keywords
	systemFrom string
	log        *zap.Logger
}

func NewHandler(
	subs repo.SubscriberRepository,
	ledger Recorder,
	confirmer Confirmer,
	keywords Keywords,
	systemFrom string,
	log *zap.Logger,
) *Handler {
	return &Handler{
		subs:       subs,
		ledger:     ledger,
		confirmer:  confirmer,
		keywords:   keywords,
		systemFrom: systemFrom,
		log:        log,
	}
}

// HandleInbound applies the subscription rules to one inbound SMS, records
// it in the ledger and then sends the confirmation when one is due.
func (h *Handler) HandleInbound(ctx context.Context, in Inbound) (Outcome, error) {
	from, err := phone.Normalize(in.From)
	if err != nil {
		return Outcome{}, fmt.Errorf("inbound from %q: %w", in.From, err)
	}

	to := h.systemFrom
	if n, err := phone.Normalize(in.To); err == nil {
		to = n
	}

	dec, err := h.apply(ctx, from, in.Body)
	if err != nil {
		return Outcome{Phone: from}, err
	}

	if _, err := h.ledger.Record(ctx, from, to, in.Body); err != nil {
		return Outcome{Phone: from, Decision: dec}, err
	}

	if dec.Confirm {
		if err := h.confirmer.SendSubscribeConfirmation(ctx, from); err != nil {
			return Outcome{Phone: from, Decision: dec}, err
		}
	}

	h.log.Info("inbound sms",
		zap.String("from", from),
		zap.String("to", to),
		zap.Bool("created", dec.Create),
		zap.Bool("active", dec.Active),
		zap.Bool("confirm", dec.Confirm),
	)
	return Outcome{Phone: from, Decision: dec}, nil
}

func (h *Handler) apply(ctx context.Context, from, body string) (Decision, error) {
	// Creation is decided optimistically; a concurrent create of the same
	// number falls through to the existing-subscriber branch.
	first := Evaluate(Prior{}, body, h.keywords)

	sub, created, err := h.subs.Ensure(ctx, from, first.Active)
	if err != nil {
		return Decision{}, err
	}
	if created {
		return first, nil
	}

	dec := Evaluate(Prior{Exists: true, Active: sub.Active}, body, h.keywords)
	if dec.Changed {
		if err := h.subs.SetActive(ctx, sub.ID, dec.Active); err != nil {
			return dec, err
		}
	}
	return dec, nil
}
