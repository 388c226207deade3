package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
	"github.com/LeventeLantos/sms-relay/internal/cache"
	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/service"
)

const (
	ReactionSent      = "white_check_mark"
	ReactionCancelled = "no_entry_sign"
	ReactionFailed    = "x"
)

var ErrUnknownAction = errors.New("unknown action")

type ChatClient interface {
	PostMessage(ctx context.Context, channel, text string, blocks any) (string, error)
	DeleteMessage(ctx context.Context, channel, ts string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, text string, production bool) (service.Result, error)
}

// ChatMessage is a message event from the proposal channel.
type ChatMessage struct {
	Channel string
	User    string
	Text    string
	TS      string
	Subtype string
	BotID   string
}

// Action is a button press on a proposal card.
type Action struct {
	ActionID string
	Value    string
	Channel  string
	CardTS   string
	User     string
}

type Options struct {
	Channel string
	// Denylist holds user ids whose messages never become proposals,
	// typically the bot's own user id.
	Denylist []string
	// Allowlist, when non-empty, restricts proposals to these user ids.
	Allowlist []string
}

type Workflow struct {
	chat        ChatClient
	broadcaster Broadcaster
	claims      cache.ClaimStore
	channel     string
	deny        map[string]struct{}
	allow       map[string]struct{}
	log         *zap.Logger
}

func NewWorkflow(chat ChatClient, b Broadcaster, claims cache.ClaimStore, opts Options, log *zap.Logger) *Workflow {
	return &Workflow{
		chat:        chat,
		broadcaster: b,
		claims:      claims,
		channel:     opts.Channel,
		deny:        toSet(opts.Denylist),
		allow:       toSet(opts.Allowlist),
		log:         log,
	}
}

// HandleMessage posts a proposal card for an eligible channel message.
// Ineligible messages are ignored without error.
func (w *Workflow) HandleMessage(ctx context.Context, m ChatMessage) error {
	if reason := w.skipReason(m); reason != "" {
		w.log.Debug("chat message ignored", zap.String("reason", reason), zap.String("ts", m.TS))
		return nil
	}

	text := m.Text
	if strings.TrimSpace(text) == "" {
		text = emptyText
	}

	blocks, err := proposalCard(model.Proposal{TS: m.TS, Text: text, User: m.User})
	if errors.Is(err, ErrProposalTooLong) {
		log := w.log.With(zap.String("ts", m.TS), zap.String("user", m.User))
		log.Warn("proposal rejected", zap.Int("text_length", utf8.RuneCountInString(text)), zap.Error(err))
		w.react(ctx, m.TS, ReactionFailed, log)
		return err
	}
	if err != nil {
		return fmt.Errorf("build proposal card: %w", err)
	}

	cardTS, err := w.chat.PostMessage(ctx, w.channel, cardFallbackText, blocks)
	if err != nil {
		w.log.Error("post proposal card failed", zap.String("ts", m.TS), zap.Error(err))
		return err
	}

	w.log.Info("proposal posted", zap.String("ts", m.TS), zap.String("card_ts", cardTS), zap.String("user", m.User))
	return nil
}

func (w *Workflow) skipReason(m ChatMessage) string {
	switch {
	case m.Subtype != "":
		return "subtype"
	case m.BotID != "":
		return "bot"
	case m.Channel != w.channel:
		return "channel"
	}
	if _, ok := w.deny[m.User]; ok {
		return "denylist"
	}
	if len(w.allow) > 0 {
		if _, ok := w.allow[m.User]; !ok {
			return "not allowlisted"
		}
	}
	return ""
}

// HandleAction resolves the proposal at most once. Repeat deliveries of an
// already-claimed proposal are ignored.
func (w *Workflow) HandleAction(ctx context.Context, a Action) error {
	if a.ActionID != ActionSend && a.ActionID != ActionCancel {
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.ActionID)
	}

	var p model.Proposal
	if err := json.Unmarshal([]byte(a.Value), &p); err != nil {
		return fmt.Errorf("decode proposal: %w", err)
	}
	if p.TS == "" {
		return errors.New("decode proposal: missing ts")
	}

	log := w.log.With(zap.String("ts", p.TS), zap.String("action", a.ActionID), zap.String("by", a.User))

	ok, err := w.claims.Claim(ctx, p.TS)
	if err != nil {
		log.Error("claim proposal failed", zap.Error(err))
		return err
	}
	if !ok {
		log.Info("proposal already handled")
		return nil
	}

	if handled := w.deleteCard(ctx, a, log); handled {
		log.Info("proposal card already removed")
		return nil
	}

	if a.ActionID == ActionCancel {
		w.react(ctx, p.TS, ReactionCancelled, log)
		log.Info("proposal cancelled")
		return nil
	}

	res, err := w.broadcaster.Broadcast(ctx, CleanText(p.Text), true)
	if err != nil {
		log.Error("proposal broadcast failed", zap.Int("sent", res.Sent), zap.Error(err))
		w.react(ctx, p.TS, ReactionFailed, log)
		return err
	}

	w.react(ctx, p.TS, ReactionSent, log)
	log.Info("proposal sent", zap.Int("sent", res.Sent))
	return nil
}

// deleteCard removes the proposal card and reports whether it was already
// gone.
func (w *Workflow) deleteCard(ctx context.Context, a Action, log *zap.Logger) bool {
	if a.CardTS == "" {
		return false
	}

	channel := a.Channel
	if channel == "" {
		channel = w.channel
	}

	err := w.chat.DeleteMessage(ctx, channel, a.CardTS)
	switch {
	case err == nil:
		return false
	case errors.Is(err, apperrors.ErrNotFound):
		return true
	default:
		log.Warn("delete proposal card failed", zap.Error(err))
		return false
	}
}

func (w *Workflow) react(ctx context.Context, ts, name string, log *zap.Logger) {
	if err := w.chat.AddReaction(ctx, w.channel, ts, name); err != nil {
		log.Warn("add reaction failed", zap.String("reaction", name), zap.Error(err))
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
