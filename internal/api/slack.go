package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/approval"
)

type ProposalWorkflow interface {
	HandleMessage(ctx context.Context, m approval.ChatMessage) error
	HandleAction(ctx context.Context, a approval.Action) error
}

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	BotID   string `json:"bot_id"`
	User    string `json:"user"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

type slackRef struct {
	ID string `json:"id"`
	TS string `json:"ts"`
}

type slackAction struct {
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

type slackInteraction struct {
	Type    string        `json:"type"`
	User    slackRef      `json:"user"`
	Channel slackRef      `json:"channel"`
	Message slackRef      `json:"message"`
	Actions []slackAction `json:"actions"`
}

// SlackEvents receives Events API callbacks. The response is completed
// before the proposal card is posted.
func (h *Handler) SlackEvents(w http.ResponseWriter, r *http.Request) {
	var env slackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}

	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": env.Challenge})
		return
	}
	w.WriteHeader(http.StatusOK)

	if env.Type != "event_callback" || env.Event.Type != "message" {
		return
	}
	// A retry means the first delivery was accepted late, not lost.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		h.log.Debug("slack retry ignored", zap.String("ts", env.Event.TS))
		return
	}

	m := approval.ChatMessage{
		Channel: env.Event.Channel,
		User:    env.Event.User,
		Text:    env.Event.Text,
		TS:      env.Event.TS,
		Subtype: env.Event.Subtype,
		BotID:   env.Event.BotID,
	}
	h.detach(r, "proposal message", func(ctx context.Context) error {
		return h.proposals.HandleMessage(ctx, m)
	})
}

// SlackActions receives interactivity callbacks for proposal buttons. The
// action runs after the 200 has been sent.
func (h *Handler) SlackActions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid action payload")
		return
	}

	var in slackInteraction
	if err := json.Unmarshal([]byte(r.PostForm.Get("payload")), &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid action payload")
		return
	}
	w.WriteHeader(http.StatusOK)

	if in.Type != "block_actions" || len(in.Actions) == 0 {
		return
	}

	a := approval.Action{
		ActionID: in.Actions[0].ActionID,
		Value:    in.Actions[0].Value,
		Channel:  in.Channel.ID,
		CardTS:   in.Message.TS,
		User:     in.User.ID,
	}
	h.detach(r, "proposal action", func(ctx context.Context) error {
		return h.proposals.HandleAction(ctx, a)
	})
}

// detach runs fn on a context that survives the request, so a client that
// hangs up after the 200 cannot cut a broadcast short.
func (h *Handler) detach(r *http.Request, name string, fn func(context.Context) error) {
	ctx := context.WithoutCancel(r.Context())

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				h.log.Error(name+" panic recovered", zap.Any("panic", p))
			}
		}()

		if err := fn(ctx); err != nil {
			h.log.Error(name+" failed", zap.Error(err))
		}
	}()
}

// Wait blocks until detached Slack work has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
