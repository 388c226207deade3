package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/phone"
	"github.com/LeventeLantos/sms-relay/internal/repo"
	"github.com/LeventeLantos/sms-relay/internal/service"
	"github.com/LeventeLantos/sms-relay/internal/subscription"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type Confirmer interface {
	SendSubscribeConfirmation(ctx context.Context, to string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, text string, production bool) (service.Result, error)
}

type InboundHandler interface {
	HandleInbound(ctx context.Context, in subscription.Inbound) (subscription.Outcome, error)
}

type Deps struct {
	Subscribers  repo.SubscriberRepository
	Messages     repo.MessageRepository
	Confirmer    Confirmer
	Broadcaster  Broadcaster
	Inbound      InboundHandler
	Proposals    ProposalWorkflow
	SystemNumber string
	Log          *zap.Logger
}

type Handler struct {
	subs      repo.SubscriberRepository
	msgs      repo.MessageRepository
	confirmer Confirmer
	bcast     Broadcaster
	inbound   InboundHandler
	proposals ProposalWorkflow
	system    string
	log       *zap.Logger

	// tasks tracks Slack work that outlives its request.
	tasks sync.WaitGroup
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		subs:      d.Subscribers,
		msgs:      d.Messages,
		confirmer: d.Confirmer,
		bcast:     d.Broadcaster,
		inbound:   d.Inbound,
		proposals: d.Proposals,
		system:    d.SystemNumber,
		log:       log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	raw, err := bodyField(r, "phone")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := phone.Normalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid US phone number")
		return
	}

	sub, err := h.subs.UpsertActive(r.Context(), p)
	if err != nil {
		h.log.Error("subscribe upsert failed", zap.String("phone", p), zap.Error(err))
		writeError(w, apperrors.HTTPStatus(err), err.Error())
		return
	}

	if err := h.confirmer.SendSubscribeConfirmation(r.Context(), p); err != nil {
		h.log.Error("subscribe confirmation failed", zap.String("phone", p), zap.Error(err))
		writeError(w, apperrors.HTTPStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": sub})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.subs.ListAll(r.Context())
	if err != nil {
		h.log.Error("list users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "users": users})
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	text, err := bodyField(r, "message")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	production := r.Header.Get("x-production") == "true"

	res, err := h.bcast.Broadcast(r.Context(), text, production)
	if err != nil {
		body := map[string]any{"status": "error", "message": err.Error(), "production": production}
		var be *service.BroadcastError
		if errors.As(err, &be) {
			body["sent"] = be.Sent
			body["total"] = be.Total
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"message":    fmt.Sprintf("Message sent to %d users", res.Sent),
		"production": res.Production,
	})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.msgs.ListAll(r.Context())
	if err != nil {
		h.log.Error("list messages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "messages": msgs})
}

func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	p, err := phone.Normalize(strings.TrimSpace(chi.URLParam(r, "phone")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid US phone number")
		return
	}

	msgs, err := h.conversation(r.Context(), p)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "messages": msgs})
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	default:
		h.log.Error("conversation lookup failed", zap.String("phone", p), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get messages for conversation")
	}
}

func (h *Handler) conversation(ctx context.Context, p string) ([]model.Message, error) {
	user, err := h.subs.FindByPhone(ctx, p)
	if err != nil {
		return nil, err
	}
	system, err := h.subs.FindByPhone(ctx, h.system)
	if err != nil {
		return nil, err
	}
	return h.msgs.ListConversation(ctx, user.ID, system.ID)
}

// Inbound is the carrier webhook. It answers 200 with an empty TwiML
// document on every outcome so the carrier never retries a delivery.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(emptyTwiML))
	}()

	if err := r.ParseForm(); err != nil {
		h.log.Warn("inbound form parse failed", zap.Error(err))
		return
	}

	in := subscription.Inbound{
		Body: r.PostForm.Get("Body"),
		From: r.PostForm.Get("From"),
		To:   r.PostForm.Get("To"),
	}
	out, err := h.inbound.HandleInbound(r.Context(), in)
	if err != nil {
		h.log.Error("inbound processing failed",
			zap.String("from", in.From),
			zap.String("phone", out.Phone),
			zap.Bool("state_changed", out.Decision.Changed),
			zap.Error(err),
		)
	}
}

// bodyField reads key from a JSON object body or a form-encoded body.
func bodyField(r *http.Request, key string) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return "", err
		}
		return r.PostForm.Get(key), nil
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", err
	}
	v, _ := body[key].(string)
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": msg})
}
