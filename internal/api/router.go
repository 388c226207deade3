package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	APIKeys            []string
	SlackSigningSecret string
	// Now is used for Slack timestamp checks; nil means time.Now.
	Now func() time.Time
}

func Router(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	// Carrier webhook, unauthenticated by contract.
	r.Post("/inbound", h.Inbound)

	r.Group(func(r chi.Router) {
		r.Use(SlackSignature(cfg.SlackSigningSecret, cfg.Now))
		r.Post("/slack/events", h.SlackEvents)
		r.Post("/slack/actions", h.SlackActions)
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.APIKeys))
		r.Post("/subscribe", h.Subscribe)
		r.Get("/users", h.ListUsers)
		r.Post("/send", h.Send)
		r.Get("/messages", h.ListMessages)
		r.Get("/messages/{phone}", h.Conversation)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return r
}
