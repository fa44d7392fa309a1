package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Everything else requires a verified principal.
	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/chat", h.ChatHandler)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateConversationHandler)
			r.Get("/", h.ListConversationsHandler)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.GetConversationHandler)
				r.Patch("/", h.UpdateConversationHandler)
				r.Delete("/", h.DeleteConversationHandler)
				r.Post("/turns", h.CreateTurnHandler)
			})
		})
	})

	return r
}
