package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/auth"
)

// NewRouter wires the HTTP surface.
func NewRouter(h *Handler, authSvc *auth.Service, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Public: login and the gateway webhook (token-checked in the
		// handler, not session-authenticated).
		r.Post("/auth/otp/request", h.RequestOTP)
		r.Post("/auth/otp/verify", h.VerifyOTP)
		r.Get("/webhooks/whatsapp", h.WhatsAppVerify)
		r.Post("/webhooks/whatsapp", h.WhatsAppWebhook)

		// Session-authenticated surface.
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(authSvc))

			r.Post("/chat/send", h.Send)
			r.Get("/chat/conversations/{userID}", h.Conversation)
			r.Get("/chat/summary/{userID}/{conversationID}", h.Summary)

			r.Get("/rag/context", h.RAGContext)
			r.Get("/rag/similar", h.Similar)

			r.Post("/journeys", h.CreateJourney)
			r.Get("/journeys/{id}", h.GetJourney)
			r.Patch("/journeys/{id}/status", h.UpdateJourneyStatus)
		})
	})

	return r
}
