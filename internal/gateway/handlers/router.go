package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handlers groups everything mounted on the inbound router.
type Handlers struct {
	Middleware *Middleware
	Chat       *ChatHandler
	Calls      *CallHandler
	Health     *HealthHandler

	// RouteTimeout bounds the buffered (non-chat) routes and must cover a
	// whole dispatch including accounting, see dispatch.Config.Budget. Chat is
	// left open because streams run for as long as the upstream keeps sending.
	RouteTimeout time.Duration
}

// NewRouter mounts the call API and health surface.
func NewRouter(h Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(h.Middleware.RequestContext)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.Middleware.CORSMiddleware)

	r.Get("/health", h.Health.HandleLiveness)
	r.Get("/health/credentials", h.Health.HandleCredentials)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.Middleware.RateLimitMiddleware)

		r.Post("/chat/completions", h.Chat.HandleChatCompletion)

		r.Group(func(r chi.Router) {
			if h.RouteTimeout > 0 {
				// a second of slack for reading the body and writing the response
				r.Use(chimiddleware.Timeout(h.RouteTimeout + time.Second))
			}
			r.Post("/images/generations", h.Calls.HandleImageGeneration)
			r.Post("/embeddings", h.Calls.HandleEmbeddings)
			r.Post("/rerank", h.Calls.HandleRerank)
			r.Post("/audio/transcriptions", h.Calls.HandleTranscription)
			r.Post("/audio/speech", h.Calls.HandleSpeech)
		})
	})

	return r
}
