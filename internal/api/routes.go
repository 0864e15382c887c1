package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the edge router. Control routes live under /_sw; every
// other path is intercepted by the worker.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ClientIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/_sw", func(r chi.Router) {
		r.Get("/health", h.Health)
		if h.deps.Hub != nil {
			r.Get("/ws", h.deps.Hub.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.deps.APIKey))
			r.Post("/queue", h.Queue)
			r.Get("/pending", h.Pending)
			r.Post("/sync", h.RegisterSync)
			r.Post("/message", h.Message)
			r.Get("/data/{id}", h.GetData)
			r.Put("/data/{id}", h.PutData)
		})
	})

	r.Handle("/*", h.deps.Worker)
	return r
}
