package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes bundles what the router serves
type Routes struct {
	Middleware *Middleware
	Stream     *StreamHandler
	History    *HistoryHandler
	Health     http.HandlerFunc
	// ReadTimeout bounds non-streaming routes
	ReadTimeout time.Duration
}

// NewRouter builds the gateway's chi router
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	m := rt.Middleware

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(m.EchoRequestID)
	r.Use(m.ClientIdentity)
	r.Use(m.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(m.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", rt.Health)

	r.Group(func(r chi.Router) {
		r.Use(m.AuthMiddleware)

		// streams are bounded by the stream timeout, not the router
		r.Post("/stream", rt.Stream.HandleStream)

		r.Group(func(r chi.Router) {
			if rt.ReadTimeout > 0 {
				r.Use(chimiddleware.Timeout(rt.ReadTimeout))
			}
			r.Get("/history", rt.History.HandleList)
			r.Get("/history/{id}", rt.History.HandleGet)
		})
	})

	return r
}
