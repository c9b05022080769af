package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with the keeper's API routes, meant to be
// mounted under /api.
// sseHandler, if non-nil, is mounted at GET /events.
func NewRouter(h *Handler, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(CORSMiddleware)

	r.Get("/status", h.Status)

	// Journal.
	r.Get("/cycles", h.ListCycles)
	r.Get("/cycles/{id}/repayments", h.ListRepayments)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
