package web

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/veilbox/veilbox/internal/ratelimit"
	"github.com/veilbox/veilbox/internal/web/handlers"
	"github.com/veilbox/veilbox/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	APIHandler    *handlers.APIHandler
	Limiter       *ratelimit.Limiter
	SecureCookies bool
	DB            *sql.DB
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RateLimit(deps.Limiter))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := deps.DB.PingContext(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Visitor(deps.SecureCookies)).Post("/feedback", deps.APIHandler.HandleSubmit)

		r.Get("/feedback/{token}", deps.APIHandler.HandleGet)
		r.Post("/feedback/{token}/approve", deps.APIHandler.HandleApprove)
		r.Post("/feedback/{token}/edit", deps.APIHandler.HandleEdit)
		r.Post("/feedback/{token}/retry", deps.APIHandler.HandleRetry)
		r.Post("/feedback/{token}/respond", deps.APIHandler.HandleRespond)
		r.Post("/feedback/{token}/report", deps.APIHandler.HandleReport)
	})

	return r
}
