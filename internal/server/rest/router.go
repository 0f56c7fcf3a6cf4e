package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the vigild API.
//
// Route layout:
//
//	GET    /healthz            – liveness probe (no authentication required)
//	GET    /ws/changes         – WebSocket change feed (no authentication; WS
//	                             clients cannot set Authorization headers)
//	GET    /api/v1/watches     – list watched paths (JWT required)
//	POST   /api/v1/watches     – register a new watched path (JWT required)
//	DELETE /api/v1/watches     – drop a watched path (JWT required)
//	GET    /api/v1/events      – recent change records from the journal (JWT required)
//
// ws is the WebSocket upgrade handler; pass nil to disable the feed route.
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting, and in local
// development).
func NewRouter(srv *Server, ws http.Handler, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// WebSocket change feed.
	if ws != nil {
		r.Get("/ws/changes", ws.ServeHTTP)
	}

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(JWTConfig{PublicKey: pubKey}))
		}

		r.Get("/watches", srv.handleGetWatches)
		r.Post("/watches", srv.handlePostWatch)
		r.Delete("/watches", srv.handleDeleteWatch)
		r.Get("/events", srv.handleGetEvents)
	})

	return r
}
