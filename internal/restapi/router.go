// Package restapi provides the HTTP introspection and admin surface of
// an unauthenticated GET /status and GET /events
// debug tail, and a JWT-gated POST /admin/{enable,disable,quit} for
// changing installation state.
package restapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for atraced's HTTP surface.
//
// Route layout:
//
//	GET  /status          – installation status snapshot, unauthenticated
//	GET  /events           – long-poll/SSE debug tail of formatted lines, unauthenticated
//	POST /admin/enable      – enable a function (JWT required)
//	POST /admin/disable     – disable a function (JWT required)
//	POST /admin/quit        – run the shutdown sequence (JWT required)
//	POST /admin/run/start   – claim the caller filter for a launched command (JWT required)
//	POST /admin/run/stop    – release it (JWT required)
//
// pubKey verifies RS256 Bearer tokens on /admin/*. Pass nil to disable
// JWT validation, useful in tests that only exercise request parsing.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status", srv.handleStatus)
	r.Get("/events", srv.handleEvents)

	r.Route("/admin", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Post("/enable", srv.handleEnable)
		r.Post("/disable", srv.handleDisable)
		r.Post("/quit", srv.handleQuit)
		r.Post("/run/start", srv.handleRunStart)
		r.Post("/run/stop", srv.handleRunStop)
	})

	return r
}
