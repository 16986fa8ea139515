// Package httpapi is the HTTP shell: it mounts every endpoint in spec §6 on
// a chi router, decodes/encodes JSON, and translates core errors into HTTP
// status codes. It contains no business logic of its own.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hytaleauth/authd/internal/exchange"
	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/jwks"
	"github.com/hytaleauth/authd/internal/keystore"
)

// Server wires the core components into an http.Handler.
type Server struct {
	keys       *keystore.Store
	resolver   *issuerresolver.Resolver
	federation *jwks.Federation
	machine    *exchange.Machine
	router     chi.Router
}

// NewServer builds the HTTP shell around an already-assembled core.
func NewServer(keys *keystore.Store, resolver *issuerresolver.Resolver, federation *jwks.Federation, machine *exchange.Machine) *Server {
	s := &Server{keys: keys, resolver: resolver, federation: federation, machine: machine}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

const maxBodyBytes = 1 << 20 // 1 MiB; game-session bodies are small JSON documents.

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)
	r.Use(issuerRedirectMiddleware(s.resolver))
	r.Use(bodySizeLimitMiddleware(maxBodyBytes))

	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/healthz", s.handleHealth)

	r.Post("/game-session/new", s.handleNewSession)
	r.Post("/game-session/refresh", s.handleRefreshSession)
	r.Post("/game-session/child", s.handleChildSession)
	r.Post("/game-session/authorize", s.handleAuthorize)
	r.Delete("/game-session", s.handleDeleteSession)

	r.Post("/server-join/auth-token", s.handleServerJoinAuthToken)

	r.Get("/my-account/game-profile", s.handleGameProfile)

	r.NotFound(s.handleNotFound)

	return r
}

// requestTimeout is not applied by the router built here, so tests can drive
// handlers directly without a clock. cmd/hytaleauthd does not use it either:
// it sets its own read, write and idle timeouts on the http.Server.
const requestTimeout = 30 * time.Second
