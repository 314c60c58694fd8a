package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/ratelimit"
)

// Routes bundles everything the HTTP surface is built from.
type Routes struct {
	Middleware     *Middleware
	TokenLimiter   *ratelimit.Limiter
	ProxyLimiter   *ratelimit.Limiter
	Tokens         *TokenHandler
	Proxy          *ProxyHandler
	Parser         TokenParser
	Compat         CompatReporter
	Health         http.HandlerFunc
	RequestTimeout time.Duration
}

// NewRouter wires the broker endpoints.
func NewRouter(rt Routes) chi.Router {
	m := rt.Middleware
	timeout := rt.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recover)
	r.Use(chimiddleware.Timeout(timeout))
	r.Use(m.CORS)
	r.Use(m.Identity)

	r.Get("/health", rt.Health)
	r.Get("/compatibility", HandleCompatibility(rt.Compat))

	r.With(m.RateLimit(rt.TokenLimiter)).Post("/token", rt.Tokens.HandleToken)

	r.Group(func(r chi.Router) {
		r.Use(m.RateLimit(rt.ProxyLimiter))
		r.Use(m.BearerAuth(rt.Parser))
		r.Post("/proxy", rt.Proxy.HandleProxy)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}
