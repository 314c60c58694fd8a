package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/token"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
)

type contextKey int

const (
	identityKey contextKey = iota
	claimsKey
)

// TokenParser validates broker tokens.
type TokenParser interface {
	Parse(tokenString string) (*token.Claims, error)
}

type Middleware struct {
	origins  map[string]bool
	resolver *ratelimit.Resolver
	audit    audit.Sink
	logger   *logrus.Entry
}

// NewMiddleware builds the shared middleware. resolver may be nil when the
// broker is not behind a proxy.
func NewMiddleware(allowedOrigins []string, resolver *ratelimit.Resolver, sink audit.Sink, logger *logrus.Logger) *Middleware {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &Middleware{
		origins:  origins,
		resolver: resolver,
		audit:    sink,
		logger:   logger.WithField("component", "http_middleware"),
	}
}

// OriginAllowed reports whether origin is on the allow-list.
func (m *Middleware) OriginAllowed(origin string) bool {
	return origin != "" && m.origins[strings.TrimRight(origin, "/")]
}

// CORS echoes Access-Control-Allow-Origin for allow-listed origins only.
// Preflight requests are answered with 204 either way.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		if m.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			w.Header().Set("Access-Control-Max-Age", "600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Identity stores the rate-limit identity of the caller in the request context.
func (m *Middleware) Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), identityKey, m.resolver.ClientIdentity(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFrom returns the identity set by the Identity middleware.
func IdentityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// ClaimsFrom returns the claims set by BearerAuth.
func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}

// RequestLogger logs one line per request. Authorization headers and bodies are never logged.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := m.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   m.resolver.ClientIP(r),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		switch {
		case status >= 500:
			entry.Error("Request processed")
		case status >= 400:
			entry.Warn("Request processed")
		default:
			entry.Info("Request processed")
		}
	})
}

// Recover turns a panic into a JSON 500 and a critical audit entry.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			m.logger.WithFields(logrus.Fields{
				"panic":      rec,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			}).Error("Recovered from panic")
			m.audit.Record(audit.Entry{
				Time:      time.Now(),
				Severity:  events.SeverityCritical,
				Event:     "panic",
				Outcome:   audit.OutcomeError,
				Code:      CodeInternal,
				Endpoint:  r.URL.Path,
				RequestID: middleware.GetReqID(r.Context()),
				ClientIP:  IdentityFrom(r.Context()),
			})
			respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

// RateLimit gates requests through l, keyed by the caller identity.
func (m *Middleware) RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	limit := l.Profile().MaxRequests
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity == "" {
				identity = m.resolver.ClientIdentity(r)
			}

			d := l.CheckLimit(r, identity)
			setRateLimitHeaders(w, limit, d)
			if !d.Allowed {
				m.audit.Record(audit.Entry{
					Time:      time.Now(),
					Severity:  events.SeverityMedium,
					Event:     "rate_limit",
					Outcome:   audit.OutcomeRejected,
					Code:      CodeRateLimited,
					Endpoint:  r.URL.Path,
					RequestID: middleware.GetReqID(r.Context()),
					ClientIP:  identity,
				})
				respondRateLimited(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuth requires a valid broker token and stores its claims in the context.
func (m *Middleware) BearerAuth(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				m.rejectAuth(r, CodeMissingToken)
				respondError(w, http.StatusUnauthorized, CodeMissingToken, "missing bearer token")
				return
			}

			claims, err := parser.Parse(raw)
			if err != nil {
				code, msg := CodeInvalidToken, "invalid token"
				if errors.Is(err, token.ErrExpiredToken) {
					code, msg = CodeTokenExpired, "token expired"
				}
				m.rejectAuth(r, code)
				respondError(w, http.StatusUnauthorized, code, msg)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *Middleware) rejectAuth(r *http.Request, code string) {
	m.audit.Record(audit.Entry{
		Time:      time.Now(),
		Severity:  events.SeverityMedium,
		Event:     "auth",
		Outcome:   audit.OutcomeRejected,
		Code:      code,
		Endpoint:  r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
		ClientIP:  IdentityFrom(r.Context()),
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
