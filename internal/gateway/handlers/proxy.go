package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/proxy"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/sessions"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/token"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// envelopeOverhead leaves room for the ProxyRequest fields around the body.
const envelopeOverhead = 64 << 10

// ProxyService runs signed requests upstream.
type ProxyService interface {
	Handle(ctx context.Context, sess proxy.Session, identity string, req *protocol.ProxyRequest) (*protocol.ProxyResponse, *proxy.Rejection)
}

type ProxyHandler struct {
	proxy    ProxyService
	sessions *sessions.Tracker
	maxBody  int64
	audit    audit.Sink
	logger   *logrus.Entry
}

// NewProxyHandler creates the POST /proxy handler. maxBody bounds the whole
// envelope and should cover the largest per-endpoint body allowance.
func NewProxyHandler(p ProxyService, tracker *sessions.Tracker, maxBody int64, sink audit.Sink, logger *logrus.Logger) *ProxyHandler {
	return &ProxyHandler{
		proxy:    p,
		sessions: tracker,
		maxBody:  maxBody + envelopeOverhead,
		audit:    sink,
		logger:   logger.WithField("component", "proxy_handler"),
	}
}

// HandleProxy handles POST /proxy. It must run behind BearerAuth.
func (h *ProxyHandler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	claims, ok := ClaimsFrom(ctx)
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeMissingToken, "missing bearer token")
		return
	}
	// Realtime tokens talk to the provider directly and are not proxy-scoped.
	if claims.Mode != protocol.ModeProxy && claims.Mode != protocol.ModeDemo {
		h.reject(r, claims, CodeInvalidToken)
		respondError(w, http.StatusUnauthorized, CodeInvalidToken, "token is not valid for proxy requests")
		return
	}

	var req protocol.ProxyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(r, claims, CodePayloadTooLarge)
			respondError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return
		}
		h.reject(r, claims, proxy.CodeMalformedRequest)
		respondError(w, http.StatusBadRequest, proxy.CodeMalformedRequest, "malformed request")
		return
	}

	sess := proxy.Session{ID: claims.Subject, Mode: claims.Mode}
	identity := IdentityFrom(ctx)

	resp, rej := h.proxy.Handle(ctx, sess, identity, &req)
	if rej != nil {
		respondJSON(w, rej.Status, protocol.ProxyResponse{
			Success:        false,
			Error:          rej.Message,
			Code:           rej.Code,
			RequestID:      req.RequestID,
			ProcessingTime: time.Since(start).Milliseconds(),
			Mode:           sess.Mode,
		})
		return
	}

	if h.sessions != nil && !h.sessions.Touch(sess.ID) {
		// Issued by another instance or before a restart.
		h.logger.WithField("session_id", sess.ID).Debug("Adopting untracked session")
		var expiresAt time.Time
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		h.sessions.Track(sess.ID, sess.Mode, identity, expiresAt)
		h.sessions.Touch(sess.ID)
	}

	w.Header().Set("X-Cache-Hit", strconv.FormatBool(resp.Cached))
	w.Header().Set("X-Processing-Ms", strconv.FormatInt(resp.ProcessingTime, 10))
	respondJSON(w, http.StatusOK, resp)
}

// reject audits requests refused before they reach the proxy pipeline.
func (h *ProxyHandler) reject(r *http.Request, claims *token.Claims, code string) {
	h.audit.Record(audit.Entry{
		Time:      time.Now(),
		Severity:  events.SeverityMedium,
		Event:     "proxy",
		Outcome:   audit.OutcomeRejected,
		Code:      code,
		Endpoint:  r.URL.Path,
		Mode:      string(claims.Mode),
		SessionID: claims.Subject,
		RequestID: middleware.GetReqID(r.Context()),
		ClientIP:  IdentityFrom(r.Context()),
	})
}
