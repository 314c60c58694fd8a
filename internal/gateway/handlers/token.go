package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/token"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

const maxTokenBodyBytes = 4 << 10

// TokenIssuer mints ephemeral tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, req token.Request) (*protocol.EphemeralToken, error)
}

// OriginPolicy decides which browser origins may request tokens.
type OriginPolicy interface {
	OriginAllowed(origin string) bool
}

type TokenHandler struct {
	issuer        TokenIssuer
	origins       OriginPolicy
	requireOrigin bool
	audit         audit.Sink
	logger        *logrus.Entry
}

// NewTokenHandler creates the POST /token handler. With requireOrigin set,
// requests without an Origin header are refused as well.
func NewTokenHandler(issuer TokenIssuer, origins OriginPolicy, requireOrigin bool, sink audit.Sink, logger *logrus.Logger) *TokenHandler {
	return &TokenHandler{
		issuer:        issuer,
		origins:       origins,
		requireOrigin: requireOrigin,
		audit:         sink,
		logger:        logger.WithField("component", "token_handler"),
	}
}

// HandleToken handles POST /token
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	identity := IdentityFrom(ctx)

	entry := audit.Entry{
		Time:      start,
		Event:     "token",
		Endpoint:  r.URL.Path,
		RequestID: middleware.GetReqID(ctx),
		ClientIP:  identity,
	}
	finish := func(outcome, code string, sev events.Severity) {
		entry.Outcome = outcome
		entry.Code = code
		entry.Severity = sev
		entry.ProcessingMs = time.Since(start).Milliseconds()
		h.audit.Record(entry)
	}

	origin := r.Header.Get("Origin")
	if (origin != "" || h.requireOrigin) && !h.origins.OriginAllowed(origin) {
		finish(audit.OutcomeRejected, CodeOriginNotAllowed, events.SeverityHigh)
		respondError(w, http.StatusForbidden, CodeOriginNotAllowed, "origin not allowed")
		return
	}

	var body protocol.TokenRequest
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTokenBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			finish(audit.OutcomeRejected, CodePayloadTooLarge, events.SeverityMedium)
			respondError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return
		}
		finish(audit.OutcomeRejected, CodeInvalidRequest, events.SeverityInfo)
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			finish(audit.OutcomeRejected, CodeInvalidRequest, events.SeverityInfo)
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
			return
		}
		if body.Mode != "" && !body.Mode.Valid() {
			finish(audit.OutcomeRejected, CodeInvalidRequest, events.SeverityInfo)
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown mode")
			return
		}
	}

	req := token.Request{Mode: body.Mode, Identity: identity}
	if bearer, ok := bearerToken(r); ok {
		req.Bearer = bearer
	}

	tok, err := h.issuer.Issue(ctx, req)
	if err != nil {
		if errors.Is(err, token.ErrCredentialUnavailable) {
			finish(audit.OutcomeError, CodeCredentialUnavailable, events.SeverityHigh)
			respondError(w, http.StatusServiceUnavailable, CodeCredentialUnavailable, "service unavailable")
			return
		}
		h.logger.WithError(err).Error("Token issuance failed")
		finish(audit.OutcomeError, CodeInternal, events.SeverityHigh)
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	entry.Mode = string(tok.Mode)
	entry.SessionID = tok.SessionID
	finish(audit.OutcomeSuccess, "", events.SeverityInfo)

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, tok)
}
