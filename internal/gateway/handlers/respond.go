package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Error codes produced at the HTTP boundary. Proxy pipeline codes live in package proxy.
const (
	CodeOriginNotAllowed      = "ORIGIN_NOT_ALLOWED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeMissingToken          = "MISSING_TOKEN"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Success: false, Error: message, Code: code})
}

// setRateLimitHeaders writes the X-RateLimit-* headers for d.
func setRateLimitHeaders(w http.ResponseWriter, limit int, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetTime.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	}
}

func respondRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	retry := d.RetryAfterSeconds
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	respondJSON(w, http.StatusTooManyRequests, protocol.ErrorResponse{
		Success:    false,
		Error:      "rate limit exceeded",
		Code:       CodeRateLimited,
		RetryAfter: retry,
	})
}
