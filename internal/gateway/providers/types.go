package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
	ErrInvalidBody         = errors.New("invalid request body")
)

// Result is a successful upstream response ready to hand back to the client.
type Result struct {
	Data        json.RawMessage
	ContentType string
}

// Upstream is the interface every provider backend implements
type Upstream interface {
	// Call performs one request against endpoint using apiKey. It never retries.
	Call(ctx context.Context, apiKey, endpoint string, body json.RawMessage) (*Result, error)
	Name() string
}

// UpstreamError carries the provider's status and message. Body is for logs
// only and must not be returned to clients.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsCredentialRejected reports whether err means the provider refused the key.
func IsCredentialRejected(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
