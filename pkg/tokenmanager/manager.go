// Package tokenmanager is the client side of the broker: it obtains ephemeral
// tokens, refreshes them before they lapse and signs proxied requests.
package tokenmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// State is the lifecycle position of the held token.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRequesting    State = "requesting"
	StateValid         State = "valid"
	StateRefreshing    State = "refreshing"
	StateExpired       State = "expired"
	StateCleared       State = "cleared"
)

// EventType names a notification sent to the OnEvent callback.
type EventType string

const (
	EventTokenIssued    EventType = "token_issued"
	EventTokenRefreshed EventType = "token_refreshed"
	EventRefreshRetry   EventType = "refresh_retry"
	EventTokenExpired   EventType = "token_expired"
	// EventModeChanged fires when an installed token has a different mode than
	// the previous one, and when a capability check recommends a different mode
	// than the previous check did.
	EventModeChanged EventType = "mode_changed"
)

// Event is delivered to the OnEvent callback outside of any lock.
type Event struct {
	Type         EventType
	Mode         protocol.Mode
	PreviousMode protocol.Mode
	ExpiresAt    time.Time
	Attempt      int
	Err          error
}

var (
	ErrNoToken      = errors.New("no token")
	ErrTokenExpired = errors.New("token expired")
	ErrNotProxyMode = errors.New("token is not proxy-scoped")
)

// HTTPError is a non-2xx answer from the broker.
type HTTPError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker returned %d", e.Status)
}

// Manager holds one ephemeral token and keeps it fresh.
type Manager struct {
	baseURL string
	opts    options
	logger  *logrus.Entry

	flight singleflight.Group

	mu         sync.Mutex
	state      State
	token      *protocol.EphemeralToken
	signingKey []byte
	timer      *time.Timer
	generation uint64
	lastMode   protocol.Mode
	compat     *protocol.Compatibility
	compatAt   time.Time
}

// New creates a manager for the broker at baseURL.
func New(baseURL string, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    o,
		logger:  o.logger.WithField("component", "tokenmanager"),
		state:   StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns a copy of the held token.
func (m *Manager) Token() (protocol.EphemeralToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return protocol.EphemeralToken{}, false
	}
	return *m.token, true
}

// IsTokenValid reports whether the token can still be used. A token stops
// being valid GracePeriod before its expiry.
func (m *Manager) IsTokenValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked()
}

func (m *Manager) validLocked() bool {
	if m.token == nil || (m.state != StateValid && m.state != StateRefreshing) {
		return false
	}
	deadline := time.UnixMilli(m.token.ExpiresAt).Add(-m.opts.gracePeriod)
	return m.opts.now().Before(deadline)
}

// Clear drops the token and cancels any scheduled refresh.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.generation++
	m.token = nil
	m.signingKey = nil
	m.state = StateCleared
}

// RequestToken obtains a brand-new token, probing capabilities first when enabled.
func (m *Manager) RequestToken(ctx context.Context) (*protocol.EphemeralToken, error) {
	m.mu.Lock()
	previous := m.state
	m.state = StateRequesting
	m.mu.Unlock()

	mode := m.chooseMode(ctx)

	tok, err := m.postToken(ctx, mode, "")
	if err != nil {
		m.mu.Lock()
		if m.state == StateRequesting {
			m.state = previous
		}
		m.mu.Unlock()
		return nil, err
	}

	m.install(tok, EventTokenIssued)
	return tok, nil
}

// RefreshToken renews the held token. Concurrent callers share one refresh.
func (m *Manager) RefreshToken(ctx context.Context) (*protocol.EphemeralToken, error) {
	v, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.EphemeralToken), nil
}

func (m *Manager) refresh(ctx context.Context) (*protocol.EphemeralToken, error) {
	m.mu.Lock()
	if m.state == StateCleared {
		m.mu.Unlock()
		return nil, ErrNoToken
	}
	bearer := ""
	var mode protocol.Mode
	if m.token != nil {
		bearer = bearerOf(m.token)
		mode = m.token.Mode
	}
	m.state = StateRefreshing
	m.mu.Unlock()

	var lastErr error
	if bearer != "" {
		for attempt := 0; attempt < m.opts.maxRetries; attempt++ {
			tok, err := m.postToken(ctx, mode, bearer)
			if err == nil {
				m.install(tok, EventTokenRefreshed)
				return tok, nil
			}
			lastErr = err
			m.emit(Event{Type: EventRefreshRetry, Mode: mode, Attempt: attempt + 1, Err: err})
			if !retryable(err) || attempt == m.opts.maxRetries-1 {
				break
			}
			if err := m.opts.sleep(ctx, m.backoff(attempt, err)); err != nil {
				lastErr = err
				break
			}
		}
		m.logger.WithError(lastErr).Warn("Token refresh failed, requesting a new token")
	}

	// Fall back to a fresh token without the old session.
	tok, err := m.postToken(ctx, m.chooseMode(ctx), "")
	if err == nil {
		m.install(tok, EventTokenRefreshed)
		return tok, nil
	}
	if lastErr == nil {
		lastErr = err
	}

	m.mu.Lock()
	m.stopTimerLocked()
	if m.state != StateCleared {
		m.state = StateExpired
	}
	m.mu.Unlock()

	m.logger.WithError(err).Error("Token expired, broker unreachable")
	m.emit(Event{Type: EventTokenExpired, Mode: mode, Err: err})
	return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
}

func (m *Manager) backoff(attempt int, err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	d := m.opts.baseBackoff << uint(attempt)
	if m.opts.maxBackoff > 0 && d > m.opts.maxBackoff {
		d = m.opts.maxBackoff
	}
	return d
}

// retryable reports whether a failed attempt is worth repeating with the same bearer.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	// Network failures and timeouts.
	return true
}

// install stores tok, schedules its refresh and emits the matching events.
func (m *Manager) install(tok *protocol.EphemeralToken, issued EventType) {
	key, err := protocol.DecodeSigningKey(tok.SigningKey)
	if err != nil {
		m.logger.WithError(err).Warn("Ignoring undecodable signing key")
		key = nil
	}

	m.mu.Lock()
	if m.state == StateCleared {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.generation++
	gen := m.generation
	m.token = tok
	m.signingKey = key
	m.state = StateValid

	previous := m.lastMode
	m.lastMode = tok.Mode

	expiresAt := time.UnixMilli(tok.ExpiresAt)
	delay := expiresAt.Add(-m.opts.refreshThreshold).Sub(m.opts.now())
	if delay < 0 {
		delay = 0
	}
	if m.opts.autoRefresh {
		m.timer = time.AfterFunc(delay, func() { m.scheduledRefresh(gen) })
	}
	m.mu.Unlock()

	m.emit(Event{Type: issued, Mode: tok.Mode, ExpiresAt: expiresAt})
	if previous != "" && previous != tok.Mode {
		m.emit(Event{Type: EventModeChanged, Mode: tok.Mode, PreviousMode: previous})
	}
}

func (m *Manager) scheduledRefresh(gen uint64) {
	m.mu.Lock()
	stale := gen != m.generation || m.state == StateCleared
	m.mu.Unlock()
	if stale {
		return
	}
	if _, err := m.RefreshToken(context.Background()); err != nil {
		m.logger.WithError(err).Warn("Scheduled refresh failed")
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) emit(e Event) {
	if m.opts.onEvent != nil {
		m.opts.onEvent(e)
	}
}

// chooseMode picks the mode to ask for. An empty mode lets the broker decide.
func (m *Manager) chooseMode(ctx context.Context) protocol.Mode {
	preferred := m.opts.preferredMode
	if !m.opts.probe {
		return preferred
	}

	report, err := m.Compatibility(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("Capability probe failed")
		return preferred
	}

	switch {
	case report.DemoMode:
		return protocol.ModeDemo
	case preferred == protocol.ModeRealtime && !report.Realtime:
		return protocol.ModeProxy
	case preferred != "":
		return preferred
	default:
		return report.RecommendedMode
	}
}

// Compatibility returns the broker's capability report, cached for CompatTTL.
func (m *Manager) Compatibility(ctx context.Context) (protocol.Compatibility, error) {
	m.mu.Lock()
	if m.compat != nil && m.opts.now().Sub(m.compatAt) < m.opts.compatTTL {
		report := *m.compat
		m.mu.Unlock()
		return report, nil
	}
	m.mu.Unlock()

	var report protocol.Compatibility
	if err := m.do(ctx, http.MethodGet, "/compatibility", nil, "", &report); err != nil {
		return protocol.Compatibility{}, err
	}

	m.mu.Lock()
	var previous protocol.Mode
	if m.compat != nil {
		previous = m.compat.RecommendedMode
	}
	m.compat = &report
	m.compatAt = m.opts.now()
	m.mu.Unlock()

	if previous != "" && previous != report.RecommendedMode {
		m.emit(Event{Type: EventModeChanged, Mode: report.RecommendedMode, PreviousMode: previous})
	}
	return report, nil
}

func (m *Manager) postToken(ctx context.Context, mode protocol.Mode, bearer string) (*protocol.EphemeralToken, error) {
	var body []byte
	if mode != "" {
		var err error
		if body, err = json.Marshal(protocol.TokenRequest{Mode: mode}); err != nil {
			return nil, err
		}
	}

	var tok protocol.EphemeralToken
	if err := m.do(ctx, http.MethodPost, "/token", body, bearer, &tok); err != nil {
		return nil, err
	}
	if !tok.Success || tok.Token == "" {
		return nil, errors.New("broker returned an empty token")
	}
	return &tok, nil
}

// Proxy signs a request for endpoint and sends it through the broker.
// A rejected or expired broker token triggers one refresh and retry.
func (m *Manager) Proxy(ctx context.Context, endpoint string, body any) (*protocol.ProxyResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	resp, err := m.proxyOnce(ctx, endpoint, raw)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized &&
		(httpErr.Code == "TOKEN_EXPIRED" || httpErr.Code == "INVALID_TOKEN") {
		if _, rerr := m.RefreshToken(ctx); rerr != nil {
			return nil, rerr
		}
		return m.proxyOnce(ctx, endpoint, raw)
	}
	return resp, err
}

func (m *Manager) proxyOnce(ctx context.Context, endpoint string, body json.RawMessage) (*protocol.ProxyResponse, error) {
	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return nil, ErrNoToken
	}
	if m.token.Mode != protocol.ModeProxy && m.token.Mode != protocol.ModeDemo {
		m.mu.Unlock()
		return nil, ErrNotProxyMode
	}
	sessionID := m.token.SessionID
	bearer := bearerOf(m.token)
	key := m.signingKey
	m.mu.Unlock()

	req := &protocol.ProxyRequest{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Method:    http.MethodPost,
		Endpoint:  endpoint,
		Body:      body,
		Timestamp: m.opts.now().UnixMilli(),
	}
	sig, err := protocol.Sign(key, req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp protocol.ProxyResponse
	if err := m.do(ctx, http.MethodPost, "/proxy", payload, bearer, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one bounded HTTP exchange with the broker and decodes a 2xx body into out.
func (m *Manager) do(ctx context.Context, method, path string, body []byte, bearer string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if m.opts.origin != "" {
		req.Header.Set("Origin", m.opts.origin)
	}

	resp, err := m.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{Status: resp.StatusCode}
		var e struct {
			Error      string `json:"error"`
			Code       string `json:"code"`
			RetryAfter int    `json:"retryAfter"`
		}
		if json.Unmarshal(data, &e) == nil {
			httpErr.Code = e.Code
			httpErr.Message = e.Error
			httpErr.RetryAfter = time.Duration(e.RetryAfter) * time.Second
		}
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			httpErr.RetryAfter = time.Duration(s) * time.Second
		}
		return httpErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// bearerOf returns the broker token to authenticate with. Realtime tokens carry
// the provider secret in Token and the broker token in SessionToken.
func bearerOf(tok *protocol.EphemeralToken) string {
	if tok.SessionToken != "" {
		return tok.SessionToken
	}
	return tok.Token
}
