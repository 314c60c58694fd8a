// Package proxy verifies signed client requests and relays them upstream with
// the vaulted provider key.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Rejection codes.
const (
	CodeSessionMismatch       = "SESSION_MISMATCH"
	CodeMalformedRequest      = "MALFORMED_REQUEST"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeRequestExpired        = "REQUEST_EXPIRED"
	CodeEndpointNotAllowed    = "ENDPOINT_NOT_ALLOWED"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	CodeUpstreamBusy          = "UPSTREAM_BUSY"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeUpstreamTimeout       = "UPSTREAM_TIMEOUT"
	CodeInvalidRequest        = "INVALID_REQUEST"
)

// Rejection is a request the proxy refused or could not complete.
// Message is safe to show to clients.
type Rejection struct {
	Status   int
	Code     string
	Message  string
	Severity events.Severity
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func reject(status int, code, message string, sev events.Severity) *Rejection {
	return &Rejection{Status: status, Code: code, Message: message, Severity: sev}
}

// Session is the authenticated broker session behind a request.
type Session struct {
	ID   string
	Mode protocol.Mode
}

// KeySource is the slice of the vault the proxy needs.
type KeySource interface {
	ActiveKeyID() (string, bool)
	GetKey(keyID, identity, operation string) (string, bool)
	ReportFailure(keyID, identity, operation, errorCode string)
}

// SigningKeys derives the per-session request signing key.
type SigningKeys interface {
	SigningKey(sessionID string) []byte
}

// Upstreams resolves the backend for a session mode.
type Upstreams interface {
	For(mode protocol.Mode) providers.Upstream
}

// Options tunes request validation and upstream dispatch.
type Options struct {
	ReplayWindow          time.Duration
	FutureSkew            time.Duration
	MaxBodyBytes          int64
	MaxTranscriptionBytes int64
	UpstreamTimeout       time.Duration
	UpstreamRPS           float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ReplayWindow:          5 * time.Minute,
		FutureSkew:            30 * time.Second,
		MaxBodyBytes:          1 << 20,
		MaxTranscriptionBytes: 25 << 20,
		UpstreamTimeout:       30 * time.Second,
		UpstreamRPS:           20,
	}
}

type Proxy struct {
	opts      Options
	keys      KeySource
	signing   SigningKeys
	upstreams Upstreams
	cache     *cache.Cache
	audit     audit.Sink
	limiter   *rate.Limiter
	flight    singleflight.Group
	logger    *logrus.Entry
	now       func() time.Time
}

func New(opts Options, keys KeySource, signing SigningKeys, upstreams Upstreams, responses *cache.Cache, sink audit.Sink, logger *logrus.Logger) *Proxy {
	rps := rate.Limit(opts.UpstreamRPS)
	if opts.UpstreamRPS <= 0 {
		rps = rate.Inf
	}
	burst := int(opts.UpstreamRPS)
	if burst < 1 {
		burst = 1
	}
	return &Proxy{
		opts:      opts,
		keys:      keys,
		signing:   signing,
		upstreams: upstreams,
		cache:     responses,
		audit:     sink,
		limiter:   rate.NewLimiter(rps, burst),
		logger:    logger.WithField("component", "proxy"),
		now:       time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (p *Proxy) SetClock(now func() time.Time) {
	p.now = now
}

type outcome struct {
	result *providers.Result
	cached bool
}

// Handle runs one signed request through validation, cache and upstream.
// Validation failures return before the vault or upstream are touched.
func (p *Proxy) Handle(ctx context.Context, sess Session, identity string, req *protocol.ProxyRequest) (*protocol.ProxyResponse, *Rejection) {
	start := p.now()

	out, rej := p.handle(ctx, sess, identity, req)

	elapsed := p.now().Sub(start).Milliseconds()
	entry := audit.Entry{
		Time:         start,
		Event:        "proxy",
		Endpoint:     req.Endpoint,
		Mode:         string(sess.Mode),
		SessionID:    sess.ID,
		RequestID:    req.RequestID,
		ClientIP:     identity,
		ProcessingMs: elapsed,
	}

	if rej != nil {
		entry.Outcome = audit.OutcomeRejected
		if rej.Status >= 500 {
			entry.Outcome = audit.OutcomeError
		}
		entry.Code = rej.Code
		entry.Severity = rej.Severity
		p.audit.Record(entry)
		return nil, rej
	}

	entry.Outcome = audit.OutcomeSuccess
	entry.Severity = events.SeverityInfo
	entry.Cached = out.cached
	p.audit.Record(entry)

	return &protocol.ProxyResponse{
		Success:        true,
		Data:           out.result.Data,
		RequestID:      req.RequestID,
		ProcessingTime: elapsed,
		Mode:           sess.Mode,
		Cached:         out.cached,
		ContentType:    out.result.ContentType,
	}, nil
}

func (p *Proxy) handle(ctx context.Context, sess Session, identity string, req *protocol.ProxyRequest) (*outcome, *Rejection) {
	if req.SessionID != sess.ID {
		return nil, reject(http.StatusUnauthorized, CodeSessionMismatch, "session does not match token", events.SeverityHigh)
	}

	canonical, err := protocol.CanonicalBody(req.Body)
	if err != nil {
		return nil, reject(http.StatusBadRequest, CodeMalformedRequest, "malformed request body", events.SeverityMedium)
	}

	if !protocol.Verify(p.signing.SigningKey(sess.ID), req) {
		return nil, reject(http.StatusUnauthorized, CodeInvalidSignature, "invalid request signature", events.SeverityHigh)
	}

	now := p.now()
	ts := time.UnixMilli(req.Timestamp)
	if now.Sub(ts) > p.opts.ReplayWindow || ts.Sub(now) > p.opts.FutureSkew {
		return nil, reject(http.StatusUnauthorized, CodeRequestExpired, "request expired", events.SeverityMedium)
	}

	if !protocol.IsAllowedEndpoint(req.Endpoint) {
		return nil, reject(http.StatusForbidden, CodeEndpointNotAllowed, "endpoint not allowed", events.SeverityMedium)
	}
	if !strings.EqualFold(req.Method, http.MethodPost) {
		return nil, reject(http.StatusForbidden, CodeMethodNotAllowed, "method not allowed", events.SeverityMedium)
	}

	limit := p.opts.MaxBodyBytes
	if req.Endpoint == protocol.EndpointTranscriptions && p.opts.MaxTranscriptionBytes > limit {
		limit = p.opts.MaxTranscriptionBytes
	}
	if int64(len(canonical)) > limit {
		return nil, reject(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "payload too large", events.SeverityMedium)
	}

	if entry, ok, err := p.cache.Get(ctx, req.Endpoint, canonical); err != nil {
		p.logger.WithError(err).Warn("Cache read failed")
	} else if ok {
		return &outcome{result: &providers.Result{Data: entry.Data, ContentType: entry.ContentType}, cached: true}, nil
	}

	// Identical requests in flight share one upstream call. The shared call
	// outlives any one caller and is bounded by UpstreamTimeout in dispatch.
	shared := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(string(sess.Mode)+":"+cache.Key(req.Endpoint, canonical), func() (interface{}, error) {
		res, rej := p.dispatch(shared, sess, identity, req.Endpoint, canonical)
		if rej != nil {
			return nil, rej
		}
		cacheEntry := &cache.Entry{Data: res.Data, ContentType: res.ContentType, StoredAt: p.now()}
		if err := p.cache.Set(shared, req.Endpoint, canonical, cacheEntry); err != nil {
			p.logger.WithError(err).Warn("Cache write failed")
		}
		return res, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, reject(http.StatusGatewayTimeout, CodeUpstreamTimeout, "request cancelled", events.SeverityInfo)
	}
	if res.Err != nil {
		var rej *Rejection
		if errors.As(res.Err, &rej) {
			return nil, rej
		}
		return nil, reject(http.StatusInternalServerError, CodeUpstreamError, "internal error", events.SeverityHigh)
	}
	return &outcome{result: res.Val.(*providers.Result)}, nil
}

func (p *Proxy) dispatch(ctx context.Context, sess Session, identity, endpoint string, body json.RawMessage) (*providers.Result, *Rejection) {
	upstream := p.upstreams.For(sess.Mode)

	var apiKey, keyID string
	if sess.Mode != protocol.ModeDemo {
		var ok bool
		keyID, ok = p.keys.ActiveKeyID()
		if ok {
			apiKey, ok = p.keys.GetKey(keyID, identity, endpoint)
		}
		if !ok {
			return nil, reject(http.StatusServiceUnavailable, CodeCredentialUnavailable, "service unavailable", events.SeverityHigh)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.UpstreamTimeout)
	defer cancel()

	if err := p.limiter.Wait(callCtx); err != nil {
		return nil, reject(http.StatusServiceUnavailable, CodeUpstreamBusy, "upstream busy", events.SeverityMedium)
	}

	res, err := upstream.Call(callCtx, apiKey, endpoint, body)
	if err == nil {
		return res, nil
	}

	log := p.logger.WithError(err).WithFields(logrus.Fields{
		"endpoint":        endpoint,
		"session_id":      sess.ID,
		"upstream":        upstream.Name(),
		"upstream_status": providers.StatusOf(err),
	})

	switch {
	case errors.Is(err, providers.ErrInvalidBody):
		log.Info("Rejected request body")
		return nil, reject(http.StatusBadRequest, CodeInvalidRequest, "invalid request body", events.SeverityMedium)
	case providers.IsCredentialRejected(err):
		log.Error("Upstream rejected provider credential")
		p.keys.ReportFailure(keyID, identity, endpoint, fmt.Sprintf("UPSTREAM_%d", providers.StatusOf(err)))
		return nil, reject(http.StatusBadGateway, CodeUpstreamError, "upstream request failed", events.SeverityHigh)
	case providers.StatusOf(err) == http.StatusGatewayTimeout:
		log.Warn("Upstream timed out")
		return nil, reject(http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream timeout", events.SeverityMedium)
	default:
		log.Warn("Upstream request failed")
		return nil, reject(http.StatusBadGateway, CodeUpstreamError, "upstream request failed", events.SeverityMedium)
	}
}
