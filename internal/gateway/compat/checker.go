// Package compat probes what the configured provider can serve and recommends
// a session mode to clients.
package compat

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// DefaultTTL is how long a report is served from cache.
const DefaultTTL = 5 * time.Minute

// DefaultFailureTTL is how long a failed check waits before the next attempt.
const DefaultFailureTTL = 30 * time.Second

const probeIdentity = "compat-probe"

// ModelLister lists the model ids visible to a key.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]string, error)
}

// KeySource hands out the active provider key.
type KeySource interface {
	ActiveKeyID() (string, bool)
	GetKey(keyID, identity, operation string) (string, bool)
}

// Options configures a Checker.
type Options struct {
	BaseURL       string
	RealtimeModel string
	DemoMode      bool
	TTL           time.Duration
	// FailureTTL bounds how long an unreachable-upstream result is cached.
	FailureTTL time.Duration
	// StaleTTL is how long the last good report keeps being served while checks fail.
	StaleTTL     time.Duration
	ProbeTimeout time.Duration
}

// Checker produces cached compatibility reports.
type Checker struct {
	lister ModelLister
	keys   KeySource
	opts   Options
	dialer *websocket.Dialer
	logger *logrus.Entry
	now    func() time.Time
	flight singleflight.Group

	mu         sync.RWMutex
	report     *protocol.Compatibility
	expires    time.Time
	lastGood   *protocol.Compatibility
	lastGoodAt time.Time
}

func NewChecker(lister ModelLister, keys KeySource, opts Options, logger *logrus.Logger) *Checker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = DefaultFailureTTL
	}
	if opts.StaleTTL <= 0 {
		opts.StaleTTL = 2 * opts.TTL
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &Checker{
		lister: lister,
		keys:   keys,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.ProbeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.WithField("component", "compat"),
		now:    time.Now,
	}
}

// Report returns the cached report, probing the provider when it is stale.
// Concurrent callers share one check, which runs without any lock held and is
// not cancelled when a caller goes away. A caller whose ctx ends first gets the
// last known report.
func (c *Checker) Report(ctx context.Context) protocol.Compatibility {
	if report, ok := c.fresh(); ok {
		return report
	}

	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("report", func() (interface{}, error) {
		if report, ok := c.fresh(); ok {
			return report, nil
		}
		report, reachable := c.probe(shared)
		return c.store(report, reachable), nil
	})

	select {
	case res := <-ch:
		return res.Val.(protocol.Compatibility)
	case <-ctx.Done():
		if report, ok := c.Cached(); ok {
			return report
		}
		return finish(protocol.Compatibility{
			DemoMode:  c.opts.DemoMode,
			CheckedAt: c.now().UnixMilli(),
			Warnings:  []string{"compatibility check pending"},
		})
	}
}

// Cached returns the last report without probing.
func (c *Checker) Cached() (protocol.Compatibility, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.report == nil {
		return protocol.Compatibility{}, false
	}
	return *c.report, true
}

func (c *Checker) fresh() (protocol.Compatibility, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.report != nil && c.now().Before(c.expires) {
		return *c.report, true
	}
	return protocol.Compatibility{}, false
}

// store caches a check result. An unreachable upstream is retried after
// FailureTTL, and the last good report is served meanwhile while it is younger
// than StaleTTL.
func (c *Checker) store(report protocol.Compatibility, reachable bool) protocol.Compatibility {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if reachable {
		c.report = &report
		c.lastGood = &report
		c.lastGoodAt = now
		c.expires = now.Add(c.opts.TTL)
		return report
	}

	c.expires = now.Add(c.opts.FailureTTL)
	if c.lastGood != nil && now.Sub(c.lastGoodAt) < c.opts.StaleTTL {
		c.report = c.lastGood
		return *c.lastGood
	}
	c.report = &report
	return report
}

// probe queries the provider. reachable is false only when the upstream could
// not be reached, so the result is worth retrying soon.
func (c *Checker) probe(ctx context.Context) (protocol.Compatibility, bool) {
	now := c.now()
	report := protocol.Compatibility{
		DemoMode:  c.opts.DemoMode,
		CheckedAt: now.UnixMilli(),
	}

	if c.opts.DemoMode {
		report.Chat, report.Speech, report.Transcription = true, true, true
		report.RecommendedMode = protocol.ModeDemo
		report.Tiers = []string{string(protocol.ModeDemo)}
		return report, true
	}

	keyID, ok := c.keys.ActiveKeyID()
	if !ok {
		report.Warnings = append(report.Warnings, "no provider credential available")
		return finish(report), true
	}
	apiKey, ok := c.keys.GetKey(keyID, probeIdentity, "compatibility")
	if !ok {
		report.Warnings = append(report.Warnings, "no provider credential available")
		return finish(report), true
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	models, err := c.lister.ListModels(probeCtx, apiKey)
	if err != nil {
		c.logger.WithError(err).Warn("Model listing failed")
		report.Warnings = append(report.Warnings, "upstream unreachable")
		return finish(report), false
	}

	realtimeListed := false
	report.Chat = len(models) > 0
	for _, id := range models {
		switch {
		case strings.Contains(id, "realtime"):
			realtimeListed = true
		case strings.HasPrefix(id, "tts"):
			report.Speech = true
		case strings.HasPrefix(id, "whisper") || strings.Contains(id, "transcribe"):
			report.Transcription = true
		}
	}

	if realtimeListed {
		if err := c.probeRealtime(probeCtx, apiKey); err != nil {
			c.logger.WithError(err).Info("Realtime probe failed")
			report.Warnings = append(report.Warnings, "realtime unavailable")
		} else {
			report.Realtime = true
		}
	}

	return finish(report), true
}

// probeRealtime opens and immediately closes a realtime websocket.
func (c *Checker) probeRealtime(ctx context.Context, apiKey string) error {
	target, err := RealtimeURL(c.opts.BaseURL, c.opts.RealtimeModel)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"),
		time.Now().Add(time.Second))
	return conn.Close()
}

func finish(report protocol.Compatibility) protocol.Compatibility {
	switch {
	case report.Realtime:
		report.RecommendedMode = protocol.ModeRealtime
	case report.Chat:
		report.RecommendedMode = protocol.ModeProxy
	default:
		report.RecommendedMode = protocol.ModeDemo
	}

	if report.Realtime {
		report.Tiers = append(report.Tiers, string(protocol.ModeRealtime))
	}
	if report.Chat {
		report.Tiers = append(report.Tiers, string(protocol.ModeProxy))
	}
	if report.DemoMode {
		report.Tiers = append(report.Tiers, string(protocol.ModeDemo))
	}
	return report
}

// RealtimeURL converts the HTTP API base into the realtime websocket endpoint.
func RealtimeURL(baseURL, model string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
