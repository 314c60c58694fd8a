package tokenmanager

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Defaults.
const (
	DefaultRefreshThreshold = 60 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultBaseBackoff      = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultCompatTTL        = 5 * time.Minute
)

type options struct {
	httpClient       *http.Client
	requestTimeout   time.Duration
	refreshThreshold time.Duration
	gracePeriod      time.Duration
	maxRetries       int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	compatTTL        time.Duration
	probe            bool
	autoRefresh      bool
	preferredMode    protocol.Mode
	origin           string
	onEvent          func(Event)
	logger           *logrus.Logger
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
}

func defaultOptions() options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return options{
		httpClient:       &http.Client{Timeout: DefaultRequestTimeout},
		requestTimeout:   DefaultRequestTimeout,
		refreshThreshold: DefaultRefreshThreshold,
		gracePeriod:      DefaultGracePeriod,
		maxRetries:       DefaultMaxRetries,
		baseBackoff:      DefaultBaseBackoff,
		maxBackoff:       DefaultMaxBackoff,
		compatTTL:        DefaultCompatTTL,
		probe:            true,
		autoRefresh:      true,
		logger:           logger,
		now:              time.Now,
		sleep:            sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Manager.
type Option func(*options)

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRequestTimeout bounds each call to the broker.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithRefreshThreshold sets how long before expiry the refresh fires.
func WithRefreshThreshold(d time.Duration) Option {
	return func(o *options) { o.refreshThreshold = d }
}

func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

// WithRetries sets the refresh attempt ceiling and the first backoff step.
func WithRetries(maxRetries int, baseBackoff time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.baseBackoff = baseBackoff
	}
}

func WithCompatTTL(d time.Duration) Option {
	return func(o *options) { o.compatTTL = d }
}

// WithProbe toggles the capability probe that runs before requesting a token.
func WithProbe(enabled bool) Option {
	return func(o *options) { o.probe = enabled }
}

// WithAutoRefresh toggles the refresh timer.
func WithAutoRefresh(enabled bool) Option {
	return func(o *options) { o.autoRefresh = enabled }
}

func WithPreferredMode(mode protocol.Mode) Option {
	return func(o *options) { o.preferredMode = mode }
}

// WithOrigin sets the Origin header sent with every request.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}

// WithOnEvent registers the notification callback. It runs on the goroutine
// that caused the event and must not block.
func WithOnEvent(fn func(Event)) Option {
	return func(o *options) { o.onEvent = fn }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
