// Package ratelimit implements the per-client sliding-window limiter that gates
// token issuance and proxied calls.
//
// State lives in process memory, so limits are per broker instance.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
)

const (
	// DecayFactor is applied to the counter when a window boundary is crossed
	// before a hard reset is due.
	DecayFactor = 0.8

	// SuspiciousMarkerTTL bounds how long an identity stays flagged.
	SuspiciousMarkerTTL = time.Hour
)

// Profile bundles the tunables for one deployment profile.
type Profile struct {
	Name                string
	MaxRequests         int
	Window              time.Duration
	SuspiciousThreshold float64
	// FailOpen allows requests when the limiter itself fails.
	// Token and proxy endpoints run fail closed.
	FailOpen bool
}

// Strict is the production profile.
func Strict(maxRequests int) Profile {
	return Profile{Name: "strict", MaxRequests: maxRequests, Window: time.Minute, SuspiciousThreshold: 0.8}
}

// Permissive is the development profile.
func Permissive(maxRequests int) Profile {
	return Profile{Name: "permissive", MaxRequests: maxRequests, Window: time.Minute, SuspiciousThreshold: 0.95}
}

// ProfileByName resolves "strict" or "permissive"; anything else is strict.
func ProfileByName(name string, maxRequests int) Profile {
	if name == "permissive" {
		return Permissive(maxRequests)
	}
	return Strict(maxRequests)
}

// Entry is the counter state for one client identity.
type Entry struct {
	Count           int
	WindowStart     time.Time
	ResetTime       time.Time
	Suspicious      bool
	SuspiciousSince time.Time
}

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed           bool
	Remaining         int
	ResetTime         time.Time
	RetryAfterSeconds int
}

// Limiter is a sliding-window counter keyed by client identity.
type Limiter struct {
	profile   Profile
	whitelist map[string]bool
	sink      events.Sink
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWhitelist exempts identities (or bare IPs) from limiting.
// The strict profile ignores it.
func WithWhitelist(ids []string) Option {
	return func(l *Limiter) {
		for _, id := range ids {
			l.whitelist[id] = true
		}
	}
}

// WithSink sets where suspicious and limit-reached events go.
func WithSink(sink events.Sink) Option {
	return func(l *Limiter) {
		l.sink = sink
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter for the given profile.
func New(profile Profile, opts ...Option) *Limiter {
	if profile.Window <= 0 {
		profile.Window = time.Minute
	}
	if profile.SuspiciousThreshold <= 0 || profile.SuspiciousThreshold > 1 {
		profile.SuspiciousThreshold = 0.8
	}

	l := &Limiter{
		profile:   profile,
		whitelist: make(map[string]bool),
		sink:      events.Discard,
		now:       time.Now,
		entries:   make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	if profile.Name == "strict" {
		l.whitelist = map[string]bool{}
	}
	return l
}

// Profile returns the active profile.
func (l *Limiter) Profile() Profile {
	return l.profile
}

// CheckLimit decides whether the request from identity may proceed.
// It never panics; an internal failure yields the profile's fail-safe decision.
func (l *Limiter) CheckLimit(r *http.Request, identity string) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			now := l.now()
			d = Decision{
				Allowed:   l.profile.FailOpen,
				ResetTime: now.Add(l.profile.Window),
			}
			if !d.Allowed {
				d.RetryAfterSeconds = int(l.profile.Window / time.Second)
			}
		}
	}()

	if l.isWhitelisted(identity) {
		return Decision{Allowed: true, Remaining: l.profile.MaxRequests, ResetTime: l.now().Add(l.profile.Window)}
	}

	now := l.now()
	max := l.profile.MaxRequests
	count, resetTime, flagged, allowed := l.count(identity, now)

	if flagged {
		l.emit(events.RateLimitSuspicious, events.SeverityMedium, identity, r, count)
	}
	if !allowed {
		retry := int(math.Ceil(float64(resetTime.Sub(now)) / float64(time.Second)))
		if retry < 1 {
			retry = 1
		}
		l.emit(events.RateLimitReached, events.SeverityHigh, identity, r, count)
		return Decision{Allowed: false, Remaining: 0, ResetTime: resetTime, RetryAfterSeconds: retry}
	}
	return Decision{Allowed: true, Remaining: max - count, ResetTime: resetTime}
}

// count advances the window for identity and records the request when under the limit.
func (l *Limiter) count(identity string, now time.Time) (count int, resetTime time.Time, flagged, allowed bool) {
	window := l.profile.Window
	max := l.profile.MaxRequests

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[identity]
	switch {
	case !ok:
		entry = &Entry{WindowStart: now, ResetTime: now.Add(window)}
		l.entries[identity] = entry
	case now.Sub(entry.WindowStart) >= 2*window:
		entry.Count = 0
		entry.WindowStart = now
		entry.ResetTime = now.Add(window)
	case !now.Before(entry.ResetTime):
		if entry.Count > 0 {
			entry.Count = int(math.Floor(float64(entry.Count) * DecayFactor))
			if entry.Count < 1 {
				entry.Count = 1
			}
		}
		entry.WindowStart = now
		entry.ResetTime = now.Add(window)
	}

	if float64(entry.Count) > float64(max)*l.profile.SuspiciousThreshold {
		if !entry.Suspicious {
			entry.SuspiciousSince = now
		}
		entry.Suspicious = true
		flagged = true
	}

	if entry.Count >= max {
		return entry.Count, entry.ResetTime, flagged, false
	}
	entry.Count++
	return entry.Count, entry.ResetTime, flagged, true
}

// Entry returns a copy of the state for identity.
func (l *Limiter) Entry(identity string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SuspiciousCount returns how many tracked identities are flagged.
func (l *Limiter) SuspiciousCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Suspicious {
			n++
		}
	}
	return n
}

// Sweep drops entries whose window has ended and clears stale suspicious
// markers. Returns the number of entries removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if e.ResetTime.Before(now) {
			delete(l.entries, id)
			removed++
			continue
		}
		if e.Suspicious && now.Sub(e.SuspiciousSince) > SuspiciousMarkerTTL {
			e.Suspicious = false
			e.SuspiciousSince = time.Time{}
		}
	}
	return removed
}

func (l *Limiter) isWhitelisted(identity string) bool {
	if len(l.whitelist) == 0 {
		return false
	}
	if l.whitelist[identity] {
		return true
	}
	if i := strings.LastIndex(identity, ":"); i > 0 {
		return l.whitelist[identity[:i]]
	}
	return false
}

func (l *Limiter) emit(eventType string, sev events.Severity, identity string, r *http.Request, count int) {
	fields := map[string]any{
		"identity": identity,
		"count":    count,
		"limit":    l.profile.MaxRequests,
		"profile":  l.profile.Name,
	}
	if r != nil {
		fields["path"] = r.URL.Path
	}
	l.sink.Emit(events.Event{Type: eventType, Severity: sev, Time: l.now(), Fields: fields})
}

// Resolver derives client addresses. Forwarding headers are honoured only when
// the socket peer is one of the trusted proxies. A nil Resolver trusts nobody.
type Resolver struct {
	trusted []*net.IPNet
}

// NewResolver parses trusted proxy addresses, each a bare IP or a CIDR.
func NewResolver(trustedProxies []string) (*Resolver, error) {
	res := &Resolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			res.trusted = append(res.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, network)
	}
	return res, nil
}

func (res *Resolver) isTrusted(ip string) bool {
	if res == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range res.trusted {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIdentity derives the limiter key: client IP plus a short hash of the user agent.
func (res *Resolver) ClientIdentity(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.UserAgent()))
	return fmt.Sprintf("%s:%s", res.ClientIP(r), hex.EncodeToString(sum[:])[:8])
}

// ClientIP returns the caller address. Behind trusted proxies it is the
// right-most X-Forwarded-For hop that is not itself a trusted proxy, falling
// back to X-Real-IP.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !res.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !res.isTrusted(hop) || i == 0 {
				return hop
			}
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	return peer
}
