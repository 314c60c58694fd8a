package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/proxy"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/sessions"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/token"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/internal/shared/logging"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

const (
	testSecret = "handler-test-signing-secret-0123456789"
	appOrigin  = "https://app.example.com"
)

type staticKeys struct{ active bool }

func (k staticKeys) ActiveKeyID() (string, bool)                  { return "k1", k.active }
func (k staticKeys) GetKey(string, string, string) (string, bool) { return "sk-test", k.active }
func (k staticKeys) ReportFailure(string, string, string, string) {}

type demoUpstreams struct{}

func (demoUpstreams) For(protocol.Mode) providers.Upstream { return providers.NewDemoUpstream() }

type fixedReport struct{}

func (fixedReport) Report(context.Context) protocol.Compatibility {
	return protocol.Compatibility{DemoMode: true, RecommendedMode: protocol.ModeDemo, Tiers: []string{"demo"}}
}

type fixture struct {
	handler http.Handler
	audit   *audit.Recorder
	tracker *sessions.Tracker
}

type fixtureOptions struct {
	demo          bool
	keysActive    bool
	requireOrigin bool
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	logger := logging.Discard()
	rec := &audit.Recorder{}
	tracker := sessions.NewTracker()
	keys := staticKeys{active: fo.keysActive}

	issuer := token.NewIssuer(testSecret, token.Options{
		Duration:    300 * time.Second,
		MinDuration: time.Minute,
		MaxDuration: time.Hour,
		DemoMode:    fo.demo,
	}, keys, nil, nil, tracker, logger)

	p := proxy.New(proxy.DefaultOptions(), keys, issuer, demoUpstreams{}, cache.New(cache.NewMemoryStore(), 5*time.Minute), rec, logger)
	mw := NewMiddleware([]string{appOrigin}, nil, rec, logger)

	h := NewRouter(Routes{
		Middleware:   mw,
		TokenLimiter: ratelimit.New(ratelimit.Strict(10), ratelimit.WithSink(events.Discard)),
		ProxyLimiter: ratelimit.New(ratelimit.Strict(60), ratelimit.WithSink(events.Discard)),
		Tokens:       NewTokenHandler(issuer, mw, fo.requireOrigin, rec, logger),
		Proxy:        NewProxyHandler(p, tracker, proxy.DefaultOptions().MaxTranscriptionBytes, rec, logger),
		Parser:       issuer,
		Compat:       fixedReport{},
		Health: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
	return &fixture{handler: h, audit: rec, tracker: tracker}
}

func (f *fixture) do(method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("User-Agent", "handlers-test")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func originHeader() http.Header {
	return http.Header{"Origin": {appOrigin}}
}

func (f *fixture) issue(t *testing.T) protocol.EphemeralToken {
	t.Helper()
	rec := f.do(http.MethodPost, "/token", nil, originHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /token = %d: %s", rec.Code, rec.Body.String())
	}
	var tok protocol.EphemeralToken
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	return tok
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) protocol.ErrorResponse {
	t.Helper()
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestToken_DemoMode(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})
	before := time.Now()

	rec := f.do(http.MethodPost, "/token", nil, originHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != appOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	var tok protocol.EphemeralToken
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	if !tok.Success || tok.Mode != protocol.ModeDemo || tok.SessionID == "" || tok.SigningKey == "" {
		t.Errorf("token = %+v", tok)
	}
	lo := before.Add(300 * time.Second).UnixMilli()
	hi := time.Now().Add(300 * time.Second).UnixMilli()
	if tok.ExpiresAt < lo || tok.ExpiresAt > hi {
		t.Errorf("expiresAt = %d, want within [%d, %d]", tok.ExpiresAt, lo, hi)
	}
	if f.tracker.Active() != 1 {
		t.Errorf("active sessions = %d", f.tracker.Active())
	}
}

func TestToken_OriginRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	rec := f.do(http.MethodPost, "/token", nil, http.Header{"Origin": {"https://evil.example.com"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
	}
	if resp := decodeError(t, rec); resp.Code != CodeOriginNotAllowed || resp.Success {
		t.Errorf("body = %+v", resp)
	}
	last, _ := f.audit.Last()
	if last.Code != CodeOriginNotAllowed || last.Outcome != audit.OutcomeRejected {
		t.Errorf("audit = %+v", last)
	}
}

func TestToken_RequireOrigin(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true, requireOrigin: true})

	if rec := f.do(http.MethodPost, "/token", nil, nil); rec.Code != http.StatusForbidden {
		t.Errorf("missing origin: status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/token", nil, originHeader()); rec.Code != http.StatusOK {
		t.Errorf("allowed origin: status = %d", rec.Code)
	}
}

func TestToken_EleventhRequestRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	for i := 0; i < 10; i++ {
		if rec := f.do(http.MethodPost, "/token", nil, originHeader()); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := f.do(http.MethodPost, "/token", nil, originHeader())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry <= 0 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if resp := decodeError(t, rec); resp.Code != CodeRateLimited || resp.RetryAfter <= 0 {
		t.Errorf("body = %+v", resp)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestToken_RotatingForwardedForStillLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	limited := 0
	for i := 0; i < 15; i++ {
		h := originHeader()
		h.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		h.Set("X-Real-IP", "198.51.100."+strconv.Itoa(i+100))
		if rec := f.do(http.MethodPost, "/token", nil, h); rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 5 {
		t.Errorf("limited = %d, want 5", limited)
	}
}

func TestToken_CredentialUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOptions{keysActive: false})

	rec := f.do(http.MethodPost, "/token", nil, originHeader())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Code != CodeCredentialUnavailable || resp.Error != "service unavailable" {
		t.Errorf("body = %+v", resp)
	}
}

func TestToken_InvalidBody(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	if rec := f.do(http.MethodPost, "/token", []byte(`{"mode":`), originHeader()); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed json: status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/token", []byte(`{"mode":"turbo"}`), originHeader()); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown mode: status = %d", rec.Code)
	}
}

func TestToken_RefreshKeepsSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{keysActive: true})
	first := f.issue(t)
	if first.Mode != protocol.ModeProxy {
		t.Fatalf("mode = %s", first.Mode)
	}

	header := originHeader()
	header.Set("Authorization", "Bearer "+first.Token)
	rec := f.do(http.MethodPost, "/token", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}
	var second protocol.EphemeralToken
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session changed on refresh: %s -> %s", first.SessionID, second.SessionID)
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	header := originHeader()
	header.Set("Access-Control-Request-Method", "POST")
	rec := f.do(http.MethodOptions, "/token", nil, header)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != appOrigin {
		t.Error("preflight missing allow-origin")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("preflight does not allow Authorization")
	}
}

func signedProxyBody(t *testing.T, tok protocol.EphemeralToken, endpoint, body string) []byte {
	t.Helper()
	key, err := protocol.DecodeSigningKey(tok.SigningKey)
	if err != nil {
		t.Fatal(err)
	}
	req := &protocol.ProxyRequest{
		SessionID: tok.SessionID,
		RequestID: "req-1",
		Method:    http.MethodPost,
		Endpoint:  endpoint,
		Body:      json.RawMessage(body),
		Timestamp: time.Now().UnixMilli(),
	}
	if req.Signature, err = protocol.Sign(key, req); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func authHeader(tok protocol.EphemeralToken) http.Header {
	h := originHeader()
	h.Set("Authorization", "Bearer "+tok.Token)
	h.Set("Content-Type", "application/json")
	return h
}

const chatBody = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`

func TestProxy_DemoRoundTripAndCache(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})
	tok := f.issue(t)
	body := signedProxyBody(t, tok, protocol.EndpointChatCompletions, chatBody)

	first := f.do(http.MethodPost, "/proxy", body, authHeader(tok))
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", first.Code, first.Body.String())
	}
	var resp protocol.ProxyResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Mode != protocol.ModeDemo || !strings.Contains(string(resp.Data), providers.DemoReply) {
		t.Errorf("response = %+v", resp)
	}
	if first.Header().Get("X-Cache-Hit") != "false" {
		t.Errorf("X-Cache-Hit = %q", first.Header().Get("X-Cache-Hit"))
	}

	second := f.do(http.MethodPost, "/proxy", body, authHeader(tok))
	if second.Code != http.StatusOK || second.Header().Get("X-Cache-Hit") != "true" {
		t.Errorf("second: status = %d, X-Cache-Hit = %q", second.Code, second.Header().Get("X-Cache-Hit"))
	}
	var again protocol.ProxyResponse
	if err := json.Unmarshal(second.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if string(again.Data) != string(resp.Data) {
		t.Error("cached data differs")
	}

	s, ok := f.tracker.Get(tok.SessionID)
	if !ok || s.Requests != 2 {
		t.Errorf("session = %+v, %v", s, ok)
	}
}

func TestProxy_Rejections(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})
	tok := f.issue(t)

	tampered := strings.Replace(string(signedProxyBody(t, tok, protocol.EndpointChatCompletions, chatBody)), `"hi"`, `"ho"`, 1)

	tests := []struct {
		name   string
		body   []byte
		header http.Header
		status int
		code   string
	}{
		{"missing token", signedProxyBody(t, tok, protocol.EndpointChatCompletions, chatBody), originHeader(), http.StatusUnauthorized, CodeMissingToken},
		{"garbage token", signedProxyBody(t, tok, protocol.EndpointChatCompletions, chatBody), http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized, CodeInvalidToken},
		{"malformed body", []byte(`{"sessionId":`), authHeader(tok), http.StatusBadRequest, proxy.CodeMalformedRequest},
		{"tampered body", []byte(tampered), authHeader(tok), http.StatusUnauthorized, proxy.CodeInvalidSignature},
		{"blocked endpoint", signedProxyBody(t, tok, "/v1/files", chatBody), authHeader(tok), http.StatusForbidden, proxy.CodeEndpointNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/proxy", tt.body, tt.header)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			var resp struct {
				Success bool   `json:"success"`
				Code    string `json:"code"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success || resp.Code != tt.code {
				t.Errorf("body = %+v, want code %s", resp, tt.code)
			}
		})
	}
}

func TestCompatibilityCacheHeader(t *testing.T) {
	f := newFixture(t, fixtureOptions{demo: true})

	rec := f.do(http.MethodGet, "/compatibility", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "max-age=300") {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
	var report protocol.Compatibility
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.RecommendedMode != protocol.ModeDemo {
		t.Errorf("report = %+v", report)
	}
}

func TestRecoverReturnsJSON500(t *testing.T) {
	rec := &audit.Recorder{}
	mw := NewMiddleware(nil, nil, rec, logging.Discard())
	h := mw.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeInternal || strings.Contains(resp.Error, "boom") {
		t.Errorf("body = %+v", resp)
	}
	last, ok := rec.Last()
	if !ok || last.Severity != events.SeverityCritical {
		t.Errorf("audit = %+v", last)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/proxy", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v", tt.header, got, ok)
		}
	}
}
