package token

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/sessions"
	"github.com/mrmushfiq/llm0-broker/internal/shared/logging"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

const testSecret = "token-signing-secret-0123456789abcdef"

type fakeKeys struct {
	active   bool
	failures []string
}

func (f *fakeKeys) ActiveKeyID() (string, bool) { return "k1", f.active }

func (f *fakeKeys) GetKey(string, string, string) (string, bool) { return "sk-test", f.active }

func (f *fakeKeys) ReportFailure(_, _, _, code string) { f.failures = append(f.failures, code) }

type fakeMinter struct {
	secret *providers.RealtimeSecret
	err    error
	calls  int
}

func (f *fakeMinter) Mint(context.Context, string) (*providers.RealtimeSecret, error) {
	f.calls++
	return f.secret, f.err
}

type fakeAdvisor struct {
	report protocol.Compatibility
}

func (f fakeAdvisor) Report(context.Context) protocol.Compatibility { return f.report }

var testNow = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newIssuer(opts Options, keys KeySource, minter RealtimeMinter, advisor Advisor) *Issuer {
	i := NewIssuer(testSecret, opts, keys, minter, advisor, sessions.NewTrackerWithClock(func() time.Time { return testNow }), logging.Discard())
	i.SetClock(func() time.Time { return testNow })
	return i
}

func defaultOpts() Options {
	return Options{Duration: 300 * time.Second, MinDuration: time.Minute, MaxDuration: time.Hour}
}

func TestIssue_DemoMode(t *testing.T) {
	opts := defaultOpts()
	opts.DemoMode = true
	minter := &fakeMinter{}
	keys := &fakeKeys{active: false}
	i := newIssuer(opts, keys, minter, fakeAdvisor{})

	tok, err := i.Issue(context.Background(), Request{Mode: protocol.ModeRealtime, Identity: "ip:ua"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.Mode != protocol.ModeDemo {
		t.Errorf("mode = %s, want demo", tok.Mode)
	}
	if tok.ExpiresAt != testNow.UnixMilli()+300*1000 {
		t.Errorf("expiresAt = %d, want %d", tok.ExpiresAt, testNow.UnixMilli()+300*1000)
	}
	if minter.calls != 0 {
		t.Error("demo issuance called the provider")
	}
}

func TestIssue_ProxyAndParse(t *testing.T) {
	i := newIssuer(defaultOpts(), &fakeKeys{active: true}, nil, nil)

	tok, err := i.Issue(context.Background(), Request{Identity: "ip:ua"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.Mode != protocol.ModeProxy || tok.SigningKey == "" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ExpiresAt <= testNow.UnixMilli() {
		t.Error("expiresAt not in the future")
	}

	claims, err := i.Parse(tok.Token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != tok.SessionID || claims.Mode != protocol.ModeProxy {
		t.Errorf("claims = %+v", claims)
	}

	key, _ := protocol.DecodeSigningKey(tok.SigningKey)
	if string(key) != string(i.SigningKey(tok.SessionID)) {
		t.Error("signing key does not match session derivation")
	}
	if string(i.SigningKey("other")) == string(key) {
		t.Error("signing keys collide across sessions")
	}
}

func TestIssue_RefreshKeepsSession(t *testing.T) {
	i := newIssuer(defaultOpts(), &fakeKeys{active: true}, nil, nil)

	first, _ := i.Issue(context.Background(), Request{Identity: "ip:ua"})
	second, err := i.Issue(context.Background(), Request{Identity: "ip:ua", Bearer: first.Token})
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session changed on refresh: %s -> %s", first.SessionID, second.SessionID)
	}

	third, _ := i.Issue(context.Background(), Request{Identity: "ip:ua", Bearer: "garbage"})
	if third.SessionID == first.SessionID {
		t.Error("invalid bearer kept the session")
	}
}

func TestIssue_CredentialUnavailable(t *testing.T) {
	i := newIssuer(defaultOpts(), &fakeKeys{active: false}, nil, nil)
	if _, err := i.Issue(context.Background(), Request{}); !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialUnavailable", err)
	}
}

func TestIssue_Realtime(t *testing.T) {
	minter := &fakeMinter{secret: &providers.RealtimeSecret{Value: "ek_1", ExpiresAt: testNow.Add(time.Minute)}}
	advisor := fakeAdvisor{report: protocol.Compatibility{Realtime: true, RecommendedMode: protocol.ModeRealtime}}
	i := newIssuer(defaultOpts(), &fakeKeys{active: true}, minter, advisor)

	tok, err := i.Issue(context.Background(), Request{Mode: protocol.ModeRealtime})
	if err != nil {
		t.Fatal(err)
	}
	if tok.Mode != protocol.ModeRealtime || tok.Token != "ek_1" || tok.SessionToken == "" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ExpiresAt != testNow.Add(time.Minute).UnixMilli() {
		t.Errorf("expiresAt = %d", tok.ExpiresAt)
	}
	if _, err := i.Parse(tok.SessionToken); err != nil {
		t.Errorf("session token invalid: %v", err)
	}
}

func TestIssue_RealtimeFallsBackToProxy(t *testing.T) {
	keys := &fakeKeys{active: true}
	minter := &fakeMinter{err: &providers.UpstreamError{Status: http.StatusUnauthorized}}
	advisor := fakeAdvisor{report: protocol.Compatibility{Realtime: true, RecommendedMode: protocol.ModeRealtime}}
	i := newIssuer(defaultOpts(), keys, minter, advisor)

	tok, err := i.Issue(context.Background(), Request{Mode: protocol.ModeRealtime})
	if err != nil {
		t.Fatal(err)
	}
	if tok.Mode != protocol.ModeProxy || len(tok.Warnings) == 0 {
		t.Fatalf("token = %+v", tok)
	}
	if len(keys.failures) != 1 || keys.failures[0] != "UPSTREAM_401" {
		t.Errorf("failures = %v", keys.failures)
	}
}

func TestIssue_LifetimeClamped(t *testing.T) {
	opts := defaultOpts()
	opts.Duration = 10 * time.Hour
	i := newIssuer(opts, &fakeKeys{active: true}, nil, nil)

	tok, _ := i.Issue(context.Background(), Request{})
	if tok.ExpiresAt != testNow.Add(time.Hour).UnixMilli() {
		t.Errorf("expiresAt = %d, want clamp to 1h", tok.ExpiresAt)
	}
}

func TestParse_Expired(t *testing.T) {
	i := newIssuer(defaultOpts(), &fakeKeys{active: true}, nil, nil)
	tok, _ := i.Issue(context.Background(), Request{})

	i.SetClock(func() time.Time { return testNow.Add(10 * time.Minute) })
	if _, err := i.Parse(tok.Token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}

	other := NewIssuer("a-completely-different-signing-secret!!", defaultOpts(), &fakeKeys{}, nil, nil, nil, logging.Discard())
	other.SetClock(func() time.Time { return testNow })
	if _, err := other.Parse(tok.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
