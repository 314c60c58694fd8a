package vault

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/internal/shared/logging"
)

const testEncryptionKey = "test-encryption-key-0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestVault(t *testing.T, cfg Config) (*Vault, *fakeClock, *events.Recorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	v, err := New(testEncryptionKey, cfg,
		WithClock(clock.Now),
		WithSink(rec),
		WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, clock, rec
}

func TestNew_RejectsShortKey(t *testing.T) {
	if _, err := New("too-short", DefaultConfig()); !errors.Is(err, ErrWeakEncryptionKey) {
		t.Fatalf("err = %v, want ErrWeakEncryptionKey", err)
	}
}

func TestStoreAndGetKey(t *testing.T) {
	v, _, _ := newTestVault(t, DefaultConfig())

	id, err := v.StoreKey("sk-live-secret", EnvProduction)
	if err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	keys := v.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}
	if keys[0].Ciphertext != nil {
		t.Error("Keys() leaked ciphertext")
	}

	v.mu.Lock()
	stored := v.keys[id]
	if len(stored.IV) != 16 || len(stored.AuthTag) != 16 {
		t.Errorf("iv=%d tag=%d, want 16/16", len(stored.IV), len(stored.AuthTag))
	}
	if bytes.Contains(stored.Ciphertext, []byte("sk-live-secret")) {
		t.Error("ciphertext contains plaintext")
	}
	v.mu.Unlock()

	got, ok := v.GetKey(id, "1.1.1.1:aa", "chat")
	if !ok || got != "sk-live-secret" {
		t.Fatalf("GetKey = %q, %v", got, ok)
	}

	stats, _ := v.Stats(id)
	if stats.UsageCount != 1 || stats.RecentRequests != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGetKey_Missing(t *testing.T) {
	v, _, _ := newTestVault(t, DefaultConfig())
	if _, ok := v.GetKey("nope", "id", "chat"); ok {
		t.Fatal("missing key returned ok")
	}
	evs := v.UsageEvents("nope")
	if len(evs) != 1 || evs[0].Success || evs[0].ErrorCode != CodeKeyNotFound {
		t.Fatalf("usage events = %+v", evs)
	}
}

func TestGetKey_Expired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxKeyAge = time.Hour
	v, clock, _ := newTestVault(t, cfg)

	id, _ := v.StoreKey("sk", EnvDevelopment)
	clock.Advance(2 * time.Hour)

	if _, ok := v.GetKey(id, "id", "chat"); ok {
		t.Fatal("expired key returned ok")
	}
	stats, _ := v.Stats(id)
	if stats.IsActive || stats.DeactivationReason != ReasonExpired {
		t.Errorf("stats = %+v", stats)
	}
	if _, ok := v.ActiveKeyID(); ok {
		t.Error("ActiveKeyID returned an expired key")
	}
}

func TestSecurityBlockAndRecovery(t *testing.T) {
	v, clock, rec := newTestVault(t, DefaultConfig())
	id, _ := v.StoreKey("sk", EnvProduction)

	for i := 0; i < 11; i++ {
		v.ReportFailure(id, "6.6.6.6:bad", "chat", "UPSTREAM_401")
	}

	if rec.Count(events.KeySecurityBlock) != 1 {
		t.Fatalf("security block events = %d, want 1", rec.Count(events.KeySecurityBlock))
	}
	if rec.Count(events.KeyHighErrorRate) == 0 {
		t.Error("expected high error rate alerts")
	}
	if _, ok := v.GetKey(id, "6.6.6.6:bad", "chat"); ok {
		t.Fatal("blocked key returned ok")
	}
	if _, ok := v.GetKey(id, "someone-else", "chat"); ok {
		t.Fatal("blocked key returned ok for another identity")
	}
	if _, ok := v.ActiveKeyID(); ok {
		t.Fatal("ActiveKeyID returned a blocked key")
	}

	clock.Advance(4 * time.Minute)
	if _, ok := v.GetKey(id, "someone-else", "chat"); ok {
		t.Fatal("key usable before cooldown elapsed")
	}

	clock.Advance(time.Minute)
	got, ok := v.GetKey(id, "someone-else", "chat")
	if !ok || got != "sk" {
		t.Fatalf("GetKey after cooldown = %q, %v", got, ok)
	}
	if rec.Count(events.KeyReactivated) != 1 {
		t.Errorf("reactivated events = %d, want 1", rec.Count(events.KeyReactivated))
	}
}

func TestThresholdNotExceeded(t *testing.T) {
	v, _, rec := newTestVault(t, DefaultConfig())
	id, _ := v.StoreKey("sk", EnvProduction)

	for i := 0; i < 10; i++ {
		v.ReportFailure(id, "id", "chat", "UPSTREAM_401")
	}
	if rec.Count(events.KeySecurityBlock) != 0 {
		t.Fatal("blocked at threshold, want only above")
	}
	if _, ok := v.GetKey(id, "id", "chat"); !ok {
		t.Fatal("key unusable below threshold")
	}
}

func TestUnusualUsage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnusualUsageThreshold = 3
	v, _, rec := newTestVault(t, cfg)
	id, _ := v.StoreKey("sk", EnvProduction)

	for i := 0; i < 4; i++ {
		v.GetKey(id, "id", "chat")
	}
	if rec.Count(events.KeyUnusualUsage) != 1 {
		t.Errorf("unusual usage events = %d, want 1", rec.Count(events.KeyUnusualUsage))
	}
}

func TestRotateKey(t *testing.T) {
	v, clock, _ := newTestVault(t, DefaultConfig())
	oldID, _ := v.StoreKey("sk-old", EnvProduction)

	clock.Advance(time.Second)
	newID, err := v.RotateKey(oldID, "sk-new")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	if active, _ := v.ActiveKeyID(); active != newID {
		t.Errorf("ActiveKeyID = %s, want %s", active, newID)
	}
	if _, ok := v.GetKey(oldID, "id", "chat"); !ok {
		t.Error("old key unusable during grace period")
	}

	clock.Advance(31 * time.Second)
	if _, ok := v.GetKey(oldID, "id", "chat"); ok {
		t.Error("old key usable after grace period")
	}
	stats, _ := v.Stats(oldID)
	if stats.DeactivationReason != ReasonRotated {
		t.Errorf("reason = %s, want ROTATED", stats.DeactivationReason)
	}

	if _, err := v.RotateKey("missing", "x"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}

	var actions []string
	for _, r := range v.AuditLog() {
		if r.KeyID == oldID {
			actions = append(actions, r.Action)
		}
	}
	if len(actions) < 2 || actions[0] != "stored" || actions[1] != "rotation_scheduled" {
		t.Errorf("audit trail for old key = %v", actions)
	}
}

func TestDeactivateKeyIdempotent(t *testing.T) {
	v, _, rec := newTestVault(t, DefaultConfig())
	id, _ := v.StoreKey("sk", EnvProduction)

	if err := v.DeactivateKey(id, ReasonManual); err != nil {
		t.Fatal(err)
	}
	if err := v.DeactivateKey(id, ReasonManual); err != nil {
		t.Fatal(err)
	}
	if rec.Count(events.KeyDeactivated) != 1 {
		t.Errorf("deactivated events = %d, want 1", rec.Count(events.KeyDeactivated))
	}
	if err := v.DeactivateKey("missing", ReasonManual); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestMaintain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RotationInterval = 24 * time.Hour
	v, clock, rec := newTestVault(t, cfg)

	retired, _ := v.StoreKey("sk-1", EnvProduction)
	v.GetKey(retired, "id", "chat")
	_ = v.DeactivateKey(retired, ReasonManual)
	live, _ := v.StoreKey("sk-2", EnvProduction)

	clock.Advance(25 * time.Hour)
	report := v.Maintain()
	if report.RotationDue != 1 {
		t.Errorf("RotationDue = %d, want 1", report.RotationDue)
	}
	if report.UsageTrimmed != 1 {
		t.Errorf("UsageTrimmed = %d, want 1", report.UsageTrimmed)
	}
	if again := v.Maintain(); again.RotationDue != 0 {
		t.Error("rotation_due emitted twice")
	}

	clock.Advance(7 * 24 * time.Hour)
	report = v.Maintain()
	if report.Purged != 1 {
		t.Errorf("Purged = %d, want 1", report.Purged)
	}
	if _, ok := v.Stats(retired); ok {
		t.Error("purged key still present")
	}
	if _, ok := v.Stats(live); !ok {
		t.Error("active key purged")
	}
	if rec.Count(events.KeyRotationDue) != 1 {
		t.Errorf("rotation due events = %d", rec.Count(events.KeyRotationDue))
	}
}

func TestVerifyEvent(t *testing.T) {
	v, _, _ := newTestVault(t, DefaultConfig())
	id, _ := v.StoreKey("sk", EnvProduction)
	v.GetKey(id, "id", "chat")

	evs := v.UsageEvents(id)
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	if !v.VerifyEvent(evs[0]) {
		t.Fatal("untouched event failed verification")
	}
	tampered := evs[0]
	tampered.Success = false
	if v.VerifyEvent(tampered) {
		t.Fatal("tampered event passed verification")
	}
}

func TestPropertyStoreGetRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	v, err := New(testEncryptionKey, DefaultConfig(), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("GetKey returns exactly what StoreKey stored", prop.ForAll(
		func(secret string) bool {
			id, err := v.StoreKey(secret, EnvDevelopment)
			if err != nil {
				return false
			}
			got, ok := v.GetKey(id, "prop", "roundtrip")
			return ok && got == secret
		},
		gen.AnyString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
