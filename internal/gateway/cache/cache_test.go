package cache

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	a := Key("/v1/chat/completions", []byte(`{"a":1}`))
	b := Key("/v1/chat/completions", []byte(`{"a":2}`))
	c := Key("/v1/audio/speech", []byte(`{"a":1}`))

	if !strings.HasPrefix(a, "proxy:/v1/chat/completions:") {
		t.Errorf("key = %s", a)
	}
	if a == b || a == c {
		t.Error("distinct requests share a key")
	}
	if a != Key("/v1/chat/completions", []byte(`{"a":1}`)) {
		t.Error("key is not deterministic")
	}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStoreWithClock(func() time.Time { return now })
	c := New(store, 5*time.Minute)
	ctx := context.Background()
	body := []byte(`{"model":"gpt-4o-mini"}`)

	if _, ok, _ := c.Get(ctx, "/v1/chat/completions", body); ok {
		t.Fatal("hit on empty cache")
	}

	entry := &Entry{Data: json.RawMessage(`{"id":"x"}`), StoredAt: now}
	if err := c.Set(ctx, "/v1/chat/completions", body, entry); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Get(ctx, "/v1/chat/completions", body)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if string(got.Data) != `{"id":"x"}` {
		t.Errorf("data = %s", got.Data)
	}

	now = now.Add(5 * time.Minute)
	if _, ok, _ := c.Get(ctx, "/v1/chat/completions", body); ok {
		t.Fatal("hit after TTL")
	}
	if removed := store.Sweep(); removed != 1 {
		t.Errorf("swept %d, want 1", removed)
	}
	if store.Len() != 0 {
		t.Errorf("len = %d", store.Len())
	}
}

func TestCacheDisabled(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "/e", nil, &Entry{Data: json.RawMessage(`1`)})
	if store.Len() != 0 {
		t.Error("disabled cache stored an entry")
	}
	if _, ok, _ := c.Get(ctx, "/e", nil); ok {
		t.Error("disabled cache returned a hit")
	}
}
