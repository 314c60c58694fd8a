package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/vault"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

type fixedCompat struct {
	report protocol.Compatibility
}

func (f fixedCompat) Cached() (protocol.Compatibility, bool)        { return f.report, true }
func (f fixedCompat) Report(context.Context) protocol.Compatibility { return f.report }

type fakeVault struct {
	active bool
	stats  vault.KeyStats
	keys   []vault.VaultedKey
}

func (f fakeVault) ActiveKeyID() (string, bool) { return "k", f.active }

func (f fakeVault) Stats(string) (vault.KeyStats, bool) { return f.stats, f.active }

func (f fakeVault) Keys() []vault.VaultedKey { return f.keys }

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

func TestHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		keyOK      bool
		report     protocol.Compatibility
		wantStatus int
		wantBody   Status
	}{
		{"healthy", true, protocol.Compatibility{Chat: true, Realtime: true}, http.StatusOK, StatusHealthy},
		{"degraded", true, protocol.Compatibility{Chat: true}, http.StatusOK, StatusDegraded},
		{"unhealthy", false, protocol.Compatibility{Chat: true, Realtime: true}, http.StatusServiceUnavailable, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("test")
			c.Register("upstream", UpstreamCheck(fixedCompat{tt.report}, false))
			c.Register("vault", VaultCheck(fakeVault{active: tt.keyOK}, false))

			rec := httptest.NewRecorder()
			c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("body status = %s, want %s", resp.Status, tt.wantBody)
			}
		})
	}
}

func TestVaultCheck(t *testing.T) {
	ctx := context.Background()

	healthy := VaultCheck(fakeVault{active: true, stats: vault.KeyStats{KeyID: "k", RecentRequests: 10, RecentFailures: 1}}, false)(ctx)
	if healthy.Status != StatusHealthy || healthy.Details["recent_failures"] != 1 {
		t.Errorf("healthy = %+v", healthy)
	}

	failing := VaultCheck(fakeVault{active: true, stats: vault.KeyStats{KeyID: "k", RecentRequests: 6, RecentFailures: 4}}, false)(ctx)
	if failing.Status != StatusDegraded {
		t.Errorf("failing = %+v", failing)
	}

	until := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	blocked := fakeVault{keys: []vault.VaultedKey{
		{KeyID: "old", DeactivationReason: vault.ReasonRotated},
		{KeyID: "k", DeactivationReason: vault.ReasonSecurityBlock, BlockedUntil: &until},
	}}
	s := VaultCheck(blocked, false)(ctx)
	if s.Status != StatusUnhealthy || s.Details["reason"] != string(vault.ReasonSecurityBlock) || s.Details["blocked_until"] != "2024-01-01T12:05:00Z" {
		t.Errorf("blocked = %+v", s)
	}
	if s := VaultCheck(blocked, true)(ctx); s.Status != StatusDegraded {
		t.Errorf("blocked in demo mode = %s", s.Status)
	}
}

func TestStoreCheckDegrades(t *testing.T) {
	if s := StoreCheck(pingErr{errors.New("down")})(context.Background()); s.Status != StatusDegraded {
		t.Errorf("status = %s", s.Status)
	}
	if s := StoreCheck(pingErr{})(context.Background()); s.Status != StatusHealthy {
		t.Errorf("status = %s", s.Status)
	}
}

func TestPropertyOverallIsWorstComponent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statuses := []Status{StatusHealthy, StatusDegraded, StatusUnhealthy}

	properties.Property("overall status equals the worst component status", prop.ForAll(
		func(picks []int) bool {
			c := NewChecker("test")
			worst := 0
			for i, p := range picks {
				s := statuses[p]
				if p > worst {
					worst = p
				}
				c.Register(string(rune('a'+i)), func(context.Context) ComponentStatus { return ComponentStatus{Status: s} })
			}
			return c.Check(context.Background()).Status == statuses[worst]
		},
		gen.SliceOfN(5, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
