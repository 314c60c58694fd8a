package health

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/vault"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CompatSource exposes the last compatibility report.
type CompatSource interface {
	Cached() (protocol.Compatibility, bool)
	Report(ctx context.Context) protocol.Compatibility
}

// LimiterStats exposes rate limiter counters.
type LimiterStats interface {
	Len() int
	SuspiciousCount() int
}

// SessionStats exposes the live session count.
type SessionStats interface {
	Active() int
}

// KeyInventory is the slice of the vault health reporting needs.
type KeyInventory interface {
	ActiveKeyID() (string, bool)
	Stats(keyID string) (vault.KeyStats, bool)
	Keys() []vault.VaultedKey
}

// UpstreamCheck reports provider reachability from the compatibility report.
func UpstreamCheck(src CompatSource, demoMode bool) CheckFunc {
	return func(ctx context.Context) ComponentStatus {
		if demoMode {
			return ComponentStatus{Status: StatusHealthy, Message: "demo mode"}
		}
		report, ok := src.Cached()
		if !ok {
			report = src.Report(ctx)
		}
		details := map[string]any{
			"realtime":      report.Realtime,
			"chat":          report.Chat,
			"speech":        report.Speech,
			"transcription": report.Transcription,
		}
		switch {
		case report.Chat && report.Realtime:
			return ComponentStatus{Status: StatusHealthy, Details: details}
		case report.Chat:
			return ComponentStatus{Status: StatusDegraded, Message: "realtime unavailable", Details: details}
		default:
			return ComponentStatus{Status: StatusUnhealthy, Message: "upstream unreachable", Details: details}
		}
	}
}

// RateLimiterCheck reports limiter occupancy. Flagged clients degrade the status.
func RateLimiterCheck(l LimiterStats) CheckFunc {
	return func(context.Context) ComponentStatus {
		tracked, suspicious := l.Len(), l.SuspiciousCount()
		status := ComponentStatus{
			Status:  StatusHealthy,
			Details: map[string]any{"tracked_clients": tracked, "suspicious_clients": suspicious},
		}
		if suspicious > 0 {
			status.Status = StatusDegraded
			status.Message = "suspicious clients present"
		}
		return status
	}
}

// SessionsCheck reports how many sessions are live.
func SessionsCheck(s SessionStats) CheckFunc {
	return func(context.Context) ComponentStatus {
		return ComponentStatus{Status: StatusHealthy, Details: map[string]any{"active": s.Active()}}
	}
}

// VaultCheck is unhealthy when no credential can be served, unless the broker
// runs in demo mode. A key failing most of its recent requests degrades it.
func VaultCheck(v KeyInventory, demoMode bool) CheckFunc {
	return func(context.Context) ComponentStatus {
		if id, ok := v.ActiveKeyID(); ok {
			status := ComponentStatus{Status: StatusHealthy, Message: "active key available"}
			if stats, ok := v.Stats(id); ok {
				status.Details = map[string]any{
					"key_id":          stats.KeyID,
					"usage_count":     stats.UsageCount,
					"recent_requests": stats.RecentRequests,
					"recent_failures": stats.RecentFailures,
				}
				if stats.RecentRequests >= minFailureSample && stats.RecentFailures*2 > stats.RecentRequests {
					status.Status = StatusDegraded
					status.Message = "active key failing"
				}
			}
			return status
		}

		status := ComponentStatus{Status: StatusUnhealthy, Message: "no active key"}
		if demoMode {
			status.Status = StatusDegraded
		}
		if keys := v.Keys(); len(keys) > 0 {
			newest := keys[len(keys)-1]
			details := map[string]any{"key_id": newest.KeyID, "reason": string(newest.DeactivationReason)}
			if newest.BlockedUntil != nil {
				details["blocked_until"] = newest.BlockedUntil.UTC().Format(time.RFC3339)
			}
			status.Details = details
		}
		return status
	}
}

// minFailureSample is the request count below which failures do not degrade the vault.
const minFailureSample = 5

// StoreCheck pings an optional backing store. Failures degrade rather than fail the broker.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) ComponentStatus {
		if err := p.Ping(ctx); err != nil {
			return ComponentStatus{Status: StatusDegraded, Message: "ping failed"}
		}
		return ComponentStatus{Status: StatusHealthy, Message: "connected"}
	}
}
