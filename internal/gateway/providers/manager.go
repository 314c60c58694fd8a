package providers

import (
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/shared/config"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Manager resolves which backend serves a session's mode.
type Manager struct {
	live     *OpenAIUpstream
	demo     *DemoUpstream
	realtime *RealtimeSessions
}

// NewManager creates a new provider manager
func NewManager(cfg *config.Config) *Manager {
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = 30 * time.Second
	}
	return &Manager{
		live:     NewOpenAIUpstream(cfg.UpstreamBaseURL, httpClient),
		demo:     NewDemoUpstream(),
		realtime: NewRealtimeSessions(cfg.UpstreamBaseURL, httpClient, cfg.RealtimeModel),
	}
}

// For returns the upstream for mode. Demo sessions never reach the network.
func (m *Manager) For(mode protocol.Mode) Upstream {
	if mode == protocol.ModeDemo {
		return m.demo
	}
	return m.live
}

// Live returns the network-backed upstream.
func (m *Manager) Live() *OpenAIUpstream {
	return m.live
}

// Realtime returns the realtime session minter.
func (m *Manager) Realtime() *RealtimeSessions {
	return m.realtime
}
