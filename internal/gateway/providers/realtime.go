package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRealtimeModel is requested when the caller does not name one.
const DefaultRealtimeModel = "gpt-4o-realtime-preview"

// RealtimeSecret is a provider-minted, short-lived client secret.
type RealtimeSecret struct {
	Value     string
	ExpiresAt time.Time
}

// RealtimeSessions mints ephemeral realtime secrets from the provider.
type RealtimeSessions struct {
	baseURL    string
	httpClient *http.Client
	model      string
}

type realtimeSessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type realtimeSessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func NewRealtimeSessions(baseURL string, httpClient *http.Client, model string) *RealtimeSessions {
	if model == "" {
		model = DefaultRealtimeModel
	}
	return &RealtimeSessions{baseURL: baseURL, httpClient: httpClient, model: model}
}

// Mint asks the provider for a realtime client secret using apiKey.
func (r *RealtimeSessions) Mint(ctx context.Context, apiKey string) (*RealtimeSecret, error) {
	reqBody, _ := json.Marshal(realtimeSessionRequest{Model: r.model, Voice: "alloy"})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/realtime/sessions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build realtime request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapError(err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))

	if httpResp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var session realtimeSessionResponse
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("failed to parse realtime session: %w", err)
	}
	if session.ClientSecret.Value == "" {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Body: "realtime session without client secret"}
	}

	return &RealtimeSecret{
		Value:     session.ClientSecret.Value,
		ExpiresAt: time.Unix(session.ClientSecret.ExpiresAt, 0),
	}, nil
}
