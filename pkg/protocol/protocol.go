// Package protocol defines the wire types shared by the broker and its clients,
// and the request-signing scheme both sides use for proxied calls.
package protocol

import (
	"encoding/json"
)

// Mode is the operating mode an ephemeral token was issued for.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeProxy    Mode = "proxy"
	ModeDemo     Mode = "demo"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeRealtime, ModeProxy, ModeDemo:
		return true
	}
	return false
}

// Upstream paths a proxied request may target.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointSpeech          = "/v1/audio/speech"
	EndpointTranscriptions  = "/v1/audio/transcriptions"
)

// AllowedEndpoints is the proxy allow-list.
var AllowedEndpoints = []string{
	EndpointChatCompletions,
	EndpointSpeech,
	EndpointTranscriptions,
}

// IsAllowedEndpoint reports whether endpoint is on the proxy allow-list.
func IsAllowedEndpoint(endpoint string) bool {
	for _, e := range AllowedEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// TokenRequest is the optional body of POST /token.
type TokenRequest struct {
	Mode Mode `json:"mode,omitempty"`
}

// EphemeralToken is the body of a successful POST /token.
type EphemeralToken struct {
	Success    bool     `json:"success"`
	Token      string   `json:"token"`
	ExpiresAt  int64    `json:"expiresAt"` // epoch millis
	SessionID  string   `json:"sessionId"`
	Mode       Mode     `json:"mode"`
	Warnings   []string `json:"warnings,omitempty"`
	SigningKey string   `json:"signingKey,omitempty"` // base64 HMAC key for signed proxy requests
	// SessionToken is the broker token when Token holds a provider realtime secret.
	SessionToken string `json:"sessionToken,omitempty"`
}

// ProxyRequest is the body of POST /proxy.
type ProxyRequest struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
	// Headers is accepted for wire compatibility. It is neither signed nor
	// forwarded upstream.
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp"` // epoch millis
	Signature string            `json:"signature"`
}

// ProxyResponse is the body returned by POST /proxy.
type ProxyResponse struct {
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           string          `json:"code,omitempty"`
	RequestID      string          `json:"requestId"`
	ProcessingTime int64           `json:"processingTime"` // millis
	Mode           Mode            `json:"mode"`
	Cached         bool            `json:"cached,omitempty"`
	ContentType    string          `json:"contentType,omitempty"`
}

// AudioPayload is the data of a speech response: base64 audio plus its content type.
type AudioPayload struct {
	Audio       string `json:"audio"`
	ContentType string `json:"contentType"`
}

// TranscriptionBody is the body a client sends for EndpointTranscriptions.
type TranscriptionBody struct {
	Model          string  `json:"model"`
	File           string  `json:"file"` // base64 audio
	Filename       string  `json:"filename,omitempty"`
	Language       string  `json:"language,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
}

// Compatibility is the body of GET /compatibility.
type Compatibility struct {
	Realtime        bool     `json:"realtime"`
	Chat            bool     `json:"chat"`
	Speech          bool     `json:"speech"`
	Transcription   bool     `json:"transcription"`
	DemoMode        bool     `json:"demoMode"`
	RecommendedMode Mode     `json:"recommendedMode"`
	Tiers           []string `json:"tiers"`
	CheckedAt       int64    `json:"checkedAt"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ErrorResponse is the shape of every non-2xx JSON body.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}
