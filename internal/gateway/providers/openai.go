package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// maxAudioBytes caps a decoded transcription upload.
const maxAudioBytes = 25 << 20

// OpenAIUpstream relays allow-listed calls to an OpenAI-compatible API.
// A client is built per call because the key comes from the vault each time.
type OpenAIUpstream struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIUpstream creates the provider. httpClient carries the request timeout.
func NewOpenAIUpstream(baseURL string, httpClient *http.Client) *OpenAIUpstream {
	return &OpenAIUpstream{baseURL: baseURL, httpClient: httpClient}
}

func (p *OpenAIUpstream) Name() string {
	return "openai"
}

func (p *OpenAIUpstream) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIUpstream) Call(ctx context.Context, apiKey, endpoint string, body json.RawMessage) (*Result, error) {
	switch endpoint {
	case protocol.EndpointChatCompletions:
		return p.chat(ctx, apiKey, body)
	case protocol.EndpointSpeech:
		return p.speech(ctx, apiKey, body)
	case protocol.EndpointTranscriptions:
		return p.transcribe(ctx, apiKey, body)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, endpoint)
}

func (p *OpenAIUpstream) chat(ctx context.Context, apiKey string, body json.RawMessage) (*Result, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	// Streaming is not relayed through the proxy.
	req.Stream = false
	req.StreamOptions = nil

	resp, err := p.client(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapError(err)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat response: %w", err)
	}
	return &Result{Data: data, ContentType: "application/json"}, nil
}

func (p *OpenAIUpstream) speech(ctx context.Context, apiKey string, body json.RawMessage) (*Result, error) {
	var req openai.CreateSpeechRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if req.Model == "" {
		req.Model = openai.TTSModel1
	}
	if req.Voice == "" {
		req.Voice = openai.VoiceAlloy
	}

	resp, err := p.client(apiKey).CreateSpeech(ctx, req)
	if err != nil {
		return nil, wrapError(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Body: "failed to read audio", Err: err}
	}

	contentType := speechContentType(req.ResponseFormat)
	data, err := json.Marshal(protocol.AudioPayload{
		Audio:       base64.StdEncoding.EncodeToString(audio),
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode speech response: %w", err)
	}
	return &Result{Data: data, ContentType: contentType}, nil
}

func (p *OpenAIUpstream) transcribe(ctx context.Context, apiKey string, body json.RawMessage) (*Result, error) {
	var tb protocol.TranscriptionBody
	if err := json.Unmarshal(body, &tb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	audio, err := base64.StdEncoding.DecodeString(tb.File)
	if err != nil || len(audio) == 0 {
		return nil, fmt.Errorf("%w: file must be non-empty base64 audio", ErrInvalidBody)
	}
	if len(audio) > maxAudioBytes {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", ErrInvalidBody, maxAudioBytes)
	}

	req := openai.AudioRequest{
		Model:       tb.Model,
		FilePath:    tb.Filename,
		Reader:      bytes.NewReader(audio),
		Prompt:      tb.Prompt,
		Language:    tb.Language,
		Temperature: tb.Temperature,
		Format:      openai.AudioResponseFormat(tb.ResponseFormat),
	}
	if req.Model == "" {
		req.Model = openai.Whisper1
	}
	if req.FilePath == "" {
		req.FilePath = "audio.webm"
	}

	resp, err := p.client(apiKey).CreateTranscription(ctx, req)
	if err != nil {
		return nil, wrapError(err)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcription: %w", err)
	}
	return &Result{Data: data, ContentType: "application/json"}, nil
}

// ListModels returns the model ids visible to apiKey.
func (p *OpenAIUpstream) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	list, err := p.client(apiKey).ListModels(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Status: http.StatusGatewayTimeout, Body: "upstream timeout", Err: err}
	}
	return &UpstreamError{Status: http.StatusBadGateway, Body: err.Error(), Err: err}
}

func speechContentType(format openai.SpeechResponseFormat) string {
	switch format {
	case openai.SpeechResponseFormatOpus:
		return "audio/opus"
	case openai.SpeechResponseFormatAac:
		return "audio/aac"
	case openai.SpeechResponseFormatFlac:
		return "audio/flac"
	case openai.SpeechResponseFormatWav:
		return "audio/wav"
	case openai.SpeechResponseFormatPcm:
		return "audio/pcm"
	}
	return "audio/mpeg"
}
