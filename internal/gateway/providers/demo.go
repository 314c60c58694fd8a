package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// DemoReply is the canned assistant message returned in demo mode.
const DemoReply = "This is a demo response. Connect a provider key to talk to a real model."

// DemoUpstream answers allow-listed calls with synthetic data and never touches the network.
type DemoUpstream struct{}

func NewDemoUpstream() *DemoUpstream {
	return &DemoUpstream{}
}

func (DemoUpstream) Name() string {
	return "demo"
}

func (DemoUpstream) Call(_ context.Context, _, endpoint string, body json.RawMessage) (*Result, error) {
	switch endpoint {
	case protocol.EndpointChatCompletions:
		var req openai.ChatCompletionRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
			}
		}
		model := req.Model
		if model == "" {
			model = "demo"
		}
		resp := openai.ChatCompletionResponse{
			ID:      "demo-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: DemoReply},
				FinishReason: openai.FinishReasonStop,
			}},
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, ContentType: "application/json"}, nil

	case protocol.EndpointSpeech:
		// A short silent MP3 frame header is enough for clients to exercise playback.
		silence := []byte{0xFF, 0xFB, 0x90, 0x64, 0x00, 0x00, 0x00, 0x00}
		data, err := json.Marshal(protocol.AudioPayload{
			Audio:       base64.StdEncoding.EncodeToString(silence),
			ContentType: "audio/mpeg",
		})
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, ContentType: "audio/mpeg"}, nil

	case protocol.EndpointTranscriptions:
		data, err := json.Marshal(openai.AudioResponse{Task: "transcribe", Language: "en", Text: "demo transcription"})
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, ContentType: "application/json"}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, endpoint)
}
