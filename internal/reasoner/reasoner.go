// Package reasoner is the external LLM completion surface used by the
// two-stage planner and the facts extractor: AWS Bedrock Converse is
// the primary backend, with a Gemini client as fallback, tried only when
// the primary call fails and LLM_FALLBACK_ENABLED is set.
package reasoner

import (
	"context"
)

// ChatRole names a message's author in a completion request.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    ChatRole
	Content string
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      []string
	Messages    []Message
	MaxTokens   int32
	Temperature float32 // pass -1 to omit
	TopP        float32
}

// TokenUsage is the token accounting a provider reports per call.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Response is a completion result.
type Response struct {
	Text       string
	StopReason string
	Usage      TokenUsage
	Provider   string
}

// Client completes a single-shot text request.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// FallbackClient tries a primary Client and falls back to a secondary
// one on error, tagging the response with which provider answered.
type FallbackClient struct {
	Primary  Client
	Fallback Client
	Enabled  bool
}

func NewFallbackClient(primary, fallback Client, enabled bool) *FallbackClient {
	return &FallbackClient{Primary: primary, Fallback: fallback, Enabled: enabled}
}

func (f *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := f.Primary.Complete(ctx, req)
	if err == nil {
		resp.Provider = "primary"
		return resp, nil
	}
	if !f.Enabled || f.Fallback == nil {
		return Response{}, err
	}
	resp, fbErr := f.Fallback.Complete(ctx, req)
	if fbErr != nil {
		return Response{}, fbErr
	}
	resp.Provider = "fallback"
	return resp, nil
}
