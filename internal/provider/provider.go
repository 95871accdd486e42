// Package provider is the boundary to AI chat backends. The gating engine
// only needs two things from it: a completion call and the token usage that
// call reports, which drives the post-call credit deduction.
package provider

import (
	"context"
	"errors"
)

var ErrUnknownProvider = errors.New("provider: unknown provider")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// Request is a chat completion request.
type Request struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages" binding:"required,min=1"`
	// APIKey is a caller-supplied provider credential (BYOK).
	APIKey string `json:"apiKey"`
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is a completed chat turn plus its cost basis.
type Response struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Message  Message `json:"message"`
	Usage    Usage   `json:"usage"`
}

// ChatCompleter executes chat completions. Implementations must return an
// error rather than a zero Usage when the upstream call fails, because
// deduction is gated on real usage.
type ChatCompleter interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// CreditsForUsage converts reported token usage into credits. One credit per
// thousand total tokens, with a one credit minimum for any successful call.
func CreditsForUsage(u Usage) int64 {
	credits := int64(u.TotalTokens) / 1000
	if credits < 1 {
		credits = 1
	}
	return credits
}
