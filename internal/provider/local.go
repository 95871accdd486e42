package provider

import (
	"context"
	"strings"
)

// Local is the platform's built-in echo backend, used in development and as
// the default when no external provider is configured.
type Local struct {
	name string
}

// NewLocal creates the local provider. name is the configured provider id.
func NewLocal(name string) *Local {
	return &Local{name: name}
}

func (l *Local) Complete(_ context.Context, req *Request) (*Response, error) {
	last := req.Messages[len(req.Messages)-1]

	var promptTokens int
	for _, m := range req.Messages {
		promptTokens += approxTokens(m.Content)
	}
	reply := "Echo: " + last.Content
	completionTokens := approxTokens(reply)

	return &Response{
		Provider: l.name,
		Model:    req.Model,
		Message:  Message{Role: "assistant", Content: reply},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// approxTokens is a rough whitespace-based token count, good enough for the
// local echo backend.
func approxTokens(s string) int {
	n := len(strings.Fields(s))
	if n == 0 {
		n = 1
	}
	return n
}

var _ ChatCompleter = (*Local)(nil)
