// Package llm is the opaque text completion boundary used by the translator
// and the insight synthesizer.
package llm

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("language model is not configured")

type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Disabled fails every completion. It stands in when no API key is set.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}
