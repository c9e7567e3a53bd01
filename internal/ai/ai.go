// Package ai holds the text-completion and transcription capabilities used
// by automated replies and audio ingestion.
package ai

import (
	"context"
	"errors"
)

// ErrDisabled is returned when automated replies are switched off.
var ErrDisabled = errors.New("AI is disabled")

// ErrEmptyResponse is returned when the provider answered with no text.
var ErrEmptyResponse = errors.New("AI returned an empty response")

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message handed to the model as context.
type Turn struct {
	Role    Role
	Content string
}

// Prompt is a complete completion request.
type Prompt struct {
	System      string
	History     []Turn
	NewTurn     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completer produces a reply to a conversation.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Transcriber turns an audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}
