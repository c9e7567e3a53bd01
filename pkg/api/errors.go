// Package api exposes the inbox operations as MCP tools.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
)

// Error codes
const (
	ErrNotReady       = "NOT_READY"
	ErrMessageFailed  = "MESSAGE_FAILED"
	ErrMediaFailed    = "MEDIA_FAILED"
	ErrNotFound       = "NOT_FOUND"
	ErrSessionExpired = "SESSION_EXPIRED"
	ErrInvalidInput   = "INVALID_INPUT"
	ErrAIFailed       = "AI_FAILED"
	ErrInternal       = "INTERNAL_ERROR"
)

// MCPError represents a structured error for MCP responses.
type MCPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// JSON returns the error as a JSON string.
func (e *MCPError) JSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// NewNotReadyError creates an error for a connection without a live session.
func NewNotReadyError(message string) *MCPError {
	return &MCPError{
		Code:    ErrNotReady,
		Message: message,
		Retry:   true,
	}
}

// NewNotFoundError creates an error for not found resources.
func NewNotFoundError(resource string) *MCPError {
	return &MCPError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("Resource not found: %s", resource),
		Retry:   false,
	}
}

// NewInvalidInputError creates an error for invalid input.
func NewInvalidInputError(message string) *MCPError {
	return &MCPError{
		Code:    ErrInvalidInput,
		Message: message,
		Retry:   false,
	}
}

// NewInternalError creates an error for internal errors.
func NewInternalError(err error) *MCPError {
	return &MCPError{
		Code:    ErrInternal,
		Message: fmt.Sprintf("Internal error: %s", err.Error()),
		Retry:   false,
	}
}

// FromError maps a classified error onto the wire error.
func FromError(err error) *MCPError {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	msg := err.Error()
	switch fault.KindOf(err) {
	case fault.NotFound:
		return &MCPError{Code: ErrNotFound, Message: msg}
	case fault.InvalidInput:
		return &MCPError{Code: ErrInvalidInput, Message: msg}
	case fault.TransientNetwork, fault.Timeout:
		if errors.Is(err, registry.ErrNotConnected) {
			return NewNotReadyError(msg)
		}
		return &MCPError{Code: ErrMessageFailed, Message: msg, Retry: true}
	case fault.AuthInvalid:
		return &MCPError{Code: ErrSessionExpired, Message: msg}
	case fault.MediaUnavailable, fault.TranscriptionFailed:
		return &MCPError{Code: ErrMediaFailed, Message: msg, Retry: true}
	case fault.AIProviderError:
		return &MCPError{Code: ErrAIFailed, Message: msg, Retry: true}
	default:
		return NewInternalError(err)
	}
}
