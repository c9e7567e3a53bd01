// Package fault classifies failures so callers can decide whether to retry,
// purge credentials or surface the error.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a failure class.
type Kind int

const (
	Unknown Kind = iota
	// AuthInvalid: credentials rejected; purge and require a new challenge.
	AuthInvalid
	// TransientNetwork: retry later, keep credentials.
	TransientNetwork
	// Timeout: treated as AuthInvalid when no challenge was ever issued.
	Timeout
	// MediaUnavailable: the message is kept without media.
	MediaUnavailable
	// TranscriptionFailed: the message is kept with placeholder text.
	TranscriptionFailed
	// AIProviderError: no reply is sent and nothing is retried.
	AIProviderError
	// PersistenceError: propagated to the caller.
	PersistenceError
	// InvalidInput: the request itself is wrong.
	InvalidInput
	// NotFound: the addressed connection, chat or message does not exist.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case AuthInvalid:
		return "auth_invalid"
	case TransientNetwork:
		return "transient_network"
	case Timeout:
		return "timeout"
	case MediaUnavailable:
		return "media_unavailable"
	case TranscriptionFailed:
		return "transcription_failed"
	case AIProviderError:
		return "ai_provider_error"
	case PersistenceError:
		return "persistence_error"
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed later.
func (k Kind) Retryable() bool {
	return k == TransientNetwork || k == Timeout
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, fault.E(fault.Timeout))
// style checks work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// E returns a bare error of the given kind, usable as an errors.Is target.
func E(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New creates a classified error with a message.
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
