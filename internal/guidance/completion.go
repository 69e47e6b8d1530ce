package guidance

import (
	"context"
	"errors"
	"fmt"
)

// ErrCompletionFailed wraps any failure from the text-generation
// capability. Use IsTransient to decide retry eligibility.
var ErrCompletionFailed = errors.New("completion failed")

// PromptMessage is one turn of prior conversation handed to the
// completion capability. Role is "user" or "assistant".
type PromptMessage struct {
	Role    string
	Content string
}

// Completion is the result of one text-generation call.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Completer is the opaque text-generation capability. Implementations
// block for the duration of the call (seconds); callers pass a context
// for deadline control.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, prior []PromptMessage) (Completion, error)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient tags a completion failure as retry-eligible
// (timeouts, rate limits, provider 5xx).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether a completion failure looks transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func completionError(transient bool, err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	if transient {
		return MarkTransient(wrapped)
	}
	return wrapped
}
