package core

import (
	"errors"
	"fmt"
)

// MaxMessageLength caps a single user turn.
const MaxMessageLength = 100000

// Pre-stream failures. Their text is the wire-level error message, so the
// capitalization is deliberate.
var (
	ErrNoMessages     = errors.New("No messages provided")
	ErrEmptyMessage   = errors.New("Empty message")
	ErrMessageTooLong = fmt.Errorf("Message too long (max %d characters)", MaxMessageLength)

	ErrConversationNotFound = errors.New("Conversation not found")
	ErrInvalidRole          = errors.New("Invalid role")
	ErrMissingFields        = errors.New("Role and content are required")
)

// RateLimitedError is returned when the quota ledger denies admission.
// RetryAfter is the suggested delay in seconds.
type RateLimitedError struct {
	RetryAfter int
	Reason     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %ds", e.Reason, e.RetryAfter)
}
