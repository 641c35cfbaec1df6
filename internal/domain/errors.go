package domain

import "errors"

// Sentinel errors for the conversation domain. These provide consistent,
// checkable errors for the failure modes the dispatcher and retrieval
// surface resolve synchronously.
var (
	// ErrInvalidTarget is returned when a direct message has no counterpart
	// or a group message has no room.
	ErrInvalidTarget = errors.New("message target does not match its kind")

	// ErrEmptyContent is returned for empty or whitespace-only bodies.
	ErrEmptyContent = errors.New("message body is empty")

	// ErrModerationRejected is returned when the body matched a blocked term.
	// Recoverable: the user edits and resends.
	ErrModerationRejected = errors.New("message rejected by moderation")

	// ErrForbidden is returned when the caller is not a participant of the
	// target conversation. Fatal for the request, never retried.
	ErrForbidden = errors.New("not a participant of this conversation")

	// ErrNotFound is returned when the counterpart or room does not exist.
	ErrNotFound = errors.New("requested resource not found")
)

// Reason codes carried on the wire in error payloads so clients can key
// behavior off a stable identifier instead of error text.
const (
	ReasonValidation  = "ValidationError"
	ReasonEmpty       = "EmptyContent"
	ReasonModeration  = "ModerationRejected"
	ReasonForbidden   = "Forbidden"
	ReasonNotFound    = "NotFound"
	ReasonTransport   = "TransportFailure"
	ReasonPersistence = "PersistenceFailure"
)

// Reason maps an error to its wire reason code. Unknown errors are treated
// as persistence failures: the message was past the moderation gate, so the
// client keeps its optimistic copy and may retry with the same temp ID.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return ReasonEmpty
	case errors.Is(err, ErrModerationRejected):
		return ReasonModeration
	case errors.Is(err, ErrForbidden):
		return ReasonForbidden
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidTarget):
		return ReasonValidation
	default:
		return ReasonPersistence
	}
}
