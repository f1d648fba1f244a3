package txbox

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned when no Provider is registered under the requested name.
	ErrUnknownProvider = errors.New("txbox: unknown provider")

	// ErrMissingConnectionFactory is returned by NewEngine when Config has no ConnectionFactory.
	ErrMissingConnectionFactory = errors.New("txbox: connection factory is required")

	// ErrMissingPublisher is returned by NewEngine when no MessagePublisher is given.
	ErrMissingPublisher = errors.New("txbox: message publisher is required")

	// ErrNoPublisher is returned by OutboxHandle.Publish when the Registrar has no publisher.
	ErrNoPublisher = errors.New("txbox: registrar has no publisher")

	// ErrNoRoute is returned by RegisterAuto when the message value does not implement Routable.
	ErrNoRoute = errors.New("txbox: message value does not implement Routable")

	// ErrInvalidMessageID is returned when a message id is not positive.
	ErrInvalidMessageID = errors.New("txbox: message id must be positive")

	// ErrInvalidConsumerName is returned when a consumer name is empty or too long.
	ErrInvalidConsumerName = errors.New("txbox: invalid consumer name")

	// ErrLockLost is returned by Barrier.Execute when the barrier lease expired and another
	// consumer took it over before the handler finished. The business transaction is rolled back.
	ErrLockLost = errors.New("txbox: barrier lock lost")
)

// ClaimError indicates that leasing a batch of outbox rows failed.
type ClaimError struct {
	LockID string
	Err    error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claiming outbox batch %s: %v", e.LockID, e.Err)
}
func (e *ClaimError) Unwrap() error { return e.Err }

// ReadError indicates an error when reading claimed rows from the outbox.
type ReadError struct {
	LockID string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading outbox batch %s: %v", e.LockID, e.Err)
}
func (e *ReadError) Unwrap() error { return e.Err }

// PublishError indicates an error during message publication.
// It includes the row that failed to be published and the original error.
type PublishError struct {
	Message OutboxMessage
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing message %d: %v", e.Message.MessageID, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// UpdateError indicates an error when recording the outcome of a publish attempt.
// The row stays Processing until its lease expires and is then dispatched again.
type UpdateError struct {
	Message OutboxMessage
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating message %d: %v", e.Message.MessageID, e.Err)
}
func (e *UpdateError) Unwrap() error { return e.Err }
