package eventhubs

import (
	"errors"
	"fmt"

	"pack.ag/amqp"
)

// ErrClientClosed is returned by operations that require an open client.
var ErrClientClosed = errors.New("eventhubs: client is not open")

// ArgumentError reports invalid caller-supplied configuration or a malformed
// connection string. It is always returned synchronously at construction or
// parse time, never after a network round trip.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string {
	return e.Message
}

func newArgumentError(format string, args ...interface{}) *ArgumentError {
	return &ArgumentError{Message: fmt.Sprintf(format, args...)}
}

// MessagingEntityNotFoundError reports that the configured entity path does
// not exist on the service. It can only be detected after a round trip and is
// kept distinct from transport errors so callers can branch on it.
type MessagingEntityNotFoundError struct {
	EntityPath string
	Message    string
}

func (e *MessagingEntityNotFoundError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("eventhubs: entity %q not found", e.EntityPath)
	}
	return fmt.Sprintf("eventhubs: entity %q not found: %s", e.EntityPath, e.Message)
}

// IsEntityNotFound reports whether err, at any level of wrapping, is a
// MessagingEntityNotFoundError.
func IsEntityNotFound(err error) bool {
	var notFound *MessagingEntityNotFoundError
	return errors.As(err, &notFound)
}

// maybeEntityNotFound converts AMQP not-found conditions into
// MessagingEntityNotFoundError. Every other error passes through untouched.
func maybeEntityNotFound(err error, entityPath string) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && isNotFoundCondition(amqpErr.Condition) {
		return &MessagingEntityNotFoundError{EntityPath: entityPath, Message: amqpErr.Description}
	}

	var detachErr *amqp.DetachError
	if errors.As(err, &detachErr) && detachErr.RemoteError != nil && isNotFoundCondition(detachErr.RemoteError.Condition) {
		return &MessagingEntityNotFoundError{EntityPath: entityPath, Message: detachErr.RemoteError.Description}
	}

	return err
}

func isNotFoundCondition(condition amqp.ErrorCondition) bool {
	return condition == amqp.ErrorNotFound || condition == "com.microsoft:entity-not-found"
}
