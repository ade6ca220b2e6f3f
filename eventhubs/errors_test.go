package eventhubs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pack.ag/amqp"
)

func TestMaybeEntityNotFoundAmqpCondition(t *testing.T) {
	cause := &amqp.Error{
		Condition:   amqp.ErrorNotFound,
		Description: "The messaging entity could not be found",
	}

	err := maybeEntityNotFound(cause, "myhub")

	var notFound *MessagingEntityNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "myhub", notFound.EntityPath)
	assert.Contains(t, notFound.Error(), "myhub")
	assert.True(t, IsEntityNotFound(err))
}

func TestMaybeEntityNotFoundMicrosoftCondition(t *testing.T) {
	cause := &amqp.Error{Condition: "com.microsoft:entity-not-found"}
	assert.True(t, IsEntityNotFound(maybeEntityNotFound(cause, "myhub")))
}

func TestMaybeEntityNotFoundDetach(t *testing.T) {
	cause := &amqp.DetachError{
		RemoteError: &amqp.Error{Condition: amqp.ErrorNotFound},
	}
	assert.True(t, IsEntityNotFound(maybeEntityNotFound(cause, "myhub")))
}

func TestMaybeEntityNotFoundPassthrough(t *testing.T) {
	assert.NoError(t, maybeEntityNotFound(nil, "myhub"))

	generic := errors.New("connection reset")
	assert.Same(t, generic, maybeEntityNotFound(generic, "myhub"))

	unauthorized := &amqp.Error{Condition: amqp.ErrorUnauthorizedAccess}
	assert.Equal(t, error(unauthorized), maybeEntityNotFound(unauthorized, "myhub"))
	assert.False(t, IsEntityNotFound(unauthorized))
}

func TestIsEntityNotFoundWrapped(t *testing.T) {
	err := fmt.Errorf("lookup failed: %w", &MessagingEntityNotFoundError{EntityPath: "myhub"})
	assert.True(t, IsEntityNotFound(err))
	assert.False(t, IsEntityNotFound(errors.New("lookup failed")))
}

func TestArgumentErrorMessage(t *testing.T) {
	err := newArgumentError("config is missing property %s", "host")
	assert.Equal(t, "config is missing property host", err.Error())
}
