package eventhubs

import (
	"github.com/google/uuid"
	"pack.ag/amqp"
)

// session wraps an AMQP session with an identifier used for link naming and
// log correlation.
type session struct {
	*amqp.Session
	SessionID string
}

func newSession(amqpSession *amqp.Session) (*session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return &session{
		Session:   amqpSession,
		SessionID: id.String(),
	}, nil
}

func (s *session) String() string {
	return s.SessionID
}
