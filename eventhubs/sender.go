package eventhubs

import (
	"context"
	"fmt"
	"sync"

	"pack.ag/amqp"
)

const senderPartitionedTargetFormat = "%s/Partitions/%s"

type (
	// Sender publishes events to a hub, or to one pinned partition of it when
	// created with NewPartitionedSender. It owns its own AMQP session and link
	// on the client's shared connection.
	Sender struct {
		client *EventHubClient
		target string

		mu      sync.Mutex
		session *session
		sender  *amqp.Sender
		closed  bool
	}

	// SendOption customizes one event before it is sent.
	SendOption func(event *EventData) error
)

// SendWithPartitionKey routes the event by hashed partition key, so events
// sharing a key land on the same partition.
func SendWithPartitionKey(partitionKey string) SendOption {
	return func(event *EventData) error {
		event.PartitionKey = partitionKey
		return nil
	}
}

func newSender(ctx context.Context, client *EventHubClient, target string) (*Sender, error) {
	s := &Sender{
		client: client,
		target: target,
	}

	if err := s.newSessionAndLink(ctx); err != nil {
		return nil, maybeEntityNotFound(err, target)
	}
	return s, nil
}

func (s *Sender) newSessionAndLink(ctx context.Context) error {
	session, err := s.client.newSession()
	if err != nil {
		return err
	}

	amqpSender, err := session.NewSender(
		amqp.LinkTargetAddress(s.target),
	)
	if err != nil {
		_ = session.Close(ctx)
		return err
	}

	s.mu.Lock()
	s.session = session
	s.sender = amqpSender
	s.closed = false
	s.mu.Unlock()
	return nil
}

// Send publishes one event. Sends on one sender are serialized.
func (s *Sender) Send(ctx context.Context, event *EventData, opts ...SendOption) error {
	for _, opt := range opts {
		if err := opt(event); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sender == nil {
		return fmt.Errorf("eventhubs: sender to %q is closed", s.target)
	}
	return s.sender.Send(ctx, event.toMessage())
}

// Recover tears down the session and link and rebuilds them.
func (s *Sender) Recover(ctx context.Context) error {
	s.mu.Lock()
	link, session := s.sender, s.session
	s.sender, s.session = nil, nil
	s.mu.Unlock()

	if link != nil {
		_ = link.Close(ctx)
	}
	if session != nil {
		_ = session.Close(ctx)
	}

	return s.newSessionAndLink(ctx)
}

// Close detaches the link and closes the session. Closing a closed sender is
// a no-op.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	link, session := s.sender, s.session
	s.sender, s.session = nil, nil
	s.mu.Unlock()

	if s.client != nil {
		s.client.unregisterSender(s)
	}

	var firstErr error
	if link != nil {
		if err := link.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if session != nil {
		if err := session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
