package eventhubs

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type clientState int

const (
	clientStateClosed clientState = iota
	clientStateOpening
	clientStateOpen
	clientStateClosing
)

type (
	// EventHubClient is the root object for talking to one Event Hub. It owns
	// a single authenticated AMQP connection, lazily established by Open, and
	// hands out per-partition receivers and senders riding on it.
	EventHubClient struct {
		config          ClientConfig
		logger          logrus.FieldLogger
		offsetPersister CheckpointPersister
		dial            dialFunc

		mu        sync.Mutex
		state     clientState
		pending   chan struct{} // closed when the in-flight transition settles
		openErr   error
		links     *linkManager
		opsCtx    context.Context
		opsCancel context.CancelFunc
		receivers map[*Receiver]struct{}
		senders   map[*Sender]struct{}
	}

	// ClientOption configures a client at construction time.
	ClientOption func(client *EventHubClient) error
)

// WithEntityPath sets the hub's entity path, taking precedence over an
// EntityPath key in the connection string.
func WithEntityPath(path string) ClientOption {
	return func(client *EventHubClient) error {
		client.config.Path = path
		return nil
	}
}

// WithLogger replaces the default logrus standard logger.
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(client *EventHubClient) error {
		client.logger = logger
		return nil
	}
}

// WithOffsetPersister replaces the in-memory checkpoint store used for
// receiver starting positions.
func WithOffsetPersister(persister CheckpointPersister) ClientOption {
	return func(client *EventHubClient) error {
		client.offsetPersister = persister
		return nil
	}
}

// NewClient validates config and returns an unopened client.
func NewClient(config ClientConfig, opts ...ClientOption) (*EventHubClient, error) {
	client := &EventHubClient{
		config:          config,
		logger:          logrus.StandardLogger(),
		offsetPersister: NewMemoryPersister(),
		receivers:       make(map[*Receiver]struct{}),
		senders:         make(map[*Sender]struct{}),
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	if err := client.config.Validate(); err != nil {
		return nil, err
	}

	client.logger = client.logger.WithFields(logrus.Fields{
		"host": client.config.Host,
		"path": client.config.Path,
	})
	return client, nil
}

// NewClientFromConnectionString builds a client from a connection string of
// the form Endpoint=sb://<host>;SharedAccessKeyName=<keyName>;SharedAccessKey=<key>[;EntityPath=<path>].
// When the string carries no EntityPath the path must be supplied with
// WithEntityPath.
func NewClientFromConnectionString(connStr string, opts ...ClientOption) (*EventHubClient, error) {
	parsed, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	config := ClientConfig{
		Host:    parsed.Host(),
		Path:    parsed.Path(),
		KeyName: parsed.KeyName(),
		Key:     parsed.Key(),
	}

	client := &EventHubClient{
		config:          config,
		logger:          logrus.StandardLogger(),
		offsetPersister: NewMemoryPersister(),
		receivers:       make(map[*Receiver]struct{}),
		senders:         make(map[*Sender]struct{}),
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	if client.config.Path == "" {
		return nil, newArgumentError("connection string doesn't have EntityPath, or missing argument path")
	}
	if err := client.config.Validate(); err != nil {
		return nil, err
	}

	client.logger = client.logger.WithFields(logrus.Fields{
		"host": client.config.Host,
		"path": client.config.Path,
	})
	return client, nil
}

// Open establishes the authenticated connection. Opening an open client
// returns immediately, and concurrent callers share a single in-flight open:
// the second caller waits for the first and observes the same outcome. A
// closed client may be reopened.
func (c *EventHubClient) Open(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case clientStateOpen:
			c.mu.Unlock()
			return nil

		case clientStateOpening:
			pending := c.pending
			c.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.mu.Lock()
			err := c.openErr
			c.mu.Unlock()
			return err

		case clientStateClosing:
			pending := c.pending
			c.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return ctx.Err()
			}
			// the close has settled; try again

		case clientStateClosed:
			c.state = clientStateOpening
			pending := make(chan struct{})
			c.pending = pending
			c.mu.Unlock()

			links := newLinkManager(c.config, c.logger, c.dial)
			err := links.connect()

			c.mu.Lock()
			if err != nil {
				c.state = clientStateClosed
				c.openErr = err
			} else {
				c.state = clientStateOpen
				c.openErr = nil
				c.links = links
				c.opsCtx, c.opsCancel = context.WithCancel(context.Background())
			}
			c.pending = nil
			close(pending)
			c.mu.Unlock()
			return err
		}
	}
}

// Close tears down the connection along with every receiver and sender
// created from it. Closing a closed client is a no-op; in-flight operations
// settle with an error instead of leaking.
func (c *EventHubClient) Close(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case clientStateClosed:
			c.mu.Unlock()
			return nil

		case clientStateOpening, clientStateClosing:
			pending := c.pending
			c.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return ctx.Err()
			}
			// the transition has settled; re-examine the state

		case clientStateOpen:
			c.state = clientStateClosing
			pending := make(chan struct{})
			c.pending = pending
			cancel := c.opsCancel
			links := c.links
			receivers := make([]*Receiver, 0, len(c.receivers))
			for r := range c.receivers {
				receivers = append(receivers, r)
			}
			senders := make([]*Sender, 0, len(c.senders))
			for s := range c.senders {
				senders = append(senders, s)
			}
			c.receivers = make(map[*Receiver]struct{})
			c.senders = make(map[*Sender]struct{})
			c.mu.Unlock()

			cancel()

			var firstErr error
			for _, r := range receivers {
				if err := r.Close(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			for _, s := range senders {
				if err := s.Close(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			if err := links.close(); err != nil && firstErr == nil {
				firstErr = err
			}

			c.mu.Lock()
			c.state = clientStateClosed
			c.links = nil
			c.opsCtx = nil
			c.opsCancel = nil
			c.pending = nil
			close(pending)
			c.mu.Unlock()
			return firstErr
		}
	}
}

// GetPartitionIDs queries the service for the hub's partition identifiers.
// Nothing is cached; every call performs a management round trip.
func (c *EventHubClient) GetPartitionIDs(ctx context.Context) ([]string, error) {
	info, err := c.GetRuntimeInformation(ctx)
	if err != nil {
		return nil, err
	}
	return info.PartitionIDs, nil
}

// GetRuntimeInformation reads the hub's description from the management node.
// A missing entity path surfaces as MessagingEntityNotFoundError.
func (c *EventHubClient) GetRuntimeInformation(ctx context.Context) (*HubRuntimeInformation, error) {
	ctx, cancel, err := c.operationContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	c.mu.Lock()
	if c.state != clientStateOpen {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	directory := partitionDirectory{conn: c.links.connection()}
	c.mu.Unlock()

	return directory.readRuntimeInformation(ctx, c.config.Path)
}

// CreateReceiver attaches a receiver to one partition of the hub within the
// given consumer group ("" means $Default). The client must be open; the
// partition does not need to be enumerated first. A missing entity or
// partition surfaces as MessagingEntityNotFoundError.
func (c *EventHubClient) CreateReceiver(ctx context.Context, consumerGroup, partitionID string, opts ...ReceiveOption) (*Receiver, error) {
	ctx, cancel, err := c.operationContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	receiver, err := newReceiver(ctx, c, consumerGroup, partitionID, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.registerReceiver(receiver); err != nil {
		_ = receiver.Close(ctx)
		return nil, err
	}
	return receiver, nil
}

// NewSender creates a sender publishing to the hub, letting the service
// spread events across partitions.
func (c *EventHubClient) NewSender(ctx context.Context) (*Sender, error) {
	return c.newSenderForTarget(ctx, c.config.Path)
}

// NewPartitionedSender creates a sender pinned to one partition.
func (c *EventHubClient) NewPartitionedSender(ctx context.Context, partitionID string) (*Sender, error) {
	if partitionID == "" {
		return nil, newArgumentError("missing argument partitionId")
	}
	return c.newSenderForTarget(ctx, fmt.Sprintf(senderPartitionedTargetFormat, c.config.Path, partitionID))
}

func (c *EventHubClient) newSenderForTarget(ctx context.Context, target string) (*Sender, error) {
	ctx, cancel, err := c.operationContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	sender, err := newSender(ctx, c, target)
	if err != nil {
		return nil, err
	}

	if err := c.registerSender(sender); err != nil {
		_ = sender.Close(ctx)
		return nil, err
	}
	return sender, nil
}

// newSession opens a fresh AMQP session on the shared connection.
func (c *EventHubClient) newSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != clientStateOpen {
		return nil, ErrClientClosed
	}
	return c.links.newSession()
}

// operationContext derives a context that is canceled when either the
// caller's context is done or the client is closed, so in-flight operations
// settle instead of leaking across a Close.
func (c *EventHubClient) operationContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	if c.state != clientStateOpen {
		c.mu.Unlock()
		return nil, nil, ErrClientClosed
	}
	opsCtx := c.opsCtx
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(opsCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

func (c *EventHubClient) registerReceiver(receiver *Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != clientStateOpen {
		return ErrClientClosed
	}
	c.receivers[receiver] = struct{}{}
	return nil
}

func (c *EventHubClient) unregisterReceiver(receiver *Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receivers, receiver)
}

func (c *EventHubClient) registerSender(sender *Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != clientStateOpen {
		return ErrClientClosed
	}
	c.senders[sender] = struct{}{}
	return nil
}

func (c *EventHubClient) unregisterSender(sender *Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.senders, sender)
}
