package eventhubs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"pack.ag/amqp"
)

const (
	// DefaultConsumerGroup is the consumer group every hub is created with.
	DefaultConsumerGroup = "$Default"

	defaultPrefetchCount = 1000
	maxRecoverAttempts   = 10

	receiverAddressFormat = "%s/ConsumerGroups/%s/Partitions/%s"
	amqpAnnotationFormat  = "amqp.annotation.%s >%s '%v'"

	epochLinkProperty   = "com.microsoft:epoch"
	stolenLinkCondition = "amqp:link:stolen"
)

type receiverState int

const (
	receiverStateCreated receiverState = iota
	receiverStateOpening
	receiverStateOpen
	receiverStateClosed
)

var errReceiverNotOpen = errors.New("eventhubs: receiver is not open")

// Handler processes one received event.
type Handler func(ctx context.Context, event *EventData) error

type (
	// Receiver consumes events from exactly one partition within one consumer
	// group, starting from a caller-specified or persisted position. It owns
	// its own AMQP session and link on the client's shared connection.
	Receiver struct {
		client        *EventHubClient
		logger        logrus.FieldLogger
		persister     CheckpointPersister
		hubHost       string
		hubPath       string
		consumerGroup string
		partitionID   string
		prefetchCount uint32
		epoch         *int64

		mu        sync.Mutex
		state     receiverState
		session   *session
		receiver  *amqp.Receiver
		done      context.CancelFunc
		lastError error
	}

	// ReceiveOption configures a receiver before its link is attached.
	ReceiveOption func(r *Receiver) error

	// ListenerHandle allows closing a running listener and observing its end.
	ListenerHandle struct {
		r   *Receiver
		ctx context.Context
	}
)

// ReceiveWithStartingOffset starts the receiver just after the given offset.
func ReceiveWithStartingOffset(offset string) ReceiveOption {
	return func(r *Receiver) error {
		return r.storeCheckpoint(NewCheckpoint(offset, 0, time.Time{}))
	}
}

// ReceiveWithLatestOffset starts the receiver at the current end of the
// partition, so only events enqueued after attach are delivered.
func ReceiveWithLatestOffset() ReceiveOption {
	return func(r *Receiver) error {
		return r.storeCheckpoint(NewCheckpointFromEndOfStream())
	}
}

// ReceiveFromTimestamp starts the receiver at the first event enqueued after t.
func ReceiveFromTimestamp(t time.Time) ReceiveOption {
	return func(r *Receiver) error {
		return r.storeCheckpoint(NewCheckpoint("", 0, t))
	}
}

// ReceiveWithPrefetchCount sets the link credit extended to the broker.
func ReceiveWithPrefetchCount(prefetch uint32) ReceiveOption {
	return func(r *Receiver) error {
		r.prefetchCount = prefetch
		return nil
	}
}

// ReceiveWithEpoch creates an epoch receiver. The broker disconnects any
// receiver on the same consumer group and partition holding a lower epoch,
// and refuses attaches with an epoch lower than the one it currently knows.
func ReceiveWithEpoch(epoch int64) ReceiveOption {
	return func(r *Receiver) error {
		r.epoch = &epoch
		return nil
	}
}

// newReceiver builds a receiver and attaches its session and link.
func newReceiver(ctx context.Context, client *EventHubClient, consumerGroup, partitionID string, opts ...ReceiveOption) (*Receiver, error) {
	if partitionID == "" {
		return nil, newArgumentError("missing argument partitionId")
	}
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}

	r := &Receiver{
		client:        client,
		persister:     client.offsetPersister,
		hubHost:       client.config.Host,
		hubPath:       client.config.Path,
		consumerGroup: consumerGroup,
		partitionID:   partitionID,
		prefetchCount: defaultPrefetchCount,
		state:         receiverStateCreated,
		logger: client.logger.WithFields(logrus.Fields{
			"consumerGroup": consumerGroup,
			"partition":     partitionID,
		}),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if err := r.newSessionAndLink(ctx); err != nil {
		r.mu.Lock()
		r.state = receiverStateClosed
		r.mu.Unlock()
		return nil, maybeEntityNotFound(err, r.address())
	}

	return r, nil
}

// newSessionAndLink replaces the session and link on the receiver. Closed is
// terminal: a receiver that has been closed cannot be reattached, so a close
// racing a recovery wins.
func (r *Receiver) newSessionAndLink(ctx context.Context) error {
	r.mu.Lock()
	if r.state == receiverStateClosed {
		r.mu.Unlock()
		return errReceiverNotOpen
	}
	r.state = receiverStateOpening
	r.mu.Unlock()

	session, err := r.client.newSession()
	if err != nil {
		return err
	}

	opts := []amqp.LinkOption{
		amqp.LinkSourceAddress(r.address()),
		amqp.LinkCredit(r.prefetchCount),
		amqp.LinkReceiverSettle(amqp.ModeFirst),
		amqp.LinkSelectorFilter(r.offsetExpression()),
	}
	if r.epoch != nil {
		opts = append(opts, amqp.LinkPropertyInt64(epochLinkProperty, *r.epoch))
	}

	amqpReceiver, err := session.NewReceiver(opts...)
	if err != nil {
		_ = session.Close(ctx)
		return err
	}

	r.mu.Lock()
	if r.state == receiverStateClosed {
		r.mu.Unlock()
		_ = amqpReceiver.Close(ctx)
		_ = session.Close(ctx)
		return errReceiverNotOpen
	}
	r.session = session
	r.receiver = amqpReceiver
	r.state = receiverStateOpen
	r.mu.Unlock()

	r.logger.WithField("session", session.String()).Debug("receiver link attached")
	return nil
}

// Receive waits for one event, accepts it and records its checkpoint.
func (r *Receiver) Receive(ctx context.Context) (*EventData, error) {
	link, err := r.link()
	if err != nil {
		return nil, err
	}

	msg, err := link.Receive(ctx)
	if err != nil {
		return nil, err
	}

	event := eventFromMessage(msg)
	if err := msg.Accept(); err != nil {
		return nil, err
	}

	if err := r.storeCheckpoint(event.Checkpoint()); err != nil {
		r.logger.WithError(err).Warn("failed to persist checkpoint")
	}
	return event, nil
}

// Listen pumps events to handler until the handle or the receiver is closed.
func (r *Receiver) Listen(handler Handler) *ListenerHandle {
	ctx, done := context.WithCancel(context.Background())
	r.mu.Lock()
	r.done = done
	r.mu.Unlock()

	messages := make(chan *amqp.Message)
	go r.listenForMessages(ctx, messages)
	go r.handleMessages(ctx, messages, handler)

	return &ListenerHandle{r: r, ctx: ctx}
}

func (r *Receiver) handleMessages(ctx context.Context, messages chan *amqp.Message, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages:
			r.handleMessage(ctx, msg, handler)
		}
	}
}

func (r *Receiver) handleMessage(ctx context.Context, msg *amqp.Message, handler Handler) {
	event := eventFromMessage(msg)

	if err := handler(ctx, event); err != nil {
		r.logger.WithError(err).Error("handler failed, releasing event for redelivery")
		if modifyErr := msg.Modify(true, false, nil); modifyErr != nil {
			r.logger.WithError(modifyErr).Error("failed to release event")
		}
		return
	}

	if err := msg.Accept(); err != nil {
		r.logger.WithError(err).Error("failed to accept event")
		return
	}

	if err := r.storeCheckpoint(event.Checkpoint()); err != nil {
		r.logger.WithError(err).Warn("failed to persist checkpoint")
	}
}

func (r *Receiver) listenForMessages(ctx context.Context, messages chan<- *amqp.Message) {
	for {
		link, err := r.link()
		if err == nil {
			var msg *amqp.Message
			msg, err = link.Receive(ctx)
			if err == nil {
				select {
				case messages <- msg:
				case <-ctx.Done():
					return
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if isStolenLink(err) {
			r.logger.Debug("link stolen by a receiver with a higher epoch")
			_ = r.Close(ctx)
			return
		}

		r.logger.WithError(err).Debug("receive failed, recovering link")
		if recoverErr := r.recoverWithBackoff(ctx); recoverErr != nil {
			r.mu.Lock()
			r.lastError = recoverErr
			r.mu.Unlock()
			_ = r.Close(ctx)
			return
		}
	}
}

// Recover tears down the session and link and rebuilds them on the shared
// connection.
func (r *Receiver) Recover(ctx context.Context) error {
	r.mu.Lock()
	link, session := r.receiver, r.session
	r.receiver, r.session = nil, nil
	r.mu.Unlock()

	if link != nil {
		_ = link.Close(ctx)
	}
	if session != nil {
		_ = session.Close(ctx)
	}

	return r.newSessionAndLink(ctx)
}

func (r *Receiver) recoverWithBackoff(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRecoverAttempts), ctx)
	return backoff.Retry(func() error {
		return r.Recover(ctx)
	}, policy)
}

// Close detaches the link and closes the session. Closing a closed receiver
// is a no-op.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state == receiverStateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = receiverStateClosed
	done := r.done
	link, session := r.receiver, r.session
	r.receiver, r.session = nil, nil
	r.mu.Unlock()

	if done != nil {
		done()
	}
	if r.client != nil {
		r.client.unregisterReceiver(r)
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

// ConsumerGroup is the consumer group this receiver is bound to.
func (r *Receiver) ConsumerGroup() string {
	return r.consumerGroup
}

// PartitionID is the partition this receiver is bound to.
func (r *Receiver) PartitionID() string {
	return r.partitionID
}

func (r *Receiver) link() (*amqp.Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != receiverStateOpen || r.receiver == nil {
		return nil, errReceiverNotOpen
	}
	return r.receiver, nil
}

func (r *Receiver) address() string {
	return fmt.Sprintf(receiverAddressFormat, r.hubPath, r.consumerGroup, r.partitionID)
}

// offsetExpression renders the selector filter for the receiver's starting
// position. With no stored checkpoint the receiver starts at the oldest
// retained event.
func (r *Receiver) offsetExpression() string {
	checkpoint, err := r.persister.Read(r.hubHost, r.hubPath, r.consumerGroup, r.partitionID)
	if err != nil {
		return fmt.Sprintf(amqpAnnotationFormat, offsetAnnotation, "=", StartOfStream)
	}

	if checkpoint.Offset == "" {
		return fmt.Sprintf(amqpAnnotationFormat, enqueuedTimeAnnotation, "", checkpoint.EnqueueTime.UnixNano()/int64(time.Millisecond))
	}
	return fmt.Sprintf(amqpAnnotationFormat, offsetAnnotation, "", checkpoint.Offset)
}

func (r *Receiver) storeCheckpoint(checkpoint Checkpoint) error {
	return r.persister.Write(r.hubHost, r.hubPath, r.consumerGroup, r.partitionID, checkpoint)
}

func isStolenLink(err error) bool {
	var detachErr *amqp.DetachError
	return errors.As(err, &detachErr) && detachErr.RemoteError != nil && detachErr.RemoteError.Condition == stolenLinkCondition
}

// Close stops the listener and closes its receiver.
func (lh *ListenerHandle) Close(ctx context.Context) error {
	return lh.r.Close(ctx)
}

// Done is closed once the listener has stopped.
func (lh *ListenerHandle) Done() <-chan struct{} {
	return lh.ctx.Done()
}

// Err reports why the listener stopped.
func (lh *ListenerHandle) Err() error {
	lh.r.mu.Lock()
	defer lh.r.mu.Unlock()
	if lh.r.lastError != nil {
		return lh.r.lastError
	}
	return lh.ctx.Err()
}
