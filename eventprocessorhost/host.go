package eventprocessorhost

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ericmaino/azure-event-hubs/eventhubs"
)

// partitionReceiver is the slice of eventhubs.Receiver the pump needs.
type partitionReceiver interface {
	Receive(ctx context.Context) (*eventhubs.EventData, error)
	Close(ctx context.Context) error
}

// hubClient is the slice of eventhubs.EventHubClient the host needs.
type hubClient interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	GetPartitionIDs(ctx context.Context) ([]string, error)
	CreateReceiver(ctx context.Context, consumerGroup, partitionID string, opts ...eventhubs.ReceiveOption) (*eventhubs.Receiver, error)
}

type receiverFactory func(ctx context.Context, partitionID string) (partitionReceiver, error)

// Host runs one EventProcessor over every partition of a hub from a single
// process.
type Host struct {
	client        hubClient
	consumerGroup string
	processor     EventProcessor
	options       *Options
	logger        logrus.FieldLogger
	newReceiver   receiverFactory

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a host pumping the hub's partitions within consumerGroup (""
// means $Default) through processor. A nil options uses DefaultOptions.
func New(client *eventhubs.EventHubClient, consumerGroup string, processor EventProcessor, options *Options) *Host {
	if consumerGroup == "" {
		consumerGroup = eventhubs.DefaultConsumerGroup
	}
	if options == nil {
		options = DefaultOptions()
	}

	h := &Host{
		client:        client,
		consumerGroup: consumerGroup,
		processor:     processor,
		options:       options,
		logger:        logrus.StandardLogger().WithField("consumerGroup", consumerGroup),
	}
	h.newReceiver = h.createPartitionReceiver
	return h
}

// Start opens the client, enumerates the hub's partitions and starts one pump
// per partition. It returns once all pumps are running.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return errors.New("eventprocessorhost: host already started")
	}
	h.running = true
	h.mu.Unlock()

	if err := h.client.Open(ctx); err != nil {
		h.reset()
		return err
	}

	partitionIDs, err := h.client.GetPartitionIDs(ctx)
	if err != nil {
		// the client was opened above; do not leave it connected
		_ = h.client.Close(ctx)
		h.reset()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	h.mu.Lock()
	h.cancel = cancel
	h.group = group
	h.mu.Unlock()

	for _, partitionID := range partitionIDs {
		partitionID := partitionID
		group.Go(func() error {
			return h.pump(groupCtx, partitionID)
		})
		h.logger.WithField("partition", partitionID).Debug("partition pump started")
	}
	return nil
}

// Stop halts every pump, waits for them to drain and closes the client.
// Stopping a stopped host is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel, group := h.cancel, h.group
	h.cancel, h.group = nil, nil
	h.mu.Unlock()

	var pumpErr error
	if cancel != nil {
		cancel()
	}
	if group != nil {
		pumpErr = group.Wait()
	}

	closeErr := h.client.Close(ctx)
	if pumpErr != nil && !errors.Is(pumpErr, context.Canceled) {
		return pumpErr
	}
	return closeErr
}

func (h *Host) reset() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

func (h *Host) createPartitionReceiver(ctx context.Context, partitionID string) (partitionReceiver, error) {
	opts := []eventhubs.ReceiveOption{
		eventhubs.ReceiveWithPrefetchCount(uint32(h.options.PrefetchCount())),
	}
	if provider := h.options.InitialOffsetProvider(); provider != nil {
		opts = append(opts, eventhubs.ReceiveWithStartingOffset(provider(partitionID)))
	}
	return h.client.CreateReceiver(ctx, h.consumerGroup, partitionID, opts...)
}

// pump drives one partition: events are gathered into batches of up to
// MaxBatchSize, and a partial batch is flushed whenever the receive timeout
// elapses. Empty timeouts never reach the processor.
func (h *Host) pump(ctx context.Context, partitionID string) error {
	receiver, err := h.newReceiver(ctx, partitionID)
	if err != nil {
		h.processor.ProcessError(ctx, partitionID, err)
		return err
	}
	defer func() {
		_ = receiver.Close(context.Background())
	}()

	if err := h.processor.Open(ctx, partitionID); err != nil {
		return err
	}

	reason := "host shutting down"
	defer func() {
		_ = h.processor.Close(context.Background(), partitionID, reason)
	}()

	batch := make([]*eventhubs.EventData, 0, h.options.MaxBatchSize())
	flush := func(flushCtx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		err := h.processor.ProcessEvents(flushCtx, partitionID, batch)
		batch = batch[:0]
		return err
	}

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, h.options.ReceiveTimeout())
		event, err := receiver.Receive(receiveCtx)
		cancel()

		switch {
		case err == nil:
			batch = append(batch, event)
			if len(batch) < h.options.MaxBatchSize() {
				continue
			}
			if err := flush(ctx); err != nil {
				reason = "processor failed"
				h.processor.ProcessError(ctx, partitionID, err)
				return err
			}

		case ctx.Err() != nil:
			_ = flush(context.Background())
			return ctx.Err()

		case errors.Is(err, context.DeadlineExceeded):
			if err := flush(ctx); err != nil {
				reason = "processor failed"
				h.processor.ProcessError(ctx, partitionID, err)
				return err
			}

		default:
			reason = "receive failed"
			h.processor.ProcessError(ctx, partitionID, err)
			return err
		}
	}
}
