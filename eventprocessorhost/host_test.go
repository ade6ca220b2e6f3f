package eventprocessorhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericmaino/azure-event-hubs/eventhubs"
)

type fakeReceiver struct {
	events chan *eventhubs.EventData

	mu         sync.Mutex
	receiveErr error
	closed     bool
}

func newFakeReceiver(buffer int) *fakeReceiver {
	return &fakeReceiver{events: make(chan *eventhubs.EventData, buffer)}
}

func (r *fakeReceiver) Receive(ctx context.Context) (*eventhubs.EventData, error) {
	r.mu.Lock()
	err := r.receiveErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case event := <-r.events:
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReceiver) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiveErr = err
}

type recordingProcessor struct {
	mu           sync.Mutex
	opened       []string
	batchSizes   []int
	errs         []error
	closeReasons []string
	processErr   error
	flushed      chan int
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{flushed: make(chan int, 16)}
}

func (p *recordingProcessor) Open(ctx context.Context, partitionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, partitionID)
	return nil
}

func (p *recordingProcessor) ProcessEvents(ctx context.Context, partitionID string, events []*eventhubs.EventData) error {
	p.mu.Lock()
	p.batchSizes = append(p.batchSizes, len(events))
	err := p.processErr
	p.mu.Unlock()
	p.flushed <- len(events)
	return err
}

func (p *recordingProcessor) ProcessError(ctx context.Context, partitionID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *recordingProcessor) Close(ctx context.Context, partitionID string, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeReasons = append(p.closeReasons, reason)
	return nil
}

func testHost(processor EventProcessor, receiver partitionReceiver) *Host {
	return &Host{
		processor: processor,
		options: &Options{
			maxBatchSize:   3,
			prefetchCount:  10,
			receiveTimeout: 50 * time.Millisecond,
		},
		logger: logrus.StandardLogger().WithField("consumerGroup", eventhubs.DefaultConsumerGroup),
		newReceiver: func(ctx context.Context, partitionID string) (partitionReceiver, error) {
			return receiver, nil
		},
	}
}

func TestPumpBatchesAndFlushesOnTimeout(t *testing.T) {
	receiver := newFakeReceiver(16)
	processor := newRecordingProcessor()
	host := testHost(processor, receiver)

	for i := 0; i < 7; i++ {
		receiver.events <- eventhubs.NewEventDataFromString("event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.pump(ctx, "0") }()

	// two full batches, then the leftover event flushed by the timeout
	assert.Equal(t, 3, <-processor.flushed)
	assert.Equal(t, 3, <-processor.flushed)
	assert.Equal(t, 1, <-processor.flushed)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Equal(t, []string{"0"}, processor.opened)
	assert.Equal(t, []int{3, 3, 1}, processor.batchSizes)
	assert.Equal(t, []string{"host shutting down"}, processor.closeReasons)
	assert.Empty(t, processor.errs)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	assert.True(t, receiver.closed)
}

func TestPumpStopsWhenProcessorFails(t *testing.T) {
	receiver := newFakeReceiver(16)
	processor := newRecordingProcessor()
	processor.processErr = errors.New("boom")
	host := testHost(processor, receiver)

	for i := 0; i < 3; i++ {
		receiver.events <- eventhubs.NewEventDataFromString("event")
	}

	err := host.pump(context.Background(), "0")
	require.EqualError(t, err, "boom")

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Equal(t, []string{"processor failed"}, processor.closeReasons)
	require.Len(t, processor.errs, 1)
	assert.EqualError(t, processor.errs[0], "boom")
}

func TestPumpStopsWhenReceiveFails(t *testing.T) {
	receiver := newFakeReceiver(1)
	processor := newRecordingProcessor()
	host := testHost(processor, receiver)

	receiver.failWith(errors.New("link detached"))

	err := host.pump(context.Background(), "0")
	require.EqualError(t, err, "link detached")

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Equal(t, []string{"receive failed"}, processor.closeReasons)
	require.Len(t, processor.errs, 1)
}

func TestPumpReportsReceiverConstructionError(t *testing.T) {
	processor := newRecordingProcessor()
	host := testHost(processor, nil)
	host.newReceiver = func(ctx context.Context, partitionID string) (partitionReceiver, error) {
		return nil, errors.New("attach refused")
	}

	err := host.pump(context.Background(), "0")
	require.EqualError(t, err, "attach refused")

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Empty(t, processor.opened)
	assert.Empty(t, processor.closeReasons)
	require.Len(t, processor.errs, 1)
}

type fakeClient struct {
	mu           sync.Mutex
	partitionIDs []string
	partitionErr error
	closeErr     error
	opened       bool
	closed       bool
}

func (c *fakeClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeClient) GetPartitionIDs(ctx context.Context) ([]string, error) {
	return c.partitionIDs, c.partitionErr
}

func (c *fakeClient) CreateReceiver(ctx context.Context, consumerGroup, partitionID string, opts ...eventhubs.ReceiveOption) (*eventhubs.Receiver, error) {
	return nil, errors.New("not wired in tests")
}

func TestStartClosesClientWhenPartitionLookupFails(t *testing.T) {
	client := &fakeClient{partitionErr: errors.New("lookup failed")}
	host := testHost(newRecordingProcessor(), nil)
	host.client = client

	err := host.Start(context.Background())
	require.EqualError(t, err, "lookup failed")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.True(t, client.opened)
	assert.True(t, client.closed)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.False(t, host.running)
}

func TestStopReportsPumpErrorOverCloseError(t *testing.T) {
	client := &fakeClient{
		partitionIDs: []string{"0"},
		closeErr:     errors.New("close failed"),
	}
	host := testHost(newRecordingProcessor(), nil)
	host.client = client
	host.newReceiver = func(ctx context.Context, partitionID string) (partitionReceiver, error) {
		return nil, errors.New("attach refused")
	}

	require.NoError(t, host.Start(context.Background()))
	assert.EqualError(t, host.Stop(context.Background()), "attach refused")
}

func TestStopSurfacesCloseError(t *testing.T) {
	client := &fakeClient{
		partitionIDs: []string{},
		closeErr:     errors.New("close failed"),
	}
	host := testHost(newRecordingProcessor(), nil)
	host.client = client

	require.NoError(t, host.Start(context.Background()))
	assert.EqualError(t, host.Stop(context.Background()), "close failed")
}

func TestNewDefaults(t *testing.T) {
	host := New(nil, "", nil, nil)
	assert.Equal(t, eventhubs.DefaultConsumerGroup, host.consumerGroup)
	assert.Equal(t, DefaultOptions().MaxBatchSize(), host.options.MaxBatchSize())
	assert.NotNil(t, host.newReceiver)
}
