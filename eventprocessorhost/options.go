// Package eventprocessorhost pumps every partition of an Event Hub through a
// caller-supplied processor from a single process. Lease-based balancing of
// partitions across multiple hosts and durable checkpoint stores are higher
// layer concerns and live elsewhere.
package eventprocessorhost

import (
	"time"
)

const (
	defaultMaxBatchSize   = 10
	defaultPrefetchCount  = 300
	defaultReceiveTimeout = time.Minute
)

// InitialOffsetProvider returns the offset a partition's receiver starts from
// when no checkpoint exists for it.
type InitialOffsetProvider func(partitionID string) string

// Options are the tuning knobs of a processor host. Zero values are replaced
// by the defaults from DefaultOptions.
type Options struct {
	maxBatchSize          int
	prefetchCount         int
	receiveTimeout        time.Duration
	initialOffsetProvider InitialOffsetProvider

	// invokeProcessorAfterReceiveTimeout stays false: the receiver does not
	// call back on an empty timeout, so the host cannot surface one to
	// ProcessEvents.
	invokeProcessorAfterReceiveTimeout bool
}

// DefaultOptions returns the standard host configuration: batches of up to 10
// events, a prefetch of 300 and a one minute receive timeout.
func DefaultOptions() *Options {
	return &Options{
		maxBatchSize:   defaultMaxBatchSize,
		prefetchCount:  defaultPrefetchCount,
		receiveTimeout: defaultReceiveTimeout,
	}
}

// MaxBatchSize is the largest event batch handed to ProcessEvents.
func (o *Options) MaxBatchSize() int {
	return o.maxBatchSize
}

// PrefetchCount is the link credit each partition receiver extends.
func (o *Options) PrefetchCount() int {
	return o.prefetchCount
}

// SetPrefetchCount overrides the link credit each partition receiver extends.
func (o *Options) SetPrefetchCount(prefetchCount int) {
	o.prefetchCount = prefetchCount
}

// ReceiveTimeout is how long a partition pump waits for an event before
// flushing a partial batch.
func (o *Options) ReceiveTimeout() time.Duration {
	return o.receiveTimeout
}

// InitialOffsetProvider returns the configured start-position provider, or nil.
func (o *Options) InitialOffsetProvider() InitialOffsetProvider {
	return o.initialOffsetProvider
}

// SetInitialOffsetProvider sets the start position for partitions that have
// no checkpoint yet.
func (o *Options) SetInitialOffsetProvider(provider InitialOffsetProvider) {
	o.initialOffsetProvider = provider
}

// InvokeProcessorAfterReceiveTimeout reports whether empty receive timeouts
// reach ProcessEvents. It is always false.
func (o *Options) InvokeProcessorAfterReceiveTimeout() bool {
	return o.invokeProcessorAfterReceiveTimeout
}
