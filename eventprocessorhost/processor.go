package eventprocessorhost

import (
	"context"

	"github.com/ericmaino/azure-event-hubs/eventhubs"
)

// EventProcessor receives the event stream of the partitions a host pumps.
// One processor instance serves all partitions; calls for different
// partitions may arrive concurrently, calls for one partition never do.
type EventProcessor interface {
	// Open is called once per partition before any events are delivered.
	Open(ctx context.Context, partitionID string) error

	// ProcessEvents is handed batches of up to Options.MaxBatchSize events.
	// Returning an error stops the partition's pump.
	ProcessEvents(ctx context.Context, partitionID string, events []*eventhubs.EventData) error

	// ProcessError is told about receive or processing failures on a
	// partition before its pump stops.
	ProcessError(ctx context.Context, partitionID string, err error)

	// Close is called once per partition when its pump stops, with the reason.
	Close(ctx context.Context, partitionID string, reason string) error
}
