package eventhubs

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// StartOfStream is the offset of the first event retained in a partition.
	StartOfStream = "-1"

	// EndOfStream addresses the current tail of a partition, so a receiver
	// created with it only sees events enqueued after it attached.
	EndOfStream = "@latest"
)

// Checkpoint records the last event consumed from a partition.
type Checkpoint struct {
	Offset         string    `json:"offset"`
	SequenceNumber int64     `json:"sequenceNumber"`
	EnqueueTime    time.Time `json:"enqueueTime"`
}

// NewCheckpoint builds a checkpoint from an explicit position.
func NewCheckpoint(offset string, sequenceNumber int64, enqueueTime time.Time) Checkpoint {
	return Checkpoint{
		Offset:         offset,
		SequenceNumber: sequenceNumber,
		EnqueueTime:    enqueueTime,
	}
}

// NewCheckpointFromStartOfStream returns a checkpoint for the oldest retained event.
func NewCheckpointFromStartOfStream() Checkpoint {
	return Checkpoint{Offset: StartOfStream}
}

// NewCheckpointFromEndOfStream returns a checkpoint for the current end of the partition.
func NewCheckpointFromEndOfStream() Checkpoint {
	return Checkpoint{Offset: EndOfStream}
}

// CheckpointPersister stores the consumption position of a namespace, entity,
// consumer group and partition. Implementations must be safe for concurrent use.
type CheckpointPersister interface {
	Write(namespace, name, consumerGroup, partitionID string, checkpoint Checkpoint) error
	Read(namespace, name, consumerGroup, partitionID string) (Checkpoint, error)
}

// MemoryPersister keeps checkpoints in process memory. It is the default
// persister; receivers built from it start at the beginning of the stream
// after a restart.
type MemoryPersister struct {
	mu     sync.Mutex
	values map[string]Checkpoint
}

// NewMemoryPersister creates an empty in-memory checkpoint store.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		values: make(map[string]Checkpoint),
	}
}

func (p *MemoryPersister) Write(namespace, name, consumerGroup, partitionID string, checkpoint Checkpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[persistenceKey(namespace, name, consumerGroup, partitionID)] = checkpoint
	return nil
}

func (p *MemoryPersister) Read(namespace, name, consumerGroup, partitionID string) (Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := persistenceKey(namespace, name, consumerGroup, partitionID)
	checkpoint, ok := p.values[key]
	if !ok {
		return Checkpoint{}, fmt.Errorf("eventhubs: no checkpoint for %s", key)
	}
	return checkpoint, nil
}

func persistenceKey(namespace, name, consumerGroup, partitionID string) string {
	return strings.Join([]string{namespace, name, consumerGroup, partitionID}, "/")
}
