package eventhubs

import (
	"time"

	"pack.ag/amqp"
)

// Broker message annotations carrying partition position metadata.
const (
	offsetAnnotation         = "x-opt-offset"
	sequenceNumberAnnotation = "x-opt-sequence-number"
	enqueuedTimeAnnotation   = "x-opt-enqueued-time"
	partitionKeyAnnotation   = "x-opt-partition-key"
)

// EventData is a single event read from or written to an Event Hub partition.
// Offset, SequenceNumber and EnqueuedTime are stamped by the broker and are
// zero on events that have not been through it yet.
type EventData struct {
	Data           []byte
	PartitionKey   string
	Offset         string
	SequenceNumber int64
	EnqueuedTime   time.Time
}

// NewEventData wraps a payload for sending.
func NewEventData(data []byte) *EventData {
	return &EventData{Data: data}
}

// NewEventDataFromString wraps a string payload for sending.
func NewEventDataFromString(message string) *EventData {
	return NewEventData([]byte(message))
}

// Checkpoint returns the stream position this event was read at.
func (e *EventData) Checkpoint() Checkpoint {
	return NewCheckpoint(e.Offset, e.SequenceNumber, e.EnqueuedTime)
}

func (e *EventData) String() string {
	return string(e.Data)
}

// eventFromMessage unpacks the broker annotations of a received AMQP message.
func eventFromMessage(msg *amqp.Message) *EventData {
	event := &EventData{Data: messageData(msg)}
	if msg.Annotations == nil {
		return event
	}

	if offset, ok := msg.Annotations[offsetAnnotation].(string); ok {
		event.Offset = offset
	}
	if enqueued, ok := msg.Annotations[enqueuedTimeAnnotation].(time.Time); ok {
		event.EnqueuedTime = enqueued
	}
	if key, ok := msg.Annotations[partitionKeyAnnotation].(string); ok {
		event.PartitionKey = key
	}
	switch sequence := msg.Annotations[sequenceNumberAnnotation].(type) {
	case int64:
		event.SequenceNumber = sequence
	case int32:
		event.SequenceNumber = int64(sequence)
	}

	return event
}

// toMessage converts the event into an AMQP message for sending.
func (e *EventData) toMessage() *amqp.Message {
	msg := &amqp.Message{
		Data: [][]byte{e.Data},
	}

	if e.PartitionKey != "" {
		msg.Annotations = amqp.Annotations{
			partitionKeyAnnotation: e.PartitionKey,
		}
	}
	return msg
}

func messageData(msg *amqp.Message) []byte {
	if len(msg.Data) > 0 {
		return msg.Data[0]
	}
	if data, ok := msg.Value.([]byte); ok {
		return data
	}
	return nil
}
