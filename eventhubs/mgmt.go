package eventhubs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"pack.ag/amqp"
)

const (
	mgmtAddress      = "$management"
	mgmtReplyPostfix = "-reply-to-"

	mgmtStatusCodeKey     = "status-code"
	mgmtDescriptionKey    = "status-description"
	mgmtAltStatusCodeKey  = "statusCode"
	mgmtAltDescriptionKey = "statusDescription"

	mgmtReadOperation = "READ"
	mgmtEventHubType  = "com.microsoft:eventhub"
)

// HubRuntimeInformation is the management node's description of an Event Hub.
type HubRuntimeInformation struct {
	Path           string
	CreatedAt      time.Time
	PartitionCount int
	PartitionIDs   []string
}

// partitionDirectory resolves partition metadata for an entity path at query
// time. Each lookup rides a short-lived request/response link pair against
// the $management node; nothing is cached between calls.
type partitionDirectory struct {
	conn *amqp.Client
}

// readRuntimeInformation performs the READ management operation for hubPath.
// A 404 from the management node surfaces as MessagingEntityNotFoundError.
func (d partitionDirectory) readRuntimeInformation(ctx context.Context, hubPath string) (*HubRuntimeInformation, error) {
	amqpSession, err := d.conn.NewSession()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = amqpSession.Close(ctx)
	}()

	replyTo := strings.ReplaceAll(mgmtAddress, "$", "") + mgmtReplyPostfix + uuid.NewString()

	sender, err := amqpSession.NewSender(
		amqp.LinkTargetAddress(mgmtAddress),
	)
	if err != nil {
		return nil, maybeEntityNotFound(err, hubPath)
	}
	defer func() {
		_ = sender.Close(ctx)
	}()

	receiver, err := amqpSession.NewReceiver(
		amqp.LinkSourceAddress(mgmtAddress),
		amqp.LinkTargetAddress(replyTo),
	)
	if err != nil {
		return nil, maybeEntityNotFound(err, hubPath)
	}
	defer func() {
		_ = receiver.Close(ctx)
	}()

	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			ReplyTo:   replyTo,
		},
		ApplicationProperties: map[string]interface{}{
			"operation": mgmtReadOperation,
			"name":      hubPath,
			"type":      mgmtEventHubType,
		},
	}
	applyServerTimeout(ctx, msg)

	if err := sender.Send(ctx, msg); err != nil {
		return nil, maybeEntityNotFound(err, hubPath)
	}

	res, err := receiver.Receive(ctx)
	if err != nil {
		return nil, maybeEntityNotFound(err, hubPath)
	}

	code, description, err := responseStatus(res)
	if err != nil {
		return nil, err
	}

	switch {
	case code == http.StatusNotFound:
		_ = res.Accept()
		return nil, &MessagingEntityNotFoundError{EntityPath: hubPath, Message: description}
	case code < 200 || code >= 300:
		_ = res.Accept()
		return nil, fmt.Errorf("eventhubs: management request failed with status code %d and description %q", code, description)
	}

	info, err := runtimeInformationFromMessage(res)
	if err != nil {
		return nil, err
	}

	if err := res.Accept(); err != nil {
		return nil, err
	}
	return info, nil
}

// applyServerTimeout forwards the caller's deadline to the service as the
// server-timeout property, in milliseconds. Elapsed deadlines are not
// forwarded; the local context error surfaces on its own.
func applyServerTimeout(ctx context.Context, msg *amqp.Message) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	msg.ApplicationProperties["server-timeout"] = uint(remaining / time.Millisecond)
}

// responseStatus extracts the status code and description from a management
// response, accepting both spellings the service uses for the keys.
func responseStatus(msg *amqp.Message) (int, string, error) {
	var code int
	for _, key := range []string{mgmtStatusCodeKey, mgmtAltStatusCodeKey} {
		raw, ok := msg.ApplicationProperties[key]
		if !ok {
			continue
		}
		cast, ok := raw.(int32)
		if !ok {
			return 0, "", errors.New("eventhubs: management status code was not of expected type int32")
		}
		code = int(cast)
		break
	}
	if code == 0 {
		return 0, "", errors.New("eventhubs: no status code on management response")
	}

	var description string
	for _, key := range []string{mgmtDescriptionKey, mgmtAltDescriptionKey} {
		if raw, ok := msg.ApplicationProperties[key]; ok {
			description, _ = raw.(string)
			break
		}
	}

	return code, description, nil
}

// runtimeInformationFromMessage decodes the body of a READ response.
func runtimeInformationFromMessage(msg *amqp.Message) (*HubRuntimeInformation, error) {
	values, ok := msg.Value.(map[string]interface{})
	if !ok {
		return nil, errors.New("eventhubs: management response carried no entity description")
	}

	info := &HubRuntimeInformation{}
	if name, ok := values["name"].(string); ok {
		info.Path = name
	}
	if createdAt, ok := values["created_at"].(time.Time); ok {
		info.CreatedAt = createdAt
	}
	if count, ok := values["partition_count"].(int32); ok {
		info.PartitionCount = int(count)
	}

	switch ids := values["partition_ids"].(type) {
	case []string:
		info.PartitionIDs = ids
	case []interface{}:
		for _, id := range ids {
			str, ok := id.(string)
			if !ok {
				return nil, fmt.Errorf("eventhubs: partition id of unexpected type %T", id)
			}
			info.PartitionIDs = append(info.PartitionIDs, str)
		}
	default:
		return nil, errors.New("eventhubs: management response carried no partition ids")
	}

	return info, nil
}
