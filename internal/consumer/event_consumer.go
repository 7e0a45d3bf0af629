package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	rediscommon "sitewide-aggregator/internal/common/redis"
	"sitewide-aggregator/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const ackTimeout = 5 * time.Second

// Submitter accepts events for asynchronous handling. done receives the
// final outcome.
type Submitter interface {
	Submit(ctx context.Context, event models.Event, done func(error)) error
}

// EventConsumer reads content change events from a Redis stream consumer
// group and hands them to a Submitter. A message is acked once its event
// has been applied; failed events stay pending in the group.
type EventConsumer struct {
	redisClient  *redis.Client
	submitter    Submitter
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
}

// NewEventConsumer creates an event consumer
func NewEventConsumer(
	redisClient *redis.Client,
	submitter Submitter,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *EventConsumer {
	return &EventConsumer{
		redisClient:  redisClient,
		submitter:    submitter,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
	}
}

// Start consumes until ctx is cancelled
func (c *EventConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	if err := c.replayPending(ctx); err != nil {
		c.logger.Warn("Failed to replay pending events", zap.Error(err))
	}

	c.logger.Info("Event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeEvents(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to consume events",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

func (c *EventConsumer) consumeEvents(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if err := c.processEvent(ctx, msg); err != nil {
			c.logger.Error("Failed to process event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// replayPending resubmits, once each, the events this consumer received
// in an earlier run but never acked
func (c *EventConsumer) replayPending(ctx context.Context) error {
	lastID := "0"
	replayed := 0
	for {
		messages, err := rediscommon.ReadPending(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, lastID, c.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read pending events: %w", err)
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			if err := c.processEvent(ctx, msg); err != nil {
				c.logger.Error("Failed to replay event",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
			lastID = msg.ID
			replayed++
		}
	}

	if replayed > 0 {
		c.logger.Info("Replayed pending events", zap.Int("count", replayed))
	}
	return nil
}

func (c *EventConsumer) processEvent(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := ParseEvent(msg.Values)
	if err != nil {
		// A malformed message can never succeed; drop it.
		c.ackMessage(msg.ID)
		return fmt.Errorf("dropping malformed event: %w", err)
	}

	c.logger.Debug("Received content event",
		zap.String("message_id", msg.ID),
		zap.String("event_type", string(event.Type)),
		zap.Int64("tenant_id", int64(event.TenantID)),
	)

	messageID := msg.ID
	return c.submitter.Submit(ctx, *event, func(err error) {
		if err != nil {
			c.logger.Warn("Event left pending",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			return
		}
		c.ackMessage(messageID)
	})
}

// ackMessage runs on dispatcher workers, possibly after ctx was cancelled
func (c *EventConsumer) ackMessage(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.groupName, messageID); err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// ParseEvent decodes a stream entry. The event is read from the JSON "data"
// field when present, otherwise from flat fields.
func ParseEvent(values map[string]interface{}) (*models.Event, error) {
	if dataStr, ok := values["data"].(string); ok {
		var event models.Event
		if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		if err := event.Validate(); err != nil {
			return nil, err
		}
		return &event, nil
	}

	event := &models.Event{}
	if eventType, ok := values["event_type"].(string); ok {
		event.Type = models.EventType(eventType)
	}
	if status, ok := values["status"].(string); ok {
		event.Status = status
	}
	if reason, ok := values["reason"].(string); ok {
		event.Reason = reason
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"source_post_id", &event.SourcePostID},
		{"source_comment_id", &event.SourceCommentID},
		{"timestamp", &event.Timestamp},
	}
	for _, f := range ints {
		if err := parseIntField(values, f.field, f.dst); err != nil {
			return nil, err
		}
	}

	var tenantID int64
	if err := parseIntField(values, "tenant_id", &tenantID); err != nil {
		return nil, err
	}
	event.TenantID = models.TenantID(tenantID)

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func parseIntField(values map[string]interface{}, field string, dst *int64) error {
	raw, ok := values[field].(string)
	if !ok || raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	*dst = n
	return nil
}
