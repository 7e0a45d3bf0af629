package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	mqttcommon "sitewide-aggregator/internal/common/mqtt"
	"sitewide-aggregator/internal/models"

	"go.uber.org/zap"
)

// Subscriber is the part of the MQTT client MQTTSource needs
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTSource receives content change events as JSON MQTT messages
type MQTTSource struct {
	subscriber Subscriber
	submitter  Submitter
	logger     *zap.Logger
	topic      string
	qos        byte
}

// NewMQTTSource creates an MQTT event source
func NewMQTTSource(subscriber Subscriber, submitter Submitter, logger *zap.Logger, topic string) *MQTTSource {
	return &MQTTSource{
		subscriber: subscriber,
		submitter:  submitter,
		logger:     logger,
		topic:      topic,
		qos:        1,
	}
}

// Start subscribes and blocks until ctx is cancelled
func (s *MQTTSource) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return s.handleMessage(ctx, topic, payload)
	}
	if err := s.subscriber.Subscribe(s.topic, s.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	s.logger.Info("MQTT event source started", zap.String("topic", s.topic))

	<-ctx.Done()

	if err := s.subscriber.Unsubscribe(s.topic); err != nil {
		s.logger.Warn("Failed to unsubscribe", zap.String("topic", s.topic), zap.Error(err))
	}
	return nil
}

func (s *MQTTSource) handleMessage(ctx context.Context, topic string, payload []byte) error {
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return err
	}

	return s.submitter.Submit(ctx, event, func(err error) {
		if err != nil {
			s.logger.Warn("MQTT event not applied",
				zap.String("topic", topic),
				zap.String("key", event.Key()),
				zap.Error(err),
			)
		}
	})
}
