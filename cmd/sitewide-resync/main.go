// Command sitewide-resync publishes a content event for the sitewide
// aggregator, by default a full resync trigger.
//
// Usage:
//
//	sitewide-resync
//	sitewide-resync -type post_changed -tenant 3 -post 42
//	sitewide-resync -type comment_changed -tenant 3 -comment 7 -status 1
//	SYNC_TRIGGER_MODE=mqtt sitewide-resync -reason "schema repair"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	logpkg "sitewide-aggregator/internal/common/logger"
	mqttcommon "sitewide-aggregator/internal/common/mqtt"
	rediscommon "sitewide-aggregator/internal/common/redis"
	"sitewide-aggregator/internal/config"
	"sitewide-aggregator/internal/models"

	"go.uber.org/zap"
)

var (
	eventType = flag.String("type", string(models.EventFullResync), "event type: full_resync, post_changed, post_deleted, comment_changed")
	tenantID  = flag.Int64("tenant", 0, "tenant id")
	postID    = flag.Int64("post", 0, "source post id")
	commentID = flag.Int64("comment", 0, "source comment id")
	status    = flag.String("status", "", "comment approval status override")
	reason    = flag.String("reason", "manual", "free-form reason recorded with the event")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, "console", "sitewide-resync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	event := models.Event{
		Type:            models.EventType(*eventType),
		TenantID:        models.TenantID(*tenantID),
		SourcePostID:    *postID,
		SourceCommentID: *commentID,
		Status:          *status,
		Reason:          *reason,
		Timestamp:       time.Now().Unix(),
	}
	if err := event.Validate(); err != nil {
		log.Fatal("Invalid event", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Aggregator.TriggerMode == config.TriggerMQTT {
		err = publishMQTT(cfg, log, event)
	} else {
		err = publishStream(ctx, cfg, log, event)
	}
	if err != nil {
		log.Fatal("Failed to publish event", zap.Error(err))
	}
}

func publishStream(ctx context.Context, cfg *config.Config, log *zap.Logger, event models.Event) error {
	client := rediscommon.NewRedisClient(&cfg.Redis)
	defer rediscommon.Close(client)

	if err := rediscommon.Ping(ctx, client); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	id, err := rediscommon.PublishJSONToStream(ctx, client, cfg.Aggregator.EventStream, event)
	if err != nil {
		return err
	}

	log.Info("Published event",
		zap.String("stream", cfg.Aggregator.EventStream),
		zap.String("message_id", id),
		zap.String("key", event.Key()),
	)
	return nil
}

func publishMQTT(cfg *config.Config, log *zap.Logger, event models.Event) error {
	cfg.MQTT.ClientID += "-resync"
	client, err := mqttcommon.NewClient(&cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := client.Publish(cfg.Aggregator.MQTTTopic, cfg.MQTT.QoS, false, payload); err != nil {
		return err
	}

	log.Info("Published event",
		zap.String("topic", cfg.Aggregator.MQTTTopic),
		zap.String("key", event.Key()),
	)
	return nil
}
