package consumer

import (
	"context"
	"testing"
	"time"

	mqttcommon "sitewide-aggregator/internal/common/mqtt"
	"sitewide-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	subscribed   chan mqttcommon.MessageHandler
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	f.subscribed <- handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestMQTTSource_SubmitsEvents(t *testing.T) {
	sub := &fakeSubscriber{subscribed: make(chan mqttcommon.MessageHandler, 1)}
	submitter := &fakeSubmitter{results: map[string]error{}}
	source := NewMQTTSource(sub, submitter, zap.NewNop(), "sitewide/events")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Start(ctx) }()

	var handler mqttcommon.MessageHandler
	select {
	case handler = <-sub.subscribed:
	case <-time.After(time.Second):
		t.Fatal("source did not subscribe")
	}

	require.NoError(t, handler("sitewide/events", []byte(`{"event_type":"post_deleted","tenant_id":4,"source_post_id":9}`)))
	assert.Error(t, handler("sitewide/events", []byte(`not json`)))
	assert.Error(t, handler("sitewide/events", []byte(`{"event_type":"post_deleted"}`)))

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []models.Event{{Type: models.EventPostDeleted, TenantID: 4, SourcePostID: 9}}, submitter.received())
	assert.Equal(t, []string{"sitewide/events"}, sub.unsubscribed)
}
