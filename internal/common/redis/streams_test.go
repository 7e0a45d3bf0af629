package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishToStream_StringifiesValues(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	_, err := PublishToStream(ctx, client, "s", map[string]interface{}{
		"s":    "text",
		"i":    7,
		"i64":  int64(9),
		"b":    true,
		"list": []int{1, 2},
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "s", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{
		"s":    "text",
		"i":    "7",
		"i64":  "9",
		"b":    "true",
		"list": "[1,2]",
	}, entries[0].Values)
}

func TestConsumerGroup_ReadPendingAck(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	require.NoError(t, CreateConsumerGroup(ctx, client, "events", "g"))
	require.NoError(t, CreateConsumerGroup(ctx, client, "events", "g"))

	id1, err := PublishJSONToStream(ctx, client, "events", map[string]int{"n": 1})
	require.NoError(t, err)
	id2, err := PublishJSONToStream(ctx, client, "events", map[string]int{"n": 2})
	require.NoError(t, err)

	msgs, err := ReadFromStream(ctx, client, "events", "g", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, `{"n":1}`, msgs[0].Values["data"])

	pending, err := ReadPending(ctx, client, "events", "g", "c1", "0", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, Ack(ctx, client, "events", "g", id1))

	pending, err = ReadPending(ctx, client, "events", "g", "c1", "0", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	pending, err = ReadPending(ctx, client, "events", "g", "c1", id2, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
