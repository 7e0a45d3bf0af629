package aggregator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	agg "sitewide-aggregator/internal/aggregator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCacheManager_InvalidateTenant_DropsViews(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKVStore()
	cm := agg.NewCacheManager(kv, zap.NewNop())

	require.NoError(t, kv.Set(ctx, agg.ViewKey("recent-posts"), "[]", 0))
	require.NoError(t, kv.Set(ctx, agg.TenantViewKey(3, "recent-posts"), "[]", 0))
	require.NoError(t, kv.Set(ctx, agg.TenantViewKey(4, "recent-posts"), "[]", 0))

	require.NoError(t, cm.InvalidateTenant(ctx, 3))

	assert.False(t, kv.has(agg.ViewKey("recent-posts")))
	assert.False(t, kv.has(agg.TenantViewKey(3, "recent-posts")))
	assert.True(t, kv.has(agg.TenantViewKey(4, "recent-posts")))
	assert.Equal(t, "sitewide:tenant:3:recent-posts", agg.TenantViewKey(3, "recent-posts"))
}

func TestCacheManager_InvalidateAll_BumpsGeneration(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKVStore()
	cm := agg.NewCacheManager(kv, zap.NewNop())

	gen, err := cm.Generation(ctx)
	require.NoError(t, err)
	assert.Empty(t, gen)

	require.NoError(t, kv.Set(ctx, agg.ViewKey("tag-cloud"), "{}", 0))
	require.NoError(t, cm.InvalidateAll(ctx))

	assert.False(t, kv.has(agg.ViewKey("tag-cloud")))
	gen, err = cm.Generation(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, gen)
}

func TestCacheManager_InvalidateError(t *testing.T) {
	kv := newFakeKVStore()
	kv.err = errors.New("redis down")
	cm := agg.NewCacheManager(kv, zap.NewNop())

	err := cm.InvalidateTenant(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestCacheManager_ResyncStatus_WritesJSON(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKVStore()
	cm := agg.NewCacheManager(kv, zap.NewNop())

	last, err := cm.LastResync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	status := &agg.ResyncStatus{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Tenants:    2,
		Posts:      10,
		Comments:   4,
	}
	require.NoError(t, cm.SaveResyncStatus(ctx, status))

	raw, err := kv.Get(ctx, "sitewide:resync:last")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Equal(t, "run-1", decoded["run_id"])
	require.NotContains(t, decoded, "error")

	last, err = cm.LastResync(ctx)
	require.NoError(t, err)
	require.Equal(t, status, last)
	require.True(t, last.Succeeded())
}
