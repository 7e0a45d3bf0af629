package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sitewide-aggregator/internal/models"

	"go.uber.org/zap"
)

// Cache keys. Consumers of the mirror cache their aggregate views under
// sitewide:view:<name> and per-tenant views under sitewide:tenant:<id>:<name>.
const (
	cacheKeyPrefix     = "sitewide:"
	cacheGenerationKey = "sitewide:cache:generation"
	resyncStatusKey    = "sitewide:resync:last"
)

// AggregateViews are the sitewide views dropped after every mirror change
var AggregateViews = []string{
	"recent-posts",
	"recent-comments",
	"tag-cloud",
	"post-count",
	"comment-count",
}

// CacheInvalidator is notified after every mirror mutation
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID models.TenantID) error
	InvalidateAll(ctx context.Context) error
}

// ResyncStatus describes the last full resync
type ResyncStatus struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Tenants    int       `json:"tenants"`
	Posts      int       `json:"posts"`
	Comments   int       `json:"comments"`
	Error      string    `json:"error,omitempty"`
}

// Succeeded reports whether the run completed and was swapped in
func (s *ResyncStatus) Succeeded() bool {
	return s != nil && !s.FinishedAt.IsZero() && s.Error == ""
}

// CacheManager invalidates cached aggregate views in the KV store and keeps
// the last resync status there
type CacheManager struct {
	kv     KVStore
	logger *zap.Logger
}

var _ CacheInvalidator = (*CacheManager)(nil)

// NewCacheManager creates a cache manager
func NewCacheManager(kv KVStore, logger *zap.Logger) *CacheManager {
	return &CacheManager{
		kv:     kv,
		logger: logger,
	}
}

// ViewKey is the key of a sitewide aggregate view
func ViewKey(view string) string {
	return cacheKeyPrefix + "view:" + view
}

// TenantViewKey is the key of a per-tenant view
func TenantViewKey(tenantID models.TenantID, view string) string {
	return fmt.Sprintf("%stenant:%d:%s", cacheKeyPrefix, tenantID, view)
}

func (c *CacheManager) viewKeys() []string {
	keys := make([]string, 0, len(AggregateViews))
	for _, v := range AggregateViews {
		keys = append(keys, ViewKey(v))
	}
	return keys
}

// InvalidateTenant drops the sitewide views and the tenant's own views
func (c *CacheManager) InvalidateTenant(ctx context.Context, tenantID models.TenantID) error {
	keys := c.viewKeys()
	for _, v := range AggregateViews {
		keys = append(keys, TenantViewKey(tenantID, v))
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate tenant %d views: %w", tenantID, err)
	}

	c.logger.Debug("Invalidated tenant views",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.Int("key_count", len(keys)),
	)
	return nil
}

// InvalidateAll drops the sitewide views and bumps the cache generation so
// that per-tenant keys built against the previous generation are ignored
func (c *CacheManager) InvalidateAll(ctx context.Context) error {
	if err := c.kv.Del(ctx, c.viewKeys()...); err != nil {
		return fmt.Errorf("failed to invalidate views: %w", err)
	}

	gen := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.kv.Set(ctx, cacheGenerationKey, gen, 0); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}

	c.logger.Debug("Invalidated all views", zap.String("generation", gen))
	return nil
}

// Generation returns the current cache generation, "" when none was set
func (c *CacheManager) Generation(ctx context.Context) (string, error) {
	gen, err := c.kv.Get(ctx, cacheGenerationKey)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get cache generation: %w", err)
	}
	return gen, nil
}

// SaveResyncStatus stores the status of a full resync
func (c *CacheManager) SaveResyncStatus(ctx context.Context, status *ResyncStatus) error {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal resync status: %w", err)
	}

	if err := c.kv.Set(ctx, resyncStatusKey, string(jsonData), 0); err != nil {
		return fmt.Errorf("failed to set resync status: %w", err)
	}

	c.logger.Debug("Saved resync status",
		zap.String("run_id", status.RunID),
		zap.String("key", resyncStatusKey),
	)
	return nil
}

// LastResync returns the last stored resync status, nil when none
func (c *CacheManager) LastResync(ctx context.Context) (*ResyncStatus, error) {
	raw, err := c.kv.Get(ctx, resyncStatusKey)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get resync status: %w", err)
	}

	var status ResyncStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resync status: %w", err)
	}
	return &status, nil
}
