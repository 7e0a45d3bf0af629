package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sitewide-aggregator/internal/models"
	"sitewide-aggregator/internal/repository"
	"sitewide-aggregator/internal/tags"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is what the engine is doing right now
type State int

const (
	StateIdle State = iota
	StateSyncingIncremental
	StateSyncingFull
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncingIncremental:
		return "syncing_incremental"
	case StateSyncingFull:
		return "syncing_full"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultPlaceholderGrace is how close to its owner's registration content
// may be created before it counts as a host-generated placeholder
const DefaultPlaceholderGrace = 10 * time.Second

// EngineOptions tunes a SyncEngine
type EngineOptions struct {
	// Enabled false turns every operation into a no-op
	Enabled bool
	// PlaceholderGrace <= 0 disables the placeholder filter
	PlaceholderGrace time.Duration
	// PostTypes lists the post types that are aggregated
	PostTypes []string
	// LockStripes is the number of per-post lock stripes
	LockStripes int
}

// ResyncStatusStore persists the outcome of each full resync
type ResyncStatusStore interface {
	SaveResyncStatus(ctx context.Context, status *ResyncStatus) error
}

// SyncEngine keeps the sitewide mirror in step with the tenants, either one
// event at a time or by rebuilding everything.
//
// Incremental operations share the resync gate and serialize per content
// key; a full resync holds the gate exclusively.
type SyncEngine struct {
	store    repository.MirrorStore
	reader   ContentReader
	tenants  TenantSource
	cache    CacheInvalidator
	statuses ResyncStatusStore
	logger   *zap.Logger
	opts     EngineOptions

	postTypes map[string]struct{}
	gate      sync.RWMutex
	locks     *keyedLocks

	incremental atomic.Int32
	full        atomic.Bool
}

// NewSyncEngine creates a sync engine. cache and statuses may be nil.
func NewSyncEngine(
	store repository.MirrorStore,
	reader ContentReader,
	tenants TenantSource,
	cache CacheInvalidator,
	statuses ResyncStatusStore,
	logger *zap.Logger,
	opts EngineOptions,
) *SyncEngine {
	if len(opts.PostTypes) == 0 {
		opts.PostTypes = []string{"post"}
	}
	postTypes := make(map[string]struct{}, len(opts.PostTypes))
	for _, t := range opts.PostTypes {
		postTypes[t] = struct{}{}
	}

	return &SyncEngine{
		store:     store,
		reader:    reader,
		tenants:   tenants,
		cache:     cache,
		statuses:  statuses,
		logger:    logger,
		opts:      opts,
		postTypes: postTypes,
		locks:     newKeyedLocks(opts.LockStripes),
	}
}

// State reports the current engine state
func (e *SyncEngine) State() State {
	if e.full.Load() {
		return StateSyncingFull
	}
	if e.incremental.Load() > 0 {
		return StateSyncingIncremental
	}
	return StateIdle
}

// Handle applies one content change event
func (e *SyncEngine) Handle(ctx context.Context, event models.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if !e.opts.Enabled {
		e.logger.Debug("Aggregation disabled, ignoring event",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	if event.Type != models.EventFullResync && e.tenants.IsExcluded(event.TenantID) {
		e.logger.Debug("Ignoring event of excluded tenant",
			zap.String("event_type", string(event.Type)),
			zap.Int64("tenant_id", int64(event.TenantID)),
		)
		return nil
	}

	switch event.Type {
	case models.EventPostChanged:
		return e.SyncPost(ctx, event.TenantID, event.SourcePostID)
	case models.EventPostDeleted:
		return e.DeletePost(ctx, event.TenantID, event.SourcePostID)
	case models.EventCommentChanged:
		return e.SyncComment(ctx, event.TenantID, event.SourceCommentID, event.Status)
	case models.EventFullResync:
		_, err := e.FullResync(ctx)
		return err
	}
	return nil
}

// beginIncremental takes the shared gate and the lock of key
func (e *SyncEngine) beginIncremental(key string) func() {
	e.gate.RLock()
	unlock := e.locks.lock(key)
	e.incremental.Add(1)
	return func() {
		e.incremental.Add(-1)
		unlock()
		e.gate.RUnlock()
	}
}

// SyncPost re-reads a post from its tenant and mirrors it, or removes it
// from the mirror when it is no longer eligible
func (e *SyncEngine) SyncPost(ctx context.Context, tenantID models.TenantID, postID int64) error {
	if !e.opts.Enabled {
		return nil
	}
	done := e.beginIncremental(fmt.Sprintf("post:%d:%d", tenantID, postID))
	defer done()

	mirrored, err := e.syncPost(ctx, e.store, tenantID, postID)
	if err != nil {
		return transient(err)
	}

	e.logger.Debug("Synced post",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.Int64("source_post_id", postID),
		zap.Bool("mirrored", mirrored),
	)
	e.invalidateTenant(ctx, tenantID)
	return nil
}

// DeletePost removes a post and all its tag usages from the mirror
func (e *SyncEngine) DeletePost(ctx context.Context, tenantID models.TenantID, postID int64) error {
	if !e.opts.Enabled {
		return nil
	}
	done := e.beginIncremental(fmt.Sprintf("post:%d:%d", tenantID, postID))
	defer done()

	if err := e.removePost(ctx, e.store, tenantID, postID); err != nil {
		return transient(err)
	}

	e.logger.Debug("Deleted post",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.Int64("source_post_id", postID),
	)
	e.invalidateTenant(ctx, tenantID)
	return nil
}

// SyncComment mirrors an approved comment and removes any other. A non-empty
// status overrides the approval state stored on the tenant.
func (e *SyncEngine) SyncComment(ctx context.Context, tenantID models.TenantID, commentID int64, status string) error {
	if !e.opts.Enabled {
		return nil
	}
	done := e.beginIncremental(fmt.Sprintf("comment:%d:%d", tenantID, commentID))
	defer done()

	mirrored, err := e.syncComment(ctx, e.store, tenantID, commentID, status)
	if err != nil {
		return transient(err)
	}

	e.logger.Debug("Synced comment",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.Int64("source_comment_id", commentID),
		zap.Bool("mirrored", mirrored),
	)
	e.invalidateTenant(ctx, tenantID)
	return nil
}

// syncPost is the single upsert path shared by incremental and full sync.
// It reports whether the post is now mirrored.
func (e *SyncEngine) syncPost(ctx context.Context, store repository.MirrorStore, tenantID models.TenantID, postID int64) (bool, error) {
	post, err := e.reader.GetPost(ctx, tenantID, postID)
	if err != nil {
		return false, fmt.Errorf("failed to read post %d/%d: %w", tenantID, postID, err)
	}
	if !e.eligiblePost(post) {
		return false, e.removePost(ctx, store, tenantID, postID)
	}

	err = store.InTx(ctx, func(tx repository.MirrorStore) error {
		// The previous tag set must be read before the post row is overwritten.
		previous, err := tx.PostTagSlugs(ctx, tenantID, postID)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertPost(ctx, tenantID, post); err != nil {
			return err
		}

		prev := tags.NewSet()
		for _, s := range previous {
			prev.Add(tags.Slug(s))
		}
		delta := tags.Plan(post.Tags, prev)
		if !delta.Empty() {
			e.logger.Debug("Reconciling post tags",
				zap.Int64("tenant_id", int64(tenantID)),
				zap.Int64("source_post_id", postID),
				zap.Strings("add", delta.Add.Strings()),
				zap.Strings("remove", delta.Remove.Strings()),
			)
		}
		return e.applyDelta(ctx, tx, tenantID, postID, delta)
	})
	if err != nil {
		return false, fmt.Errorf("failed to mirror post %d/%d: %w", tenantID, postID, err)
	}
	return true, nil
}

// removePost deletes the post row and releases every tag it carried
func (e *SyncEngine) removePost(ctx context.Context, store repository.MirrorStore, tenantID models.TenantID, postID int64) error {
	err := store.InTx(ctx, func(tx repository.MirrorStore) error {
		previous, err := tx.PostTagSlugs(ctx, tenantID, postID)
		if err != nil {
			return err
		}
		if err := tx.DeletePost(ctx, tenantID, postID); err != nil {
			return err
		}

		remove := tags.NewSet()
		for _, s := range previous {
			remove.Add(tags.Slug(s))
		}
		return e.applyDelta(ctx, tx, tenantID, postID, tags.Delta{Add: tags.NewSet(), Remove: remove})
	})
	if err != nil {
		return fmt.Errorf("failed to remove post %d/%d: %w", tenantID, postID, err)
	}
	return nil
}

// applyDelta applies a tag delta for one post. It must run inside InTx so
// that the post's tag set changes all or nothing.
func (e *SyncEngine) applyDelta(ctx context.Context, tx repository.MirrorStore, tenantID models.TenantID, postID int64, delta tags.Delta) error {
	for _, slug := range delta.Add.Sorted() {
		tag, err := tx.GetTagBySlug(ctx, string(slug))
		if err != nil {
			return err
		}

		var tagID int64
		if tag != nil {
			tagID = tag.TagID
		} else {
			name := delta.Names[slug]
			if name == "" {
				name = string(slug)
			}
			if tagID, err = tx.CreateTag(ctx, name, string(slug)); err != nil {
				return err
			}
		}

		added, err := tx.AddTagUsage(ctx, tagID, tenantID, postID)
		if err != nil {
			return err
		}
		if added {
			if err := tx.AdjustTagUsageCount(ctx, tagID, 1); err != nil {
				return err
			}
		}
	}

	for _, slug := range delta.Remove.Sorted() {
		tag, err := tx.GetTagBySlug(ctx, string(slug))
		if err != nil {
			return err
		}
		if tag == nil {
			continue
		}

		removed, err := tx.RemoveTagUsage(ctx, tag.TagID, tenantID, postID)
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		if err := tx.AdjustTagUsageCount(ctx, tag.TagID, -1); err != nil {
			return err
		}
		deleted, err := tx.DeleteTagIfUnused(ctx, tag.TagID)
		if err != nil {
			return err
		}
		if deleted {
			e.logger.Debug("Deleted unused tag", zap.String("slug", string(slug)))
		}
	}

	// A tag is named by its usage with the lowest (tenant_id, source_post_id),
	// which keeps the name independent of the order posts were synced in.
	for _, slug := range delta.Current().Sorted() {
		if err := e.refreshTagName(ctx, tx, tenantID, postID, slug, delta); err != nil {
			return err
		}
	}
	for _, slug := range delta.Remove.Sorted() {
		if err := e.refreshTagName(ctx, tx, tenantID, postID, slug, delta); err != nil {
			return err
		}
	}
	return nil
}

// refreshTagName renames the tag of slug when this post is, or just stopped
// being, the usage that names it
func (e *SyncEngine) refreshTagName(ctx context.Context, tx repository.MirrorStore, tenantID models.TenantID, postID int64, slug tags.Slug, delta tags.Delta) error {
	tag, err := tx.GetTagBySlug(ctx, string(slug))
	if err != nil || tag == nil {
		return err
	}
	first, err := tx.FirstTagUsage(ctx, tag.TagID)
	if err != nil || first == nil {
		return err
	}

	var name string
	switch {
	case first.TenantID == tenantID && first.SourcePostID == postID:
		name = delta.Names[slug]
	case delta.Remove.Has(slug) && usageBefore(tenantID, postID, first):
		if name, err = e.sourceTagName(ctx, first.TenantID, first.SourcePostID, slug); err != nil {
			return err
		}
	default:
		return nil
	}

	if name == "" || name == tag.Name {
		return nil
	}
	e.logger.Debug("Renaming tag",
		zap.String("slug", string(slug)),
		zap.String("from", tag.Name),
		zap.String("to", name),
	)
	return tx.RenameTag(ctx, tag.TagID, name)
}

// sourceTagName reads the name a tenant post gives slug, or "" when the post
// or the tag is gone
func (e *SyncEngine) sourceTagName(ctx context.Context, tenantID models.TenantID, postID int64, slug tags.Slug) (string, error) {
	post, err := e.reader.GetPost(ctx, tenantID, postID)
	if err != nil {
		return "", fmt.Errorf("failed to read post %d/%d: %w", tenantID, postID, err)
	}
	if post == nil {
		return "", nil
	}
	_, names := tags.FromRefs(post.Tags)
	return names[slug], nil
}

func usageBefore(tenantID models.TenantID, postID int64, u *models.TagUsage) bool {
	if tenantID != u.TenantID {
		return tenantID < u.TenantID
	}
	return postID < u.SourcePostID
}

// syncComment is the single comment path shared by incremental and full sync
func (e *SyncEngine) syncComment(ctx context.Context, store repository.MirrorStore, tenantID models.TenantID, commentID int64, status string) (bool, error) {
	comment, err := e.reader.GetComment(ctx, tenantID, commentID)
	if err != nil {
		return false, fmt.Errorf("failed to read comment %d/%d: %w", tenantID, commentID, err)
	}
	if comment != nil && status != "" {
		status = models.NormalizeCommentStatus(status)
		comment.Approved = status
		if _, ok := comment.Fields["comment_approved"]; ok {
			comment.Fields["comment_approved"] = status
		}
	}

	if !e.eligibleComment(comment) {
		if err := store.DeleteComment(ctx, tenantID, commentID); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, err := store.UpsertComment(ctx, tenantID, comment); err != nil {
		return false, err
	}
	return true, nil
}

func (e *SyncEngine) eligiblePost(post *models.SourcePost) bool {
	if post == nil || !post.IsPublic() {
		return false
	}
	if _, ok := e.postTypes[post.PostType]; !ok {
		return false
	}
	return !e.isPlaceholder(post.DateGMT, post.AuthorRegistered)
}

func (e *SyncEngine) eligibleComment(comment *models.SourceComment) bool {
	if comment == nil || !comment.IsApproved() {
		return false
	}
	return !e.isPlaceholder(comment.DateGMT, comment.UserRegistered)
}

// isPlaceholder reports content created within the grace window of its
// owner's registration
func (e *SyncEngine) isPlaceholder(created time.Time, registered *time.Time) bool {
	if e.opts.PlaceholderGrace <= 0 || registered == nil || registered.IsZero() || created.IsZero() {
		return false
	}
	diff := created.Sub(*registered)
	if diff < 0 {
		diff = -diff
	}
	return diff <= e.opts.PlaceholderGrace
}

func (e *SyncEngine) invalidateTenant(ctx context.Context, tenantID models.TenantID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateTenant(ctx, tenantID); err != nil {
		e.logger.Warn("Failed to invalidate cache",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Error(err),
		)
	}
}

// FullResync rebuilds the whole mirror from the usable tenants into a shadow
// and swaps it in. Incremental events wait until it returns. On failure the
// live mirror is untouched and the error wraps ErrFullResyncInterrupted.
func (e *SyncEngine) FullResync(ctx context.Context) (*ResyncStatus, error) {
	if !e.opts.Enabled {
		e.logger.Info("Aggregation disabled, skipping full resync")
		return nil, nil
	}

	e.gate.Lock()
	defer e.gate.Unlock()
	e.full.Store(true)
	defer e.full.Store(false)

	status := &ResyncStatus{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.With(zap.String("run_id", status.RunID))
	logger.Info("Starting full resync")

	err := e.rebuild(ctx, status)
	status.FinishedAt = time.Now().UTC()
	if err != nil {
		status.Error = err.Error()
		e.saveStatus(ctx, status)
		logger.Error("Full resync interrupted", zap.Error(err))
		return status, fmt.Errorf("%w: %w", ErrFullResyncInterrupted, err)
	}

	if e.cache != nil {
		if err := e.cache.InvalidateAll(ctx); err != nil {
			logger.Warn("Failed to invalidate cache after resync", zap.Error(err))
		}
	}
	e.saveStatus(ctx, status)

	logger.Info("Completed full resync",
		zap.Int("tenant_count", status.Tenants),
		zap.Int("post_count", status.Posts),
		zap.Int("comment_count", status.Comments),
		zap.Duration("duration", status.FinishedAt.Sub(status.StartedAt)),
	)
	return status, nil
}

func (e *SyncEngine) rebuild(ctx context.Context, status *ResyncStatus) error {
	build, err := e.store.BeginShadow(ctx)
	if err != nil {
		return err
	}

	if err := e.populate(ctx, build.Store(), status); err != nil {
		// ctx may already be cancelled; the shadow still has to go.
		if abortErr := build.Abort(context.Background()); abortErr != nil {
			e.logger.Error("Failed to abort shadow build", zap.Error(abortErr))
		}
		return err
	}

	if err := build.Commit(ctx); err != nil {
		if abortErr := build.Abort(context.Background()); abortErr != nil {
			e.logger.Error("Failed to abort shadow build", zap.Error(abortErr))
		}
		return err
	}
	return nil
}

func (e *SyncEngine) populate(ctx context.Context, shadow repository.MirrorStore, status *ResyncStatus) error {
	if err := shadow.ClearAll(ctx); err != nil {
		return err
	}

	tenantIDs, err := e.tenants.UsableTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list usable tenants: %w", err)
	}

	for _, tenantID := range tenantIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		postIDs, err := e.reader.ListPublicPostIDs(ctx, tenantID, e.opts.PostTypes)
		if err != nil {
			return fmt.Errorf("failed to list posts of tenant %d: %w", tenantID, err)
		}
		for _, postID := range postIDs {
			mirrored, err := e.syncPost(ctx, shadow, tenantID, postID)
			if err != nil {
				return err
			}
			if mirrored {
				status.Posts++
			}
		}

		commentIDs, err := e.reader.ListApprovedCommentIDs(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to list comments of tenant %d: %w", tenantID, err)
		}
		for _, commentID := range commentIDs {
			mirrored, err := e.syncComment(ctx, shadow, tenantID, commentID, "")
			if err != nil {
				return err
			}
			if mirrored {
				status.Comments++
			}
		}

		status.Tenants++
		e.logger.Debug("Resynced tenant",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Int("post_count", len(postIDs)),
			zap.Int("comment_count", len(commentIDs)),
		)
	}
	return nil
}

func (e *SyncEngine) saveStatus(ctx context.Context, status *ResyncStatus) {
	if e.statuses == nil {
		return
	}
	if err := e.statuses.SaveResyncStatus(ctx, status); err != nil {
		e.logger.Warn("Failed to save resync status", zap.Error(err))
	}
}

// CheckInvariants returns every tag whose usage_count disagrees with its
// live usage rows, and every tag left with no usages
func (e *SyncEngine) CheckInvariants(ctx context.Context) ([]InvariantViolation, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	counts, err := e.store.TagUsageCounts(ctx)
	if err != nil {
		return nil, transient(err)
	}

	var violations []InvariantViolation
	for _, c := range counts {
		if c.UsageCount != c.LiveUsages || c.UsageCount <= 0 {
			violations = append(violations, InvariantViolation{
				TagID:      c.TagID,
				Slug:       c.Slug,
				UsageCount: c.UsageCount,
				LiveUsages: c.LiveUsages,
			})
		}
	}
	return violations, nil
}
