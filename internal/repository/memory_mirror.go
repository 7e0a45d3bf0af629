package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sitewide-aggregator/internal/models"

	"go.uber.org/zap"
)

// MemoryMirrorStore keeps the mirror in process memory. Tests and services
// wired from injected components use it in place of Postgres.
type MemoryMirrorStore struct {
	mu     sync.Mutex
	state  *memState
	logger *zap.Logger
}

var _ MirrorStore = (*MemoryMirrorStore)(nil)

type contentKey struct {
	tenantID models.TenantID
	sourceID int64
}

type usageKey struct {
	tenantID     models.TenantID
	sourcePostID int64
	tagID        int64
}

type memState struct {
	nextPostID    int64
	nextCommentID int64
	nextTagID     int64
	nextUsageID   int64

	posts      map[contentKey]*models.MirrorPost
	comments   map[contentKey]*models.MirrorComment
	tags       map[int64]*models.Tag
	tagsBySlug map[string]int64
	usages     map[usageKey]models.TagUsage
}

func newMemState() *memState {
	return &memState{
		posts:      map[contentKey]*models.MirrorPost{},
		comments:   map[contentKey]*models.MirrorComment{},
		tags:       map[int64]*models.Tag{},
		tagsBySlug: map[string]int64{},
		usages:     map[usageKey]models.TagUsage{},
	}
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memState) clone() *memState {
	c := newMemState()
	c.nextPostID, c.nextCommentID, c.nextTagID, c.nextUsageID = m.nextPostID, m.nextCommentID, m.nextTagID, m.nextUsageID
	for k, p := range m.posts {
		cp := *p
		cp.Fields = copyFields(p.Fields)
		c.posts[k] = &cp
	}
	for k, cm := range m.comments {
		cp := *cm
		cp.Fields = copyFields(cm.Fields)
		c.comments[k] = &cp
	}
	for id, t := range m.tags {
		cp := *t
		c.tags[id] = &cp
	}
	for slug, id := range m.tagsBySlug {
		c.tagsBySlug[slug] = id
	}
	for k, u := range m.usages {
		c.usages[k] = u
	}
	return c
}

// NewMemoryMirrorStore creates an empty in-memory mirror
func NewMemoryMirrorStore(logger *zap.Logger) *MemoryMirrorStore {
	return &MemoryMirrorStore{state: newMemState(), logger: logger}
}

func (s *MemoryMirrorStore) view() *memView {
	return &memView{state: s.state, logger: s.logger}
}

func (s *MemoryMirrorStore) UpsertPost(ctx context.Context, tenantID models.TenantID, post *models.SourcePost) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertPost(ctx, tenantID, post)
}

func (s *MemoryMirrorStore) DeletePost(ctx context.Context, tenantID models.TenantID, sourcePostID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeletePost(ctx, tenantID, sourcePostID)
}

func (s *MemoryMirrorStore) UpsertComment(ctx context.Context, tenantID models.TenantID, comment *models.SourceComment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertComment(ctx, tenantID, comment)
}

func (s *MemoryMirrorStore) DeleteComment(ctx context.Context, tenantID models.TenantID, sourceCommentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteComment(ctx, tenantID, sourceCommentID)
}

func (s *MemoryMirrorStore) GetTagBySlug(ctx context.Context, slug string) (*models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetTagBySlug(ctx, slug)
}

func (s *MemoryMirrorStore) CreateTag(ctx context.Context, name, slug string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateTag(ctx, name, slug)
}

func (s *MemoryMirrorStore) RenameTag(ctx context.Context, tagID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RenameTag(ctx, tagID, name)
}

func (s *MemoryMirrorStore) FirstTagUsage(ctx context.Context, tagID int64) (*models.TagUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FirstTagUsage(ctx, tagID)
}

func (s *MemoryMirrorStore) AdjustTagUsageCount(ctx context.Context, tagID int64, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().AdjustTagUsageCount(ctx, tagID, delta)
}

func (s *MemoryMirrorStore) DeleteTagIfUnused(ctx context.Context, tagID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteTagIfUnused(ctx, tagID)
}

func (s *MemoryMirrorStore) AddTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().AddTagUsage(ctx, tagID, tenantID, sourcePostID)
}

func (s *MemoryMirrorStore) RemoveTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RemoveTagUsage(ctx, tagID, tenantID, sourcePostID)
}

func (s *MemoryMirrorStore) PostTagSlugs(ctx context.Context, tenantID models.TenantID, sourcePostID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().PostTagSlugs(ctx, tenantID, sourcePostID)
}

func (s *MemoryMirrorStore) TagUsageCounts(ctx context.Context) ([]TagCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().TagUsageCounts(ctx)
}

func (s *MemoryMirrorStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ClearAll(ctx)
}

// InTx runs fn under the store lock and restores the prior state if fn fails
func (s *MemoryMirrorStore) InTx(_ context.Context, fn func(MirrorStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(s.view()); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// BeginShadow builds into a separate in-memory mirror
func (s *MemoryMirrorStore) BeginShadow(_ context.Context) (ShadowBuild, error) {
	return &memoryShadow{live: s, store: NewMemoryMirrorStore(s.logger)}, nil
}

type memoryShadow struct {
	live  *MemoryMirrorStore
	store *MemoryMirrorStore
}

func (b *memoryShadow) Store() MirrorStore {
	return b.store
}

func (b *memoryShadow) Commit(_ context.Context) error {
	b.store.mu.Lock()
	state := b.store.state
	b.store.state = newMemState()
	b.store.mu.Unlock()

	b.live.mu.Lock()
	b.live.state = state
	b.live.mu.Unlock()
	return nil
}

func (b *memoryShadow) Abort(_ context.Context) error {
	b.store.mu.Lock()
	b.store.state = newMemState()
	b.store.mu.Unlock()
	return nil
}

// Posts returns the mirrored posts ordered by (tenant, source id)
func (s *MemoryMirrorStore) Posts() []models.MirrorPost {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.MirrorPost, 0, len(s.state.posts))
	for _, p := range s.state.posts {
		cp := *p
		cp.Fields = copyFields(p.Fields)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].SourcePostID < out[j].SourcePostID
	})
	return out
}

// Comments returns the mirrored comments ordered by (tenant, source id)
func (s *MemoryMirrorStore) Comments() []models.MirrorComment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.MirrorComment, 0, len(s.state.comments))
	for _, c := range s.state.comments {
		cp := *c
		cp.Fields = copyFields(c.Fields)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].SourceCommentID < out[j].SourceCommentID
	})
	return out
}

// Tags returns every tag ordered by slug
func (s *MemoryMirrorStore) Tags() []models.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Tag, 0, len(s.state.tags))
	for _, t := range s.state.tags {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// TagUsages returns every usage row ordered by (tenant, post, tag)
func (s *MemoryMirrorStore) TagUsages() []models.TagUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TagUsage, 0, len(s.state.usages))
	for _, u := range s.state.usages {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.SourcePostID != b.SourcePostID {
			return a.SourcePostID < b.SourcePostID
		}
		return a.TagID < b.TagID
	})
	return out
}

// memView operates on a state without locking; the owner holds the lock
type memView struct {
	state  *memState
	logger *zap.Logger
}

func (v *memView) UpsertPost(_ context.Context, tenantID models.TenantID, post *models.SourcePost) (int64, error) {
	shared, missing := sharedColumns(post.Fields, PostColumns)
	if len(missing) > 0 {
		v.logger.Warn("Tenant post schema drift, copying shared columns only",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Int64("source_post_id", post.PostID),
			zap.Strings("missing_columns", missing),
		)
	}

	key := contentKey{tenantID, post.PostID}
	row, ok := v.state.posts[key]
	if !ok {
		v.state.nextPostID++
		row = &models.MirrorPost{
			ID:           v.state.nextPostID,
			TenantID:     tenantID,
			SourcePostID: post.PostID,
			Fields:       map[string]any{},
		}
		v.state.posts[key] = row
	}
	for _, col := range shared {
		row.Fields[col] = post.Fields[col]
	}
	return row.ID, nil
}

func (v *memView) DeletePost(_ context.Context, tenantID models.TenantID, sourcePostID int64) error {
	delete(v.state.posts, contentKey{tenantID, sourcePostID})
	return nil
}

func (v *memView) UpsertComment(_ context.Context, tenantID models.TenantID, comment *models.SourceComment) (int64, error) {
	shared, missing := sharedColumns(comment.Fields, CommentColumns)
	if len(missing) > 0 {
		v.logger.Warn("Tenant comment schema drift, copying shared columns only",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Int64("source_comment_id", comment.CommentID),
			zap.Strings("missing_columns", missing),
		)
	}

	key := contentKey{tenantID, comment.CommentID}
	row, ok := v.state.comments[key]
	if !ok {
		v.state.nextCommentID++
		row = &models.MirrorComment{
			ID:              v.state.nextCommentID,
			TenantID:        tenantID,
			SourceCommentID: comment.CommentID,
			Fields:          map[string]any{},
		}
		v.state.comments[key] = row
	}
	for _, col := range shared {
		row.Fields[col] = comment.Fields[col]
	}
	return row.ID, nil
}

func (v *memView) DeleteComment(_ context.Context, tenantID models.TenantID, sourceCommentID int64) error {
	delete(v.state.comments, contentKey{tenantID, sourceCommentID})
	return nil
}

func (v *memView) GetTagBySlug(_ context.Context, slug string) (*models.Tag, error) {
	id, ok := v.state.tagsBySlug[slug]
	if !ok {
		return nil, nil
	}
	tag := *v.state.tags[id]
	return &tag, nil
}

func (v *memView) CreateTag(_ context.Context, name, slug string) (int64, error) {
	if id, ok := v.state.tagsBySlug[slug]; ok {
		return id, nil
	}
	v.state.nextTagID++
	id := v.state.nextTagID
	v.state.tags[id] = &models.Tag{TagID: id, Name: name, Slug: slug}
	v.state.tagsBySlug[slug] = id
	return id, nil
}

func (v *memView) RenameTag(_ context.Context, tagID int64, name string) error {
	tag, ok := v.state.tags[tagID]
	if !ok {
		return fmt.Errorf("failed to rename tag: tag %d not found", tagID)
	}
	tag.Name = name
	return nil
}

func (v *memView) FirstTagUsage(_ context.Context, tagID int64) (*models.TagUsage, error) {
	var first *models.TagUsage
	for key, u := range v.state.usages {
		if key.tagID != tagID {
			continue
		}
		if first == nil || u.TenantID < first.TenantID ||
			(u.TenantID == first.TenantID && u.SourcePostID < first.SourcePostID) {
			u := u
			first = &u
		}
	}
	return first, nil
}

func (v *memView) AdjustTagUsageCount(_ context.Context, tagID int64, delta int) error {
	tag, ok := v.state.tags[tagID]
	if !ok {
		return fmt.Errorf("failed to adjust usage count: tag %d not found", tagID)
	}
	if tag.UsageCount+delta < 0 {
		return fmt.Errorf("failed to adjust usage count of tag %d: count would become negative", tagID)
	}
	tag.UsageCount += delta
	return nil
}

func (v *memView) DeleteTagIfUnused(_ context.Context, tagID int64) (bool, error) {
	tag, ok := v.state.tags[tagID]
	if !ok || tag.UsageCount > 0 {
		return false, nil
	}
	delete(v.state.tags, tagID)
	delete(v.state.tagsBySlug, tag.Slug)
	return true, nil
}

func (v *memView) AddTagUsage(_ context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	key := usageKey{tenantID, sourcePostID, tagID}
	if _, ok := v.state.usages[key]; ok {
		return false, nil
	}
	v.state.nextUsageID++
	v.state.usages[key] = models.TagUsage{
		UsageID:      v.state.nextUsageID,
		SourcePostID: sourcePostID,
		TagID:        tagID,
		TenantID:     tenantID,
	}
	return true, nil
}

func (v *memView) RemoveTagUsage(_ context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	key := usageKey{tenantID, sourcePostID, tagID}
	if _, ok := v.state.usages[key]; !ok {
		return false, nil
	}
	delete(v.state.usages, key)
	return true, nil
}

func (v *memView) PostTagSlugs(_ context.Context, tenantID models.TenantID, sourcePostID int64) ([]string, error) {
	var slugs []string
	for key := range v.state.usages {
		if key.tenantID != tenantID || key.sourcePostID != sourcePostID {
			continue
		}
		if tag, ok := v.state.tags[key.tagID]; ok {
			slugs = append(slugs, tag.Slug)
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

func (v *memView) TagUsageCounts(_ context.Context) ([]TagCount, error) {
	live := make(map[int64]int, len(v.state.tags))
	for key := range v.state.usages {
		live[key.tagID]++
	}
	counts := make([]TagCount, 0, len(v.state.tags))
	for id, tag := range v.state.tags {
		counts = append(counts, TagCount{
			TagID:      id,
			Slug:       tag.Slug,
			UsageCount: tag.UsageCount,
			LiveUsages: live[id],
		})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Slug < counts[j].Slug })
	return counts, nil
}

func (v *memView) ClearAll(_ context.Context) error {
	*v.state = *newMemState()
	return nil
}

func (v *memView) InTx(_ context.Context, fn func(MirrorStore) error) error {
	return fn(v)
}

func (v *memView) BeginShadow(_ context.Context) (ShadowBuild, error) {
	return nil, fmt.Errorf("failed to begin shadow build: store is inside a transaction")
}
