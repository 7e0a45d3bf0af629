package repository

import (
	"context"
	"errors"
	"testing"

	"sitewide-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryMirror_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	post := &models.SourcePost{PostID: 10, Fields: map[string]any{"post_title": "A", "unknown": 1}}
	id1, err := store.UpsertPost(ctx, 1, post)
	require.NoError(t, err)

	post.Fields["post_title"] = "B"
	id2, err := store.UpsertPost(ctx, 1, post)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	posts := store.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, map[string]any{"post_title": "B"}, posts[0].Fields)

	require.NoError(t, store.DeletePost(ctx, 1, 10))
	require.NoError(t, store.DeletePost(ctx, 1, 10))
	assert.Empty(t, store.Posts())
}

func TestMemoryMirror_Comments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	_, err := store.UpsertComment(ctx, 2, &models.SourceComment{CommentID: 4, Fields: map[string]any{"comment_content": "hi"}})
	require.NoError(t, err)
	_, err = store.UpsertComment(ctx, 1, &models.SourceComment{CommentID: 9, Fields: map[string]any{}})
	require.NoError(t, err)

	comments := store.Comments()
	require.Len(t, comments, 2)
	assert.Equal(t, models.TenantID(1), comments[0].TenantID)
	assert.Equal(t, "hi", comments[1].Fields["comment_content"])

	require.NoError(t, store.DeleteComment(ctx, 2, 4))
	assert.Len(t, store.Comments(), 1)
}

func TestMemoryMirror_TagLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	tagID, err := store.CreateTag(ctx, "Go", "go")
	require.NoError(t, err)
	again, err := store.CreateTag(ctx, "GO", "go")
	require.NoError(t, err)
	assert.Equal(t, tagID, again)

	added, err := store.AddTagUsage(ctx, tagID, 1, 10)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AddTagUsage(ctx, tagID, 1, 10)
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, store.AdjustTagUsageCount(ctx, tagID, 1))

	deleted, err := store.DeleteTagIfUnused(ctx, tagID)
	require.NoError(t, err)
	assert.False(t, deleted)

	slugs, err := store.PostTagSlugs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, slugs)

	counts, err := store.TagUsageCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TagCount{{TagID: tagID, Slug: "go", UsageCount: 1, LiveUsages: 1}}, counts)

	removed, err := store.RemoveTagUsage(ctx, tagID, 1, 10)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, store.AdjustTagUsageCount(ctx, tagID, -1))

	assert.Error(t, store.AdjustTagUsageCount(ctx, tagID, -1))

	deleted, err = store.DeleteTagIfUnused(ctx, tagID)
	require.NoError(t, err)
	assert.True(t, deleted)

	tag, err := store.GetTagBySlug(ctx, "go")
	require.NoError(t, err)
	assert.Nil(t, tag)
	assert.Error(t, store.AdjustTagUsageCount(ctx, tagID, 1))
}

func TestMemoryMirror_FirstTagUsageAndRename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	id, err := store.CreateTag(ctx, "Go (lang)", "go")
	require.NoError(t, err)

	usage, err := store.FirstTagUsage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, usage)

	for _, u := range []struct {
		tenant models.TenantID
		post   int64
	}{{2, 1}, {1, 7}, {1, 3}} {
		_, err := store.AddTagUsage(ctx, id, u.tenant, u.post)
		require.NoError(t, err)
	}

	usage, err = store.FirstTagUsage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, models.TenantID(1), usage.TenantID)
	assert.Equal(t, int64(3), usage.SourcePostID)

	require.NoError(t, store.RenameTag(ctx, id, "GoLang"))
	tag, err := store.GetTagBySlug(ctx, "go")
	require.NoError(t, err)
	assert.Equal(t, "GoLang", tag.Name)

	assert.Error(t, store.RenameTag(ctx, id+100, "x"))
}

func TestMemoryMirror_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	err := store.InTx(ctx, func(tx MirrorStore) error {
		if _, err := tx.CreateTag(ctx, "Go", "go"); err != nil {
			return err
		}
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Empty(t, store.Tags())

	err = store.InTx(ctx, func(tx MirrorStore) error {
		_, err := tx.CreateTag(ctx, "Go", "go")
		return err
	})
	require.NoError(t, err)
	assert.Len(t, store.Tags(), 1)
}

func TestMemoryMirror_ShadowSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	_, err := store.UpsertPost(ctx, 1, &models.SourcePost{PostID: 1, Fields: map[string]any{}})
	require.NoError(t, err)

	build, err := store.BeginShadow(ctx)
	require.NoError(t, err)
	_, err = build.Store().UpsertPost(ctx, 2, &models.SourcePost{PostID: 5, Fields: map[string]any{}})
	require.NoError(t, err)

	// Live content is untouched until commit.
	require.Len(t, store.Posts(), 1)
	assert.Equal(t, models.TenantID(1), store.Posts()[0].TenantID)

	require.NoError(t, build.Commit(ctx))
	posts := store.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, models.TenantID(2), posts[0].TenantID)
}

func TestMemoryMirror_ShadowAbort(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	_, err := store.UpsertPost(ctx, 1, &models.SourcePost{PostID: 1, Fields: map[string]any{}})
	require.NoError(t, err)

	build, err := store.BeginShadow(ctx)
	require.NoError(t, err)
	require.NoError(t, build.Store().ClearAll(ctx))
	require.NoError(t, build.Abort(ctx))

	assert.Len(t, store.Posts(), 1)
}

func TestMemoryMirror_BeginShadowInsideTx(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMirrorStore(zap.NewNop())

	err := store.InTx(ctx, func(tx MirrorStore) error {
		_, err := tx.BeginShadow(ctx)
		return err
	})
	assert.Error(t, err)
}
