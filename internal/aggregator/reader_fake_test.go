package aggregator_test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sitewide-aggregator/internal/models"
)

// fakeTenantContent is an in-memory ContentReader over several tenants
type fakeTenantContent struct {
	mu       sync.Mutex
	posts    map[models.TenantID]map[int64]*models.SourcePost
	comments map[models.TenantID]map[int64]*models.SourceComment

	postErr  error
	listErr  error
	listHook func(models.TenantID)
}

func newFakeTenantContent() *fakeTenantContent {
	return &fakeTenantContent{
		posts:    make(map[models.TenantID]map[int64]*models.SourcePost),
		comments: make(map[models.TenantID]map[int64]*models.SourceComment),
	}
}

func (f *fakeTenantContent) putPost(tenantID models.TenantID, postID int64, status, title string, slugs ...string) *models.SourcePost {
	f.mu.Lock()
	defer f.mu.Unlock()

	refs := make([]models.TagRef, 0, len(slugs))
	for _, s := range slugs {
		// Names differ per tenant so convergence covers the tag naming rule.
		refs = append(refs, models.TagRef{Name: fmt.Sprintf("%s@%d", s, tenantID), Slug: s})
	}
	post := &models.SourcePost{
		TenantID: tenantID,
		PostID:   postID,
		PostType: "post",
		Status:   status,
		Fields: map[string]any{
			"post_title":  title,
			"post_status": status,
			"post_type":   "post",
		},
		Tags: refs,
	}
	if f.posts[tenantID] == nil {
		f.posts[tenantID] = make(map[int64]*models.SourcePost)
	}
	f.posts[tenantID][postID] = post
	return post
}

// putPostTags stores a post carrying exactly refs
func (f *fakeTenantContent) putPostTags(tenantID models.TenantID, postID int64, refs ...models.TagRef) {
	post := f.putPost(tenantID, postID, models.PostStatusPublish, "tagged")
	f.mu.Lock()
	defer f.mu.Unlock()
	post.Tags = refs
}

func (f *fakeTenantContent) removePost(tenantID models.TenantID, postID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts[tenantID], postID)
}

func (f *fakeTenantContent) putComment(tenantID models.TenantID, commentID, postID int64, approved, content string) *models.SourceComment {
	f.mu.Lock()
	defer f.mu.Unlock()

	comment := &models.SourceComment{
		TenantID:  tenantID,
		CommentID: commentID,
		PostID:    postID,
		Approved:  approved,
		Fields: map[string]any{
			"comment_post_id":  postID,
			"comment_content":  content,
			"comment_approved": approved,
		},
	}
	if f.comments[tenantID] == nil {
		f.comments[tenantID] = make(map[int64]*models.SourceComment)
	}
	f.comments[tenantID][commentID] = comment
	return comment
}

func (f *fakeTenantContent) GetPost(_ context.Context, tenantID models.TenantID, postID int64) (*models.SourcePost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.postErr != nil {
		return nil, f.postErr
	}
	p, ok := f.posts[tenantID][postID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Fields = copyMap(p.Fields)
	cp.Tags = append([]models.TagRef(nil), p.Tags...)
	return &cp, nil
}

func (f *fakeTenantContent) GetComment(_ context.Context, tenantID models.TenantID, commentID int64) (*models.SourceComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.comments[tenantID][commentID]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Fields = copyMap(c.Fields)
	return &cp, nil
}

func (f *fakeTenantContent) ListPublicPostIDs(_ context.Context, tenantID models.TenantID, postTypes []string) ([]int64, error) {
	if f.listHook != nil {
		f.listHook(tenantID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	types := make(map[string]bool, len(postTypes))
	for _, t := range postTypes {
		types[t] = true
	}
	var ids []int64
	for id, p := range f.posts[tenantID] {
		if p.IsPublic() && types[p.PostType] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeTenantContent) ListApprovedCommentIDs(_ context.Context, tenantID models.TenantID) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []int64
	for id, c := range f.comments[tenantID] {
		if c.IsApproved() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
