package models

// MirrorPost is the sitewide copy of one tenant post
type MirrorPost struct {
	ID           int64
	TenantID     TenantID
	SourcePostID int64
	Fields       map[string]any
}

// MirrorComment is the sitewide copy of one approved tenant comment
type MirrorComment struct {
	ID              int64
	TenantID        TenantID
	SourceCommentID int64
	Fields          map[string]any
}

// Tag is a sitewide deduplicated tag. UsageCount equals the number of live
// TagUsage rows referencing it; tags with no usages are deleted.
type Tag struct {
	TagID      int64  `json:"tag_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	UsageCount int    `json:"usage_count"`
}

// TagUsage records that a mirrored post currently carries a tag
type TagUsage struct {
	UsageID      int64    `json:"usage_id"`
	SourcePostID int64    `json:"source_post_id"`
	TagID        int64    `json:"tag_id"`
	TenantID     TenantID `json:"tenant_id"`
}
