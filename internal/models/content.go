package models

import (
	"strconv"
	"strings"
	"time"
)

// TenantID identifies an isolated content origin (one blog)
type TenantID int64

func (id TenantID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Tenant is one known content origin
type Tenant struct {
	TenantID TenantID
	Excluded bool
}

// Post statuses that matter to aggregation
const (
	PostStatusPublish = "publish"
)

// Comment approval states as stored in comment_approved
const (
	CommentApproved = "1"
	CommentPending  = "0"
	CommentSpam     = "spam"
	CommentTrash    = "trash"
)

// NormalizeCommentStatus maps the approval spellings used by events and
// admin tooling onto the stored comment_approved values. Unknown values are
// returned trimmed and lowercased, which never counts as approved.
func NormalizeCommentStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "1", "approved", "approve":
		return CommentApproved
	case "0", "unapproved", "hold":
		return CommentPending
	}
	return s
}

// TagRef is a tag as carried by a tenant post
type TagRef struct {
	Name string
	Slug string
}

// SourcePost is a post read from a tenant's own store.
//
// Fields holds every column of the tenant row keyed by column name; only
// the columns the mirror also knows are copied.
type SourcePost struct {
	TenantID         TenantID
	PostID           int64
	PostType         string
	Status           string
	DateGMT          time.Time
	AuthorRegistered *time.Time // nil when the author is unknown
	Fields           map[string]any
	Tags             []TagRef
}

// IsPublic reports whether the post is publicly visible on its tenant
func (p *SourcePost) IsPublic() bool {
	return p.Status == PostStatusPublish
}

// SourceComment is a comment read from a tenant's own store
type SourceComment struct {
	TenantID       TenantID
	CommentID      int64
	PostID         int64
	Approved       string
	DateGMT        time.Time
	UserID         int64
	UserRegistered *time.Time
	Fields         map[string]any
}

// IsApproved reports whether the comment is approved
func (c *SourceComment) IsApproved() bool {
	return c.Approved == CommentApproved
}
