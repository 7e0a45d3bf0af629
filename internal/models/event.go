package models

import "fmt"

// EventType names a content change
type EventType string

const (
	EventPostChanged    EventType = "post_changed"
	EventPostDeleted    EventType = "post_deleted"
	EventCommentChanged EventType = "comment_changed"
	EventFullResync     EventType = "full_resync"
)

// Event is a content change delivered by the host system.
//
// PostChanged and PostDeleted carry SourcePostID; CommentChanged carries
// SourceCommentID and optionally Status (re-read from the tenant when empty).
type Event struct {
	Type            EventType `json:"event_type"`
	TenantID        TenantID  `json:"tenant_id,omitempty"`
	SourcePostID    int64     `json:"source_post_id,omitempty"`
	SourceCommentID int64     `json:"source_comment_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       int64     `json:"timestamp,omitempty"`
}

// Validate checks that the payload carries what its type needs
func (e Event) Validate() error {
	switch e.Type {
	case EventPostChanged, EventPostDeleted:
		if e.TenantID == 0 || e.SourcePostID == 0 {
			return fmt.Errorf("invalid %s event: tenant_id and source_post_id are required", e.Type)
		}
	case EventCommentChanged:
		if e.TenantID == 0 || e.SourceCommentID == 0 {
			return fmt.Errorf("invalid %s event: tenant_id and source_comment_id are required", e.Type)
		}
	case EventFullResync:
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	return nil
}

// Key returns the ordering key of the event: events with the same key must
// be applied in arrival order.
func (e Event) Key() string {
	switch e.Type {
	case EventPostChanged, EventPostDeleted:
		return fmt.Sprintf("post:%d:%d", e.TenantID, e.SourcePostID)
	case EventCommentChanged:
		return fmt.Sprintf("comment:%d:%d", e.TenantID, e.SourceCommentID)
	default:
		return string(e.Type)
	}
}
