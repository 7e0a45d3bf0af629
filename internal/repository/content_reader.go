package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sitewide-aggregator/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// undefinedTable is the PostgreSQL error code for a missing relation
const undefinedTable = "42P01"

// PostgresContentReader reads tenant content from the per-tenant tables
// tenant_<id>_posts, tenant_<id>_comments and tenant_<id>_post_tags, and
// account creation times from the global users table.
type PostgresContentReader struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresContentReader creates a content reader
func NewPostgresContentReader(db *sql.DB, logger *zap.Logger) *PostgresContentReader {
	return &PostgresContentReader{db: db, logger: logger}
}

func tenantTable(tenantID models.TenantID, kind string) string {
	return pq.QuoteIdentifier(fmt.Sprintf("tenant_%d_%s", tenantID, kind))
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == undefinedTable
}

// GetPost returns the post with its tags, or nil when the tenant has no such post
func (r *PostgresContentReader) GetPost(ctx context.Context, tenantID models.TenantID, postID int64) (*models.SourcePost, error) {
	query := fmt.Sprintf(`
		SELECT p.*, u.user_registered AS _author_registered
		FROM %s p
		LEFT JOIN users u ON u.id = p.post_author
		WHERE p.id = $1
	`, tenantTable(tenantID, "posts"))

	row, err := r.queryRowMap(ctx, query, postID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query post %d/%d: %w", tenantID, postID, err)
	}
	if row == nil {
		return nil, nil
	}

	post := &models.SourcePost{
		TenantID: tenantID,
		PostID:   asInt64(row["id"]),
		PostType: asString(row["post_type"]),
		Status:   asString(row["post_status"]),
		DateGMT:  asTime(row["post_date_gmt"]),
	}
	if t := asTime(row["_author_registered"]); !t.IsZero() {
		post.AuthorRegistered = &t
	}
	delete(row, "_author_registered")
	delete(row, "id")
	post.Fields = row

	tags, err := r.postTags(ctx, tenantID, postID)
	if err != nil {
		return nil, err
	}
	post.Tags = tags

	return post, nil
}

func (r *PostgresContentReader) postTags(ctx context.Context, tenantID models.TenantID, postID int64) ([]models.TagRef, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(json_agg(json_build_object('name', name, 'slug', slug) ORDER BY slug), '[]'::json)
		FROM %s
		WHERE post_id = $1
	`, tenantTable(tenantID, "post_tags"))

	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, postID).Scan(&raw); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query tags of post %d/%d: %w", tenantID, postID, err)
	}

	tags, err := ParseTagList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tags of post %d/%d: %w", tenantID, postID, err)
	}
	return tags, nil
}

// GetComment returns the comment, or nil when the tenant has no such comment
func (r *PostgresContentReader) GetComment(ctx context.Context, tenantID models.TenantID, commentID int64) (*models.SourceComment, error) {
	query := fmt.Sprintf(`
		SELECT c.*, u.user_registered AS _user_registered
		FROM %s c
		LEFT JOIN users u ON u.id = c.user_id AND c.user_id <> 0
		WHERE c.comment_id = $1
	`, tenantTable(tenantID, "comments"))

	row, err := r.queryRowMap(ctx, query, commentID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query comment %d/%d: %w", tenantID, commentID, err)
	}
	if row == nil {
		return nil, nil
	}

	comment := &models.SourceComment{
		TenantID:  tenantID,
		CommentID: asInt64(row["comment_id"]),
		PostID:    asInt64(row["comment_post_id"]),
		Approved:  asString(row["comment_approved"]),
		DateGMT:   asTime(row["comment_date_gmt"]),
		UserID:    asInt64(row["user_id"]),
	}
	if t := asTime(row["_user_registered"]); !t.IsZero() {
		comment.UserRegistered = &t
	}
	delete(row, "_user_registered")
	delete(row, "comment_id")
	comment.Fields = row

	return comment, nil
}

// ListPublicPostIDs returns the ids of published posts of the given types
func (r *PostgresContentReader) ListPublicPostIDs(ctx context.Context, tenantID models.TenantID, postTypes []string) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT id
		FROM %s
		WHERE post_status = $1
		  AND post_type = ANY($2)
		ORDER BY id
	`, tenantTable(tenantID, "posts"))

	ids, err := r.queryIDs(ctx, query, models.PostStatusPublish, pq.Array(postTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to list posts of tenant %d: %w", tenantID, err)
	}
	return ids, nil
}

// ListApprovedCommentIDs returns the ids of approved comments
func (r *PostgresContentReader) ListApprovedCommentIDs(ctx context.Context, tenantID models.TenantID) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT comment_id
		FROM %s
		WHERE comment_approved = $1
		ORDER BY comment_id
	`, tenantTable(tenantID, "comments"))

	ids, err := r.queryIDs(ctx, query, models.CommentApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of tenant %d: %w", tenantID, err)
	}
	return ids, nil
}

func (r *PostgresContentReader) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			r.logger.Debug("Tenant table missing, treating as empty", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// queryRowMap scans the first row into a column -> value map; nil when no row matches
func (r *PostgresContentReader) queryRowMap(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, rows.Err()
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = values[i]
		}
	}
	return row, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}
