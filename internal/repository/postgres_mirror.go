package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sitewide-aggregator/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// dbtx is satisfied by *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tableSet struct {
	posts    string
	comments string
	tags     string
	usage    string
}

var liveTables = tableSet{
	posts:    PostsTable,
	comments: CommentsTable,
	tags:     TagsTable,
	usage:    UsageTable,
}

func (t tableSet) shadow() tableSet {
	return tableSet{
		posts:    t.posts + shadowSuffix,
		comments: t.comments + shadowSuffix,
		tags:     t.tags + shadowSuffix,
		usage:    t.usage + shadowSuffix,
	}
}

func (t tableSet) all() []string {
	return []string{t.posts, t.comments, t.tags, t.usage}
}

// PostgresMirrorStore is the MirrorStore backed by PostgreSQL
type PostgresMirrorStore struct {
	db     *sql.DB
	exec   dbtx
	inTx   bool
	tables tableSet
	logger *zap.Logger
}

var _ MirrorStore = (*PostgresMirrorStore)(nil)

// NewPostgresMirrorStore creates a store over the live mirror tables
func NewPostgresMirrorStore(db *sql.DB, logger *zap.Logger) *PostgresMirrorStore {
	return &PostgresMirrorStore{
		db:     db,
		exec:   db,
		tables: liveTables,
		logger: logger,
	}
}

func (s *PostgresMirrorStore) withTables(tables tableSet) *PostgresMirrorStore {
	clone := *s
	clone.tables = tables
	return &clone
}

func q(name string) string {
	return pq.QuoteIdentifier(name)
}

// UpsertPost copies the columns known to both the tenant row and the mirror
func (s *PostgresMirrorStore) UpsertPost(ctx context.Context, tenantID models.TenantID, post *models.SourcePost) (int64, error) {
	shared, missing := sharedColumns(post.Fields, PostColumns)
	if len(missing) > 0 {
		s.logger.Warn("Tenant post schema drift, copying shared columns only",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Int64("source_post_id", post.PostID),
			zap.Strings("missing_columns", missing),
		)
	}

	id, err := s.upsertRow(ctx, s.tables.posts, "source_post_id", int64(tenantID), post.PostID, shared, post.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert post %d/%d: %w", tenantID, post.PostID, err)
	}
	return id, nil
}

// DeletePost removes the post row; absent rows are not an error
func (s *PostgresMirrorStore) DeletePost(ctx context.Context, tenantID models.TenantID, sourcePostID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND source_post_id = $2`, q(s.tables.posts))
	if _, err := s.exec.ExecContext(ctx, query, int64(tenantID), sourcePostID); err != nil {
		return fmt.Errorf("failed to delete post %d/%d: %w", tenantID, sourcePostID, err)
	}
	return nil
}

// UpsertComment copies the columns known to both the tenant row and the mirror
func (s *PostgresMirrorStore) UpsertComment(ctx context.Context, tenantID models.TenantID, comment *models.SourceComment) (int64, error) {
	shared, missing := sharedColumns(comment.Fields, CommentColumns)
	if len(missing) > 0 {
		s.logger.Warn("Tenant comment schema drift, copying shared columns only",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Int64("source_comment_id", comment.CommentID),
			zap.Strings("missing_columns", missing),
		)
	}

	id, err := s.upsertRow(ctx, s.tables.comments, "source_comment_id", int64(tenantID), comment.CommentID, shared, comment.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert comment %d/%d: %w", tenantID, comment.CommentID, err)
	}
	return id, nil
}

// DeleteComment removes the comment row; absent rows are not an error
func (s *PostgresMirrorStore) DeleteComment(ctx context.Context, tenantID models.TenantID, sourceCommentID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND source_comment_id = $2`, q(s.tables.comments))
	if _, err := s.exec.ExecContext(ctx, query, int64(tenantID), sourceCommentID); err != nil {
		return fmt.Errorf("failed to delete comment %d/%d: %w", tenantID, sourceCommentID, err)
	}
	return nil
}

// upsertRow builds INSERT ... ON CONFLICT (tenant_id, keyCol) DO UPDATE over cols
func (s *PostgresMirrorStore) upsertRow(
	ctx context.Context,
	table, keyCol string,
	tenantID, sourceID int64,
	cols []string,
	fields map[string]any,
) (int64, error) {
	names := []string{"tenant_id", q(keyCol)}
	placeholders := []string{"$1", "$2"}
	args := []any{tenantID, sourceID}
	updates := make([]string, 0, len(cols))

	for i, col := range cols {
		names = append(names, q(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
		args = append(args, fields[col])
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q(col), q(col)))
	}
	if len(updates) == 0 {
		// Keeps RETURNING working when nothing but the key is shared.
		updates = append(updates, "tenant_id = EXCLUDED.tenant_id")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (tenant_id, %s) DO UPDATE SET %s
		RETURNING id
	`, q(table), strings.Join(names, ", "), strings.Join(placeholders, ", "), q(keyCol), strings.Join(updates, ", "))

	var id int64
	if err := s.exec.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetTagBySlug returns nil, nil when the slug is unknown
func (s *PostgresMirrorStore) GetTagBySlug(ctx context.Context, slug string) (*models.Tag, error) {
	query := fmt.Sprintf(`
		SELECT tag_id, name, slug, usage_count
		FROM %s
		WHERE slug = $1
	`, q(s.tables.tags))

	var tag models.Tag
	err := s.exec.QueryRowContext(ctx, query, slug).Scan(&tag.TagID, &tag.Name, &tag.Slug, &tag.UsageCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query tag %q: %w", slug, err)
	}
	return &tag, nil
}

// CreateTag inserts a tag with usage_count 0. A concurrent insert of the
// same slug resolves to the existing row.
func (s *PostgresMirrorStore) CreateTag(ctx context.Context, name, slug string) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, slug, usage_count)
		VALUES ($1, $2, 0)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING tag_id
	`, q(s.tables.tags))

	var tagID int64
	if err := s.exec.QueryRowContext(ctx, query, name, slug).Scan(&tagID); err != nil {
		return 0, fmt.Errorf("failed to create tag %q: %w", slug, err)
	}
	return tagID, nil
}

// RenameTag sets the display name of a tag
func (s *PostgresMirrorStore) RenameTag(ctx context.Context, tagID int64, name string) error {
	query := fmt.Sprintf(`UPDATE %s SET name = $2 WHERE tag_id = $1`, q(s.tables.tags))

	res, err := s.exec.ExecContext(ctx, query, tagID, name)
	if err != nil {
		return fmt.Errorf("failed to rename tag %d: %w", tagID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to rename tag: tag %d not found", tagID)
	}
	return nil
}

// FirstTagUsage returns nil, nil when the tag has no usages
func (s *PostgresMirrorStore) FirstTagUsage(ctx context.Context, tagID int64) (*models.TagUsage, error) {
	query := fmt.Sprintf(`
		SELECT usage_id, source_post_id, tag_id, tenant_id
		FROM %s
		WHERE tag_id = $1
		ORDER BY tenant_id, source_post_id
		LIMIT 1
	`, q(s.tables.usage))

	var (
		usage    models.TagUsage
		tenantID int64
	)
	err := s.exec.QueryRowContext(ctx, query, tagID).Scan(&usage.UsageID, &usage.SourcePostID, &usage.TagID, &tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query first usage of tag %d: %w", tagID, err)
	}
	usage.TenantID = models.TenantID(tenantID)
	return &usage, nil
}

// AdjustTagUsageCount adds delta to the tag's usage_count
func (s *PostgresMirrorStore) AdjustTagUsageCount(ctx context.Context, tagID int64, delta int) error {
	query := fmt.Sprintf(`UPDATE %s SET usage_count = usage_count + $2 WHERE tag_id = $1`, q(s.tables.tags))

	res, err := s.exec.ExecContext(ctx, query, tagID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust usage count of tag %d: %w", tagID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to adjust usage count: tag %d not found", tagID)
	}
	return nil
}

// DeleteTagIfUnused deletes the tag when usage_count has reached zero
func (s *PostgresMirrorStore) DeleteTagIfUnused(ctx context.Context, tagID int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tag_id = $1 AND usage_count <= 0`, q(s.tables.tags))

	res, err := s.exec.ExecContext(ctx, query, tagID)
	if err != nil {
		return false, fmt.Errorf("failed to delete tag %d: %w", tagID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete tag %d: %w", tagID, err)
	}
	return n > 0, nil
}

// AddTagUsage records that the post carries the tag
func (s *PostgresMirrorStore) AddTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (source_post_id, tag_id, tenant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_post_id, tenant_id, tag_id) DO NOTHING
	`, q(s.tables.usage))

	res, err := s.exec.ExecContext(ctx, query, sourcePostID, tagID, int64(tenantID))
	if err != nil {
		return false, fmt.Errorf("failed to add tag usage %d on %d/%d: %w", tagID, tenantID, sourcePostID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to add tag usage: %w", err)
	}
	return n > 0, nil
}

// RemoveTagUsage deletes the usage row of the post and tag
func (s *PostgresMirrorStore) RemoveTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE source_post_id = $1 AND tenant_id = $2 AND tag_id = $3
	`, q(s.tables.usage))

	res, err := s.exec.ExecContext(ctx, query, sourcePostID, int64(tenantID), tagID)
	if err != nil {
		return false, fmt.Errorf("failed to remove tag usage %d on %d/%d: %w", tagID, tenantID, sourcePostID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove tag usage: %w", err)
	}
	return n > 0, nil
}

// PostTagSlugs returns the mirrored tag slugs of a post, sorted
func (s *PostgresMirrorStore) PostTagSlugs(ctx context.Context, tenantID models.TenantID, sourcePostID int64) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT t.slug
		FROM %s u
		INNER JOIN %s t ON t.tag_id = u.tag_id
		WHERE u.tenant_id = $1
		  AND u.source_post_id = $2
		ORDER BY t.slug
	`, q(s.tables.usage), q(s.tables.tags))

	rows, err := s.exec.QueryContext(ctx, query, int64(tenantID), sourcePostID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag usages of %d/%d: %w", tenantID, sourcePostID, err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan tag slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// TagUsageCounts returns usage_count and the live usage row count per tag
func (s *PostgresMirrorStore) TagUsageCounts(ctx context.Context) ([]TagCount, error) {
	query := fmt.Sprintf(`
		SELECT t.tag_id, t.slug, t.usage_count, COUNT(u.usage_id)::int
		FROM %s t
		LEFT JOIN %s u ON u.tag_id = t.tag_id
		GROUP BY t.tag_id, t.slug, t.usage_count
		ORDER BY t.slug
	`, q(s.tables.tags), q(s.tables.usage))

	rows, err := s.exec.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag usage counts: %w", err)
	}
	defer rows.Close()

	var counts []TagCount
	for rows.Next() {
		var c TagCount
		if err := rows.Scan(&c.TagID, &c.Slug, &c.UsageCount, &c.LiveUsages); err != nil {
			return nil, fmt.Errorf("failed to scan tag usage count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ClearAll truncates the four tables this store points at
func (s *PostgresMirrorStore) ClearAll(ctx context.Context) error {
	names := make([]string, 0, 4)
	for _, t := range s.tables.all() {
		names = append(names, q(t))
	}
	query := "TRUNCATE TABLE " + strings.Join(names, ", ") + " RESTART IDENTITY"
	if _, err := s.exec.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to clear mirror tables: %w", err)
	}
	return nil
}

// InTx runs fn in a database transaction. Nested calls join the outer one.
func (s *PostgresMirrorStore) InTx(ctx context.Context, fn func(MirrorStore) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	txStore := *s
	txStore.exec = tx
	txStore.inTx = true

	if err := fn(&txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BeginShadow (re)creates empty shadow tables shaped like the live ones
func (s *PostgresMirrorStore) BeginShadow(ctx context.Context) (ShadowBuild, error) {
	if s.inTx {
		return nil, fmt.Errorf("failed to begin shadow build: store is inside a transaction")
	}

	live := s.tables
	shadow := live.shadow()
	for i, name := range shadow.all() {
		stmts := []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", q(name)),
			fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", q(name), q(live.all()[i])),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("failed to create shadow table %s: %w", name, err)
			}
		}
	}

	return &postgresShadow{live: s, store: s.withTables(shadow)}, nil
}

type postgresShadow struct {
	live  *PostgresMirrorStore
	store *PostgresMirrorStore
}

func (b *postgresShadow) Store() MirrorStore {
	return b.store
}

// Commit renames the shadow tables over the live ones in one transaction
func (b *postgresShadow) Commit(ctx context.Context) error {
	tx, err := b.live.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin swap: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	live := b.live.tables.all()
	shadow := b.store.tables.all()
	for i := range live {
		old := live[i] + "_old"
		stmts := []string{
			fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(live[i]), q(old)),
			fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(shadow[i]), q(live[i])),
			fmt.Sprintf("DROP TABLE %s", q(old)),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to swap %s: %w", live[i], err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}
	return nil
}

// Abort drops the shadow tables
func (b *postgresShadow) Abort(ctx context.Context) error {
	names := make([]string, 0, 4)
	for _, t := range b.store.tables.all() {
		names = append(names, q(t))
	}
	if _, err := b.live.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+strings.Join(names, ", ")); err != nil {
		return fmt.Errorf("failed to drop shadow tables: %w", err)
	}
	return nil
}
