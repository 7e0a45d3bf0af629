package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Column is one mirror table column
type Column struct {
	Name string
	Type string
}

// TableSpec describes a mirror table
type TableSpec struct {
	Name        string
	Columns     []Column
	Constraints []string
}

// Mirror table names
const (
	PostsTable    = "sitewide_posts"
	CommentsTable = "sitewide_comments"
	TagsTable     = "sitewide_tags"
	UsageTable    = "sitewide_tag_usage"

	shadowSuffix = "_shadow"
)

// PostColumns are the shared post fields copied verbatim from tenant posts
var PostColumns = []Column{
	{"post_author", "BIGINT NOT NULL DEFAULT 0"},
	{"post_date", "TIMESTAMP"},
	{"post_date_gmt", "TIMESTAMP"},
	{"post_content", "TEXT NOT NULL DEFAULT ''"},
	{"post_title", "TEXT NOT NULL DEFAULT ''"},
	{"post_excerpt", "TEXT NOT NULL DEFAULT ''"},
	{"post_status", "VARCHAR(20) NOT NULL DEFAULT 'publish'"},
	{"post_name", "VARCHAR(200) NOT NULL DEFAULT ''"},
	{"post_parent", "BIGINT NOT NULL DEFAULT 0"},
	{"guid", "VARCHAR(255) NOT NULL DEFAULT ''"},
	{"post_type", "VARCHAR(20) NOT NULL DEFAULT 'post'"},
	{"post_mime_type", "VARCHAR(100) NOT NULL DEFAULT ''"},
	{"comment_count", "BIGINT NOT NULL DEFAULT 0"},
}

// CommentColumns are the shared comment fields copied verbatim from tenant comments
var CommentColumns = []Column{
	{"comment_post_id", "BIGINT NOT NULL DEFAULT 0"},
	{"comment_author", "TEXT NOT NULL DEFAULT ''"},
	{"comment_author_email", "VARCHAR(100) NOT NULL DEFAULT ''"},
	{"comment_author_url", "VARCHAR(200) NOT NULL DEFAULT ''"},
	{"comment_author_ip", "VARCHAR(100) NOT NULL DEFAULT ''"},
	{"comment_date", "TIMESTAMP"},
	{"comment_date_gmt", "TIMESTAMP"},
	{"comment_content", "TEXT NOT NULL DEFAULT ''"},
	{"comment_approved", "VARCHAR(20) NOT NULL DEFAULT '1'"},
	{"comment_parent", "BIGINT NOT NULL DEFAULT 0"},
	{"user_id", "BIGINT NOT NULL DEFAULT 0"},
}

// MirrorSchema returns the specs of the four mirror tables
func MirrorSchema() []TableSpec {
	posts := []Column{
		{"id", "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"},
		{"tenant_id", "BIGINT NOT NULL"},
		{"source_post_id", "BIGINT NOT NULL"},
	}
	comments := []Column{
		{"id", "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"},
		{"tenant_id", "BIGINT NOT NULL"},
		{"source_comment_id", "BIGINT NOT NULL"},
	}

	return []TableSpec{
		{
			Name:        PostsTable,
			Columns:     append(posts, PostColumns...),
			Constraints: []string{"UNIQUE (tenant_id, source_post_id)"},
		},
		{
			Name:        CommentsTable,
			Columns:     append(comments, CommentColumns...),
			Constraints: []string{"UNIQUE (tenant_id, source_comment_id)"},
		},
		{
			Name: TagsTable,
			Columns: []Column{
				{"tag_id", "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"},
				{"name", "VARCHAR(200) NOT NULL"},
				{"slug", "VARCHAR(200) NOT NULL"},
				{"usage_count", "INTEGER NOT NULL DEFAULT 0"},
			},
			Constraints: []string{"UNIQUE (slug)", "CHECK (usage_count >= 0)"},
		},
		{
			Name: UsageTable,
			Columns: []Column{
				{"usage_id", "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"},
				{"source_post_id", "BIGINT NOT NULL"},
				{"tag_id", "BIGINT NOT NULL"},
				{"tenant_id", "BIGINT NOT NULL"},
			},
			Constraints: []string{"UNIQUE (source_post_id, tenant_id, tag_id)"},
		},
	}
}

// SchemaManager creates mirror tables and adds missing columns
type SchemaManager struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSchemaManager creates a schema manager
func NewSchemaManager(db *sql.DB, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{db: db, logger: logger}
}

// EnsureTable creates the table when absent, otherwise adds any missing
// columns. changed reports whether the structure was modified.
func (m *SchemaManager) EnsureTable(ctx context.Context, spec TableSpec) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = current_schema()
			  AND table_name = $1
		)
	`, spec.Name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", spec.Name, err)
	}

	if !exists {
		defs := make([]string, 0, len(spec.Columns)+len(spec.Constraints))
		for _, col := range spec.Columns {
			defs = append(defs, pq.QuoteIdentifier(col.Name)+" "+col.Type)
		}
		defs = append(defs, spec.Constraints...)
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
			pq.QuoteIdentifier(spec.Name), strings.Join(defs, ",\n\t"))
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return false, fmt.Errorf("failed to create table %s: %w", spec.Name, err)
		}
		m.logger.Info("Created mirror table", zap.String("table", spec.Name))
		return true, nil
	}

	existing, err := m.columns(ctx, spec.Name)
	if err != nil {
		return false, err
	}

	changed := false
	for _, col := range spec.Columns {
		if _, ok := existing[col.Name]; ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			pq.QuoteIdentifier(spec.Name), pq.QuoteIdentifier(col.Name), col.Type)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return false, fmt.Errorf("failed to add column %s.%s: %w", spec.Name, col.Name, err)
		}
		m.logger.Info("Added mirror column",
			zap.String("table", spec.Name),
			zap.String("column", col.Name),
		)
		changed = true
	}

	return changed, nil
}

// EnsureSchema ensures every mirror table. changed is true if any table changed.
func (m *SchemaManager) EnsureSchema(ctx context.Context) (bool, error) {
	changed := false
	for _, spec := range MirrorSchema() {
		c, err := m.EnsureTable(ctx, spec)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (m *SchemaManager) columns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// sharedColumns returns the mirror columns present in fields (in mirror
// order) and the mirror columns the source row lacks.
func sharedColumns(fields map[string]any, mirror []Column) (shared []string, missing []string) {
	for _, col := range mirror {
		if _, ok := fields[col.Name]; ok {
			shared = append(shared, col.Name)
		} else {
			missing = append(missing, col.Name)
		}
	}
	return shared, missing
}
