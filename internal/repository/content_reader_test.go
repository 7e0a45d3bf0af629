package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitewide-aggregator/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetPost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	registered := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM "tenant_3_posts" p`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_title", "post_status", "post_type", "post_date_gmt", "_author_registered"}).
			AddRow(int64(7), []byte("Hello"), "publish", "post", published, registered))
	mock.ExpectQuery(`FROM "tenant_3_post_tags"`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"tags"}).
			AddRow([]byte(`[{"name":"Go","slug":"go"},{"name":"Redis","slug":"redis"}]`)))

	reader := NewPostgresContentReader(db, zap.NewNop())
	post, err := reader.GetPost(context.Background(), 3, 7)

	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, models.TenantID(3), post.TenantID)
	assert.Equal(t, int64(7), post.PostID)
	assert.Equal(t, "post", post.PostType)
	assert.True(t, post.IsPublic())
	assert.Equal(t, published, post.DateGMT)
	require.NotNil(t, post.AuthorRegistered)
	assert.Equal(t, registered, *post.AuthorRegistered)
	assert.Equal(t, "Hello", post.Fields["post_title"])
	assert.NotContains(t, post.Fields, "id")
	assert.NotContains(t, post.Fields, "_author_registered")
	assert.Equal(t, []models.TagRef{{Name: "Go", Slug: "go"}, {Name: "Redis", Slug: "redis"}}, post.Tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPost_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_3_posts" p`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_status"}))

	post, err := NewPostgresContentReader(db, zap.NewNop()).GetPost(context.Background(), 3, 8)

	require.NoError(t, err)
	assert.Nil(t, post)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPost_MissingTenantTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_9_posts" p`).
		WillReturnError(&pq.Error{Code: undefinedTable})

	post, err := NewPostgresContentReader(db, zap.NewNop()).GetPost(context.Background(), 9, 1)

	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestGetPost_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_3_posts" p`).WillReturnError(errors.New("connection refused"))

	_, err = NewPostgresContentReader(db, zap.NewNop()).GetPost(context.Background(), 3, 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query post 3/1")
}

func TestGetComment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_2_comments" c`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"comment_id", "comment_post_id", "comment_approved", "comment_date_gmt", "user_id", "comment_content", "_user_registered"}).
			AddRow(int64(5), int64(7), "1", "2024-03-01 12:00:00", int64(0), "Nice", nil))

	comment, err := NewPostgresContentReader(db, zap.NewNop()).GetComment(context.Background(), 2, 5)

	require.NoError(t, err)
	require.NotNil(t, comment)
	assert.Equal(t, int64(5), comment.CommentID)
	assert.Equal(t, int64(7), comment.PostID)
	assert.True(t, comment.IsApproved())
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), comment.DateGMT)
	assert.Nil(t, comment.UserRegistered)
	assert.Equal(t, "Nice", comment.Fields["comment_content"])
	assert.NotContains(t, comment.Fields, "comment_id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPublicPostIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_4_posts"`).
		WithArgs(models.PostStatusPublish, pq.Array([]string{"post"})).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(3))

	ids, err := NewPostgresContentReader(db, zap.NewNop()).ListPublicPostIDs(context.Background(), 4, []string{"post"})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListApprovedCommentIDs_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "tenant_4_comments"`).
		WithArgs(models.CommentApproved).
		WillReturnError(&pq.Error{Code: undefinedTable})

	ids, err := NewPostgresContentReader(db, zap.NewNop()).ListApprovedCommentIDs(context.Background(), 4)

	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAsTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, want, asTime("2024-03-01 12:00:00"))
	assert.Equal(t, want, asTime("2024-03-01T12:00:00Z"))
	assert.Equal(t, want, asTime(want.In(time.FixedZone("CET", 3600))))
	assert.True(t, asTime(nil).IsZero())
	assert.True(t, asTime("not a date").IsZero())
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(5), asInt64(int64(5)))
	assert.Equal(t, int64(5), asInt64(int32(5)))
	assert.Equal(t, int64(5), asInt64("5"))
	assert.Equal(t, int64(0), asInt64(nil))
}
