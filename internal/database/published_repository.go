package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/tlambot/feedgate/internal/models"
)

// PublishedPostRepository is the dedupe index over published_posts.
type PublishedPostRepository struct {
	db *sql.DB
}

// NewPublishedPostRepository creates a new published-post repository.
func NewPublishedPostRepository(db *sql.DB) *PublishedPostRepository {
	return &PublishedPostRepository{db: db}
}

// IsPublished reports whether (source_id, post_id) is already in the index.
// Point lookup on the primary key.
func (r *PublishedPostRepository) IsPublished(ctx context.Context, sourceID, postID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM published_posts WHERE source_id = $1 AND post_id = $2)`,
		sourceID, postID,
	).Scan(&exists)
	if err != nil {
		return false, models.NewError(models.ErrKindState, err)
	}
	return exists, nil
}

// MarkPublished inserts a dedupe row. A second call with the same key is a
// no-op; it never raises on conflict.
func (r *PublishedPostRepository) MarkPublished(ctx context.Context, row models.PublishedPost) error {
	if row.PublishedAt.IsZero() {
		row.PublishedAt = time.Now()
	}

	var uri interface{}
	if row.PlatformURI != "" {
		uri = row.PlatformURI
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO published_posts (source_id, post_id, post_url, target_status_id, platform_uri, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, post_id) DO NOTHING`,
		row.SourceID, row.PostID, row.PostURL, row.TargetStatusID, uri, row.PublishedAt,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// FindByPlatformURI resolves a thread parent by its AT-style URI.
func (r *PublishedPostRepository) FindByPlatformURI(ctx context.Context, sourceID, uri string) (*models.PublishedPost, error) {
	return r.findOne(ctx, `
		SELECT source_id, post_id, post_url, target_status_id, COALESCE(platform_uri, ''), published_at
		FROM published_posts WHERE source_id = $1 AND platform_uri = $2`,
		sourceID, uri)
}

// FindByPostID resolves a thread parent by its platform-native post ID.
func (r *PublishedPostRepository) FindByPostID(ctx context.Context, sourceID, postID string) (*models.PublishedPost, error) {
	return r.findOne(ctx, `
		SELECT source_id, post_id, post_url, target_status_id, COALESCE(platform_uri, ''), published_at
		FROM published_posts WHERE source_id = $1 AND post_id = $2`,
		sourceID, postID)
}

func (r *PublishedPostRepository) findOne(ctx context.Context, query string, args ...interface{}) (*models.PublishedPost, error) {
	var row models.PublishedPost
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&row.SourceID, &row.PostID, &row.PostURL, &row.TargetStatusID, &row.PlatformURI, &row.PublishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}
	return &row, nil
}
