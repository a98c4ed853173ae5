package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/tlambot/feedgate/internal/models"
)

// EditBufferRepository stores recently published posts for edit detection.
type EditBufferRepository struct {
	db *sql.DB
}

// NewEditBufferRepository creates a new edit-buffer repository.
func NewEditBufferRepository(db *sql.DB) *EditBufferRepository {
	return &EditBufferRepository{db: db}
}

// Add upserts an entry keyed by (source_id, post_id). A later upload of the
// same post replaces the buffered status id and hash.
func (r *EditBufferRepository) Add(ctx context.Context, entry models.EditBufferEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO edit_buffer (source_id, post_id, username, text_normalized, text_hash, target_status_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, post_id) DO UPDATE SET
			username         = EXCLUDED.username,
			text_normalized  = EXCLUDED.text_normalized,
			text_hash        = EXCLUDED.text_hash,
			target_status_id = EXCLUDED.target_status_id,
			created_at       = EXCLUDED.created_at`,
		entry.SourceID, entry.PostID, entry.Username, entry.TextNormalized, entry.TextHash, entry.TargetStatusID, entry.CreatedAt,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// editLookbackCutoff bounds how old a buffered entry may be and still be
// reported as an edit candidate.
func editLookbackCutoff(now time.Time) time.Time {
	return now.Add(-models.EditWindow)
}

// FindByTextHash returns the newest buffered entry for (username, hash)
// inside the edit window, nil when absent.
func (r *EditBufferRepository) FindByTextHash(ctx context.Context, username, hash string) (*models.EditBufferEntry, error) {
	cutoff := editLookbackCutoff(time.Now())

	var entry models.EditBufferEntry
	err := r.db.QueryRowContext(ctx, `
		SELECT source_id, post_id, username, text_normalized, text_hash, target_status_id, created_at
		FROM edit_buffer
		WHERE username = $1 AND text_hash = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`,
		username, hash, cutoff,
	).Scan(&entry.SourceID, &entry.PostID, &entry.Username, &entry.TextNormalized, &entry.TextHash, &entry.TargetStatusID, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}
	return &entry, nil
}

// Cleanup removes entries older than the retention window.
func (r *EditBufferRepository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := r.db.ExecContext(ctx, `DELETE FROM edit_buffer WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, models.NewError(models.ErrKindState, err)
	}
	return result.RowsAffected()
}
