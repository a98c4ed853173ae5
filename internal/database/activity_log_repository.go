package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tlambot/feedgate/internal/models"
)

// ActivityLogRepository handles activity log storage and retrieval.
type ActivityLogRepository struct {
	db *sql.DB
}

// NewActivityLogRepository creates a new activity log repository.
func NewActivityLogRepository(db *sql.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Log stores a new activity log entry.
func (r *ActivityLogRepository) Log(ctx context.Context, entry models.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var detailsJSON []byte
	var err error
	if entry.Details != nil {
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	var sourceID interface{}
	if entry.SourceID != "" {
		sourceID = entry.SourceID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, source_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, sourceID, entry.Action, detailsJSON, entry.CreatedAt,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// List retrieves activity logs, newest first, with optional filtering.
func (r *ActivityLogRepository) List(ctx context.Context, limit int, action models.ActivityAction, sourceID string) ([]models.ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, COALESCE(source_id, ''), action, details, created_at
		FROM activity_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1

	if action != "" {
		query += fmt.Sprintf(" AND action = $%d", argPos)
		args = append(args, action)
		argPos++
	}
	if sourceID != "" {
		query += fmt.Sprintf(" AND source_id = $%d", argPos)
		args = append(args, sourceID)
		argPos++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}
	defer rows.Close()

	logs := []models.ActivityLog{}
	for rows.Next() {
		var entry models.ActivityLog
		var detailsJSON []byte

		if err := rows.Scan(&entry.ID, &entry.SourceID, &entry.Action, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// DeleteOlderThan deletes activity logs older than the specified age.
func (r *ActivityLogRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := r.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
