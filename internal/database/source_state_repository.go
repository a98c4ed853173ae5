package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/tlambot/feedgate/internal/models"
)

// SourceStateRepository tracks per-source scheduling state.
type SourceStateRepository struct {
	db *sql.DB
}

// NewSourceStateRepository creates a new source-state repository.
func NewSourceStateRepository(db *sql.DB) *SourceStateRepository {
	return &SourceStateRepository{db: db}
}

// Get loads a source's state, returning a zero-value state when the source
// has never been checked.
func (r *SourceStateRepository) Get(ctx context.Context, sourceID string) (models.SourceState, error) {
	var st models.SourceState
	err := r.db.QueryRowContext(ctx, `
		SELECT source_id, last_check, last_success, posts_today, last_reset, error_count, last_error, disabled_at
		FROM source_states WHERE source_id = $1`, sourceID,
	).Scan(&st.SourceID, &st.LastCheck, &st.LastSuccess, &st.PostsToday, &st.LastReset, &st.ErrorCount, &st.LastError, &st.DisabledAt)
	if err == sql.ErrNoRows {
		return models.SourceState{SourceID: sourceID}, nil
	}
	if err != nil {
		return models.SourceState{}, models.NewError(models.ErrKindState, err)
	}
	return st, nil
}

// MarkCheckSuccess stamps last_check/last_success, adds the published count
// to posts_today and clears the error budget. The daily counter resets at
// day rollover.
func (r *SourceStateRepository) MarkCheckSuccess(ctx context.Context, sourceID string, postsPublished int) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_states (source_id, last_check, last_success, posts_today, last_reset, error_count, last_error)
		VALUES ($1, $2, $2, $3, $2, 0, '')
		ON CONFLICT (source_id) DO UPDATE SET
			last_check  = EXCLUDED.last_check,
			last_success = EXCLUDED.last_success,
			posts_today = CASE
				WHEN source_states.last_reset IS NULL OR source_states.last_reset::date < EXCLUDED.last_check::date
					THEN EXCLUDED.posts_today
				ELSE source_states.posts_today + EXCLUDED.posts_today
			END,
			last_reset = CASE
				WHEN source_states.last_reset IS NULL OR source_states.last_reset::date < EXCLUDED.last_check::date
					THEN EXCLUDED.last_check
				ELSE source_states.last_reset
			END,
			error_count = 0,
			last_error  = ''`,
		sourceID, now, postsPublished,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// MarkCheckError stamps last_check and increments the error budget.
func (r *SourceStateRepository) MarkCheckError(ctx context.Context, sourceID, msg string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_states (source_id, last_check, error_count, last_error)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (source_id) DO UPDATE SET
			last_check  = EXCLUDED.last_check,
			error_count = source_states.error_count + 1,
			last_error  = EXCLUDED.last_error`,
		sourceID, now, msg,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// MarkCheckTransient stamps last_check without touching the error budget.
func (r *SourceStateRepository) MarkCheckTransient(ctx context.Context, sourceID string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_states (source_id, last_check) VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE SET last_check = EXCLUDED.last_check`,
		sourceID, now,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// SourcesDueForCheck returns the IDs of sources whose last_check is older
// than the given interval and that are not disabled, stalest first. Sources
// never checked sort first.
func (r *SourceStateRepository) SourcesDueForCheck(ctx context.Context, ids []string, interval time.Duration, limit int) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-interval)

	known := make(map[string]*models.SourceState, len(ids))
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, last_check, disabled_at
		FROM source_states
		WHERE source_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.SourceState
		if err := rows.Scan(&st.SourceID, &st.LastCheck, &st.DisabledAt); err != nil {
			return nil, models.NewError(models.ErrKindState, err)
		}
		s := st
		known[st.SourceID] = &s
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}

	type due struct {
		id        string
		lastCheck time.Time
	}
	var candidates []due
	for _, id := range ids {
		st, ok := known[id]
		if !ok {
			candidates = append(candidates, due{id: id})
			continue
		}
		if st.Disabled() {
			continue
		}
		if st.LastCheck == nil || st.LastCheck.Before(cutoff) {
			var lc time.Time
			if st.LastCheck != nil {
				lc = *st.LastCheck
			}
			candidates = append(candidates, due{id: id, lastCheck: lc})
		}
	}

	// Stalest first.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].lastCheck.Before(candidates[j-1].lastCheck); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out, nil
}

// Disable marks a source skipped by the scheduler.
func (r *SourceStateRepository) Disable(ctx context.Context, sourceID string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_states (source_id, disabled_at) VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE SET disabled_at = EXCLUDED.disabled_at`,
		sourceID, now,
	)
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}
