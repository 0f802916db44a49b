package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

// EcaWaitlistRepository stores ordered waitlists.
type EcaWaitlistRepository struct {
	db *sqlx.DB
}

// NewEcaWaitlistRepository constructs the repository.
func NewEcaWaitlistRepository(db *sqlx.DB) *EcaWaitlistRepository {
	return &EcaWaitlistRepository{db: db}
}

func (r *EcaWaitlistRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// DeleteByTerm clears every waitlist of a term.
func (r *EcaWaitlistRepository) DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error {
	if _, err := r.exec(exec).ExecContext(ctx, `DELETE FROM eca_waitlist WHERE term_id = $1`, termID); err != nil {
		return fmt.Errorf("delete eca waitlist: %w", err)
	}
	return nil
}

// InsertBatch stores waitlist entries.
func (r *EcaWaitlistRepository) InsertBatch(ctx context.Context, exec sqlx.ExtContext, entries []models.EcaWaitlistEntry) error {
	if len(entries) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `INSERT INTO eca_waitlist (id, term_id, activity_id, student_id, position, created_at)
		VALUES (:id, :term_id, :activity_id, :student_id, :position, :created_at)`
	for i := range entries {
		entry := &entries[i]
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if _, err := sqlx.NamedExecContext(ctx, target, query, entry); err != nil {
			return fmt.Errorf("insert eca waitlist entry: %w", err)
		}
	}
	return nil
}

// ListByActivity returns an activity's waitlist by position.
func (r *EcaWaitlistRepository) ListByActivity(ctx context.Context, exec sqlx.ExtContext, activityID string) ([]models.EcaWaitlistEntry, error) {
	const query = `SELECT id, term_id, activity_id, student_id, position, created_at FROM eca_waitlist WHERE activity_id = $1 ORDER BY position, id`
	var entries []models.EcaWaitlistEntry
	if err := sqlx.SelectContext(ctx, r.exec(exec), &entries, query, activityID); err != nil {
		return nil, fmt.Errorf("list eca waitlist: %w", err)
	}
	return entries, nil
}

// Delete consumes a waitlist entry.
func (r *EcaWaitlistRepository) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	if _, err := r.exec(exec).ExecContext(ctx, `DELETE FROM eca_waitlist WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete eca waitlist entry: %w", err)
	}
	return nil
}
