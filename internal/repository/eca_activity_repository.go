package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const ecaActivityColumns = `id, term_id, name, day_of_week, time_slot, custom_start_time, custom_end_time, activity_type,
	eligible_year_group_ids, eligible_gender, min_capacity, max_capacity, staff_id, is_active, is_cancelled, cancel_reason, created_at`

// EcaActivityRepository reads the activity catalogue and records cancellations.
type EcaActivityRepository struct {
	db *sqlx.DB
}

// NewEcaActivityRepository constructs the repository.
func NewEcaActivityRepository(db *sqlx.DB) *EcaActivityRepository {
	return &EcaActivityRepository{db: db}
}

func (r *EcaActivityRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListByTerm returns every activity of a term in slot order.
func (r *EcaActivityRepository) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaActivity, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_activities WHERE term_id = $1 ORDER BY day_of_week, time_slot DESC, id`, ecaActivityColumns)
	var activities []models.EcaActivity
	if err := sqlx.SelectContext(ctx, r.exec(exec), &activities, query, termID); err != nil {
		return nil, fmt.Errorf("list eca activities: %w", err)
	}
	return activities, nil
}

// FindByID returns an activity or sql.ErrNoRows.
func (r *EcaActivityRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaActivity, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_activities WHERE id = $1`, ecaActivityColumns)
	var activity models.EcaActivity
	if err := sqlx.GetContext(ctx, r.exec(exec), &activity, query, id); err != nil {
		return nil, err
	}
	return &activity, nil
}

// MarkCancelled flags the given activities as cancelled with a reason.
func (r *EcaActivityRepository) MarkCancelled(ctx context.Context, exec sqlx.ExtContext, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE eca_activities SET is_cancelled = TRUE, cancel_reason = $2 WHERE id = ANY($1)`
	if _, err := r.exec(exec).ExecContext(ctx, query, pq.Array(ids), reason); err != nil {
		return fmt.Errorf("cancel eca activities: %w", err)
	}
	return nil
}

// ResetCancellations reverts cancellations a previous run made for the term.
func (r *EcaActivityRepository) ResetCancellations(ctx context.Context, exec sqlx.ExtContext, termID, reason string) error {
	const query = `UPDATE eca_activities SET is_cancelled = FALSE, cancel_reason = NULL WHERE term_id = $1 AND cancel_reason = $2`
	if _, err := r.exec(exec).ExecContext(ctx, query, termID, reason); err != nil {
		return fmt.Errorf("reset eca activity cancellations: %w", err)
	}
	return nil
}
