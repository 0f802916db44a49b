package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const ecaSelectionColumns = `id, term_id, student_id, activity_id, rank, is_priority, created_at, updated_at`

// EcaSelectionRepository stores parent selections.
type EcaSelectionRepository struct {
	db *sqlx.DB
}

// NewEcaSelectionRepository constructs the repository.
func NewEcaSelectionRepository(db *sqlx.DB) *EcaSelectionRepository {
	return &EcaSelectionRepository{db: db}
}

func (r *EcaSelectionRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListByTerm returns all selections of a term in submission order.
func (r *EcaSelectionRepository) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaSelection, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_selections WHERE term_id = $1 ORDER BY created_at, id`, ecaSelectionColumns)
	var selections []models.EcaSelection
	if err := sqlx.SelectContext(ctx, r.exec(exec), &selections, query, termID); err != nil {
		return nil, fmt.Errorf("list eca selections: %w", err)
	}
	return selections, nil
}

// ListByStudent returns one student's selections for a term.
func (r *EcaSelectionRepository) ListByStudent(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_selections WHERE term_id = $1 AND student_id = $2 ORDER BY rank, created_at, id`, ecaSelectionColumns)
	var selections []models.EcaSelection
	if err := r.db.SelectContext(ctx, &selections, query, termID, studentID); err != nil {
		return nil, fmt.Errorf("list eca selections for student: %w", err)
	}
	return selections, nil
}

// ReplaceForStudent swaps a student's selections. Rows for activities that stay selected keep
// their created_at so submission order survives an edit.
func (r *EcaSelectionRepository) ReplaceForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, selections []models.EcaSelection) error {
	target := r.exec(exec)
	keep := make([]string, 0, len(selections))
	for _, sel := range selections {
		keep = append(keep, sel.ActivityID)
	}

	const deleteQuery = `DELETE FROM eca_selections WHERE term_id = $1 AND student_id = $2 AND NOT (activity_id = ANY($3))`
	if _, err := target.ExecContext(ctx, deleteQuery, termID, studentID, pq.Array(keep)); err != nil {
		return fmt.Errorf("delete eca selections: %w", err)
	}

	const upsertQuery = `
INSERT INTO eca_selections (id, term_id, student_id, activity_id, rank, is_priority, created_at, updated_at)
VALUES (:id, :term_id, :student_id, :activity_id, :rank, :is_priority, :created_at, :updated_at)
ON CONFLICT (term_id, student_id, activity_id) DO UPDATE
SET rank = EXCLUDED.rank,
    is_priority = EXCLUDED.is_priority,
    updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	for i := range selections {
		sel := &selections[i]
		if sel.ID == "" {
			sel.ID = uuid.NewString()
		}
		sel.TermID = termID
		sel.StudentID = studentID
		if sel.CreatedAt.IsZero() {
			sel.CreatedAt = now
		}
		sel.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, upsertQuery, sel); err != nil {
			return fmt.Errorf("upsert eca selection: %w", err)
		}
	}
	return nil
}
