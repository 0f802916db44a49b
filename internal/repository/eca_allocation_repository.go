package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const ecaAllocationColumns = `id, term_id, student_id, activity_id, allocation_type, allocation_round, choice_rank, status, created_at, updated_at`

const ecaAllocationDetailSelect = `SELECT al.id, al.term_id, al.student_id, al.activity_id, al.allocation_type, al.allocation_round,
	al.choice_rank, al.status, al.created_at, al.updated_at,
	a.name AS activity_name, a.day_of_week, a.time_slot, s.full_name AS student_name`

const ecaAllocationDetailFrom = `FROM eca_allocations al
JOIN eca_activities a ON a.id = al.activity_id
JOIN students s ON s.id = al.student_id`

// EcaAllocationRepository persists allocation records.
type EcaAllocationRepository struct {
	db *sqlx.DB
}

// NewEcaAllocationRepository constructs the repository.
func NewEcaAllocationRepository(db *sqlx.DB) *EcaAllocationRepository {
	return &EcaAllocationRepository{db: db}
}

func (r *EcaAllocationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// DeleteByTerm removes every allocation of a term ahead of a re-run.
func (r *EcaAllocationRepository) DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error {
	if _, err := r.exec(exec).ExecContext(ctx, `DELETE FROM eca_allocations WHERE term_id = $1`, termID); err != nil {
		return fmt.Errorf("delete eca allocations: %w", err)
	}
	return nil
}

// InsertBatch stores allocations, assigning ids and timestamps where missing.
func (r *EcaAllocationRepository) InsertBatch(ctx context.Context, exec sqlx.ExtContext, allocations []models.EcaAllocation) error {
	if len(allocations) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()

	query := fmt.Sprintf(`INSERT INTO eca_allocations (%s)
		VALUES (:id, :term_id, :student_id, :activity_id, :allocation_type, :allocation_round, :choice_rank, :status, :created_at, :updated_at)`, ecaAllocationColumns)
	for i := range allocations {
		alloc := &allocations[i]
		if alloc.ID == "" {
			alloc.ID = uuid.NewString()
		}
		if alloc.Status == "" {
			alloc.Status = models.EcaAllocationConfirmed
		}
		if alloc.CreatedAt.IsZero() {
			alloc.CreatedAt = now
		}
		alloc.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, query, alloc); err != nil {
			return fmt.Errorf("insert eca allocation: %w", err)
		}
	}
	return nil
}

// List returns allocations of a term with activity and student context.
func (r *EcaAllocationRepository) List(ctx context.Context, filter models.EcaAllocationFilter) ([]models.EcaAllocationDetail, int, error) {
	args := []interface{}{filter.TermID}
	conditions := []string{"al.term_id = $1"}
	if filter.ActivityID != "" {
		args = append(args, filter.ActivityID)
		conditions = append(conditions, fmt.Sprintf("al.activity_id = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("al.student_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("al.status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("al.allocation_type = $%d", len(args)))
	}
	where := "WHERE " + strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`%s %s %s ORDER BY a.day_of_week, a.time_slot DESC, a.name, s.full_name, al.id LIMIT %d OFFSET %d`,
		ecaAllocationDetailSelect, ecaAllocationDetailFrom, where, size, offset)
	var items []models.EcaAllocationDetail
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list eca allocations: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) %s %s", ecaAllocationDetailFrom, where), args...); err != nil {
		return nil, 0, fmt.Errorf("count eca allocations: %w", err)
	}
	return items, total, nil
}

// ListForStudent returns a student's confirmed allocations for a term.
func (r *EcaAllocationRepository) ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, error) {
	query := fmt.Sprintf(`%s %s WHERE al.term_id = $1 AND al.student_id = $2 AND al.status = $3 ORDER BY a.day_of_week, a.time_slot DESC, a.name`,
		ecaAllocationDetailSelect, ecaAllocationDetailFrom)
	var items []models.EcaAllocationDetail
	if err := r.db.SelectContext(ctx, &items, query, termID, studentID, models.EcaAllocationConfirmed); err != nil {
		return nil, fmt.Errorf("list eca allocations for student: %w", err)
	}
	return items, nil
}

// ListConfirmedByActivity returns the roster of an activity.
func (r *EcaAllocationRepository) ListConfirmedByActivity(ctx context.Context, activityID string) ([]models.EcaAllocationDetail, error) {
	query := fmt.Sprintf(`%s %s WHERE al.activity_id = $1 AND al.status = $2 ORDER BY s.full_name, al.id`,
		ecaAllocationDetailSelect, ecaAllocationDetailFrom)
	var items []models.EcaAllocationDetail
	if err := r.db.SelectContext(ctx, &items, query, activityID, models.EcaAllocationConfirmed); err != nil {
		return nil, fmt.Errorf("list eca roster: %w", err)
	}
	return items, nil
}

// FindByID returns an allocation or sql.ErrNoRows.
func (r *EcaAllocationRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaAllocation, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_allocations WHERE id = $1`, ecaAllocationColumns)
	var alloc models.EcaAllocation
	if err := sqlx.GetContext(ctx, r.exec(exec), &alloc, query, id); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// UpdateStatus changes the status of an allocation.
func (r *EcaAllocationRepository) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaAllocationStatus) error {
	res, err := r.exec(exec).ExecContext(ctx, `UPDATE eca_allocations SET status = $2, updated_at = $3 WHERE id = $1`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update eca allocation status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountConfirmed returns the current enrollment of an activity.
func (r *EcaAllocationRepository) CountConfirmed(ctx context.Context, exec sqlx.ExtContext, activityID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.exec(exec), &count, `SELECT COUNT(*) FROM eca_allocations WHERE activity_id = $1 AND status = $2`, activityID, models.EcaAllocationConfirmed); err != nil {
		return 0, fmt.Errorf("count eca allocations: %w", err)
	}
	return count, nil
}

// HasConfirmedInSlot reports whether a student already holds a non-compulsory place in the slot.
func (r *EcaAllocationRepository) HasConfirmedInSlot(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, day int, slot models.EcaTimeSlot) (bool, error) {
	const query = `SELECT EXISTS (
	SELECT 1 FROM eca_allocations al
	JOIN eca_activities a ON a.id = al.activity_id
	WHERE al.term_id = $1 AND al.student_id = $2 AND a.day_of_week = $3 AND a.time_slot = $4
	  AND al.status = $5 AND al.allocation_type <> $6
)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, termID, studentID, day, slot, models.EcaAllocationConfirmed, models.EcaAllocCompulsory); err != nil {
		return false, fmt.Errorf("check eca slot collision: %w", err)
	}
	return exists, nil
}
