package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const studentColumns = `id, nis, full_name, gender, year_group_id, class_id, active, created_at, updated_at`

// StudentRepository reads the student directory.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID fetches a student by id. Returns sql.ErrNoRows when missing.
func (r *StudentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE id = $1`, studentColumns)
	var student models.Student
	if err := sqlx.GetContext(ctx, r.exec(exec), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ListReferencedByTerm returns every student holding a selection or a live invitation in the term.
func (r *StudentRepository) ListReferencedByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE id IN (
	SELECT student_id FROM eca_selections WHERE term_id = $1
	UNION
	SELECT i.student_id FROM eca_invitations i JOIN eca_activities a ON a.id = i.activity_id
	WHERE a.term_id = $1 AND i.status <> $2
) ORDER BY id`, studentColumns)
	var students []models.Student
	if err := sqlx.SelectContext(ctx, r.exec(exec), &students, query, termID, models.EcaInvitationDeclined); err != nil {
		return nil, fmt.Errorf("list eca students: %w", err)
	}
	return students, nil
}
