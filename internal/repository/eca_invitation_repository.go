package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const ecaInvitationSelect = `SELECT i.id, i.activity_id, i.student_id, i.status, i.is_tryout, i.tryout_result, i.created_at
FROM eca_invitations i
JOIN eca_activities a ON a.id = i.activity_id`

// EcaInvitationRepository reads staff invitations and the compulsory roster.
type EcaInvitationRepository struct {
	db *sqlx.DB
}

// NewEcaInvitationRepository constructs the repository.
func NewEcaInvitationRepository(db *sqlx.DB) *EcaInvitationRepository {
	return &EcaInvitationRepository{db: db}
}

func (r *EcaInvitationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListByTerm returns the live (non-declined) invitations of a term's activities.
func (r *EcaInvitationRepository) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaInvitation, error) {
	query := ecaInvitationSelect + ` WHERE a.term_id = $1 AND i.status <> $2 ORDER BY i.created_at, i.id`
	var invitations []models.EcaInvitation
	if err := sqlx.SelectContext(ctx, r.exec(exec), &invitations, query, termID, models.EcaInvitationDeclined); err != nil {
		return nil, fmt.Errorf("list eca invitations: %w", err)
	}
	return invitations, nil
}

// ListForStudent returns a student's live invitations within a term.
func (r *EcaInvitationRepository) ListForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string) ([]models.EcaInvitation, error) {
	query := ecaInvitationSelect + ` WHERE a.term_id = $1 AND i.student_id = $2 AND i.status <> $3 ORDER BY i.created_at, i.id`
	var invitations []models.EcaInvitation
	if err := sqlx.SelectContext(ctx, r.exec(exec), &invitations, query, termID, studentID, models.EcaInvitationDeclined); err != nil {
		return nil, fmt.Errorf("list eca invitations for student: %w", err)
	}
	return invitations, nil
}
