package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/pkg/jobs"
)

type ecaTermStore interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error)
	LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error)
	LockForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error)
	TryAdvisoryLock(ctx context.Context, exec sqlx.ExtContext, termID string) (bool, error)
	UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaTermStatus) error
	MarkAllocationRun(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error
}

type ecaActivityStore interface {
	ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaActivity, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaActivity, error)
	MarkCancelled(ctx context.Context, exec sqlx.ExtContext, ids []string, reason string) error
	ResetCancellations(ctx context.Context, exec sqlx.ExtContext, termID, reason string) error
}

type ecaSelectionStore interface {
	ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaSelection, error)
	ListByStudent(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error)
	ReplaceForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, selections []models.EcaSelection) error
}

type ecaInvitationStore interface {
	ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaInvitation, error)
	ListForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string) ([]models.EcaInvitation, error)
}

type ecaStudentStore interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error)
	ListReferencedByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.Student, error)
}

type ecaAllocationStore interface {
	DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error
	InsertBatch(ctx context.Context, exec sqlx.ExtContext, allocations []models.EcaAllocation) error
	List(ctx context.Context, filter models.EcaAllocationFilter) ([]models.EcaAllocationDetail, int, error)
	ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, error)
	ListConfirmedByActivity(ctx context.Context, activityID string) ([]models.EcaAllocationDetail, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaAllocation, error)
	UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaAllocationStatus) error
	CountConfirmed(ctx context.Context, exec sqlx.ExtContext, activityID string) (int, error)
	HasConfirmedInSlot(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, day int, slot models.EcaTimeSlot) (bool, error)
}

type ecaWaitlistStore interface {
	DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error
	InsertBatch(ctx context.Context, exec sqlx.ExtContext, entries []models.EcaWaitlistEntry) error
	ListByActivity(ctx context.Context, exec sqlx.ExtContext, activityID string) ([]models.EcaWaitlistEntry, error)
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
}

type ecaAuditStore interface {
	CreateAuditLog(ctx context.Context, exec sqlx.ExtContext, log *models.AuditLog) error
}

type ecaCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

type ecaJobQueue interface {
	Enqueue(job jobs.Job) error
}
