package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/pkg/cache"
	"github.com/noah-isme/eca-allocation-api/pkg/database"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/export"
)

const roundAdmin = 0

// EcaAllocationAdminService covers post-run allocation management: listings, manual
// placement, withdrawal with waitlist promotion and roster export.
type EcaAllocationAdminService struct {
	db         database.TxBeginner
	stores     EcaAllocationStores
	cache      ecaCache
	queue      ecaJobQueue
	exporter   *ExportService
	studentTTL time.Duration
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewEcaAllocationAdminService constructs the service.
func NewEcaAllocationAdminService(db database.TxBeginner, stores EcaAllocationStores, cache ecaCache, queue ecaJobQueue, exporter *ExportService, studentTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *EcaAllocationAdminService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exporter == nil {
		exporter = NewExportService(stores.Activities, stores.Allocations, nil, nil, logger)
	}
	return &EcaAllocationAdminService{
		db:         db,
		stores:     stores,
		cache:      cache,
		queue:      queue,
		exporter:   exporter,
		studentTTL: studentTTL,
		validator:  validate,
		logger:     logger,
	}
}

// ListByTerm returns a filtered page of a term's allocations.
func (s *EcaAllocationAdminService) ListByTerm(ctx context.Context, termID string, query dto.AllocationListQuery) ([]models.EcaAllocationDetail, *models.Pagination, error) {
	filter := models.EcaAllocationFilter{
		TermID:     termID,
		ActivityID: query.ActivityID,
		StudentID:  query.StudentID,
		Status:     models.EcaAllocationStatus(query.Status),
		Type:       models.EcaAllocationType(query.Type),
		Page:       query.Page,
		PageSize:   query.PageSize,
	}
	items, total, err := s.stores.Allocations.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list allocations")
	}
	if items == nil {
		items = []models.EcaAllocationDetail{}
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ListForStudent returns a student's confirmed allocations. The bool reports a cache hit.
func (s *EcaAllocationAdminService) ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, bool, error) {
	key := cache.StudentAllocationsKey(termID, studentID)
	if s.cache != nil {
		var cached []models.EcaAllocationDetail
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, true, nil
		}
	}

	items, err := s.stores.Allocations.ListForStudent(ctx, termID, studentID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student allocations")
	}
	if items == nil {
		items = []models.EcaAllocationDetail{}
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, items, s.studentTTL)
	}
	return items, false, nil
}

// Waitlist returns an activity's waitlist in position order.
func (s *EcaAllocationAdminService) Waitlist(ctx context.Context, activityID string) ([]models.EcaWaitlistEntry, error) {
	if _, err := s.stores.Activities.FindByID(ctx, nil, activityID); err != nil {
		return nil, activityLoadError(err)
	}
	entries, err := s.stores.Waitlist.ListByActivity(ctx, nil, activityID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waitlist")
	}
	if entries == nil {
		entries = []models.EcaWaitlistEntry{}
	}
	return entries, nil
}

// Manual places a student by admin override after allocation has run.
func (s *EcaAllocationAdminService) Manual(ctx context.Context, termID string, req dto.ManualAllocationRequest, actorID string) (*models.EcaAllocation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid manual allocation payload")
	}

	var created models.EcaAllocation
	err := database.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		if _, err := s.lockPostRunTerm(ctx, tx, termID); err != nil {
			return err
		}

		activity, err := s.stores.Activities.FindByID(ctx, tx, req.ActivityID)
		if err != nil {
			return activityLoadError(err)
		}
		if activity.TermID != termID {
			return appErrors.Clone(appErrors.ErrValidation, "activity does not belong to this term")
		}
		if res := activityAvailable(*activity); !res.Eligible {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("activity is not available: %s", res.Reason))
		}
		if _, err := s.stores.Students.FindByID(ctx, tx, req.StudentID); err != nil {
			return studentLoadError(err)
		}

		if err := s.ensureRoom(ctx, tx, activity); err != nil {
			return err
		}
		if activity.ActivityType != models.EcaActivityCompulsory {
			busy, err := s.stores.Allocations.HasConfirmedInSlot(ctx, tx, termID, req.StudentID, activity.DayOfWeek, activity.TimeSlot)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot")
			}
			if busy {
				return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("student already holds an allocation on %s", slotOf(*activity)))
			}
		}

		created = models.EcaAllocation{
			TermID:          termID,
			StudentID:       req.StudentID,
			ActivityID:      req.ActivityID,
			AllocationType:  models.EcaAllocManual,
			AllocationRound: roundAdmin,
			Status:          models.EcaAllocationConfirmed,
		}
		batch := []models.EcaAllocation{created}
		if err := s.stores.Allocations.InsertBatch(ctx, tx, batch); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store allocation")
		}
		created = batch[0]
		return s.writeAudit(ctx, tx, actorID, models.AuditActionAllocationManual, created.ID, nil, created)
	})
	if err != nil {
		return nil, err
	}

	s.enqueueInvalidation(termID)
	s.logger.Info("manual allocation created", zap.String("term_id", termID), zap.String("student_id", req.StudentID), zap.String("activity_id", req.ActivityID))
	return &created, nil
}

// Withdraw withdraws a confirmed allocation and promotes the first eligible waitlisted student.
func (s *EcaAllocationAdminService) Withdraw(ctx context.Context, allocationID, actorID string) (*dto.WithdrawAllocationResponse, error) {
	current, err := s.stores.Allocations.FindByID(ctx, nil, allocationID)
	if err != nil {
		return nil, allocationLoadError(err)
	}
	termID := current.TermID

	var resp dto.WithdrawAllocationResponse
	err = database.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		term, err := s.lockPostRunTerm(ctx, tx, termID)
		if err != nil {
			return err
		}
		alloc, err := s.stores.Allocations.FindByID(ctx, tx, allocationID)
		if err != nil {
			return allocationLoadError(err)
		}
		if alloc.Status != models.EcaAllocationConfirmed {
			return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("allocation is %s", alloc.Status))
		}
		if err := s.stores.Allocations.UpdateStatus(ctx, tx, alloc.ID, models.EcaAllocationWithdrawn); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw allocation")
		}
		before := *alloc
		alloc.Status = models.EcaAllocationWithdrawn
		resp.Withdrawn = *alloc

		activity, err := s.stores.Activities.FindByID(ctx, tx, alloc.ActivityID)
		if err != nil {
			return activityLoadError(err)
		}
		promoted, err := s.promote(ctx, tx, term, activity)
		if err != nil {
			return err
		}
		resp.Promoted = promoted

		after := map[string]interface{}{"allocation": resp.Withdrawn}
		if promoted != nil {
			after["promoted"] = promoted
		}
		return s.writeAudit(ctx, tx, actorID, models.AuditActionAllocationWithdraw, alloc.ID, before, after)
	})
	if err != nil {
		return nil, err
	}

	s.enqueueInvalidation(termID)
	fields := []zap.Field{zap.String("allocation_id", allocationID), zap.String("term_id", termID)}
	if resp.Promoted != nil {
		fields = append(fields, zap.String("promoted_student_id", resp.Promoted.StudentID))
	}
	s.logger.Info("allocation withdrawn", fields...)
	return &resp, nil
}

// ExportRoster renders an activity's confirmed roster.
func (s *EcaAllocationAdminService) ExportRoster(ctx context.Context, activityID string, format export.Format) (*ExportResult, error) {
	return s.exporter.Roster(ctx, activityID, format)
}

// promote walks the waitlist in position order and seats the first student who is still
// eligible and free in the slot. The consumed entry is removed.
func (s *EcaAllocationAdminService) promote(ctx context.Context, tx *sqlx.Tx, term *models.EcaTerm, activity *models.EcaActivity) (*models.EcaAllocation, error) {
	if res := activityAvailable(*activity); !res.Eligible {
		return nil, nil
	}
	entries, err := s.stores.Waitlist.ListByActivity(ctx, tx, activity.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waitlist")
	}

	for _, entry := range entries {
		student, err := s.stores.Students.FindByID(ctx, tx, entry.StudentID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, studentLoadError(err)
		}
		if !student.Active {
			continue
		}
		busy, err := s.stores.Allocations.HasConfirmedInSlot(ctx, tx, term.ID, student.ID, activity.DayOfWeek, activity.TimeSlot)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot")
		}
		if busy {
			continue
		}
		invitations, err := s.stores.Invitations.ListForStudent(ctx, tx, term.ID, student.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitations")
		}
		if verdict := NewEcaEligibilityEvaluator(invitations).Evaluate(*student, *activity); !verdict.Eligible {
			continue
		}
		room, err := s.hasRoom(ctx, tx, activity)
		if err != nil {
			return nil, err
		}
		if !room {
			return nil, nil
		}

		alloc := models.EcaAllocation{
			TermID:          term.ID,
			StudentID:       student.ID,
			ActivityID:      activity.ID,
			AllocationType:  models.EcaAllocFirstCome,
			AllocationRound: roundFirstCome,
			Status:          models.EcaAllocationConfirmed,
		}
		if term.SelectionMode == models.EcaModeSmartAllocation {
			alloc.AllocationType = models.EcaAllocSmartRanked
			if rank := s.selectedRank(ctx, term.ID, student.ID, activity.ID); rank > 0 {
				alloc.ChoiceRank = &rank
				alloc.AllocationRound = rankedRound(rank)
			}
		}
		batch := []models.EcaAllocation{alloc}
		if err := s.stores.Allocations.InsertBatch(ctx, tx, batch); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store promoted allocation")
		}
		if err := s.stores.Waitlist.Delete(ctx, tx, entry.ID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume waitlist entry")
		}
		return &batch[0], nil
	}
	return nil, nil
}

func (s *EcaAllocationAdminService) selectedRank(ctx context.Context, termID, studentID, activityID string) int {
	selections, err := s.stores.Selections.ListByStudent(ctx, termID, studentID)
	if err != nil {
		s.logger.Warn("failed to load selections for promotion", zap.String("student_id", studentID), zap.Error(err))
		return 0
	}
	for _, sel := range selections {
		if sel.ActivityID == activityID {
			return sel.Rank
		}
	}
	return 0
}

// lockPostRunTerm takes the per-term lock without waiting and checks allocations may be edited.
func (s *EcaAllocationAdminService) lockPostRunTerm(ctx context.Context, tx *sqlx.Tx, termID string) (*models.EcaTerm, error) {
	acquired, err := s.stores.Terms.TryAdvisoryLock(ctx, tx, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire term lock")
	}
	if !acquired {
		return nil, appErrors.Clone(appErrors.ErrLockConflict, "another allocation operation is in progress for this term")
	}
	term, err := s.stores.Terms.LockForUpdate(ctx, tx, termID)
	if err != nil {
		return nil, termLoadError(err)
	}
	if term.Status != models.EcaTermStatusAllocationComplete && term.Status != models.EcaTermStatusActive {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("allocations cannot be edited while the term is %s", term.Status))
	}
	return term, nil
}

func (s *EcaAllocationAdminService) ensureRoom(ctx context.Context, tx *sqlx.Tx, activity *models.EcaActivity) error {
	room, err := s.hasRoom(ctx, tx, activity)
	if err != nil {
		return err
	}
	if !room {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("%s is full", activity.Name))
	}
	return nil
}

func (s *EcaAllocationAdminService) hasRoom(ctx context.Context, tx *sqlx.Tx, activity *models.EcaActivity) (bool, error) {
	if activity.MaxCapacity == nil {
		return true, nil
	}
	count, err := s.stores.Allocations.CountConfirmed(ctx, tx, activity.ID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollment")
	}
	return count < *activity.MaxCapacity, nil
}

func (s *EcaAllocationAdminService) writeAudit(ctx context.Context, tx *sqlx.Tx, actorID, action, resourceID string, before, after interface{}) error {
	if s.stores.Audit == nil {
		return nil
	}
	log := &models.AuditLog{
		UserID:     optionalString(actorID),
		Action:     action,
		Resource:   "eca_allocation",
		ResourceID: &resourceID,
	}
	if before != nil {
		log.OldValues, _ = json.Marshal(before)
	}
	if after != nil {
		log.NewValues, _ = json.Marshal(after)
	}
	if err := s.stores.Audit.CreateAuditLog(ctx, tx, log); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit log")
	}
	return nil
}

func (s *EcaAllocationAdminService) enqueueInvalidation(termID string) {
	enqueueTermInvalidation(s.queue, s.logger, termID)
}

func activityLoadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "activity not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
}

func allocationLoadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "allocation not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load allocation")
}
