package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/pkg/database"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

// EcaSelectionService lets parents inspect eligibility and submit ranked selections.
type EcaSelectionService struct {
	db          database.TxBeginner
	terms       ecaTermStore
	activities  ecaActivityStore
	selections  ecaSelectionStore
	invitations ecaInvitationStore
	students    ecaStudentStore
	audit       ecaAuditStore
	queue       ecaJobQueue
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEcaSelectionService constructs the service. queue may be nil.
func NewEcaSelectionService(db database.TxBeginner, stores EcaAllocationStores, queue ecaJobQueue, validate *validator.Validate, logger *zap.Logger) *EcaSelectionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EcaSelectionService{
		db:          db,
		terms:       stores.Terms,
		activities:  stores.Activities,
		selections:  stores.Selections,
		invitations: stores.Invitations,
		students:    stores.Students,
		audit:       stores.Audit,
		queue:       queue,
		validator:   validate,
		logger:      logger,
	}
}

// EligibleActivities annotates every activity of the term with the student's eligibility.
func (s *EcaSelectionService) EligibleActivities(ctx context.Context, termID, studentID string) ([]dto.EligibleActivity, error) {
	if _, err := s.terms.FindByID(ctx, nil, termID); err != nil {
		return nil, termLoadError(err)
	}
	student, err := s.students.FindByID(ctx, nil, studentID)
	if err != nil {
		return nil, studentLoadError(err)
	}
	activities, err := s.activities.ListByTerm(ctx, nil, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activities")
	}
	invitations, err := s.invitations.ListForStudent(ctx, nil, termID, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitations")
	}

	evaluator := NewEcaEligibilityEvaluator(invitations)
	result := make([]dto.EligibleActivity, 0, len(activities))
	for _, activity := range activities {
		verdict := evaluator.Evaluate(*student, activity)
		result = append(result, dto.EligibleActivity{Activity: activity, Eligible: verdict.Eligible, Reason: verdict.Reason})
	}
	return result, nil
}

// List returns a student's current selections.
func (s *EcaSelectionService) List(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error) {
	selections, err := s.selections.ListByStudent(ctx, termID, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list selections")
	}
	if selections == nil {
		selections = []models.EcaSelection{}
	}
	return selections, nil
}

// Submit replaces a student's selections while registration is open.
func (s *EcaSelectionService) Submit(ctx context.Context, termID, studentID string, req dto.SubmitSelectionsRequest, actorID string) ([]models.EcaSelection, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid selections payload")
	}

	err := database.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		term, err := s.terms.LockForShare(ctx, tx, termID)
		if err != nil {
			return termLoadError(err)
		}
		if term.Status != models.EcaTermStatusRegistrationOpen {
			return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("selections can only change while registration is open, term is %s", term.Status))
		}
		student, err := s.students.FindByID(ctx, tx, studentID)
		if err != nil {
			return studentLoadError(err)
		}
		if !student.Active {
			return appErrors.Clone(appErrors.ErrValidation, "student is not active")
		}
		activities, err := s.activities.ListByTerm(ctx, tx, termID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activities")
		}
		invitations, err := s.invitations.ListForStudent(ctx, tx, termID, studentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitations")
		}

		if err := validateSelections(term.SelectionMode, *student, activities, NewEcaEligibilityEvaluator(invitations), req.Selections); err != nil {
			return err
		}

		selections := make([]models.EcaSelection, 0, len(req.Selections))
		for _, item := range req.Selections {
			selections = append(selections, models.EcaSelection{ActivityID: item.ActivityID, Rank: item.Rank, IsPriority: item.IsPriority})
		}
		if err := s.selections.ReplaceForStudent(ctx, tx, termID, studentID, selections); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store selections")
		}

		if s.audit != nil {
			payload, _ := json.Marshal(req.Selections)
			log := &models.AuditLog{
				UserID:     optionalString(actorID),
				Action:     models.AuditActionSelectionsSubmit,
				Resource:   "eca_selection",
				ResourceID: &studentID,
				NewValues:  payload,
			}
			if err := s.audit.CreateAuditLog(ctx, tx, log); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit log")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	enqueueTermInvalidation(s.queue, s.logger, termID)
	s.logger.Debug("eca selections submitted", zap.String("term_id", termID), zap.String("student_id", studentID), zap.Int("count", len(req.Selections)))
	return s.List(ctx, termID, studentID)
}

// validateSelections checks a submission against the term's rules before it is stored.
func validateSelections(mode models.EcaSelectionMode, student models.Student, activities []models.EcaActivity, evaluator *EcaEligibilityEvaluator, items []dto.SelectionItem) error {
	byID := make(map[string]models.EcaActivity, len(activities))
	for _, activity := range activities {
		byID[activity.ID] = activity
	}

	type slotRank struct {
		slot SlotKey
		rank int
	}
	seen := make(map[string]bool, len(items))
	ranks := make(map[slotRank]bool, len(items))
	slots := make(map[SlotKey]bool, len(items))
	priorities := 0

	for _, item := range items {
		activity, ok := byID[item.ActivityID]
		if !ok {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("activity %s is not part of this term", item.ActivityID))
		}
		if seen[item.ActivityID] {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("activity %s is selected twice", activity.Name))
		}
		seen[item.ActivityID] = true

		if verdict := evaluator.Evaluate(student, activity); !verdict.Eligible {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("student is not eligible for %s: %s", activity.Name, verdict.Reason))
		}

		slot := slotOf(activity)
		if mode == models.EcaModeFirstComeFirstServed {
			if item.Rank != 1 || item.IsPriority {
				return appErrors.Clone(appErrors.ErrValidation, "first-come terms accept rank 1 selections without priority")
			}
			if slots[slot] {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("only one activity can be chosen on %s", slot))
			}
			slots[slot] = true
			continue
		}

		key := slotRank{slot: slot, rank: item.Rank}
		if ranks[key] {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("rank %d is used twice on %s", item.Rank, slot))
		}
		ranks[key] = true
		if item.IsPriority {
			priorities++
			if priorities > 1 {
				return appErrors.Clone(appErrors.ErrValidation, "only one selection can be marked as priority")
			}
		}
	}
	return nil
}

func studentLoadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
}
