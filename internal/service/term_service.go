package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/pkg/database"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

// EcaTermService drives the term lifecycle.
type EcaTermService struct {
	db        database.TxBeginner
	terms     ecaTermStore
	audit     ecaAuditStore
	queue     ecaJobQueue
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEcaTermService creates a new term service instance. queue may be nil.
func NewEcaTermService(db database.TxBeginner, terms ecaTermStore, audit ecaAuditStore, queue ecaJobQueue, validate *validator.Validate, logger *zap.Logger) *EcaTermService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EcaTermService{db: db, terms: terms, audit: audit, queue: queue, validator: validate, logger: logger}
}

// Get returns a term by ID.
func (s *EcaTermService) Get(ctx context.Context, id string) (*models.EcaTerm, error) {
	term, err := s.terms.FindByID(ctx, nil, id)
	if err != nil {
		return nil, termLoadError(err)
	}
	return term, nil
}

// Transition moves a term exactly one step forward. ALLOCATION_COMPLETE is only reached by
// committing an allocation run.
func (s *EcaTermService) Transition(ctx context.Context, id string, req dto.TransitionTermRequest, actorID string) (*models.EcaTerm, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown term status %q", req.Status))
	}
	if req.Status == models.EcaTermStatusAllocationComplete {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "ALLOCATION_COMPLETE is reached by running allocation")
	}

	var updated models.EcaTerm
	err := database.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		term, err := s.terms.LockForUpdate(ctx, tx, id)
		if err != nil {
			return termLoadError(err)
		}
		next, ok := term.Status.Next()
		if !ok || next != req.Status {
			return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("cannot move term from %s to %s", term.Status, req.Status))
		}
		if err := s.terms.UpdateStatus(ctx, tx, id, req.Status); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update term status")
		}

		if s.audit != nil {
			oldValues, _ := json.Marshal(map[string]models.EcaTermStatus{"status": term.Status})
			newValues, _ := json.Marshal(map[string]models.EcaTermStatus{"status": req.Status})
			log := &models.AuditLog{
				UserID:     optionalString(actorID),
				Action:     models.AuditActionTermTransition,
				Resource:   "eca_term",
				ResourceID: &id,
				OldValues:  oldValues,
				NewValues:  newValues,
			}
			if err := s.audit.CreateAuditLog(ctx, tx, log); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit log")
			}
		}

		updated = *term
		updated.Status = req.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("eca term transitioned", zap.String("term_id", id), zap.String("status", string(req.Status)))
	enqueueTermInvalidation(s.queue, s.logger, id)
	return &updated, nil
}
