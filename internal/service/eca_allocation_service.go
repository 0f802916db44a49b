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
	"github.com/noah-isme/eca-allocation-api/pkg/logger"
)

// EcaAllocationServiceConfig tunes run defaults and preview caching.
type EcaAllocationServiceConfig struct {
	DefaultCancelBelowMinimum bool
	PreviewCacheTTL           time.Duration
}

// EcaAllocationStores groups the persistence collaborators of the allocation service.
type EcaAllocationStores struct {
	Terms       ecaTermStore
	Activities  ecaActivityStore
	Selections  ecaSelectionStore
	Invitations ecaInvitationStore
	Students    ecaStudentStore
	Allocations ecaAllocationStore
	Waitlist    ecaWaitlistStore
	Audit       ecaAuditStore
}

// EcaAllocationService runs and previews allocation for a term.
type EcaAllocationService struct {
	db        database.TxBeginner
	stores    EcaAllocationStores
	loader    ecaSnapshotLoader
	engine    *EcaAllocationEngine
	cache     ecaCache
	queue     ecaJobQueue
	metrics   *MetricsService
	cfg       EcaAllocationServiceConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEcaAllocationService wires the service. cache, queue and metrics may be nil.
func NewEcaAllocationService(db database.TxBeginner, stores EcaAllocationStores, engine *EcaAllocationEngine, cache ecaCache, queue ecaJobQueue, metrics *MetricsService, cfg EcaAllocationServiceConfig, validate *validator.Validate, logger *zap.Logger) *EcaAllocationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = NewEcaAllocationEngine(1, 0, logger)
	}
	return &EcaAllocationService{
		db:     db,
		stores: stores,
		loader: ecaSnapshotLoader{
			activities:  stores.Activities,
			selections:  stores.Selections,
			invitations: stores.Invitations,
			students:    stores.Students,
			metrics:     metrics,
		},
		engine:    engine,
		cache:     cache,
		queue:     queue,
		metrics:   metrics,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the allocation pipeline for a term and commits its output atomically.
func (s *EcaAllocationService) Run(ctx context.Context, termID string, req dto.RunAllocationRequest, actorID string) (*dto.EcaAllocationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid allocation options")
	}

	start := time.Now()
	var (
		out    *EcaOutcome
		result dto.EcaAllocationResult
		rerun  bool
		opts   EcaRunOptions
	)
	runLog := logger.ForTerm(s.logger, termID)
	err := database.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		acquired, err := s.stores.Terms.TryAdvisoryLock(ctx, tx, termID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire term lock")
		}
		if !acquired {
			return appErrors.Clone(appErrors.ErrLockConflict, "allocation is already running for this term")
		}

		term, err := s.stores.Terms.LockForUpdate(ctx, tx, termID)
		if err != nil {
			return termLoadError(err)
		}
		if err := checkRunnable(term, req.Override); err != nil {
			return err
		}
		rerun = term.AllocationRun
		opts = s.resolveOptions(term, req)
		runLog.Info("allocation run started",
			zap.String("mode", string(opts.Mode)),
			zap.Bool("cancel_below_minimum", opts.CancelBelowMinimum),
			zap.Bool("override", req.Override),
		)

		if req.Override {
			if err := s.clearPreviousRun(ctx, tx, termID); err != nil {
				return err
			}
		}

		snap, err := s.loader.load(ctx, tx, *term)
		if err != nil {
			return err
		}
		out, err = s.engine.Allocate(ctx, snap, opts)
		if err != nil {
			return engineError(err)
		}

		allocations, waitlist := outcomeRecords(out)
		if err := s.stores.Allocations.InsertBatch(ctx, tx, allocations); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store allocations")
		}
		if err := s.stores.Waitlist.InsertBatch(ctx, tx, waitlist); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store waitlist")
		}
		if err := s.stores.Activities.MarkCancelled(ctx, tx, out.Cancelled, models.CancelReasonBelowMinimum); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel activities")
		}
		if err := s.stores.Terms.MarkAllocationRun(ctx, tx, termID, s.now()); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete term allocation")
		}

		result = buildAllocationResult(out)
		return s.recordRunAudit(ctx, tx, termID, actorID, rerun, result)
	})
	if err != nil {
		s.recordFailure(termID, opts.Mode, start, err)
		return nil, err
	}

	s.metrics.RecordAllocationRun(opts.Mode, AllocationOutcomeSuccess, time.Since(start), placementsByType(out), len(result.Unallocated), len(out.Cancelled))
	s.enqueueInvalidation(termID)
	runLog.Info("allocation run committed",
		zap.Bool("rerun", rerun),
		zap.Int("allocations", result.TotalAllocations),
		zap.Int("waitlisted", result.WaitlistCount),
		zap.Int("unallocated", len(result.Unallocated)),
		zap.Int("cancelled", result.CancelledActivities),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return &result, nil
}

// Preview runs the same pipeline against a read-only snapshot. The bool reports a cache hit.
func (s *EcaAllocationService) Preview(ctx context.Context, termID string, req dto.RunAllocationRequest) (*dto.EcaAllocationPreview, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid allocation options")
	}

	current, err := s.stores.Terms.FindByID(ctx, nil, termID)
	if err != nil {
		return nil, false, termLoadError(err)
	}
	if err := checkPreviewable(current); err != nil {
		return nil, false, err
	}
	opts := s.resolveOptions(current, req)

	if s.cache != nil {
		var cached dto.EcaAllocationPreview
		key := cache.PreviewKey(termID, string(opts.Mode), opts.CancelBelowMinimum)
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	start := time.Now()
	var preview dto.EcaAllocationPreview
	err = database.WithReadSnapshot(ctx, s.db, func(tx *sqlx.Tx) error {
		// The term row must come from the same snapshot as the activities it describes.
		term, err := s.stores.Terms.FindByID(ctx, tx, termID)
		if err != nil {
			return termLoadError(err)
		}
		if err := checkPreviewable(term); err != nil {
			return err
		}
		opts = s.resolveOptions(term, req)

		snap, err := s.loader.load(ctx, tx, *term)
		if err != nil {
			return err
		}
		if term.AllocationRun {
			revertRunCancellations(snap.Activities)
		}
		out, err := s.engine.Allocate(ctx, snap, opts)
		if err != nil {
			return engineError(err)
		}
		preview = buildAllocationPreview(out)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.metrics.ObserveAllocationPreview(opts.Mode, time.Since(start))

	if s.cache != nil {
		key := cache.PreviewKey(termID, string(opts.Mode), opts.CancelBelowMinimum)
		if err := s.cache.Set(ctx, key, preview, s.cfg.PreviewCacheTTL); err != nil {
			s.logger.Warn("failed to cache allocation preview", zap.String("term_id", termID), zap.Error(err))
		}
	}
	return &preview, false, nil
}

func (s *EcaAllocationService) resolveOptions(term *models.EcaTerm, req dto.RunAllocationRequest) EcaRunOptions {
	opts := EcaRunOptions{Mode: term.SelectionMode, CancelBelowMinimum: s.cfg.DefaultCancelBelowMinimum}
	if req.SelectionMode != nil {
		opts.Mode = *req.SelectionMode
	}
	if req.CancelBelowMinimum != nil {
		opts.CancelBelowMinimum = *req.CancelBelowMinimum
	}
	return opts
}

func (s *EcaAllocationService) clearPreviousRun(ctx context.Context, tx *sqlx.Tx, termID string) error {
	if err := s.stores.Allocations.DeleteByTerm(ctx, tx, termID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear previous allocations")
	}
	if err := s.stores.Waitlist.DeleteByTerm(ctx, tx, termID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear previous waitlist")
	}
	if err := s.stores.Activities.ResetCancellations(ctx, tx, termID, models.CancelReasonBelowMinimum); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revert previous cancellations")
	}
	return nil
}

func (s *EcaAllocationService) recordRunAudit(ctx context.Context, tx *sqlx.Tx, termID, actorID string, rerun bool, result dto.EcaAllocationResult) error {
	if s.stores.Audit == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"termId":              termID,
		"rerun":               rerun,
		"mode":                result.Mode,
		"totalStudents":       result.TotalStudents,
		"totalAllocations":    result.TotalAllocations,
		"waitlistCount":       result.WaitlistCount,
		"cancelledActivities": result.CancelledActivities,
		"unallocated":         len(result.Unallocated),
		"satisfaction":        result.Satisfaction,
		"errors":              len(result.Errors),
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode audit payload")
	}
	log := &models.AuditLog{
		UserID:     optionalString(actorID),
		Action:     models.AuditActionAllocationRun,
		Resource:   "eca_term",
		ResourceID: &termID,
		NewValues:  payload,
	}
	if err := s.stores.Audit.CreateAuditLog(ctx, tx, log); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit log")
	}
	return nil
}

func (s *EcaAllocationService) recordFailure(termID string, mode models.EcaSelectionMode, start time.Time, err error) {
	outcome := AllocationOutcomeFailed
	if appErrors.HasCode(err, appErrors.ErrLockConflict.Code, appErrors.ErrStateConflict.Code) {
		outcome = AllocationOutcomeConflict
		appErr := appErrors.FromError(err)
		s.logger.Warn("allocation run rejected", zap.String("term_id", termID), zap.String("code", appErr.Code), zap.String("reason", appErr.Message))
	} else {
		s.logger.Error("allocation run failed", zap.String("term_id", termID), zap.Error(err))
	}
	s.metrics.RecordAllocationRun(mode, outcome, time.Since(start), nil, 0, 0)
}

func (s *EcaAllocationService) enqueueInvalidation(termID string) {
	enqueueTermInvalidation(s.queue, s.logger, termID)
}

// checkRunnable enforces the allocation guard: only closed registrations run, and a term that
// already ran needs an explicit override.
func checkRunnable(term *models.EcaTerm, override bool) error {
	if term.AllocationRun && !override {
		return appErrors.Clone(appErrors.ErrStateConflict, "allocation has already run for this term; re-run with override")
	}
	switch term.Status {
	case models.EcaTermStatusRegistrationClosed:
		return nil
	case models.EcaTermStatusAllocationComplete:
		if override {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("allocation requires a REGISTRATION_CLOSED term, got %s", term.Status))
}

func checkPreviewable(term *models.EcaTerm) error {
	switch term.Status {
	case models.EcaTermStatusRegistrationOpen, models.EcaTermStatusRegistrationClosed, models.EcaTermStatusAllocationComplete:
		return nil
	}
	return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("preview is not available for a %s term", term.Status))
}

func termLoadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "eca term not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load eca term")
}

func engineError(err error) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "allocation pass aborted")
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
