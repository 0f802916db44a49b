package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/pkg/cache"
	"github.com/noah-isme/eca-allocation-api/pkg/jobs"
)

// JobTypeInvalidateTerm drops every cached view of a term after its allocations changed.
const JobTypeInvalidateTerm = "eca.invalidate-term"

// enqueueTermInvalidation schedules a cache drop for the term on the retrying job queue.
// A nil queue disables it.
func enqueueTermInvalidation(queue ecaJobQueue, logger *zap.Logger, termID string) {
	if queue == nil {
		return
	}
	job := jobs.Job{ID: termID, Type: JobTypeInvalidateTerm, Key: JobTypeInvalidateTerm + ":" + termID, Payload: termID}
	if err := queue.Enqueue(job); err != nil {
		logger.Warn("failed to enqueue cache invalidation", zap.String("term_id", termID), zap.Error(err))
	}
}

// EcaCacheInvalidator handles post-commit cache invalidation jobs.
type EcaCacheInvalidator struct {
	cache  ecaCache
	logger *zap.Logger
}

// NewEcaCacheInvalidator constructs the job handler.
func NewEcaCacheInvalidator(cache ecaCache, logger *zap.Logger) *EcaCacheInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EcaCacheInvalidator{cache: cache, logger: logger}
}

// Handle implements jobs.Handler.
func (h *EcaCacheInvalidator) Handle(ctx context.Context, job jobs.Job) error {
	termID, ok := job.Payload.(string)
	if !ok || termID == "" {
		h.logger.Error("invalid invalidation payload", zap.String("job_id", job.ID))
		return nil
	}
	if h.cache == nil {
		return nil
	}
	for _, pattern := range cache.TermPatterns(termID) {
		if err := h.cache.Invalidate(ctx, pattern); err != nil {
			return fmt.Errorf("invalidate %s: %w", pattern, err)
		}
	}
	h.logger.Debug("term caches invalidated", zap.String("term_id", termID))
	return nil
}
