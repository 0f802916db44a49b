package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

// ecaSnapshotLoader reads everything one allocation pass needs through a single executor,
// so a run sees its own transaction and a preview sees one consistent snapshot.
type ecaSnapshotLoader struct {
	activities  ecaActivityStore
	selections  ecaSelectionStore
	invitations ecaInvitationStore
	students    ecaStudentStore
	metrics     *MetricsService
}

func (l ecaSnapshotLoader) load(ctx context.Context, exec sqlx.ExtContext, term models.EcaTerm) (EcaSnapshot, error) {
	start := time.Now()
	defer func() { l.metrics.ObserveDBQuery("eca_snapshot_load", time.Since(start)) }()

	snap := EcaSnapshot{Term: term}
	var err error
	if snap.Activities, err = l.activities.ListByTerm(ctx, exec, term.ID); err != nil {
		return snap, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activities")
	}
	if snap.Selections, err = l.selections.ListByTerm(ctx, exec, term.ID); err != nil {
		return snap, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load selections")
	}
	if snap.Invitations, err = l.invitations.ListByTerm(ctx, exec, term.ID); err != nil {
		return snap, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitations")
	}
	if snap.Students, err = l.students.ListReferencedByTerm(ctx, exec, term.ID); err != nil {
		return snap, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	return snap, nil
}

// revertRunCancellations un-cancels activities a previous run cancelled below minimum, which is
// what an override run does in storage before it reloads the snapshot.
func revertRunCancellations(activities []models.EcaActivity) {
	for i := range activities {
		activity := &activities[i]
		if activity.IsCancelled && activity.CancelReason != nil && *activity.CancelReason == models.CancelReasonBelowMinimum {
			activity.IsCancelled = false
			activity.CancelReason = nil
		}
	}
}

// outcomeRecords converts engine output into rows ready for insertion.
func outcomeRecords(out *EcaOutcome) ([]models.EcaAllocation, []models.EcaWaitlistEntry) {
	allocations := make([]models.EcaAllocation, 0, len(out.Placements))
	for _, p := range out.Placements {
		alloc := models.EcaAllocation{
			TermID:          out.Term.ID,
			StudentID:       p.StudentID,
			ActivityID:      p.ActivityID,
			AllocationType:  p.Type,
			AllocationRound: p.Round,
			Status:          models.EcaAllocationConfirmed,
		}
		if p.ChoiceRank > 0 {
			rank := p.ChoiceRank
			alloc.ChoiceRank = &rank
		}
		allocations = append(allocations, alloc)
	}

	waitlist := make([]models.EcaWaitlistEntry, 0, len(out.Waitlist))
	for _, w := range out.Waitlist {
		waitlist = append(waitlist, models.EcaWaitlistEntry{
			TermID:     out.Term.ID,
			ActivityID: w.ActivityID,
			StudentID:  w.StudentID,
			Position:   w.Position,
		})
	}
	return allocations, waitlist
}

func placementsByType(out *EcaOutcome) map[models.EcaAllocationType]int {
	counts := make(map[models.EcaAllocationType]int)
	for _, p := range out.Placements {
		counts[p.Type]++
	}
	return counts
}
