package service

import (
	"fmt"
	"sort"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

// allocationStrategy is the per-mode placement algorithm of a slot group.
type allocationStrategy interface {
	// allocate performs the first pass on a pre-seeded group.
	allocate(r *engineRun, g *slotGroup)
	// retry places students released by a cancelled activity.
	retry(r *engineRun, g *slotGroup, students []string)
}

func strategyFor(mode models.EcaSelectionMode) (allocationStrategy, error) {
	switch mode {
	case models.EcaModeFirstComeFirstServed:
		return firstComeStrategy{}, nil
	case models.EcaModeSmartAllocation:
		return smartStrategy{}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown selection mode %q", mode))
	}
}

// firstComeStrategy serves selections strictly in submission order.
type firstComeStrategy struct{}

func (firstComeStrategy) allocate(r *engineRun, g *slotGroup) {
	for _, req := range g.queue {
		studentID := req.sel.StudentID
		if g.covered[studentID] {
			continue
		}
		if r.place(g, studentID, req.sel.ActivityID, models.EcaAllocFirstCome, roundFirstCome, req.sel.Rank) {
			continue
		}
		g.waitlist(req.sel.ActivityID, studentID)
		g.reasons[studentID] = models.UnallocatedAllFull
	}

	for _, studentID := range g.students {
		if g.covered[studentID] {
			continue
		}
		if _, ok := g.reasons[studentID]; !ok {
			g.reasons[studentID] = models.UnallocatedNoEligibleActivities
		}
	}
}

func (firstComeStrategy) retry(r *engineRun, g *slotGroup, students []string) {
	for _, studentID := range students {
		if retryRequests(r, g, studentID, func(models.EcaSelection) (models.EcaAllocationType, int) {
			return models.EcaAllocFirstCome, roundFirstCome
		}) {
			continue
		}
		r.fallback(g, studentID)
	}
}

// smartStrategy runs the priority round, ranked rounds 1..3, reallocation and the forced pass.
type smartStrategy struct{}

func (smartStrategy) allocate(r *engineRun, g *slotGroup) {
	attempted := make(map[string]bool, len(g.queue))

	try := func(req ecaRequest, kind models.EcaAllocationType, round int) {
		studentID := req.sel.StudentID
		if g.covered[studentID] || attempted[req.sel.ID] {
			return
		}
		attempted[req.sel.ID] = true
		if !r.place(g, studentID, req.sel.ActivityID, kind, round, req.sel.Rank) {
			g.waitlist(req.sel.ActivityID, studentID)
		}
	}

	for _, req := range g.queue {
		if req.sel.IsPriority {
			try(req, models.EcaAllocSmartPriority, roundPriority)
		}
	}
	for rank := 1; rank <= 3; rank++ {
		for _, req := range g.queue {
			if req.sel.Rank == rank {
				try(req, models.EcaAllocSmartRanked, rankedRound(rank))
			}
		}
	}
	for _, studentID := range g.students {
		r.fallback(g, studentID)
	}
}

func (smartStrategy) retry(r *engineRun, g *slotGroup, students []string) {
	for _, studentID := range students {
		if retryRequests(r, g, studentID, func(sel models.EcaSelection) (models.EcaAllocationType, int) {
			return models.EcaAllocSmartRanked, rankedRound(sel.Rank)
		}) {
			continue
		}
		r.fallback(g, studentID)
	}
}

// retryRequests walks a student's remaining eligible selections in rank order.
func retryRequests(r *engineRun, g *slotGroup, studentID string, tag func(models.EcaSelection) (models.EcaAllocationType, int)) bool {
	if g.covered[studentID] {
		return true
	}
	requests := append([]ecaRequest(nil), g.requests[studentID]...)
	sort.SliceStable(requests, func(i, j int) bool { return requests[i].sel.Rank < requests[j].sel.Rank })
	for _, req := range requests {
		if !req.eligible {
			continue
		}
		activity, ok := r.activities[req.sel.ActivityID]
		if !ok || !r.eligibleFor(studentID, activity) {
			continue
		}
		kind, round := tag(req.sel)
		if r.place(g, studentID, activity.ID, kind, round, req.sel.Rank) {
			return true
		}
		g.waitlist(activity.ID, studentID)
	}
	return false
}
