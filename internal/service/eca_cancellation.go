package service

import (
	"sort"

	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

// resolveCancellations evaluates every activity against its minimum exactly once, cancels
// the short ones when the run allows it and gives their students a second pass.
func (r *engineRun) resolveCancellations(strategy allocationStrategy) {
	enrollment := r.tracker.Snapshot()
	affected := make(map[SlotKey][]string)

	ids := make([]string, 0, len(r.activities))
	for id := range r.activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		activity := r.activities[id]
		if activity.TermID != r.term.ID || !activity.IsActive || activity.IsCancelled {
			continue
		}
		if activity.ActivityType == models.EcaActivityCompulsory || activity.MinCapacity == nil {
			continue
		}
		if enrollment[id] >= *activity.MinCapacity {
			continue
		}
		r.below[id] = true
		if !r.opts.CancelBelowMinimum {
			continue
		}

		reason := models.CancelReasonBelowMinimum
		activity.IsCancelled = true
		activity.CancelReason = &reason
		r.cancelled = append(r.cancelled, id)

		key := slotOf(*activity)
		released := r.groups[key].release(r.tracker, id)
		affected[key] = append(affected[key], released...)
		r.logger.Info("activity cancelled below minimum",
			zap.String("term_id", r.term.ID),
			zap.String("activity_id", id),
			zap.Int("enrollment", enrollment[id]),
			zap.Int("min_capacity", *activity.MinCapacity),
			zap.Int("released", len(released)),
		)
	}

	for _, g := range r.orderedGroups() {
		students := affected[g.key]
		if len(students) == 0 {
			continue
		}
		students = g.submissionOrder(students)
		g.retried = append(g.retried, students...)
		strategy.retry(r, g, students)
	}
}

// release removes every placement of the activity and drops its waitlist.
func (g *slotGroup) release(tracker *CapacityTracker, activityID string) []string {
	var released []string
	kept := g.placements[:0]
	for _, p := range g.placements {
		if p.ActivityID == activityID {
			tracker.Release(activityID)
			released = append(released, p.StudentID)
			continue
		}
		kept = append(kept, p)
	}
	g.placements = kept
	delete(g.waitlists, activityID)

	g.covered = make(map[string]bool, len(g.placements))
	g.occupied = make(map[string]bool, len(g.placements))
	for _, p := range g.placements {
		g.covered[p.StudentID] = true
		if p.Type != models.EcaAllocCompulsory {
			g.occupied[p.StudentID] = true
		}
	}
	return released
}

// submissionOrder sorts students the way the first pass met them; students without
// selections in the group follow by id.
func (g *slotGroup) submissionOrder(students []string) []string {
	position := make(map[string]int, len(g.students))
	for i, id := range g.students {
		position[id] = i
	}
	out := append([]string(nil), students...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := position[out[i]]
		pj, jok := position[out[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return dedupeStrings(out)
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
