package service

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

// CapacityTracker holds the run-scoped enrollment counters of a term's activities.
// Every slot group writes only to its own activities; the mutex guards the shared maps.
type CapacityTracker struct {
	mu       sync.Mutex
	max      map[string]*int
	enrolled map[string]int
}

// NewCapacityTracker starts every activity at zero enrollment.
func NewCapacityTracker(activities []models.EcaActivity) *CapacityTracker {
	t := &CapacityTracker{
		max:      make(map[string]*int, len(activities)),
		enrolled: make(map[string]int, len(activities)),
	}
	for _, activity := range activities {
		t.max[activity.ID] = activity.MaxCapacity
		t.enrolled[activity.ID] = 0
	}
	return t
}

// Reserve takes one seat; it returns false when the activity is full or unknown.
func (t *CapacityTracker) Reserve(activityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	max, ok := t.max[activityID]
	if !ok {
		return false
	}
	if max != nil && t.enrolled[activityID] >= *max {
		return false
	}
	t.enrolled[activityID]++
	return true
}

// Release gives one seat back.
func (t *CapacityTracker) Release(activityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.enrolled[activityID] > 0 {
		t.enrolled[activityID]--
	}
}

// CurrentEnrollment returns the seats taken so far.
func (t *CapacityTracker) CurrentEnrollment(activityID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enrolled[activityID]
}

// HasRoom reports whether Reserve would currently succeed.
func (t *CapacityTracker) HasRoom(activityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	max, ok := t.max[activityID]
	if !ok {
		return false
	}
	return max == nil || t.enrolled[activityID] < *max
}

// Snapshot copies the counters.
func (t *CapacityTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.enrolled))
	for id, n := range t.enrolled {
		out[id] = n
	}
	return out
}

// Verify fails when any counter exceeds its maximum.
func (t *CapacityTracker) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.enrolled))
	for id := range t.enrolled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if max := t.max[id]; max != nil && t.enrolled[id] > *max {
			return appErrors.Clone(appErrors.ErrCapacityInvariant, fmt.Sprintf("activity %s holds %d allocations over a capacity of %d", id, t.enrolled[id], *max))
		}
	}
	return nil
}

// softTarget is the fill level reallocation stops at. The second return is false for unbounded activities.
func softTarget(activity models.EcaActivity, ratio float64) (int, bool) {
	if activity.MaxCapacity == nil {
		return 0, false
	}
	max := *activity.MaxCapacity
	target := int(math.Ceil(float64(max)*ratio - 1e-9))
	if activity.MinCapacity != nil && *activity.MinCapacity > target {
		target = *activity.MinCapacity
	}
	if target < 1 {
		target = 1
	}
	if target > max {
		target = max
	}
	return target, true
}
