package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

const (
	roundPreseed      = 0
	roundPriority     = 1
	roundFirstCome    = 1
	roundReallocation = 5
	roundForced       = 6
)

// rankedRound maps a selection rank onto the round number stored with the allocation.
func rankedRound(rank int) int { return 1 + rank }

// EcaSnapshot is the frozen input of one allocation pass.
type EcaSnapshot struct {
	Term        models.EcaTerm
	Activities  []models.EcaActivity
	Students    []models.Student
	Selections  []models.EcaSelection
	Invitations []models.EcaInvitation
}

// EcaRunOptions are the resolved options of a run.
type EcaRunOptions struct {
	Mode               models.EcaSelectionMode
	CancelBelowMinimum bool
}

// SlotKey identifies a slot group.
type SlotKey struct {
	Day  int
	Slot models.EcaTimeSlot
}

func slotOf(activity models.EcaActivity) SlotKey {
	return SlotKey{Day: activity.DayOfWeek, Slot: activity.TimeSlot}
}

func (k SlotKey) less(other SlotKey) bool {
	if k.Day != other.Day {
		return k.Day < other.Day
	}
	if k.Slot.Order() != other.Slot.Order() {
		return k.Slot.Order() < other.Slot.Order()
	}
	return k.Slot < other.Slot
}

func (k SlotKey) String() string { return fmt.Sprintf("day %d %s", k.Day, k.Slot) }

// EcaPlacement is one allocation decided by the engine.
type EcaPlacement struct {
	StudentID  string
	ActivityID string
	Type       models.EcaAllocationType
	Round      int
	ChoiceRank int
}

// EcaWaitlistPlacement is one waitlist row decided by the engine.
type EcaWaitlistPlacement struct {
	ActivityID string
	StudentID  string
	Position   int
}

// EcaUnplaced is a student left without a place in a slot group.
type EcaUnplaced struct {
	StudentID string
	Slot      SlotKey
	Reason    models.UnallocatedReason
	Requested []models.EcaSelection
}

// EcaOutcome is the complete output of one allocation pass.
type EcaOutcome struct {
	Term         models.EcaTerm
	Options      EcaRunOptions
	Activities   []models.EcaActivity
	Students     map[string]models.Student
	Placements   []EcaPlacement
	Waitlist     []EcaWaitlistPlacement
	Unallocated  []EcaUnplaced
	Cancelled    []string
	BelowMinimum map[string]bool
	Enrollment   map[string]int
	Participants int
	Errors       []string
}

// EcaAllocationEngine turns a term snapshot into allocations, waitlists and cancellations.
type EcaAllocationEngine struct {
	parallelGroups  int
	softTargetRatio float64
	logger          *zap.Logger
}

// NewEcaAllocationEngine constructs the engine.
func NewEcaAllocationEngine(parallelGroups int, softTargetRatio float64, logger *zap.Logger) *EcaAllocationEngine {
	if parallelGroups <= 0 {
		parallelGroups = 1
	}
	if softTargetRatio <= 0 || softTargetRatio > 1 {
		softTargetRatio = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EcaAllocationEngine{parallelGroups: parallelGroups, softTargetRatio: softTargetRatio, logger: logger}
}

// Allocate runs pre-seeding, the mode's strategy on every slot group, the cancellation
// resolver and the invariant checks. It never touches storage.
func (e *EcaAllocationEngine) Allocate(ctx context.Context, snap EcaSnapshot, opts EcaRunOptions) (*EcaOutcome, error) {
	strategy, err := strategyFor(opts.Mode)
	if err != nil {
		return nil, err
	}

	run := newEngineRun(snap, opts, e.softTargetRatio, e.logger)
	run.normalize()
	run.preseed()

	groups := run.orderedGroups()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallelGroups)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			strategy.allocate(run, group)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	run.resolveCancellations(strategy)

	outcome := run.collect(groups)
	if err := run.tracker.Verify(); err != nil {
		return nil, err
	}
	if err := verifyOutcome(outcome); err != nil {
		e.logger.Error("allocation invariant violated", zap.String("term_id", snap.Term.ID), zap.Error(err))
		return nil, err
	}
	return outcome, nil
}

type ecaRequest struct {
	sel      models.EcaSelection
	eligible bool
}

// slotGroup is the unit of independent allocation. Only one goroutine touches a group at a time.
type slotGroup struct {
	key        SlotKey
	activities []*models.EcaActivity
	requests   map[string][]ecaRequest
	queue      []ecaRequest
	students   []string
	placements []EcaPlacement
	covered    map[string]bool
	occupied   map[string]bool
	waitlists  map[string][]string
	reasons    map[string]models.UnallocatedReason
	retried    []string
}

func newSlotGroup(key SlotKey) *slotGroup {
	return &slotGroup{
		key:       key,
		requests:  make(map[string][]ecaRequest),
		covered:   make(map[string]bool),
		occupied:  make(map[string]bool),
		waitlists: make(map[string][]string),
		reasons:   make(map[string]models.UnallocatedReason),
	}
}

func (g *slotGroup) add(p EcaPlacement, compulsory bool) {
	g.placements = append(g.placements, p)
	g.covered[p.StudentID] = true
	if !compulsory {
		g.occupied[p.StudentID] = true
	}
	delete(g.reasons, p.StudentID)
}

func (g *slotGroup) waitlist(activityID, studentID string) {
	for _, queued := range g.waitlists[activityID] {
		if queued == studentID {
			return
		}
	}
	g.waitlists[activityID] = append(g.waitlists[activityID], studentID)
}

func (g *slotGroup) selected(studentID string) map[string]bool {
	out := make(map[string]bool, len(g.requests[studentID]))
	for _, req := range g.requests[studentID] {
		out[req.sel.ActivityID] = true
	}
	return out
}

// engineRun is the mutable state of one Allocate call.
type engineRun struct {
	term       models.EcaTerm
	opts       EcaRunOptions
	ratio      float64
	logger     *zap.Logger
	activities map[string]*models.EcaActivity
	order      []*models.EcaActivity
	students   map[string]models.Student
	evaluator  *EcaEligibilityEvaluator
	tracker    *CapacityTracker
	groups     map[SlotKey]*slotGroup
	invites    []models.EcaInvitation
	selections []models.EcaSelection
	cancelled  []string
	below      map[string]bool
	errors     []string
}

func newEngineRun(snap EcaSnapshot, opts EcaRunOptions, ratio float64, logger *zap.Logger) *engineRun {
	r := &engineRun{
		term:       snap.Term,
		opts:       opts,
		ratio:      ratio,
		logger:     logger,
		activities: make(map[string]*models.EcaActivity, len(snap.Activities)),
		students:   make(map[string]models.Student, len(snap.Students)),
		evaluator:  NewEcaEligibilityEvaluator(snap.Invitations),
		tracker:    NewCapacityTracker(snap.Activities),
		groups:     make(map[SlotKey]*slotGroup),
		invites:    append([]models.EcaInvitation(nil), snap.Invitations...),
		selections: append([]models.EcaSelection(nil), snap.Selections...),
		below:      make(map[string]bool),
	}

	for i := range snap.Activities {
		activity := snap.Activities[i]
		r.activities[activity.ID] = &activity
		r.order = append(r.order, &activity)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		a, b := r.order[i], r.order[j]
		if ka, kb := slotOf(*a), slotOf(*b); ka != kb {
			return ka.less(kb)
		}
		return a.ID < b.ID
	})
	for _, activity := range r.order {
		if activity.TermID != snap.Term.ID {
			continue
		}
		r.group(slotOf(*activity)).activities = append(r.group(slotOf(*activity)).activities, activity)
	}
	for _, student := range snap.Students {
		r.students[student.ID] = student
	}
	return r
}

func (r *engineRun) group(key SlotKey) *slotGroup {
	g, ok := r.groups[key]
	if !ok {
		g = newSlotGroup(key)
		r.groups[key] = g
	}
	return g
}

func (r *engineRun) orderedGroups() []*slotGroup {
	out := make([]*slotGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.less(out[j].key) })
	return out
}

func (r *engineRun) skip(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.errors = append(r.errors, msg)
	r.logger.Debug("allocation input skipped", zap.String("term_id", r.term.ID), zap.String("reason", msg))
}

type studentSlot struct {
	studentID string
	key       SlotKey
}

type studentSlotRank struct {
	studentSlot
	rank int
}

// normalize validates selections in submission order and files them into slot groups.
func (r *engineRun) normalize() {
	sortSelections(r.selections)

	seen := make(map[invitationKey]bool)
	priority := make(map[string]string)
	firstCome := make(map[studentSlot]string)
	ranks := make(map[studentSlotRank]string)
	participants := make(map[SlotKey]map[string]bool)

	for _, sel := range r.selections {
		activity, ok := r.activities[sel.ActivityID]
		if !ok {
			r.skip("selection %s skipped: activity %s does not exist", sel.ID, sel.ActivityID)
			continue
		}
		if activity.TermID != r.term.ID {
			r.skip("selection %s skipped: activity %s belongs to another term", sel.ID, sel.ActivityID)
			continue
		}
		student, ok := r.students[sel.StudentID]
		if !ok {
			r.skip("selection %s skipped: student %s does not exist", sel.ID, sel.StudentID)
			continue
		}
		if !student.Active {
			r.skip("selection %s skipped: student %s is inactive", sel.ID, sel.StudentID)
			continue
		}
		if sel.Rank < 1 || sel.Rank > 3 {
			r.skip("selection %s skipped: rank %d is outside 1..3", sel.ID, sel.Rank)
			continue
		}
		if r.opts.Mode == models.EcaModeFirstComeFirstServed && sel.Rank != 1 {
			r.skip("selection %s skipped: first come first served only takes rank 1, got rank %d", sel.ID, sel.Rank)
			continue
		}
		pair := invitationKey{activityID: sel.ActivityID, studentID: sel.StudentID}
		if seen[pair] {
			r.skip("selection %s skipped: student %s already selected activity %s", sel.ID, sel.StudentID, sel.ActivityID)
			continue
		}
		seen[pair] = true

		key := slotOf(*activity)
		g := r.group(key)
		if participants[key] == nil {
			participants[key] = make(map[string]bool)
		}

		verdict := r.evaluator.Evaluate(student, *activity)
		if !verdict.Eligible {
			r.skip("selection %s skipped: student %s is not eligible for %s (%s)", sel.ID, sel.StudentID, activity.Name, verdict.Reason)
		} else if r.opts.Mode == models.EcaModeFirstComeFirstServed {
			sel.IsPriority = false
			slot := studentSlot{studentID: sel.StudentID, key: key}
			if kept, taken := firstCome[slot]; taken {
				r.skip("selection %s skipped: student %s already holds selection %s on %s", sel.ID, sel.StudentID, kept, key)
				continue
			}
			firstCome[slot] = sel.ID
		} else {
			slotRank := studentSlotRank{studentSlot: studentSlot{studentID: sel.StudentID, key: key}, rank: sel.Rank}
			if kept, taken := ranks[slotRank]; taken {
				r.skip("selection %s skipped: rank %d on %s is already used by selection %s", sel.ID, sel.Rank, key, kept)
				continue
			}
			ranks[slotRank] = sel.ID
			if sel.IsPriority {
				if kept, taken := priority[sel.StudentID]; taken {
					r.skip("selection %s: priority flag ignored, student %s already prioritised selection %s", sel.ID, sel.StudentID, kept)
					sel.IsPriority = false
				} else {
					priority[sel.StudentID] = sel.ID
				}
			}
		}

		req := ecaRequest{sel: sel, eligible: verdict.Eligible}
		g.requests[sel.StudentID] = append(g.requests[sel.StudentID], req)
		if req.eligible {
			g.queue = append(g.queue, req)
		}
		if !participants[key][sel.StudentID] {
			participants[key][sel.StudentID] = true
			g.students = append(g.students, sel.StudentID)
		}
	}
}

// preseed places the compulsory roster and accepted invitations before any selection round.
func (r *engineRun) preseed() {
	var compulsory, invited []models.EcaInvitation
	for _, inv := range r.invites {
		activity, ok := r.activities[inv.ActivityID]
		if ok && activity.ActivityType == models.EcaActivityCompulsory {
			if inv.Status != models.EcaInvitationDeclined {
				compulsory = append(compulsory, inv)
			}
			continue
		}
		if inv.Status == models.EcaInvitationAccepted {
			invited = append(invited, inv)
		}
	}
	sortInvitations(compulsory)
	sortInvitations(invited)

	for _, inv := range compulsory {
		activity, student, ok := r.seedTarget(inv)
		if !ok {
			continue
		}
		if verdict := activityAvailable(*activity); !verdict.Eligible {
			r.skip("compulsory assignment %s skipped: activity %s is unavailable (%s)", inv.ID, activity.Name, verdict.Reason)
			continue
		}
		r.seed(inv, activity, student, models.EcaAllocCompulsory)
	}

	for _, inv := range invited {
		activity, student, ok := r.seedTarget(inv)
		if !ok {
			continue
		}
		if verdict := r.evaluator.Evaluate(student, *activity); !verdict.Eligible {
			r.skip("invitation %s skipped: student %s is not eligible for %s (%s)", inv.ID, inv.StudentID, activity.Name, verdict.Reason)
			continue
		}
		g := r.group(slotOf(*activity))
		if g.occupied[inv.StudentID] {
			r.skip("invitation %s skipped: student %s already holds a place on %s", inv.ID, inv.StudentID, g.key)
			continue
		}
		r.seed(inv, activity, student, models.EcaAllocInvited)
	}
}

func (r *engineRun) seedTarget(inv models.EcaInvitation) (*models.EcaActivity, models.Student, bool) {
	activity, ok := r.activities[inv.ActivityID]
	if !ok {
		r.skip("invitation %s skipped: activity %s does not exist", inv.ID, inv.ActivityID)
		return nil, models.Student{}, false
	}
	if activity.TermID != r.term.ID {
		r.skip("invitation %s skipped: activity %s belongs to another term", inv.ID, inv.ActivityID)
		return nil, models.Student{}, false
	}
	student, ok := r.students[inv.StudentID]
	if !ok {
		r.skip("invitation %s skipped: student %s does not exist", inv.ID, inv.StudentID)
		return nil, models.Student{}, false
	}
	if !student.Active {
		r.skip("invitation %s skipped: student %s is inactive", inv.ID, inv.StudentID)
		return nil, models.Student{}, false
	}
	return activity, student, true
}

func (r *engineRun) seed(inv models.EcaInvitation, activity *models.EcaActivity, student models.Student, kind models.EcaAllocationType) {
	g := r.group(slotOf(*activity))
	for _, p := range g.placements {
		if p.StudentID == student.ID && p.ActivityID == activity.ID {
			r.skip("invitation %s skipped: student %s is already placed in %s", inv.ID, student.ID, activity.Name)
			return
		}
	}
	if !r.tracker.Reserve(activity.ID) {
		r.skip("invitation %s skipped: %s is full", inv.ID, activity.Name)
		return
	}
	g.add(EcaPlacement{
		StudentID:  student.ID,
		ActivityID: activity.ID,
		Type:       kind,
		Round:      roundPreseed,
	}, kind == models.EcaAllocCompulsory)
}

func (r *engineRun) eligibleFor(studentID string, activity *models.EcaActivity) bool {
	student, ok := r.students[studentID]
	if !ok {
		return false
	}
	return r.evaluator.Evaluate(student, *activity).Eligible
}

func (r *engineRun) place(g *slotGroup, studentID, activityID string, kind models.EcaAllocationType, round, rank int) bool {
	if !r.tracker.Reserve(activityID) {
		return false
	}
	g.add(EcaPlacement{
		StudentID:  studentID,
		ActivityID: activityID,
		Type:       kind,
		Round:      round,
		ChoiceRank: rank,
	}, false)
	return true
}

// reallocate offers the lowest-id unselected eligible activity still under its soft target.
func (r *engineRun) reallocate(g *slotGroup, studentID string) bool {
	selected := g.selected(studentID)
	for _, activity := range g.activities {
		if selected[activity.ID] || !r.eligibleFor(studentID, activity) {
			continue
		}
		if target, bounded := softTarget(*activity, r.ratio); bounded && r.tracker.CurrentEnrollment(activity.ID) >= target {
			continue
		}
		if r.place(g, studentID, activity.ID, models.EcaAllocSmartReallocation, roundReallocation, 0) {
			return true
		}
	}
	return false
}

// force fills the least-subscribed eligible activity with room, lowest id first on ties.
func (r *engineRun) force(g *slotGroup, studentID string) bool {
	var best *models.EcaActivity
	bestEnrollment := 0
	for _, activity := range g.activities {
		if !r.eligibleFor(studentID, activity) || !r.tracker.HasRoom(activity.ID) {
			continue
		}
		enrollment := r.tracker.CurrentEnrollment(activity.ID)
		if best == nil || enrollment < bestEnrollment {
			best, bestEnrollment = activity, enrollment
		}
	}
	if best == nil {
		return false
	}
	return r.place(g, studentID, best.ID, models.EcaAllocSmartForced, roundForced, 0)
}

func (r *engineRun) unplacedReason(g *slotGroup, studentID string) models.UnallocatedReason {
	for _, activity := range g.activities {
		if r.eligibleFor(studentID, activity) {
			return models.UnallocatedAllFull
		}
	}
	return models.UnallocatedNoEligibleActivities
}

// fallback runs reallocation then the forced pass and records why a student stayed unplaced.
func (r *engineRun) fallback(g *slotGroup, studentID string) {
	if g.covered[studentID] {
		return
	}
	if r.reallocate(g, studentID) || r.force(g, studentID) {
		return
	}
	g.reasons[studentID] = r.unplacedReason(g, studentID)
}

func (r *engineRun) collect(groups []*slotGroup) *EcaOutcome {
	out := &EcaOutcome{
		Term:         r.term,
		Options:      r.opts,
		Students:     r.students,
		Cancelled:    append([]string(nil), r.cancelled...),
		BelowMinimum: r.below,
		Enrollment:   r.tracker.Snapshot(),
		Errors:       append([]string{}, r.errors...),
	}
	for _, activity := range r.order {
		out.Activities = append(out.Activities, *activity)
	}

	participants := make(map[string]bool)
	for _, g := range groups {
		out.Placements = append(out.Placements, g.placements...)
		for _, p := range g.placements {
			participants[p.StudentID] = true
		}
		for _, activity := range g.activities {
			for i, studentID := range g.waitlists[activity.ID] {
				out.Waitlist = append(out.Waitlist, EcaWaitlistPlacement{ActivityID: activity.ID, StudentID: studentID, Position: i + 1})
			}
		}
		reported := make(map[string]bool)
		for _, studentID := range append(append([]string(nil), g.students...), g.retried...) {
			participants[studentID] = true
			reason, unplaced := g.reasons[studentID]
			if !unplaced || g.covered[studentID] || reported[studentID] {
				continue
			}
			reported[studentID] = true
			unplacedEntry := EcaUnplaced{StudentID: studentID, Slot: g.key, Reason: reason}
			for _, req := range g.requests[studentID] {
				unplacedEntry.Requested = append(unplacedEntry.Requested, req.sel)
			}
			out.Unallocated = append(out.Unallocated, unplacedEntry)
		}
	}
	out.Participants = len(participants)
	return out
}

// verifyOutcome re-checks the capacity and single-slot invariants on the final placements.
func verifyOutcome(out *EcaOutcome) error {
	activities := make(map[string]models.EcaActivity, len(out.Activities))
	for _, activity := range out.Activities {
		activities[activity.ID] = activity
	}

	counts := make(map[string]int)
	slots := make(map[studentSlot]int)
	for _, p := range out.Placements {
		activity, ok := activities[p.ActivityID]
		if !ok {
			return appErrors.Clone(appErrors.ErrCapacityInvariant, fmt.Sprintf("allocation references unknown activity %s", p.ActivityID))
		}
		if activity.IsCancelled {
			return appErrors.Clone(appErrors.ErrCapacityInvariant, fmt.Sprintf("cancelled activity %s still holds allocations", activity.ID))
		}
		counts[p.ActivityID]++
		if activity.MaxCapacity != nil && counts[p.ActivityID] > *activity.MaxCapacity {
			return appErrors.Clone(appErrors.ErrCapacityInvariant, fmt.Sprintf("activity %s exceeds its capacity of %d", activity.ID, *activity.MaxCapacity))
		}
		if p.Type == models.EcaAllocCompulsory {
			continue
		}
		slot := studentSlot{studentID: p.StudentID, key: slotOf(activity)}
		slots[slot]++
		if slots[slot] > 1 {
			return appErrors.Clone(appErrors.ErrCapacityInvariant, fmt.Sprintf("student %s holds more than one allocation on %s", p.StudentID, slot.key))
		}
	}
	return nil
}

func sortSelections(selections []models.EcaSelection) {
	sort.SliceStable(selections, func(i, j int) bool {
		a, b := selections[i], selections[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sortInvitations(invitations []models.EcaInvitation) {
	sort.SliceStable(invitations, func(i, j int) bool {
		a, b := invitations[i], invitations[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
