package service

import "github.com/noah-isme/eca-allocation-api/internal/models"

// EligibilityResult is the verdict for one student/activity pair.
type EligibilityResult struct {
	Eligible bool
	Reason   models.EligibilityReason
}

func eligible() EligibilityResult { return EligibilityResult{Eligible: true} }

func ineligible(reason models.EligibilityReason) EligibilityResult {
	return EligibilityResult{Reason: reason}
}

type invitationKey struct {
	activityID string
	studentID  string
}

// EcaEligibilityEvaluator decides whether a student may select or be placed into an activity.
// It is a pure function over the invitation snapshot it was built with.
type EcaEligibilityEvaluator struct {
	invitations map[invitationKey]models.EcaInvitation
}

// NewEcaEligibilityEvaluator indexes the accepted invitations of a term.
func NewEcaEligibilityEvaluator(invitations []models.EcaInvitation) *EcaEligibilityEvaluator {
	index := make(map[invitationKey]models.EcaInvitation, len(invitations))
	for _, inv := range invitations {
		if inv.Status != models.EcaInvitationAccepted {
			continue
		}
		index[invitationKey{activityID: inv.ActivityID, studentID: inv.StudentID}] = inv
	}
	return &EcaEligibilityEvaluator{invitations: index}
}

// Evaluate applies the eligibility rules in order; the first failing rule wins.
func (e *EcaEligibilityEvaluator) Evaluate(student models.Student, activity models.EcaActivity) EligibilityResult {
	if res := activityAvailable(activity); !res.Eligible {
		return res
	}
	if !yearGroupAllowed(student, activity) {
		return ineligible(models.EligibilityYearGroup)
	}
	if !genderAllowed(student, activity) {
		return ineligible(models.EligibilityGender)
	}

	switch activity.ActivityType {
	case models.EcaActivityInviteOnly, models.EcaActivityTryout:
		if !e.hasAcceptedInvitation(student.ID, activity.ID) {
			return ineligible(models.EligibilityNotInvited)
		}
	case models.EcaActivityCompulsory:
		return ineligible(models.EligibilityCompulsoryOnly)
	}
	return eligible()
}

// Invitation returns the accepted invitation held by the student for the activity.
func (e *EcaEligibilityEvaluator) Invitation(studentID, activityID string) (models.EcaInvitation, bool) {
	inv, ok := e.invitations[invitationKey{activityID: activityID, studentID: studentID}]
	return inv, ok
}

func (e *EcaEligibilityEvaluator) hasAcceptedInvitation(studentID, activityID string) bool {
	inv, ok := e.Invitation(studentID, activityID)
	if !ok {
		return false
	}
	if inv.IsTryout {
		return inv.TryoutResult != nil && *inv.TryoutResult == models.EcaTryoutPassed
	}
	return true
}

func activityAvailable(activity models.EcaActivity) EligibilityResult {
	if !activity.IsActive {
		return ineligible(models.EligibilityActivityInactive)
	}
	if activity.IsCancelled {
		return ineligible(models.EligibilityActivityCancelled)
	}
	return eligible()
}

func yearGroupAllowed(student models.Student, activity models.EcaActivity) bool {
	if len(activity.EligibleYearGroupIDs) == 0 {
		return true
	}
	for _, id := range activity.EligibleYearGroupIDs {
		if id == student.YearGroupID {
			return true
		}
	}
	return false
}

func genderAllowed(student models.Student, activity models.EcaActivity) bool {
	switch activity.EligibleGender {
	case "", models.EcaGenderMixed:
		return true
	default:
		return student.Gender == activity.EligibleGender
	}
}
