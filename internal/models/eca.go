package models

import (
	"time"

	"github.com/lib/pq"
)

// EcaTermStatus is the linear lifecycle of an ECA registration cycle.
type EcaTermStatus string

const (
	EcaTermStatusDraft              EcaTermStatus = "DRAFT"
	EcaTermStatusRegistrationOpen   EcaTermStatus = "REGISTRATION_OPEN"
	EcaTermStatusRegistrationClosed EcaTermStatus = "REGISTRATION_CLOSED"
	EcaTermStatusAllocationComplete EcaTermStatus = "ALLOCATION_COMPLETE"
	EcaTermStatusActive             EcaTermStatus = "ACTIVE"
	EcaTermStatusCompleted          EcaTermStatus = "COMPLETED"
)

var ecaTermStatusOrder = []EcaTermStatus{
	EcaTermStatusDraft,
	EcaTermStatusRegistrationOpen,
	EcaTermStatusRegistrationClosed,
	EcaTermStatusAllocationComplete,
	EcaTermStatusActive,
	EcaTermStatusCompleted,
}

// Next returns the status that follows s, or false when s is terminal or unknown.
func (s EcaTermStatus) Next() (EcaTermStatus, bool) {
	for i, status := range ecaTermStatusOrder {
		if status == s && i+1 < len(ecaTermStatusOrder) {
			return ecaTermStatusOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether s is a known status.
func (s EcaTermStatus) Valid() bool {
	for _, status := range ecaTermStatusOrder {
		if status == s {
			return true
		}
	}
	return false
}

// EcaSelectionMode selects the allocation strategy for a term.
type EcaSelectionMode string

const (
	EcaModeFirstComeFirstServed EcaSelectionMode = "FIRST_COME_FIRST_SERVED"
	EcaModeSmartAllocation      EcaSelectionMode = "SMART_ALLOCATION"
)

// EcaTimeSlot is the part of the school day an activity runs in.
type EcaTimeSlot string

const (
	EcaTimeSlotBeforeSchool EcaTimeSlot = "BEFORE_SCHOOL"
	EcaTimeSlotAfterSchool  EcaTimeSlot = "AFTER_SCHOOL"
)

// Order gives before-school slots precedence within a day.
func (t EcaTimeSlot) Order() int {
	switch t {
	case EcaTimeSlotBeforeSchool:
		return 0
	case EcaTimeSlotAfterSchool:
		return 1
	default:
		return 2
	}
}

// EcaActivityType controls how students reach an activity.
type EcaActivityType string

const (
	EcaActivityOpen       EcaActivityType = "OPEN"
	EcaActivityInviteOnly EcaActivityType = "INVITE_ONLY"
	EcaActivityCompulsory EcaActivityType = "COMPULSORY"
	EcaActivityTryout     EcaActivityType = "TRYOUT"
)

// EcaGender filters activities by student gender.
type EcaGender string

const (
	EcaGenderMixed  EcaGender = "MIXED"
	EcaGenderMale   EcaGender = "MALE"
	EcaGenderFemale EcaGender = "FEMALE"
)

// CancelReasonBelowMinimum marks activities cancelled by an allocation run.
const CancelReasonBelowMinimum = "BELOW_MINIMUM"

// EcaTerm is one ECA registration cycle of a school.
type EcaTerm struct {
	ID                   string           `db:"id" json:"id"`
	SchoolID             string           `db:"school_id" json:"school_id"`
	Name                 string           `db:"name" json:"name"`
	StartDate            time.Time        `db:"start_date" json:"start_date"`
	EndDate              time.Time        `db:"end_date" json:"end_date"`
	RegistrationOpensAt  *time.Time       `db:"registration_opens_at" json:"registration_opens_at,omitempty"`
	RegistrationClosesAt *time.Time       `db:"registration_closes_at" json:"registration_closes_at,omitempty"`
	Status               EcaTermStatus    `db:"status" json:"status"`
	SelectionMode        EcaSelectionMode `db:"selection_mode" json:"selection_mode"`
	AllocationRun        bool             `db:"allocation_run" json:"allocation_run"`
	AllocationRunAt      *time.Time       `db:"allocation_run_at" json:"allocation_run_at,omitempty"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// EcaActivity is one weekly slot instance of an activity within a term.
type EcaActivity struct {
	ID                   string          `db:"id" json:"id"`
	TermID               string          `db:"term_id" json:"term_id"`
	Name                 string          `db:"name" json:"name"`
	DayOfWeek            int             `db:"day_of_week" json:"day_of_week"`
	TimeSlot             EcaTimeSlot     `db:"time_slot" json:"time_slot"`
	CustomStartTime      *string         `db:"custom_start_time" json:"custom_start_time,omitempty"`
	CustomEndTime        *string         `db:"custom_end_time" json:"custom_end_time,omitempty"`
	ActivityType         EcaActivityType `db:"activity_type" json:"activity_type"`
	EligibleYearGroupIDs pq.StringArray  `db:"eligible_year_group_ids" json:"eligible_year_group_ids"`
	EligibleGender       EcaGender       `db:"eligible_gender" json:"eligible_gender"`
	MinCapacity          *int            `db:"min_capacity" json:"min_capacity,omitempty"`
	MaxCapacity          *int            `db:"max_capacity" json:"max_capacity,omitempty"`
	StaffID              *string         `db:"staff_id" json:"staff_id,omitempty"`
	IsActive             bool            `db:"is_active" json:"is_active"`
	IsCancelled          bool            `db:"is_cancelled" json:"is_cancelled"`
	CancelReason         *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
}

// EcaSelection is a parent's ranked choice for a student.
type EcaSelection struct {
	ID         string    `db:"id" json:"id"`
	TermID     string    `db:"term_id" json:"term_id"`
	StudentID  string    `db:"student_id" json:"student_id"`
	ActivityID string    `db:"activity_id" json:"activity_id"`
	Rank       int       `db:"rank" json:"rank"`
	IsPriority bool      `db:"is_priority" json:"is_priority"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// EcaAllocationType records why an allocation was made.
type EcaAllocationType string

const (
	EcaAllocFirstCome         EcaAllocationType = "FIRST_COME"
	EcaAllocSmartPriority     EcaAllocationType = "SMART_PRIORITY"
	EcaAllocSmartRanked       EcaAllocationType = "SMART_RANKED"
	EcaAllocSmartReallocation EcaAllocationType = "SMART_REALLOCATION"
	EcaAllocSmartForced       EcaAllocationType = "SMART_FORCED"
	EcaAllocInvited           EcaAllocationType = "INVITED"
	EcaAllocCompulsory        EcaAllocationType = "COMPULSORY"
	EcaAllocManual            EcaAllocationType = "MANUAL"
)

// EcaAllocationStatus is the state of an allocation record.
type EcaAllocationStatus string

const (
	EcaAllocationConfirmed EcaAllocationStatus = "CONFIRMED"
	EcaAllocationWithdrawn EcaAllocationStatus = "WITHDRAWN"
	EcaAllocationRemoved   EcaAllocationStatus = "REMOVED"
)

// EcaAllocation assigns a student to an activity.
type EcaAllocation struct {
	ID              string              `db:"id" json:"id"`
	TermID          string              `db:"term_id" json:"term_id"`
	StudentID       string              `db:"student_id" json:"student_id"`
	ActivityID      string              `db:"activity_id" json:"activity_id"`
	AllocationType  EcaAllocationType   `db:"allocation_type" json:"allocation_type"`
	AllocationRound int                 `db:"allocation_round" json:"allocation_round"`
	ChoiceRank      *int                `db:"choice_rank" json:"choice_rank,omitempty"`
	Status          EcaAllocationStatus `db:"status" json:"status"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

// EcaAllocationDetail enriches an allocation with activity and student context.
type EcaAllocationDetail struct {
	EcaAllocation
	ActivityName string      `db:"activity_name" json:"activity_name"`
	DayOfWeek    int         `db:"day_of_week" json:"day_of_week"`
	TimeSlot     EcaTimeSlot `db:"time_slot" json:"time_slot"`
	StudentName  string      `db:"student_name" json:"student_name"`
}

// EcaAllocationFilter narrows allocation listings.
type EcaAllocationFilter struct {
	TermID     string
	ActivityID string
	StudentID  string
	Status     EcaAllocationStatus
	Type       EcaAllocationType
	Page       int
	PageSize   int
}

// EcaWaitlistEntry queues a student for a full activity.
type EcaWaitlistEntry struct {
	ID         string    `db:"id" json:"id"`
	TermID     string    `db:"term_id" json:"term_id"`
	ActivityID string    `db:"activity_id" json:"activity_id"`
	StudentID  string    `db:"student_id" json:"student_id"`
	Position   int       `db:"position" json:"position"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// EcaInvitationStatus tracks a staff invitation.
type EcaInvitationStatus string

const (
	EcaInvitationPending  EcaInvitationStatus = "PENDING"
	EcaInvitationAccepted EcaInvitationStatus = "ACCEPTED"
	EcaInvitationDeclined EcaInvitationStatus = "DECLINED"
)

// EcaTryoutResult is the outcome of a tryout invitation.
type EcaTryoutResult string

const (
	EcaTryoutPassed EcaTryoutResult = "PASSED"
	EcaTryoutFailed EcaTryoutResult = "FAILED"
)

// EcaInvitation is a staff-issued invite or a compulsory roster entry.
type EcaInvitation struct {
	ID           string              `db:"id" json:"id"`
	ActivityID   string              `db:"activity_id" json:"activity_id"`
	StudentID    string              `db:"student_id" json:"student_id"`
	Status       EcaInvitationStatus `db:"status" json:"status"`
	IsTryout     bool                `db:"is_tryout" json:"is_tryout"`
	TryoutResult *EcaTryoutResult    `db:"tryout_result" json:"tryout_result,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
}

// EligibilityReason explains why a student cannot take an activity.
type EligibilityReason string

const (
	EligibilityActivityInactive  EligibilityReason = "ACTIVITY_INACTIVE"
	EligibilityActivityCancelled EligibilityReason = "ACTIVITY_CANCELLED"
	EligibilityYearGroup         EligibilityReason = "YEAR_GROUP_NOT_ELIGIBLE"
	EligibilityGender            EligibilityReason = "GENDER_NOT_ELIGIBLE"
	EligibilityNotInvited        EligibilityReason = "NOT_INVITED"
	EligibilityCompulsoryOnly    EligibilityReason = "COMPULSORY_ONLY"
)

// UnallocatedReason explains why a student ended a run without a place in a slot.
type UnallocatedReason string

const (
	UnallocatedAllFull              UnallocatedReason = "ALL_FULL"
	UnallocatedNoEligibleActivities UnallocatedReason = "NO_ELIGIBLE_ACTIVITIES"
)
