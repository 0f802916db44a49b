package dto

import "github.com/noah-isme/eca-allocation-api/internal/models"

// RunAllocationRequest carries the options of an allocation run or preview.
type RunAllocationRequest struct {
	SelectionMode      *models.EcaSelectionMode `json:"selectionMode" validate:"omitempty,oneof=FIRST_COME_FIRST_SERVED SMART_ALLOCATION"`
	CancelBelowMinimum *bool                    `json:"cancelBelowMinimum"`
	Override           bool                     `json:"override"`
}

// SatisfactionBreakdown counts how well selections were honoured.
type SatisfactionBreakdown struct {
	FirstChoice  int `json:"firstChoiceAllocations"`
	SecondChoice int `json:"secondChoiceAllocations"`
	ThirdChoice  int `json:"thirdChoiceAllocations"`
	Forced       int `json:"forcedAllocations"`
}

// RequestedActivity is one selection of an unallocated student.
type RequestedActivity struct {
	ActivityID string `json:"activityId"`
	Name       string `json:"name"`
	Rank       int    `json:"rank"`
}

// UnallocatedStudent reports a student left without a place in a slot group.
type UnallocatedStudent struct {
	StudentID           string                   `json:"studentId"`
	StudentName         string                   `json:"studentName"`
	DayOfWeek           int                      `json:"dayOfWeek"`
	TimeSlot            models.EcaTimeSlot       `json:"timeSlot"`
	Reason              models.UnallocatedReason `json:"reason"`
	RequestedActivities []RequestedActivity      `json:"requestedActivities"`
}

// ActivityAtRisk is a non-empty activity still short of its minimum.
type ActivityAtRisk struct {
	ActivityID  string `json:"activityId"`
	Name        string `json:"name"`
	Enrollment  int    `json:"enrollment"`
	MinCapacity int    `json:"minCapacity"`
}

// EcaAllocationResult summarises one allocation pipeline pass.
type EcaAllocationResult struct {
	Success                bool                    `json:"success"`
	TermID                 string                  `json:"termId"`
	Mode                   models.EcaSelectionMode `json:"mode"`
	CancelBelowMinimum     bool                    `json:"cancelBelowMinimum"`
	TotalStudents          int                     `json:"totalStudents"`
	TotalAllocations       int                     `json:"totalAllocations"`
	WaitlistCount          int                     `json:"waitlistCount"`
	CancelledActivities    int                     `json:"cancelledActivities"`
	CancelledActivityNames []string                `json:"cancelledActivityNames"`
	Satisfaction           SatisfactionBreakdown   `json:"satisfaction"`
	Unallocated            []UnallocatedStudent    `json:"unallocatedStudents"`
	ActivitiesAtRisk       []ActivityAtRisk        `json:"activitiesAtRisk"`
	Errors                 []string                `json:"errors"`
}

// ActivityProjection is the preview outcome of one activity.
type ActivityProjection struct {
	ActivityID           string             `json:"activityId"`
	Name                 string             `json:"name"`
	DayOfWeek            int                `json:"dayOfWeek"`
	TimeSlot             models.EcaTimeSlot `json:"timeSlot"`
	MinCapacity          *int               `json:"minCapacity,omitempty"`
	MaxCapacity          *int               `json:"maxCapacity,omitempty"`
	ProjectedAllocations int                `json:"projectedAllocations"`
	WaitlistCount        int                `json:"waitlistCount"`
	BelowMinimum         bool               `json:"belowMinimum"`
	WillBeCancelled      bool               `json:"willBeCancelled"`
}

// EcaAllocationPreview is the dry-run counterpart of EcaAllocationResult.
type EcaAllocationPreview struct {
	Result     EcaAllocationResult  `json:"result"`
	Activities []ActivityProjection `json:"activities"`
}

// EligibleActivity annotates an activity with the caller's eligibility.
type EligibleActivity struct {
	Activity models.EcaActivity       `json:"activity"`
	Eligible bool                     `json:"eligible"`
	Reason   models.EligibilityReason `json:"reason,omitempty"`
}

// SelectionItem is one submitted choice.
type SelectionItem struct {
	ActivityID string `json:"activityId" validate:"required"`
	Rank       int    `json:"rank" validate:"required,min=1,max=3"`
	IsPriority bool   `json:"isPriority"`
}

// SubmitSelectionsRequest replaces a student's selections for a term.
type SubmitSelectionsRequest struct {
	Selections []SelectionItem `json:"selections" validate:"omitempty,max=42,dive"`
}

// TransitionTermRequest moves a term one step along its lifecycle.
type TransitionTermRequest struct {
	Status models.EcaTermStatus `json:"status" validate:"required"`
}

// ManualAllocationRequest places a student by admin override.
type ManualAllocationRequest struct {
	StudentID  string `json:"studentId" validate:"required"`
	ActivityID string `json:"activityId" validate:"required"`
}

// WithdrawAllocationResponse reports the withdrawn allocation and any promotion.
type WithdrawAllocationResponse struct {
	Withdrawn models.EcaAllocation  `json:"withdrawn"`
	Promoted  *models.EcaAllocation `json:"promoted,omitempty"`
}

// AllocationListQuery filters allocation listings.
type AllocationListQuery struct {
	ActivityID string `form:"activityId"`
	StudentID  string `form:"studentId"`
	Status     string `form:"status"`
	Type       string `form:"type"`
	Page       int    `form:"page"`
	PageSize   int    `form:"pageSize"`
}
