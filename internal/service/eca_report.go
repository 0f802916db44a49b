package service

import (
	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
)

// buildAllocationResult serialises an outcome into the admin-facing result shape.
func buildAllocationResult(out *EcaOutcome) dto.EcaAllocationResult {
	activities := make(map[string]models.EcaActivity, len(out.Activities))
	for _, activity := range out.Activities {
		activities[activity.ID] = activity
	}

	result := dto.EcaAllocationResult{
		Success:                true,
		TermID:                 out.Term.ID,
		Mode:                   out.Options.Mode,
		CancelBelowMinimum:     out.Options.CancelBelowMinimum,
		TotalStudents:          out.Participants,
		TotalAllocations:       len(out.Placements),
		WaitlistCount:          len(out.Waitlist),
		CancelledActivities:    len(out.Cancelled),
		CancelledActivityNames: []string{},
		Unallocated:            []dto.UnallocatedStudent{},
		ActivitiesAtRisk:       []dto.ActivityAtRisk{},
		Errors:                 append([]string{}, out.Errors...),
	}

	for _, id := range out.Cancelled {
		result.CancelledActivityNames = append(result.CancelledActivityNames, activities[id].Name)
	}

	for _, p := range out.Placements {
		switch {
		case p.Type == models.EcaAllocSmartPriority, p.Type == models.EcaAllocFirstCome:
			result.Satisfaction.FirstChoice++
		case p.Type == models.EcaAllocSmartRanked && p.ChoiceRank == 1:
			result.Satisfaction.FirstChoice++
		case p.Type == models.EcaAllocSmartRanked && p.ChoiceRank == 2:
			result.Satisfaction.SecondChoice++
		case p.Type == models.EcaAllocSmartRanked && p.ChoiceRank == 3:
			result.Satisfaction.ThirdChoice++
		case p.Type == models.EcaAllocSmartReallocation, p.Type == models.EcaAllocSmartForced:
			result.Satisfaction.Forced++
		}
	}

	for _, u := range out.Unallocated {
		entry := dto.UnallocatedStudent{
			StudentID:           u.StudentID,
			StudentName:         out.Students[u.StudentID].FullName,
			DayOfWeek:           u.Slot.Day,
			TimeSlot:            u.Slot.Slot,
			Reason:              u.Reason,
			RequestedActivities: []dto.RequestedActivity{},
		}
		for _, sel := range u.Requested {
			entry.RequestedActivities = append(entry.RequestedActivities, dto.RequestedActivity{
				ActivityID: sel.ActivityID,
				Name:       activities[sel.ActivityID].Name,
				Rank:       sel.Rank,
			})
		}
		result.Unallocated = append(result.Unallocated, entry)
	}

	for _, activity := range out.Activities {
		if activity.TermID != out.Term.ID || activity.IsCancelled || activity.MinCapacity == nil {
			continue
		}
		enrollment := out.Enrollment[activity.ID]
		if enrollment >= 1 && enrollment < *activity.MinCapacity {
			result.ActivitiesAtRisk = append(result.ActivitiesAtRisk, dto.ActivityAtRisk{
				ActivityID:  activity.ID,
				Name:        activity.Name,
				Enrollment:  enrollment,
				MinCapacity: *activity.MinCapacity,
			})
		}
	}

	return result
}

// buildAllocationPreview adds per-activity projections to the run result.
func buildAllocationPreview(out *EcaOutcome) dto.EcaAllocationPreview {
	waitlisted := make(map[string]int)
	for _, w := range out.Waitlist {
		waitlisted[w.ActivityID]++
	}
	cancelled := make(map[string]bool, len(out.Cancelled))
	for _, id := range out.Cancelled {
		cancelled[id] = true
	}

	preview := dto.EcaAllocationPreview{
		Result:     buildAllocationResult(out),
		Activities: []dto.ActivityProjection{},
	}
	for _, activity := range out.Activities {
		if activity.TermID != out.Term.ID {
			continue
		}
		preview.Activities = append(preview.Activities, dto.ActivityProjection{
			ActivityID:           activity.ID,
			Name:                 activity.Name,
			DayOfWeek:            activity.DayOfWeek,
			TimeSlot:             activity.TimeSlot,
			MinCapacity:          activity.MinCapacity,
			MaxCapacity:          activity.MaxCapacity,
			ProjectedAllocations: out.Enrollment[activity.ID],
			WaitlistCount:        waitlisted[activity.ID],
			BelowMinimum:         out.BelowMinimum[activity.ID],
			WillBeCancelled:      cancelled[activity.ID],
		})
	}
	return preview
}
