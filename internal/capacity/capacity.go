// Package capacity turns team and member days off plus per-day capacity into the
// hours each member can actually work in an iteration.
package capacity

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/wesm/ado-sprint-digest/internal/calendar"
	"github.com/wesm/ado-sprint-digest/internal/models"
)

// DayOff is a day-off window as returned by the service (ISO timestamps).
type DayOff struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Activity is one capacity line of a team member.
type Activity struct {
	Name           string  `json:"name"`
	CapacityPerDay float64 `json:"capacityPerDay"`
}

// Member is a team member's capacity record for an iteration.
type Member struct {
	DisplayName string
	DaysOff     []DayOff
	Activities  []Activity
}

// TeamMemberCapacity is a member's capacity per day and total weekdays off
// (team holidays plus personal time off).
type TeamMemberCapacity struct {
	DisplayName    string
	CapacityPerDay float64
	DaysOff        int
}

// Aggregate computes the capacity of every member that has a positive-capacity
// activity. The first activity with capacity > 0 wins.
func Aggregate(teamDaysOff []DayOff, members []Member) ([]TeamMemberCapacity, error) {
	teamHolidays, err := weekdaysOff(teamDaysOff)
	if err != nil {
		return nil, fmt.Errorf("team days off: %w", err)
	}

	var capacities []TeamMemberCapacity
	for _, m := range members {
		pto, err := weekdaysOff(m.DaysOff)
		if err != nil {
			return nil, fmt.Errorf("days off for %s: %w", m.DisplayName, err)
		}

		activity, ok := lo.Find(m.Activities, func(a Activity) bool {
			return a.CapacityPerDay > 0
		})
		if !ok {
			continue
		}

		capacities = append(capacities, TeamMemberCapacity{
			DisplayName:    m.DisplayName,
			CapacityPerDay: activity.CapacityPerDay,
			DaysOff:        pto + teamHolidays,
		})
	}
	return capacities, nil
}

// Allocate derives the worked days and hours of a member over [start, finish].
func Allocate(c TeamMemberCapacity, start, finish time.Time) models.TeamMemberAllocation {
	workedDays := calendar.CountWorkdays(start, finish, c.DaysOff)
	return models.TeamMemberAllocation{
		Name:           c.DisplayName,
		CapacityPerDay: c.CapacityPerDay,
		DaysOff:        c.DaysOff,
		WorkedDays:     workedDays,
		WorkedHours:    float64(workedDays) * c.CapacityPerDay,
	}
}

// AllocateIteration allocates every capacity against an iteration's display dates.
func AllocateIteration(capacities []TeamMemberCapacity, startDate, finishDate string) ([]models.TeamMemberAllocation, error) {
	start, err := calendar.ParseDisplayDate(startDate)
	if err != nil {
		return nil, fmt.Errorf("iteration start: %w", err)
	}
	finish, err := calendar.ParseDisplayDate(finishDate)
	if err != nil {
		return nil, fmt.Errorf("iteration finish: %w", err)
	}

	return lo.Map(capacities, func(c TeamMemberCapacity, _ int) models.TeamMemberAllocation {
		return Allocate(c, start, finish)
	}), nil
}

func weekdaysOff(windows []DayOff) (int, error) {
	total := 0
	for _, w := range windows {
		start, err := calendar.ParseCalendarDate(w.Start)
		if err != nil {
			return 0, err
		}
		end, err := calendar.ParseCalendarDate(w.End)
		if err != nil {
			return 0, err
		}
		total += calendar.CountWeekdays(start, end)
	}
	return total, nil
}
