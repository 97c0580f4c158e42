package capacity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/ado-sprint-digest/internal/calendar"
)

func TestAggregate(t *testing.T) {
	teamDaysOff := []DayOff{
		// Mon..Tue
		{Start: "2024-01-15T00:00:00Z", End: "2024-01-16T00:00:00Z"},
	}
	members := []Member{
		{
			DisplayName: "Alice",
			// Fri..Mon spans a weekend: 2 weekdays
			DaysOff:    []DayOff{{Start: "2024-01-19T00:00:00Z", End: "2024-01-22T00:00:00Z"}},
			Activities: []Activity{{Name: "Design", CapacityPerDay: 0}, {Name: "Development", CapacityPerDay: 6}, {Name: "Testing", CapacityPerDay: 2}},
		},
		{
			DisplayName: "Bob",
			Activities:  []Activity{{Name: "Development", CapacityPerDay: 0}},
		},
		{
			DisplayName: "Carol",
			Activities:  []Activity{{Name: "Testing", CapacityPerDay: 4.5}},
		},
	}

	got, err := Aggregate(teamDaysOff, members)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, TeamMemberCapacity{DisplayName: "Alice", CapacityPerDay: 6, DaysOff: 4}, got[0])
	assert.Equal(t, TeamMemberCapacity{DisplayName: "Carol", CapacityPerDay: 4.5, DaysOff: 2}, got[1])
}

func TestAggregate_MalformedDayOff(t *testing.T) {
	_, err := Aggregate([]DayOff{{Start: "bad", End: "2024-01-16T00:00:00Z"}}, nil)
	require.Error(t, err)

	var dfe *calendar.DateFormatError
	assert.True(t, errors.As(err, &dfe))

	_, err = Aggregate(nil, []Member{{DisplayName: "Alice", DaysOff: []DayOff{{Start: "2024-01-16T00:00:00Z", End: "nope"}}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Alice")
}

func TestAllocate(t *testing.T) {
	mon := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	fri := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)

	t.Run("one day off", func(t *testing.T) {
		a := Allocate(TeamMemberCapacity{DisplayName: "Alice", CapacityPerDay: 6, DaysOff: 1}, mon, fri)
		assert.Equal(t, 4, a.WorkedDays)
		assert.Equal(t, 24.0, a.WorkedHours)
		assert.Equal(t, 1, a.DaysOff)
	})

	t.Run("days off exceed the iteration", func(t *testing.T) {
		a := Allocate(TeamMemberCapacity{DisplayName: "Alice", CapacityPerDay: 6, DaysOff: 10}, mon, fri)
		assert.Equal(t, 0, a.WorkedDays)
		assert.Equal(t, 0.0, a.WorkedHours)
	})
}

func TestAllocateIteration(t *testing.T) {
	caps := []TeamMemberCapacity{
		{DisplayName: "Alice", CapacityPerDay: 6, DaysOff: 1},
		{DisplayName: "Bob", CapacityPerDay: 8, DaysOff: 0},
	}

	got, err := AllocateIteration(caps, "15-Jan-2024", "19-Jan-2024")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 24.0, got[0].WorkedHours)
	assert.Equal(t, 40.0, got[1].WorkedHours)

	_, err = AllocateIteration(caps, "2024-01-15T00:00:00Z", "19-Jan-2024")
	assert.Error(t, err)
}
