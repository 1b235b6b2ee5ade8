package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminalProjectStatus(t *testing.T) {
	assert.True(t, IsTerminalProjectStatus(ProjectCompleted))
	assert.True(t, IsTerminalProjectStatus(ProjectArchived))
	assert.False(t, IsTerminalProjectStatus(ProjectActive))
	assert.False(t, IsTerminalProjectStatus(ProjectOnHold))
}

func TestNormalizePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, NormalizePriority(PriorityHigh))
	assert.Equal(t, PriorityLow, NormalizePriority(PriorityLow))
	assert.Equal(t, PriorityNormal, NormalizePriority(""))
	assert.Equal(t, PriorityNormal, NormalizePriority("urgent"))
}

func TestTaskFieldsEqual(t *testing.T) {
	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	sameDay := time.Date(2026, 10, 20, 15, 30, 0, 0, time.UTC)
	other := day.AddDate(0, 0, 1)

	base := TaskFields{Name: "a", DueDate: &day, Priority: PriorityNormal}

	assert.True(t, base.Equal(TaskFields{Name: "a", DueDate: &sameDay, Priority: ""}))
	assert.False(t, base.Equal(TaskFields{Name: "a", DueDate: &other, Priority: PriorityNormal}))
	assert.False(t, base.Equal(TaskFields{Name: "a", Priority: PriorityNormal}))
	assert.False(t, base.Equal(TaskFields{Name: "b", DueDate: &day, Priority: PriorityNormal}))
	assert.False(t, base.Equal(TaskFields{Name: "a", DueDate: &day, Priority: PriorityNormal, IsCompleted: true}))
}

func TestListMappingAccessors(t *testing.T) {
	var nilMapping *ListMapping
	assert.Equal(t, "", nilMapping.ListID())
	assert.Equal(t, "", nilMapping.Cursor())
	assert.False(t, nilMapping.HasSubscription())

	id, cursor, sub := "L1", "https://next", "S1"
	m := &ListMapping{RemoteListID: &id, DeltaCursor: &cursor, SubscriptionID: &sub}
	assert.Equal(t, "L1", m.ListID())
	assert.Equal(t, "https://next", m.Cursor())
	assert.True(t, m.HasSubscription())
}
