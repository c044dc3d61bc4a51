package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusScraped, true},
		{StatusScraped, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusCanceled, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCompleted, StatusProcessing, true},
		{StatusFailed, StatusProcessing, true},
		{StatusCompleted, StatusCanceled, false},
		{StatusCanceled, StatusProcessing, false},
		{StatusCreated, StatusProcessing, false},
		{StatusScraped, StatusCompleted, false},
		{Status("bogus"), StatusScraped, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobTransition(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusCompleted}

	err := job.Transition(StatusCanceled)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusCompleted, invalid.From)
	assert.Equal(t, StatusCompleted, job.Status)

	require.NoError(t, job.Transition(StatusProcessing))
	assert.Equal(t, StatusProcessing, job.Status)
}

func TestAllApprovedRendered(t *testing.T) {
	job := &Job{Items: []Item{
		{ID: "a", Approval: ApprovalApproved, RenderedOutput: "a-output.mp4"},
		{ID: "b", Approval: ApprovalRejected},
		{ID: "c", Approval: ApprovalApproved},
	}}
	assert.False(t, job.AllApprovedRendered())

	job.ItemByID("c").RenderedOutput = "c-output.mp4"
	assert.True(t, job.AllApprovedRendered())
	assert.Len(t, job.ApprovedItems(), 2)
	assert.Nil(t, job.ItemByID("missing"))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.True(t, StatusFailed.Valid())
	assert.False(t, Status("paused").Valid())
	assert.True(t, ApprovalPending.Valid())
	assert.False(t, Approval("maybe").Valid())
}
