package taskstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/makerforge/orchestrator/internal/errorkind"
)

func TestTask_NewIsCreated(t *testing.T) {
	task := New("implement a sort function", time.Hour)
	assert.Equal(t, StatusCreated, task.Status())
	assert.Equal(t, 0, task.Iteration())
	assert.NotEmpty(t, task.ID())
}

func TestTask_SetStatusAndIteration(t *testing.T) {
	task := New("request", time.Hour)
	task.SetStatus(StatusPlanning)
	assert.Equal(t, StatusPlanning, task.Status())

	assert.Equal(t, 1, task.NextIteration())
	assert.Equal(t, 2, task.NextIteration())
}

func TestTask_SetResultAndError(t *testing.T) {
	task := New("request", time.Hour)
	task.SetResult("func f() {}")
	assert.Equal(t, "func f() {}", task.Result())

	kerr := errorkind.New(errorkind.MaxIterationsExceeded, "gave up")
	task.SetError(kerr)
	assert.Equal(t, kerr, task.LastError())
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusComplete, StatusMaxIterationsExceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []Status{StatusCreated, StatusPreprocessing, StatusPlanning, StatusCoding, StatusVoting, StatusReviewing}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTask_SnapshotRoundTrips(t *testing.T) {
	task := New("request", time.Hour)
	task.SetStatus(StatusCoding)
	task.NextIteration()
	task.SetResult("partial")

	snap := task.Snapshot()
	rebuilt := fromSnapshot(snap)
	assert.Equal(t, task.ID(), rebuilt.ID())
	assert.Equal(t, task.Status(), rebuilt.Status())
	assert.Equal(t, task.Iteration(), rebuilt.Iteration())
	assert.Equal(t, task.Result(), rebuilt.Result())
}
