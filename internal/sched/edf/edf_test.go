package edf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/sched"
)

const tickMin = int64(1000) // 1us

func TestCheckSchedAttrRejectsWCETNotLessThanDeadline(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	err := s.CheckSchedAttr(sched.Attr{WCET: 9_500_000, DeadlineRel: 9_000_000, Period: 10_000_000})
	assert.ErrorIs(t, err, kerr.ErrInvalidAttr)
}

func TestCheckSchedAttrRejectsWCETBelowTickMin(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	err := s.CheckSchedAttr(sched.Attr{WCET: 100, DeadlineRel: 10_000, Period: 100_000})
	assert.ErrorIs(t, err, kerr.ErrInvalidAttr)
}

// Scenario 3 from spec.md §8: two tasks on one CPU with combined
// utilisation 0.94 must both be admitted.
func TestAdmissionSucceedsUnderUtilisationLimit(t *testing.T) {
	s := New(100, 1, tickMin, nil)

	t1 := &sched.Task{Name: "t1", CPU: 0, Attr: sched.Attr{
		Period: 100_000_000, DeadlineRel: 99_000_000, WCET: 30_000_000,
	}}
	require.NoError(t, s.Enqueue(t1))

	t2 := &sched.Task{Name: "t2", CPU: 0, Attr: sched.Attr{
		Period: 140_000, DeadlineRel: 115_000, WCET: 90_000,
	}}
	err := s.Enqueue(t2)
	require.NoError(t, err)

	assert.Len(t, s.wake[0], 2)
}

// Scenario 4 from spec.md §8: wcet >= deadline_rel is rejected outright
// by the attribute contract, before admission is even attempted.
func TestAdmissionRejectsViolatedWCETDeadlineContract(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	task := &sched.Task{Name: "bad", CPU: 0, Attr: sched.Attr{
		Period: 10_000_000, DeadlineRel: 9_000_000, WCET: 9_500_000,
	}}
	err := s.Enqueue(task)
	assert.ErrorIs(t, err, kerr.ErrInvalidAttr)
}

func TestAdmissionRejectsOverUtilisationOnPinnedCPU(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	t1 := &sched.Task{Name: "t1", CPU: 0, Attr: sched.Attr{
		Period: 1_000_000, DeadlineRel: 900_000, WCET: 700_000,
	}}
	require.NoError(t, s.Enqueue(t1))

	t2 := &sched.Task{Name: "t2", CPU: 0, Attr: sched.Attr{
		Period: 1_000_000, DeadlineRel: 900_000, WCET: 500_000,
	}}
	err := s.Enqueue(t2)
	assert.ErrorIs(t, err, kerr.ErrNoSched)
}

func TestOneShotTaskGetsPeriodFromDeadlineAndRunOnceFlag(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	task := &sched.Task{Name: "oneshot", CPU: 0, Attr: sched.Attr{
		Period: 0, DeadlineRel: 100_000, WCET: 10_000,
	}}
	require.NoError(t, s.Enqueue(task))
	assert.True(t, task.RunOnce)
	assert.Equal(t, int64(100_000), task.Attr.Period)
}

func TestWakeNextThenPickNextRoundTrip(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	task := &sched.Task{Name: "oneshot", CPU: 0, Attr: sched.Attr{
		Period: 0, DeadlineRel: 100_000, WCET: 10_000,
	}}
	require.NoError(t, s.Enqueue(task))

	s.WakeNext(0, 0)
	require.Equal(t, sched.StateIdle, task.Dyn.State)
	require.Greater(t, task.Dyn.Wakeup, int64(0))

	// At its wakeup time, PickNext must promote it to Run and select it
	// as head (no other task competes for the head slot).
	got := s.PickNext(0, task.Dyn.Wakeup)
	require.NotNil(t, got)
	assert.Equal(t, "oneshot", got.Name)
	assert.Equal(t, sched.StateRun, got.Dyn.State)
}

func TestPickNextEmptyRunQueueReturnsNil(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	assert.Nil(t, s.PickNext(0, 0))
}

func TestTaskReadyNsIgnoresNearTermWakeups(t *testing.T) {
	s := New(100, 1, tickMin, nil)
	task := &sched.Task{Name: "t", CPU: 0, Attr: sched.Attr{
		Period: 100_000, DeadlineRel: 90_000, WCET: 10_000,
	}, Dyn: sched.Dyn{State: sched.StateIdle, Wakeup: 500},
	}
	s.run[0] = append(s.run[0], task)

	_, ok := s.TaskReadyNs(0, 0)
	assert.False(t, ok, "wakeup within 2*tick_min must not count as ready")

	task.Dyn.Wakeup = 1_000_000
	ready, ok := s.TaskReadyNs(0, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(1_000_000), ready)
}
