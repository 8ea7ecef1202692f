package rr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/sched"
)

func TestEnqueueRejectsOutOfRangePriority(t *testing.T) {
	s := New(10, 1, 1000, nil)
	task := &sched.Task{CPU: 0, Attr: sched.Attr{Priority: NumPriorityClasses}}
	assert.Error(t, s.Enqueue(task))
}

func TestPickNextReturnsHighestNonEmptyClass(t *testing.T) {
	s := New(10, 1, 1000, nil)
	low := &sched.Task{Name: "low", CPU: 0, Attr: sched.Attr{Priority: 1}}
	high := &sched.Task{Name: "high", CPU: 0, Attr: sched.Attr{Priority: 5}}
	require.NoError(t, s.Enqueue(low))
	require.NoError(t, s.Enqueue(high))

	got := s.PickNext(0, 0)
	assert.Equal(t, "high", got.Name)
}

func TestPickNextRotatesExhaustedHeadToTail(t *testing.T) {
	s := New(10, 1, 1000, nil)
	a := &sched.Task{Name: "a", CPU: 0, Attr: sched.Attr{Priority: 3}}
	b := &sched.Task{Name: "b", CPU: 0, Attr: sched.Attr{Priority: 3}}
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))

	got := s.PickNext(0, 0)
	require.Equal(t, "a", got.Name)

	got.Dyn.Runtime = 0
	got = s.PickNext(0, 0)
	assert.Equal(t, "b", got.Name, "exhausted head must rotate to the tail")
}

func TestTaskReadyNsTrueWheneverQueued(t *testing.T) {
	s := New(10, 1, 1000, nil)
	ready, ok := s.TaskReadyNs(0, 0)
	assert.False(t, ok)
	assert.Zero(t, ready)

	require.NoError(t, s.Enqueue(&sched.Task{CPU: 0, Attr: sched.Attr{Priority: 0}}))
	ready, ok = s.TaskReadyNs(0, 0)
	assert.True(t, ok)
	assert.Zero(t, ready)
}
