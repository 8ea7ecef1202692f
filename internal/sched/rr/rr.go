// Package rr implements the round-robin fallback scheduling policy of
// spec.md §4.7b: a static-priority FIFO per priority class, a fixed
// timeslice quantum, and a pick_next that rotates the head task of the
// highest non-empty priority class. Used as the fallback policy and for
// kernel-internal housekeeping threads.
package rr

import (
	"fmt"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/sched"
)

// PolicyName is the Owner/Policy tag round-robin tasks carry.
const PolicyName sched.Policy = "rr"

// NumPriorityClasses bounds the static priority range (spec.md's task
// attribute "priority" field, generalized to a fixed small class count).
const NumPriorityClasses = 8

// Scheduler is the round-robin policy: one FIFO per priority class, per
// CPU.
type Scheduler struct {
	priority int
	cpus     int
	quantum  int64
	log      klog.Logger

	classes [][NumPriorityClasses][]*sched.Task
}

// New builds a round-robin scheduler spanning cpus CPUs, with the given
// fixed timeslice quantum.
func New(priority, cpus int, quantumNs int64, log klog.Logger) *Scheduler {
	if log == nil {
		log = klog.Discard
	}
	return &Scheduler{
		priority: priority,
		cpus:     cpus,
		quantum:  quantumNs,
		log:      log,
		classes:  make([][NumPriorityClasses][]*sched.Task, cpus),
	}
}

func (s *Scheduler) Policy() sched.Policy { return PolicyName }
func (s *Scheduler) Priority() int        { return s.priority }

// CheckSchedAttr rejects a priority class outside the configured range.
func (s *Scheduler) CheckSchedAttr(a sched.Attr) error {
	if a.Priority < 0 || a.Priority >= NumPriorityClasses {
		return fmt.Errorf("rr: %w: priority class %d out of range", kerr.ErrInvalidAttr, a.Priority)
	}
	return nil
}

// Enqueue admits task onto its priority class's FIFO, selecting CPU 0
// when the task has no affinity (round-robin is used for housekeeping
// and fallback work, not cross-CPU load balancing).
func (s *Scheduler) Enqueue(task *sched.Task) error {
	if err := s.CheckSchedAttr(task.Attr); err != nil {
		return err
	}
	cpu := task.CPU
	if cpu == sched.NoAffinity {
		cpu = 0
	}
	task.CPU = cpu
	task.Owner = PolicyName
	task.Dyn.State = sched.StateIdle
	task.Dyn.Runtime = s.quantum
	s.classes[cpu][task.Attr.Priority] = append(s.classes[cpu][task.Attr.Priority], task)
	return nil
}

// PickNext rotates the head task of the highest non-empty priority
// class on cpu to the tail once its timeslice has elapsed, and returns
// the (possibly new) head.
func (s *Scheduler) PickNext(cpu int, now int64) *sched.Task {
	for class := NumPriorityClasses - 1; class >= 0; class-- {
		q := s.classes[cpu][class]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if head.Dyn.State == sched.StateDead {
			s.classes[cpu][class] = q[1:]
			return s.PickNext(cpu, now)
		}
		if head.Dyn.Runtime <= 0 && len(q) > 1 {
			head.Dyn.Runtime = s.quantum
			s.classes[cpu][class] = append(q[1:], head)
			head = s.classes[cpu][class][0]
		}
		head.Dyn.State = sched.StateRun
		return head
	}
	return nil
}

// WakeNext is a no-op for round-robin: Enqueue places tasks directly on
// the run-equivalent per-priority FIFO, there is no separate wake queue.
func (s *Scheduler) WakeNext(cpu int, now int64) {}

// TimesliceNs returns the fixed quantum every round-robin task shares.
func (s *Scheduler) TimesliceNs(task *sched.Task) int64 { return s.quantum }

// TaskReadyNs always returns (0, true) when any task is queued — per
// spec.md §4.7b, round-robin tasks are always ready.
func (s *Scheduler) TaskReadyNs(cpu int, now int64) (int64, bool) {
	for class := 0; class < NumPriorityClasses; class++ {
		if len(s.classes[cpu][class]) > 0 {
			return 0, true
		}
	}
	return 0, false
}
