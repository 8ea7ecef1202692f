// Package edf implements the earliest-deadline-first scheduling policy
// of spec.md §4.7a: admission by cumulative utilisation plus a head/tail
// slack check against the longest-period task's hyperperiod, and a
// pick_next that reinitialises or reorders tasks as deadlines arrive.
//
// Grounded directly on the original implementation's
// kernel/sched/edf.c (edf_schedulable, edf_pick_next, edf_wake_next):
// the utilisation best-fit and slack-check formulas are carried over
// verbatim, generalised from the original's hardcoded two-CPU retry to
// an arbitrary CPU count, and from its intrusive list_for_each walks to
// Go slices.
package edf

import (
	"fmt"
	"sort"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/sched"
)

// PolicyName is the Owner/Policy tag EDF tasks carry.
const PolicyName sched.Policy = "edf"

// UtilMax is the hard cumulative-utilisation admission ceiling (spec.md
// §4.7a: "≈0.98").
const UtilMax = 0.98

// WakeOverheadNs is the fixed margin edf_wake_next adds when scheduling
// a task immediately after another task's next wakeup (spec.md §4.7a:
// "~30 µs").
const WakeOverheadNs = 30_000

// Scheduler is the EDF policy, with one wake and one run queue per CPU.
type Scheduler struct {
	priority  int
	cpus      int
	tickMinNs int64
	log       klog.Logger

	wake [][]*sched.Task
	run  [][]*sched.Task
}

// New builds an EDF scheduler spanning cpus CPUs at the given
// dispatcher priority.
func New(priority, cpus int, tickMinNs int64, log klog.Logger) *Scheduler {
	if log == nil {
		log = klog.Discard
	}
	return &Scheduler{
		priority:  priority,
		cpus:      cpus,
		tickMinNs: tickMinNs,
		log:       log,
		wake:      make([][]*sched.Task, cpus),
		run:       make([][]*sched.Task, cpus),
	}
}

func (s *Scheduler) Policy() sched.Policy { return PolicyName }
func (s *Scheduler) Priority() int        { return s.priority }

// CheckSchedAttr validates the EDF attribute contract of spec.md §4.7a.
func (s *Scheduler) CheckSchedAttr(a sched.Attr) error {
	if a.WCET < s.tickMinNs {
		return fmt.Errorf("edf: %w: wcet below tick_min", kerr.ErrInvalidAttr)
	}
	if a.DeadlineRel-a.WCET < s.tickMinNs {
		return fmt.Errorf("edf: %w: deadline_rel - wcet below tick_min", kerr.ErrInvalidAttr)
	}
	if a.WCET >= a.DeadlineRel {
		return fmt.Errorf("edf: %w: wcet must be < deadline_rel", kerr.ErrInvalidAttr)
	}
	if a.Period > 0 {
		if a.WCET >= a.Period {
			return fmt.Errorf("edf: %w: wcet must be < period", kerr.ErrInvalidAttr)
		}
		if a.DeadlineRel >= a.Period {
			return fmt.Errorf("edf: %w: deadline_rel must be < period", kerr.ErrInvalidAttr)
		}
		if a.Period-a.DeadlineRel < s.tickMinNs {
			return fmt.Errorf("edf: %w: period - deadline_rel below tick_min", kerr.ErrInvalidAttr)
		}
	}
	return nil
}

// Enqueue admits task per spec.md §4.7a: a zero period marks a one-shot
// task (period set to deadline_rel, run_once flagged), then the
// utilisation/slack admission test picks a CPU.
func (s *Scheduler) Enqueue(task *sched.Task) error {
	// Validate against the caller-supplied period (possibly 0, which
	// skips the period-dependent checks entirely) before the one-shot
	// substitution below, per spec.md §4.7a.
	if err := s.CheckSchedAttr(task.Attr); err != nil {
		return err
	}
	if task.Attr.Period == 0 {
		task.Attr.Period = task.Attr.DeadlineRel
		task.RunOnce = true
	}
	cpu, err := s.admit(task)
	if err != nil {
		return err
	}
	task.CPU = cpu
	task.Owner = PolicyName
	task.Dyn.State = sched.StateNew
	s.wake[cpu] = append(s.wake[cpu], task)
	return nil
}

func (s *Scheduler) utilization(cpu int, candidate *sched.Task) float64 {
	u := float64(candidate.Attr.WCET) / float64(candidate.Attr.Period)
	for _, t := range s.wake[cpu] {
		u += float64(t.Attr.WCET) / float64(t.Attr.Period)
	}
	for _, t := range s.run[cpu] {
		u += float64(t.Attr.WCET) / float64(t.Attr.Period)
	}
	return u
}

// admit implements edf_schedulable: a utilisation best-fit across CPU
// candidates (or the task's pinned CPU), followed by the hyperperiod
// head/tail slack check, retrying other under-limit CPUs on failure.
func (s *Scheduler) admit(task *sched.Task) (int, error) {
	var candidates []int
	if task.CPU == sched.NoAffinity {
		type fit struct {
			cpu  int
			util float64
		}
		var fits []fit
		for cpu := 0; cpu < s.cpus; cpu++ {
			u := s.utilization(cpu, task)
			if u <= UtilMax {
				fits = append(fits, fit{cpu, u})
			}
		}
		if len(fits) == 0 {
			return 0, fmt.Errorf("edf: %w: no cpu below utilisation limit", kerr.ErrNoSched)
		}
		sort.Slice(fits, func(i, j int) bool { return fits[i].util > fits[j].util })
		for _, f := range fits {
			candidates = append(candidates, f.cpu)
		}
	} else {
		if s.utilization(task.CPU, task) > UtilMax {
			return 0, fmt.Errorf("edf: %w: pinned cpu over utilisation limit", kerr.ErrNoSched)
		}
		candidates = []int{task.CPU}
	}

	for _, cpu := range candidates {
		if s.slackOK(cpu, task) {
			return cpu, nil
		}
	}
	return 0, fmt.Errorf("edf: %w: head/tail slack check failed on every candidate cpu", kerr.ErrNoSched)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// slackOK implements the head/tail slack check edf_schedulable performs
// once a candidate CPU is chosen: against the longest-period task (T0,
// which may be the candidate itself), every other task's demand before
// and after T0's deadline must fit T0's unused head and tail slots.
func (s *Scheduler) slackOK(cpu int, task *sched.Task) bool {
	t0 := task
	for _, t := range s.wake[cpu] {
		if t.Attr.Period > t0.Attr.Period {
			t0 = t
		}
	}
	for _, t := range s.run[cpu] {
		if t.Attr.Period > t0.Attr.Period {
			t0 = t
		}
	}

	uh := t0.Attr.DeadlineRel - t0.Attr.WCET
	ut := t0.Attr.Period - t0.Attr.DeadlineRel
	tail := ut // f1 in the original: fixed at the initial tail slack

	ok := true
	check := func(t *sched.Task) {
		if t == t0 {
			return
		}
		if t.Attr.DeadlineRel <= t0.Attr.DeadlineRel {
			sh := ceilDiv(t.Attr.WCET*t0.Attr.DeadlineRel, t.Attr.Period)
			if sh > uh {
				ok = false
			}
			uh -= sh
		}
		st := ceilDiv(t.Attr.WCET*tail, t.Attr.Period)
		if st > ut {
			ok = false
		}
		ut -= st
	}

	for _, t := range s.wake[cpu] {
		check(t)
	}
	for _, t := range s.run[cpu] {
		check(t)
	}
	if task != t0 {
		check(task)
	}
	return ok
}

func canExecute(t *sched.Task, now, tickMinNs int64) bool {
	if t.Dyn.Runtime <= 2*tickMinNs {
		return false
	}
	return t.Dyn.Deadline-now > 2*tickMinNs
}

// reinit reinitialises a task whose remaining runtime can no longer
// meet its deadline: it winds wakeup/deadline forward by one period and
// resets runtime to wcet, or marks a one-shot task dead (spec.md
// §4.7a's deadline-miss failure mode).
func reinit(t *sched.Task, now int64) {
	newWake := t.Dyn.Wakeup + t.Attr.Period
	if t.RunOnce {
		t.Dyn.State = sched.StateDead
		return
	}
	t.Dyn.State = sched.StateIdle
	t.Dyn.Wakeup = newWake
	t.Dyn.Deadline = t.Dyn.Wakeup + t.Attr.DeadlineRel
	t.Dyn.Runtime = t.Attr.WCET
	t.Dyn.Slices++
}

// PickNext implements edf_pick_next: walk the run queue, reinitialising
// tasks that can no longer meet their deadline and moving earlier
// deadlines to the head; reap dead one-shot tasks; return the head task
// if it is runnable.
func (s *Scheduler) PickNext(cpu int, now int64) *sched.Task {
	run := s.run[cpu]
	if len(run) == 0 {
		return nil
	}

	kept := run[:0:0]
	for _, t := range run {
		if t.Dyn.State == sched.StateDead {
			continue // reaped
		}
		if now-t.Dyn.Wakeup > 2*s.tickMinNs {
			kept = append(kept, t)
			continue
		}
		if t.Dyn.State == sched.StateRun || t.Dyn.State == sched.StateBusy {
			if !canExecute(t, now, s.tickMinNs) {
				reinit(t, now)
				kept = append(kept, t) // tail
				continue
			}
			kept = insertIfEarlier(kept, t)
			continue
		}
		if t.Dyn.State == sched.StateIdle {
			t.Dyn.State = sched.StateRun
			kept = insertIfEarlier(kept, t)
			continue
		}
		kept = append(kept, t)
	}
	s.run[cpu] = kept

	if len(kept) == 0 {
		return nil
	}
	head := kept[0]
	if head.Dyn.State == sched.StateRun {
		return head
	}
	return nil
}

// insertIfEarlier appends t to the list, moving it to the front if its
// deadline is earlier than the current head's (edf_pick_next's
// list_move semantics).
func insertIfEarlier(list []*sched.Task, t *sched.Task) []*sched.Task {
	if len(list) == 0 {
		return append(list, t)
	}
	if t.Dyn.Deadline < list[0].Dyn.Deadline {
		return append([]*sched.Task{t}, list...)
	}
	return append(list, t)
}

// WakeNext implements edf_wake_next: promote the head of the wake queue
// to the run queue with a wakeup computed to avoid colliding with a
// currently-running task's unused timeslice.
func (s *Scheduler) WakeNext(cpu int, now int64) {
	if len(s.wake[cpu]) == 0 {
		return
	}
	task := s.wake[cpu][0]
	last := now

	if !task.RunOnce {
		var after *sched.Task
		var maxPeriod int64
		for _, t := range s.run[cpu] {
			if t.RunOnce || t.Dyn.State == sched.StateDead {
				continue
			}
			if t.Attr.Period >= maxPeriod {
				maxPeriod = t.Attr.Period
				after = t
			}
		}
		if after != nil {
			last = after.Dyn.Wakeup + after.Attr.Period
		}

		for _, t := range s.run[cpu] {
			if t.RunOnce || t.Dyn.State != sched.StateIdle || t.Dyn.Wakeup < now {
				continue
			}
			if task.Attr.DeadlineRel < t.Dyn.Deadline-t.Dyn.Wakeup {
				last = t.Dyn.Wakeup
				break
			}
			if task.Attr.WCET < t.Dyn.Deadline-t.Dyn.Wakeup {
				last = t.Dyn.Deadline
				break
			}
		}
	}

	last += WakeOverheadNs
	task.Dyn.Wakeup = last + task.Attr.Period
	task.Dyn.Deadline = task.Dyn.Wakeup + task.Attr.DeadlineRel
	task.Dyn.Runtime = task.Attr.WCET
	task.Dyn.State = sched.StateIdle

	s.wake[cpu] = s.wake[cpu][1:]
	s.run[cpu] = append(s.run[cpu], task)
}

// TimesliceNs returns a task's remaining runtime budget (reset to WCET at
// each activation) as its timeslice bound — EDF tasks run until preempted
// by a nearer deadline, not a fixed quantum.
func (s *Scheduler) TimesliceNs(task *sched.Task) int64 {
	return task.Dyn.Runtime
}

// TaskReadyNs reports the nearest wakeup among idle run-queue tasks more
// than 2*tick_min away (spec.md §4.7a's task_ready_ns).
func (s *Scheduler) TaskReadyNs(cpu int, now int64) (int64, bool) {
	best := int64(0)
	found := false
	for _, t := range s.run[cpu] {
		if t.Dyn.State != sched.StateIdle {
			continue
		}
		delta := t.Dyn.Wakeup - now
		if delta <= 2*s.tickMinNs {
			continue
		}
		if !found || delta < best {
			best, found = delta, true
		}
	}
	return best, found
}
