// Package sched implements the scheduler core of spec.md §4.7: a
// priority-ordered list of pluggable scheduler policies (EDF, round-robin,
// and any other policy implementing Scheduler), a per-CPU "current task"
// slot, and the schedule()/sched_yield()/sched_maybe_yield() dispatch
// logic that walks that list.
//
// There is no scheduler analogue in the teacher repo (a single-core
// bare-metal boot with no task abstraction at all), so this package is
// grounded directly on spec.md §4.7/§4.7a/§4.7b and the original
// implementation's kernel/sched/core.c and kernel/sched/edf.c, expressed
// with Go interfaces in place of the original's function-pointer
// "struct scheduler" vtable (the REDESIGN FLAGS note on function
// pointers as policy).
package sched

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/sysctl"
)

// State is a task's run state (spec.md §3).
type State int

const (
	StateNew State = iota
	StateIdle
	StateRun
	StateBusy
	StateDead
)

// Policy names which scheduler class a task belongs to.
type Policy string

// Attr is a task's static scheduling contract (spec.md §3): Priority is
// the round-robin priority class; Period/WCET/DeadlineRel are in
// nanoseconds and only meaningful to the EDF policy.
type Attr struct {
	Policy      Policy
	Priority    int
	Period      int64
	WCET        int64
	DeadlineRel int64
}

// Dyn is a task's dynamic scheduling state (spec.md §3).
type Dyn struct {
	Runtime   int64
	Total     int64
	Wakeup    int64
	Deadline  int64
	ExecStart int64
	ExecStop  int64
	Slices    int64
	State     State
}

// Task is a schedulable entity (spec.md §3). CPU is the task's pinned
// affinity, or -1 for "no affinity" (KTHREAD_CPU_AFFINITY_NONE in the
// original).
type Task struct {
	Name    string
	Entry   func()
	StackLo uintptr
	StackHi uintptr

	CPU   int
	Attr  Attr
	Dyn   Dyn
	Owner Policy

	RunOnce bool
}

// NoAffinity marks a task with no CPU pin — the scheduler's admission
// test picks one.
const NoAffinity = -1

// Scheduler is a pluggable scheduling policy (spec.md §3's "Scheduler
// strategy object"). Implementations are totally ordered by Priority,
// descending; Core consults them in that order.
type Scheduler interface {
	Policy() Policy
	Priority() int
	// PickNext selects the next task to run on cpu, or nil if this
	// policy has nothing runnable.
	PickNext(cpu int, now int64) *Task
	// WakeNext promotes at most one waking task to the run queue.
	WakeNext(cpu int, now int64)
	// Enqueue admits a new task under this policy.
	Enqueue(task *Task) error
	// TimesliceNs bounds how long task may run before schedule() should
	// reconsider.
	TimesliceNs(task *Task) int64
	// TaskReadyNs reports the soonest a currently-idle task under this
	// policy will become ready, and whether any such task exists.
	TaskReadyNs(cpu int, now int64) (int64, bool)
	// CheckSchedAttr validates a task's attribute contract before
	// Enqueue is attempted.
	CheckSchedAttr(attr Attr) error
}

// Core is the per-CPU-set scheduler core: the priority-ordered policy
// list, the current task per CPU, and the always-runnable boot task that
// guarantees pick_next can never return nil (spec.md §4.7).
type Core struct {
	mu sync.Mutex

	tickMinNs  int64
	schedulers []Scheduler
	current    map[int]*Task
	boot       map[int]*Task

	// TickProgram, if set, is called at the end of Schedule with the
	// timeslice (minus tick_min) the next task should run for.
	TickProgram func(cpu int, ns int64)

	log klog.Logger
}

// NewCore builds an empty Core. tickMinNs is the tick device's
// calibrated minimum period (spec.md §4.7's tick_min).
func NewCore(tickMinNs int64, log klog.Logger) *Core {
	if log == nil {
		log = klog.Discard
	}
	return &Core{
		tickMinNs: tickMinNs,
		current:   make(map[int]*Task),
		boot:      make(map[int]*Task),
		log:       log,
	}
}

// Register adds s to the policy list, keeping it sorted by Priority
// descending (spec.md §3's "schedulers are totally ordered by priority,
// descending").
func (c *Core) Register(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedulers = append(c.schedulers, s)
	sort.SliceStable(c.schedulers, func(i, j int) bool {
		return c.schedulers[i].Priority() > c.schedulers[j].Priority()
	})
}

// SetBootTask installs cpu's always-runnable minimal task, selected when
// no policy has anything else to offer.
func (c *Core) SetBootTask(cpu int, t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Dyn.State = StateRun
	c.boot[cpu] = t
}

// Current returns cpu's presently running task, or nil before the first
// Schedule call.
func (c *Core) Current(cpu int) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[cpu]
}

// Schedule runs the core dispatch loop of spec.md §4.7 for cpu at time
// now: it accounts the outgoing task's elapsed runtime, walks the policy
// list for the next task, computes the clamped timeslice, programs the
// tick (via TickProgram, if set), and returns the task now current on
// cpu. Caller is assumed to already hold whatever hardware interrupt
// mask / core lock the real boot requires.
func (c *Core) Schedule(cpu int, now int64) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.current[cpu]; cur != nil {
		elapsed := now - cur.Dyn.ExecStart
		if elapsed > 0 {
			cur.Dyn.Runtime -= elapsed
			if cur.Dyn.Runtime < 0 {
				cur.Dyn.Runtime = 0
			}
			cur.Dyn.Total += elapsed
		}
		cur.Dyn.ExecStop = now
		if cur.Dyn.State == StateBusy {
			cur.Dyn.State = StateRun
		}
	}

	var next *Task
	var chosenPriority int
	for _, s := range c.schedulers {
		if t := s.PickNext(cpu, now); t != nil {
			next, chosenPriority = t, s.Priority()
			break
		}
	}
	if next == nil {
		next = c.boot[cpu]
		chosenPriority = minInt
	}

	slice := int64(1<<63 - 1)
	haveSlice := false
	for _, s := range c.schedulers {
		if s.Priority() < chosenPriority {
			continue
		}
		if ready, ok := s.TaskReadyNs(cpu, now); ok && ready < slice {
			slice, haveSlice = ready, true
		}
	}
	if next != nil {
		if ts := schedulerTimeslice(c.schedulers, next); ts > 0 && (!haveSlice || ts < slice) {
			slice, haveSlice = ts, true
		}
	}
	if !haveSlice {
		slice = c.tickMinNs
	}

	tick := slice - c.tickMinNs
	if tick < 0 {
		tick = 0
	}
	if c.TickProgram != nil {
		c.TickProgram(cpu, tick)
	}

	if next != nil && next != c.current[cpu] {
		next.Dyn.State = StateBusy
		next.Dyn.ExecStart = now
		next.Dyn.Slices++
		c.current[cpu] = next
	}
	return next
}

const minInt = -1 << 62

func schedulerTimeslice(scheds []Scheduler, t *Task) int64 {
	for _, s := range scheds {
		if s.Policy() == t.Owner {
			return s.TimesliceNs(t)
		}
	}
	return 0
}

// Yield implements sched_yield(): zero the current task's remaining
// runtime and re-schedule.
func (c *Core) Yield(cpu int, now int64) *Task {
	c.mu.Lock()
	if cur := c.current[cpu]; cur != nil {
		cur.Dyn.Runtime = 0
	}
	c.mu.Unlock()
	return c.Schedule(cpu, now)
}

// MaybeYield implements sched_maybe_yield(frac): yields only if the
// current task's remaining runtime exceeds wcet/frac.
func (c *Core) MaybeYield(cpu int, now int64, frac int64) *Task {
	c.mu.Lock()
	cur := c.current[cpu]
	shouldYield := cur != nil && frac > 0 && cur.Dyn.Runtime > cur.Attr.WCET/frac
	c.mu.Unlock()
	if !shouldYield {
		return cur
	}
	return c.Yield(cpu, now)
}

// RegisterSysctl registers per-CPU scheduler attributes under
// sched/cpu<N> in tree: the name of the presently running task and its
// accumulated runtime (spec.md §6's per-task stats / cpu_load
// observer).
func (c *Core) RegisterSysctl(tree *sysctl.Tree, cpus []int) error {
	for _, cpu := range cpus {
		cpu := cpu
		group := fmt.Sprintf("sched/cpu%d", cpu)
		if err := tree.Register(group, sysctl.Attribute{
			Name: "current_task",
			Get: func() sysctl.Value {
				if t := c.Current(cpu); t != nil {
					return t.Name
				}
				return ""
			},
		}); err != nil {
			return err
		}
		if err := tree.Register(group, sysctl.Attribute{
			Name: "runtime_ns",
			Get: func() sysctl.Value {
				if t := c.Current(cpu); t != nil {
					return t.Dyn.Total
				}
				return int64(0)
			},
		}); err != nil {
			return err
		}
	}
	return nil
}
