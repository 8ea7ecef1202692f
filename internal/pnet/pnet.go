// Package pnet implements the processing-network pipeline of spec.md
// §4.9: an ordered list of op-code-addressed trackers, each a FIFO of
// tasks; a task carries a "todo" route of op codes and a "done" history;
// process_next walks the tracker list, dispatching each task's head
// op-code to its tracker's op function and routing on the seven-way
// return code.
//
// Grounded directly on original_source/lib/data_proc_net.c
// (pn_get_next_pending_tracker's critical-then-round-robin tracker
// selection, pn_eval_task_status's switch) and
// original_source/lib/data_proc_task.c (the todo/done/free step lists),
// translated from intrusive kernel lists to plain slices; there is no
// teacher analogue (the teacher repo has no pipeline abstraction at
// all), so the package follows the original's shape directly rather
// than a teacher idiom.
package pnet

import (
	"sort"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// OpCode identifies a processing step and the tracker that handles it.
// Zero means "no further steps" (spec.md §4.9's todo-list terminator).
type OpCode uint64

// OpNodeIn and OpNodeOut are the sentinel op codes data_proc_net.c
// reserves for the implicit input and output trackers; AddNode rejects
// them so a user node can never collide with either.
const (
	OpNodeIn  OpCode = 1<<64 - 1
	OpNodeOut OpCode = 1<<64 - 2
)

// Status is an op function's return code (spec.md §4.9's dispatch table).
type Status int

const (
	Success Status = iota
	Stop
	Detach
	Resched
	SortSeq
	Destroy
)

// OpFunc processes a task whose head todo step names this tracker's op
// code, returning how process_next should route it next.
type OpFunc func(op OpCode, t *Task) Status

// Step is one entry of a task's todo/done route.
type Step struct {
	OpCode OpCode
	OpInfo any
}

// Task is one unit of work flowing through the network (spec.md §4.9):
// Data is caller-defined and opaque to the network; NMemb is the number
// of elements it represents, not necessarily Data's byte length.
type Task struct {
	Data  any
	NMemb int
	Type  uint64
	Seq   uint64

	Todo []Step
	Done []Step
}

// NewTask creates a task carrying the given route of op codes.
func NewTask(data any, nmemb int, typ, seq uint64, route ...OpCode) *Task {
	t := &Task{Data: data, NMemb: nmemb, Type: typ, Seq: seq}
	for _, op := range route {
		t.Todo = append(t.Todo, Step{OpCode: op})
	}
	return t
}

// NextOpCode returns the task's next pending op code, or 0 if its route
// is exhausted (pt_get_pend_step_op_code).
func (t *Task) NextOpCode() OpCode {
	if len(t.Todo) == 0 {
		return 0
	}
	return t.Todo[0].OpCode
}

// NextOpInfo returns the op-specific data attached to the head step.
func (t *Task) NextOpInfo() any {
	if len(t.Todo) == 0 {
		return nil
	}
	return t.Todo[0].OpInfo
}

// stepDone moves the head todo step to the front of done
// (pt_next_pend_step_done), so RewindDone can restore original order.
func (t *Task) stepDone() {
	if len(t.Todo) == 0 {
		return
	}
	s := t.Todo[0]
	t.Todo = t.Todo[1:]
	t.Done = append([]Step{s}, t.Done...)
}

// RewindDone moves every completed step back onto todo, restoring the
// original route order (pt_rewind_steps_done).
func (t *Task) RewindDone() {
	for _, s := range t.Done {
		t.Todo = append([]Step{s}, t.Todo...)
	}
	t.Done = nil
}

// delAllPending clears the todo route without touching done
// (pt_del_all_pending, used by the Destroy status).
func (t *Task) delAllPending() {
	t.Todo = nil
	t.NMemb = 0
}

// Tracker is one processing-network node: an op code, its op function,
// a task FIFO, and a critical-level threshold (spec.md §4.9).
type Tracker struct {
	OpCode   OpCode
	Critical int
	op       OpFunc
	queue    []*Task
}

// NewTracker builds a tracker for opCode, invoking op on every task
// whose head step names it. critical is the queue depth at which
// pn_get_next_pending_tracker gives this tracker priority.
func NewTracker(op OpFunc, opCode OpCode, critical int) *Tracker {
	return &Tracker{OpCode: opCode, Critical: critical, op: op}
}

// Put appends t to the tracker's FIFO.
func (pt *Tracker) Put(t *Task) { pt.queue = append(pt.queue, t) }

// Get pops the head task, or nil if empty.
func (pt *Tracker) Get() *Task {
	if len(pt.queue) == 0 {
		return nil
	}
	t := pt.queue[0]
	pt.queue = pt.queue[1:]
	return t
}

// Pending reports how many tasks are queued.
func (pt *Tracker) Pending() int { return len(pt.queue) }

// isCritical reports whether the tracker holds at least its critical
// threshold of tasks.
func (pt *Tracker) isCritical() bool {
	return pt.Critical > 0 && len(pt.queue) >= pt.Critical
}

// sortBySeq re-sorts the tracker's queue by each task's Seq, ascending
// (pt_track_sort_seq, driven by the SortSeq status).
func (pt *Tracker) sortBySeq() {
	sort.SliceStable(pt.queue, func(i, j int) bool {
		return pt.queue[i].Seq < pt.queue[j].Seq
	})
}

func defaultOp(_ OpCode, _ *Task) Status { return Destroy }

// Net is a processing network: an input tracker, an output tracker, and
// an ordered list of intermediate trackers (spec.md §4.9).
type Net struct {
	in, out *Tracker
	nodes   []*Tracker
	log     klog.Logger
}

// New builds an empty Net with default input/output trackers; the
// default output op simply drops the task (pn_dummy_op's pt_destroy).
func New(log klog.Logger) *Net {
	if log == nil {
		log = klog.Discard
	}
	return &Net{
		in:  NewTracker(defaultOp, OpNodeIn, 1),
		out: NewTracker(defaultOp, OpNodeOut, 1),
		log: log,
	}
}

// AddNode appends pt to the network's node list (pn_add_node). pt's op
// code must not be one of the reserved input/output sentinels.
func (n *Net) AddNode(pt *Tracker) error {
	if pt.OpCode == OpNodeIn || pt.OpCode == OpNodeOut {
		return kerr.ErrInvalidArg
	}
	n.nodes = append(n.nodes, pt)
	return nil
}

// SetOutputOp replaces the output tracker's op function
// (pn_create_output_node).
func (n *Net) SetOutputOp(op OpFunc) { n.out.op = op }

// InputTask enqueues t on the input tracker (pn_input_task); it is
// routed to its first matching node by the next ProcessInputs call.
func (n *Net) InputTask(t *Task) { n.in.Put(t) }

func (n *Net) findTracker(op OpCode) *Tracker {
	for _, pt := range n.nodes {
		if pt.OpCode == op {
			return pt
		}
	}
	return nil
}

// queueCriticalTrackers stable-partitions trackers at or above their
// critical threshold to the front of the node list
// (pn_queue_critical_trackers).
func (n *Net) queueCriticalTrackers() {
	critical := make([]*Tracker, 0, len(n.nodes))
	rest := make([]*Tracker, 0, len(n.nodes))
	for _, pt := range n.nodes {
		if pt.isCritical() {
			critical = append(critical, pt)
		} else {
			rest = append(rest, pt)
		}
	}
	n.nodes = append(critical, rest...)
}

// nextPendingTracker locates the first tracker with queued work,
// rotating each visited tracker to the tail as it goes
// (pn_get_next_pending_tracker).
func (n *Net) nextPendingTracker() *Tracker {
	if len(n.nodes) == 0 {
		return nil
	}
	n.queueCriticalTrackers()
	for i := 0; i < len(n.nodes); i++ {
		pt := n.nodes[0]
		n.nodes = append(n.nodes[1:], pt)
		if pt.Pending() > 0 {
			return pt
		}
	}
	return nil
}

// taskToNextNode routes t to the tracker naming its next op code, or to
// the output tracker if its route is exhausted (pn_task_to_next_node).
// If the op code names no tracker, the task is dropped and logged.
func (n *Net) taskToNextNode(t *Task) {
	op := t.NextOpCode()
	if op == 0 {
		n.out.Put(t)
		return
	}
	pt := n.findTracker(op)
	if pt == nil {
		n.log.Crit("pnet: no tracker for op code, dropping task", klog.F("op_code", uint64(op)))
		return
	}
	pt.Put(t)
}

// evalTaskStatus applies spec.md §4.9's dispatch table for ret, returning
// whether pt's processing cycle may continue.
func (n *Net) evalTaskStatus(pt *Tracker, t *Task, ret Status) bool {
	switch ret {
	case Success:
		t.stepDone()
		n.taskToNextNode(t)
		return true
	case Stop:
		t.stepDone()
		n.taskToNextNode(t)
		return false
	case Detach:
		return true
	case Resched:
		pt.Put(t)
		return false
	case SortSeq:
		pt.Put(t)
		pt.sortBySeq()
		return false
	case Destroy:
		t.delAllPending()
		n.taskToNextNode(t)
		return true
	default:
		n.log.Err("pnet: invalid op return code, destroying task", klog.F("ret", int(ret)))
		t.delAllPending()
		n.taskToNextNode(t)
		return true
	}
}

// ProcessNext runs one processing cycle: locate the next tracker with
// pending work and drain it until empty or a Stop/Resched/SortSeq abort
// (pn_process_next). Returns the number of tasks processed.
func (n *Net) ProcessNext() int {
	pt := n.nextPendingTracker()
	if pt == nil {
		return 0
	}
	cnt := 0
	for {
		t := pt.Get()
		if t == nil {
			break
		}
		cnt++
		ret := pt.op(t.NextOpCode(), t)
		if !n.evalTaskStatus(pt, t, ret) {
			break
		}
	}
	return cnt
}

// ProcessInputs drains the input tracker, routing each task to the node
// naming its first op code (pn_process_inputs).
func (n *Net) ProcessInputs() error {
	if len(n.nodes) == 0 {
		return kerr.ErrNotFound
	}
	for {
		t := n.in.Get()
		if t == nil {
			break
		}
		op := t.NextOpCode()
		pt := n.findTracker(op)
		if pt == nil {
			n.log.Crit("pnet: no tracker for input op code, dropping task", klog.F("op_code", uint64(op)))
			continue
		}
		pt.Put(t)
	}
	return nil
}

// ProcessOutputs drains the output tracker through its op function
// (pn_process_outputs), returning the number of tasks processed.
func (n *Net) ProcessOutputs() int {
	cnt := 0
	for {
		t := n.out.Get()
		if t == nil {
			break
		}
		n.out.op(OpNodeOut, t)
		cnt++
	}
	return cnt
}

// NodeSpec declaratively describes one processing stage for Builder
// (grounded on original_source/init/demo_net.c's pn_prepare_nodes, which
// wires one tracker per pipeline stage in sequence).
type NodeSpec struct {
	OpCode   OpCode
	Op       OpFunc
	Critical int
}

// Builder assembles a Net from an ordered list of stages plus an
// optional output op, in place of demo_net.c's hand-written sequence of
// pt_track_create/pn_add_node calls.
type Builder struct {
	net *Net
	err error
}

// NewBuilder starts a Builder backed by a fresh Net.
func NewBuilder(log klog.Logger) *Builder {
	return &Builder{net: New(log)}
}

// AddNode appends one processing stage.
func (b *Builder) AddNode(spec NodeSpec) *Builder {
	if b.err != nil {
		return b
	}
	b.err = b.net.AddNode(NewTracker(spec.Op, spec.OpCode, spec.Critical))
	return b
}

// Output sets the terminal op function tasks reach once their route is
// exhausted.
func (b *Builder) Output(op OpFunc) *Builder {
	b.net.SetOutputOp(op)
	return b
}

// Build returns the assembled Net, or the first error AddNode produced.
func (b *Builder) Build() (*Net, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.net, nil
}
