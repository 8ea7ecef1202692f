// Package irq implements the kernel's IRQ dispatch layer of spec.md §4.5:
// a per-IRL handler list (16 primary lines, up to 32 extended sub-lines
// behind one primary line), a fixed pool of vector elements, and a
// bounded deferred-execution queue with a back-pressure-to-immediate
// fallback.
//
// The shape is the teacher's gic_qemu.go generalized: gic_qemu.go dispatches
// a single InterruptHandler per IRQ out of a flat interruptHandlers array;
// here each IRL instead heads a list of vector elements (so more than one
// handler can share a line), each carrying its own dispatch priority.
package irq

import (
	"fmt"
	"sync"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// NumPrimaryIRL and NumExtendedIRL size the two IRL tables spec.md §4.5
// names: 16 primary lines, up to 32 extended sub-lines multiplexed behind
// whichever primary line the extended interrupt controller is wired to.
const (
	NumPrimaryIRL  = 16
	NumExtendedIRL = 32
)

// Priority selects immediate or deferred dispatch for a handler.
type Priority int

const (
	// PriorityNow runs the handler on the IRQ stack, during Dispatch.
	PriorityNow Priority = iota
	// PriorityDeferred enqueues the handler for a later cooperative
	// drain (DrainDeferred), falling back to immediate execution if the
	// deferred queue has no room (spec.md §4.5's back-pressure policy).
	PriorityDeferred
)

// HandlerFunc is a registered IRQ handler. A non-zero return from a
// deferred handler re-queues it for another drain pass rather than
// returning its vector element to the pool (spec.md §4.5).
type HandlerFunc func(irq int, data any) int

// vectorElement is one entry of a per-IRL list, and doubles as a pool
// free-list node via next when detached — the same "node doubles as its
// own list linkage" idiom buddy.node and kmalloc.segment use.
type vectorElement struct {
	irq      int
	priority Priority
	handler  HandlerFunc
	data     any
	next     *vectorElement
}

// ExtendedIDReader reads the extended interrupt controller's pending-ID
// register. ok is false once the controller reports no pending extended
// IRQs, ending the drain loop (spec.md §4.5 "Extended IRLs").
type ExtendedIDReader func() (id int, ok bool)

// Dispatcher is the kernel's IRQ dispatch table: per-IRL handler lists, a
// pool of vector elements, and a bounded deferred queue, guarded by a
// single IRQ-masking spinlock per spec.md §4.5's concurrency note.
type Dispatcher struct {
	mu sync.Mutex

	primary  [NumPrimaryIRL]*vectorElement
	extended [NumExtendedIRL]*vectorElement
	masked   [NumPrimaryIRL]bool

	poolFree *vectorElement
	slab     []*vectorElement

	deferred    chan *vectorElement
	deferredCap int

	extControllerIRQ int
	extReader        ExtendedIDReader

	log klog.Logger
}

// New builds a Dispatcher with poolSize pre-allocated vector elements and
// a deferred queue holding up to deferredCap entries.
func New(poolSize, deferredCap int, log klog.Logger) *Dispatcher {
	if log == nil {
		log = klog.Discard
	}
	d := &Dispatcher{
		deferred:    make(chan *vectorElement, deferredCap),
		deferredCap: deferredCap,
		log:         log,
	}
	d.slab = make([]*vectorElement, poolSize)
	for i := range d.slab {
		ve := &vectorElement{}
		d.slab[i] = ve
		ve.next = d.poolFree
		d.poolFree = ve
	}
	for i := range d.masked {
		d.masked[i] = true
	}
	return d
}

// SetExtendedController wires irq as the primary line the extended
// interrupt controller asserts, and reader as the means of draining its
// pending extended IDs, per spec.md §4.5 "Extended IRLs".
func (d *Dispatcher) SetExtendedController(irq int, reader ExtendedIDReader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extControllerIRQ = irq
	d.extReader = reader
}

func (d *Dispatcher) list(irq int) (*[NumPrimaryIRL]*vectorElement, int, error) {
	if irq >= 0 && irq < NumPrimaryIRL {
		return &d.primary, irq, nil
	}
	return nil, 0, fmt.Errorf("irq: %w: irq %d out of range", kerr.ErrInvalidArg, irq)
}

func (d *Dispatcher) extSlot(id int) (int, error) {
	if id < 0 || id >= NumExtendedIRL {
		return 0, fmt.Errorf("irq: %w: extended id %d out of range", kerr.ErrInvalidArg, id)
	}
	return id, nil
}

// Request detaches a vector element from the pool, populates it, attaches
// it to irq's per-IRL list, and unmasks irq — spec.md §4.5's request().
func (d *Dispatcher) Request(irq int, priority Priority, handler HandlerFunc, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ve := d.poolFree
	if ve == nil {
		return fmt.Errorf("irq: %w: vector element pool exhausted", kerr.ErrExhausted)
	}

	if irq >= NumPrimaryIRL {
		id, err := d.extSlot(irq - NumPrimaryIRL)
		if err != nil {
			return err
		}
		d.poolFree = ve.next
		ve.irq, ve.priority, ve.handler, ve.data = irq, priority, handler, data
		ve.next = d.extended[id]
		d.extended[id] = ve
		return nil
	}

	table, slot, err := d.list(irq)
	if err != nil {
		return err
	}
	d.poolFree = ve.next
	ve.irq, ve.priority, ve.handler, ve.data = irq, priority, handler, data
	ve.next = table[slot]
	table[slot] = ve
	d.masked[slot] = false
	return nil
}

// Free detaches every vector element on irq's list matching handler and
// data, returning them to the pool; if the list becomes empty, irq is
// masked again — spec.md §4.5's free().
func (d *Dispatcher) Free(irq int, handler HandlerFunc, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if irq >= NumPrimaryIRL {
		id, err := d.extSlot(irq - NumPrimaryIRL)
		if err != nil {
			return err
		}
		removed := false
		d.extended[id], removed = d.detach(d.extended[id], handler, data)
		if !removed {
			return fmt.Errorf("irq: %w: no matching handler on extended irq %d", kerr.ErrNotFound, irq)
		}
		return nil
	}

	table, slot, err := d.list(irq)
	if err != nil {
		return err
	}
	removed := false
	table[slot], removed = d.detach(table[slot], handler, data)
	if !removed {
		return fmt.Errorf("irq: %w: no matching handler on irq %d", kerr.ErrNotFound, irq)
	}
	if table[slot] == nil {
		d.masked[slot] = true
	}
	return nil
}

// detach walks head, removing every node matching handler/data (compared
// by pointer identity, since HandlerFunc is not comparable with ==
// across different closures in general but is here since callers pass
// the same func value they registered with) and returns each to the
// pool. Returns the new head and whether anything was removed.
func (d *Dispatcher) detach(head *vectorElement, handler HandlerFunc, data any) (*vectorElement, bool) {
	var newHead, tail *vectorElement
	removed := false
	for ve := head; ve != nil; {
		next := ve.next
		if sameHandler(ve.handler, handler) && ve.data == data {
			removed = true
			ve.handler = nil
			ve.data = nil
			ve.next = d.poolFree
			d.poolFree = ve
		} else {
			ve.next = nil
			if newHead == nil {
				newHead = ve
			} else {
				tail.next = ve
			}
			tail = ve
		}
		ve = next
	}
	return newHead, removed
}

// Dispatch is called on IRQ entry for irq: it invokes every PriorityNow
// handler immediately and attempts to enqueue every PriorityDeferred
// handler, falling back to immediate execution when the deferred queue
// is full (spec.md §4.5's back-pressure policy). If irq is the extended
// controller line, it then drains the extended ID register until the
// controller reports nothing pending.
func (d *Dispatcher) Dispatch(irq int) {
	d.mu.Lock()
	head := d.primary[irq%NumPrimaryIRL]
	isExtController := irq == d.extControllerIRQ && d.extReader != nil
	reader := d.extReader
	d.mu.Unlock()

	d.dispatchList(head)

	if isExtController {
		for {
			id, ok := reader()
			if !ok {
				break
			}
			d.mu.Lock()
			var subHead *vectorElement
			if id >= 0 && id < NumExtendedIRL {
				subHead = d.extended[id]
			}
			d.mu.Unlock()
			d.dispatchList(subHead)
		}
	}
}

func (d *Dispatcher) dispatchList(head *vectorElement) {
	for ve := head; ve != nil; ve = ve.next {
		switch ve.priority {
		case PriorityNow:
			ve.handler(ve.irq, ve.data)
		case PriorityDeferred:
			// Queue a copy drawn from the pool: the registered element
			// stays on its per-IRL list, the copy is what DrainDeferred
			// returns to the pool.
			d.mu.Lock()
			cp := d.poolFree
			if cp != nil {
				d.poolFree = cp.next
				*cp = vectorElement{irq: ve.irq, priority: ve.priority, handler: ve.handler, data: ve.data}
			}
			d.mu.Unlock()
			if cp != nil {
				select {
				case d.deferred <- cp:
					continue
				default:
					d.returnToPool(cp)
				}
			}
			d.log.Warning("irq: deferred queue or vector pool full, falling back to immediate dispatch", klog.F("irq", ve.irq))
			ve.handler(ve.irq, ve.data)
		}
	}
}

// DrainDeferred is called by the scheduler at a cooperative yield point:
// it drains up to the queue's length-at-entry FIFO, re-queueing any
// handler that returns non-zero and otherwise returning its vector
// element to the pool (spec.md §4.5's deferred execution). Returns the
// number of handlers invoked.
func (d *Dispatcher) DrainDeferred() int {
	n := len(d.deferred)
	processed := 0
	for i := 0; i < n; i++ {
		var ve *vectorElement
		select {
		case ve = <-d.deferred:
		default:
			return processed
		}
		rc := ve.handler(ve.irq, ve.data)
		processed++
		if rc != 0 {
			select {
			case d.deferred <- ve:
			default:
				d.log.Warning("irq: deferred re-queue dropped, queue full", klog.F("irq", ve.irq))
				d.returnToPool(ve)
			}
			continue
		}
		d.returnToPool(ve)
	}
	return processed
}

func (d *Dispatcher) returnToPool(ve *vectorElement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ve.handler = nil
	ve.data = nil
	ve.next = d.poolFree
	d.poolFree = ve
}

// Masked reports whether the calling CPU currently has irq masked — true
// for any primary line with no registered handlers, or one freed back to
// empty.
func (d *Dispatcher) Masked(irq int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if irq < 0 || irq >= NumPrimaryIRL {
		return true
	}
	return d.masked[irq]
}

func sameHandler(a, b HandlerFunc) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}
