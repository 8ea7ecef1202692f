// Package buddy implements the power-of-two buddy allocator of spec.md
// §4.1: a contiguous physical region tracked as blocks whose order ranges
// over [minOrder, maxOrder], one free list per order, split on alloc and
// coalesced on free.
//
// The free-list linkage follows the teacher's page.go idiom: a free
// block's own storage holds the list's next/prev pointers (there,
// Page.next/Page.prev). In this hosted build a block address is not
// backed by memory, so the same node header is kept in Pool.shadow, keyed
// by the block's address, instead of being written into the block.
package buddy

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/flightsw/leoncore/internal/kerr"
)

// node is the free-list linkage written into the first bytes of a free
// block. It is never read while the block is allocated.
type node struct {
	next uintptr // 0 means "no next"
	prev uintptr
}

const nodeSize = uintptr(16) // two uintptr-sized fields, rounded for alignment headroom

// Pool is one contiguous power-of-two-addressable region, per spec.md
// §4.1/§4.2's Pool data model.
type Pool struct {
	mu sync.Mutex

	base uintptr
	size uintptr

	minOrder uint
	maxOrder uint

	free [](uintptr) // free[order] = head address of that order's free list, or 0
	// order[addr] records the order of an *allocated* block found at addr,
	// keyed by offset from base / granularity of minOrder, so free() can
	// recover order without a separate header.
	allocOrder map[uintptr]uint
	// freeSet records which offsets are currently free, for double-free
	// detection (spec.md §4.1 "double-free detection via the free
	// bitmap"); keyed the same way as allocOrder.
	freeSet map[uintptr]bool

	// shadow stands in for "the data of the free block at the head of a
	// list is reused to hold that list's node linkage" (spec.md §3): in a
	// hosted build addr is a bare uintptr, not real addressable memory,
	// so the linkage lives here instead of being written through the
	// pointer. A real boot image writes node directly into the block.
	shadow map[uintptr]node

	allocFail uint64
}

// Init creates a pool over [base, base+size) and marks the whole range as
// one free maxOrder block — freeing it immediately, per spec.md §4.1's
// rationale that the freeing path alone decides free-list topology.
func Init(base uintptr, size uintptr, granularity uintptr) (*Pool, error) {
	if size == 0 {
		return nil, fmt.Errorf("buddy: %w: zero size", kerr.ErrInvalidArg)
	}
	// maxOrder is floor(log2(size)), whether or not size is itself a
	// power of two: bits.Len(size)-1 gives the index of the highest set
	// bit, i.e. floor(log2(size)).
	maxOrder := uint(bits.Len(uint(size))) - 1
	minOrder := ceilLog2(granularity)
	headerOrder := ceilLog2(uint(nodeSize))
	if minOrder < uint(headerOrder) {
		minOrder = uint(headerOrder)
	}
	if minOrder >= maxOrder {
		return nil, fmt.Errorf("buddy: %w: granularity too large for pool size", kerr.ErrInvalidArg)
	}

	p := &Pool{
		base:       base,
		size:       size,
		minOrder:   minOrder,
		maxOrder:   maxOrder,
		free:       make([]uintptr, maxOrder+1),
		allocOrder: make(map[uintptr]uint),
		freeSet:    make(map[uintptr]bool),
		shadow:     make(map[uintptr]node),
	}
	// The entire pool starts as one allocated maxOrder block; free() is
	// the only code path that links onto a free list, including the
	// maxOrder block itself so Alloc can find it again.
	p.allocOrder[base] = maxOrder
	if err := p.freeLocked(base); err != nil {
		return nil, err
	}
	return p, nil
}

func ceilLog2(v uint) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len(v - 1))
}

// Base returns the pool's base address.
func (p *Pool) Base() uintptr { return p.base }

// Size returns the pool's size in bytes.
func (p *Pool) Size() uintptr { return p.size }

// MinOrder/MaxOrder expose the pool's order range, e.g. for page map
// availability bookkeeping.
func (p *Pool) MinOrder() uint { return p.minOrder }
func (p *Pool) MaxOrder() uint { return p.maxOrder }

// AllocFailCount returns the alloc-fail counter (spec.md §6 sysctl:
// "alloc-fail count with read-clears semantics").
func (p *Pool) AllocFailCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocFail
}

// ClearAllocFailCount implements the read-clear semantics: returns the
// current value and resets it to zero.
func (p *Pool) ClearAllocFailCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.allocFail
	p.allocFail = 0
	return v
}

// FreeBlockCount returns, per order, how many free blocks currently exist
// — used by the round-trip property test of spec.md §8.
func (p *Pool) FreeBlockCount() map[uint]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint]int)
	for order, head := range p.free {
		n := 0
		for addr := head; addr != 0; {
			n++
			addr = p.readNode(addr).next
		}
		if n > 0 {
			out[uint(order)] = n
		}
	}
	return out
}

// IsPristine reports whether the pool is in its just-initialized state: a
// single free block of maxOrder and nothing else, per spec.md §8's
// round-trip invariant.
func (p *Pool) IsPristine() bool {
	counts := p.FreeBlockCount()
	if len(counts) != 1 {
		return false
	}
	return counts[p.maxOrder] == 1
}

func orderFor(size uintptr, minOrder, maxOrder uint) uint {
	order := ceilLog2(uint(size))
	if order < minOrder {
		order = minOrder
	}
	if order > maxOrder {
		order = maxOrder
	}
	return order
}

// Alloc reserves a block of at least size bytes, returning its base
// address. Per spec.md §4.1, the requested order is clamped to
// [minOrder, maxOrder]; the smallest free order >= that order is split
// down as needed.
func (p *Pool) Alloc(size uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size == 0 || size > p.size {
		p.allocFail++
		return 0, fmt.Errorf("buddy: %w: size %d out of range", kerr.ErrInvalidArg, size)
	}
	order := orderFor(size, p.minOrder, p.maxOrder)

	found := order
	for found <= p.maxOrder && p.free[found] == 0 {
		found++
	}
	if found > p.maxOrder {
		p.allocFail++
		return 0, fmt.Errorf("buddy: %w: no block of order >= %d", kerr.ErrExhausted, order)
	}

	addr := p.detachHead(found)
	// Split down from found to order, linking each high half onto its
	// own order's free list.
	for cur := found; cur > order; cur-- {
		half := uintptr(1) << (cur - 1)
		buddyAddr := addr + half
		p.linkFree(cur-1, buddyAddr)
	}
	p.allocOrder[addr] = order
	delete(p.freeSet, p.key(addr))
	return addr, nil
}

// AllocOrder is Alloc's explicit-order form, used by callers (page map)
// that already know the exact order they want (e.g. always page-granularity).
func (p *Pool) AllocOrder(order uint) (uintptr, error) {
	return p.Alloc(uintptr(1) << order)
}

// Free releases a block previously returned by Alloc, merging with free
// buddies as far as possible. NULL (zero) is silently ignored; an address
// outside the pool, or one that is already free, is reported and ignored
// rather than corrupting the free lists (spec.md §4.1, §7).
func (p *Pool) Free(addr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr == 0 {
		return nil
	}
	if addr < p.base || addr >= p.base+p.size {
		return fmt.Errorf("buddy: %w: address %#x outside pool [%#x,%#x)", kerr.ErrInvalidArg, addr, p.base, p.base+p.size)
	}
	if p.freeSet[p.key(addr)] {
		return fmt.Errorf("buddy: %w: address %#x already free", kerr.ErrDoubleFree, addr)
	}
	return p.freeLocked(addr)
}

// freeLocked performs the merge loop of spec.md §4.1's free() with mu
// already held; it is also used by Init to seed the pool's single initial
// free block.
func (p *Pool) freeLocked(addr uintptr) error {
	order, ok := p.allocOrder[addr]
	if !ok {
		return fmt.Errorf("buddy: %w: address %#x has no recorded allocation order", kerr.ErrInvalidArg, addr)
	}
	delete(p.allocOrder, addr)

	for order < p.maxOrder {
		buddyAddr := addr ^ (uintptr(1) << order)
		if !p.freeSet[p.key(buddyAddr)] {
			break
		}
		// freeSet does not record order; the buddy only merges if it sits
		// on this order's free list.
		sameOrder := false
		for a := p.free[order]; a != 0; a = p.readNode(a).next {
			if a == buddyAddr {
				sameOrder = true
				break
			}
		}
		if !sameOrder {
			break
		}
		// buddy is free at the same order: detach it and merge upward.
		p.unlinkFree(order, buddyAddr)
		delete(p.freeSet, p.key(buddyAddr))
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}

	p.linkFree(order, addr)
	return nil
}

// key maps an address to the map key buddy/free bookkeeping uses; kept as
// a method so the representation (currently: the address itself) can
// change without touching call sites.
func (p *Pool) key(addr uintptr) uintptr { return addr }

func (p *Pool) readNode(addr uintptr) node {
	if n, ok := p.shadow[addr]; ok {
		return n
	}
	return node{}
}

func (p *Pool) writeNode(addr uintptr, n node) {
	if p.shadow == nil {
		p.shadow = make(map[uintptr]node)
	}
	p.shadow[addr] = n
}

func (p *Pool) linkFree(order uint, addr uintptr) {
	head := p.free[order]
	p.writeNode(addr, node{next: head, prev: 0})
	if head != 0 {
		h := p.readNode(head)
		h.prev = addr
		p.writeNode(head, h)
	}
	p.free[order] = addr
	p.freeSet[p.key(addr)] = true
}

func (p *Pool) unlinkFree(order uint, addr uintptr) {
	n := p.readNode(addr)
	if n.prev != 0 {
		pr := p.readNode(n.prev)
		pr.next = n.next
		p.writeNode(n.prev, pr)
	} else {
		p.free[order] = n.next
	}
	if n.next != 0 {
		nx := p.readNode(n.next)
		nx.prev = n.prev
		p.writeNode(n.next, nx)
	}
	delete(p.shadow, addr)
}

func (p *Pool) detachHead(order uint) uintptr {
	addr := p.free[order]
	p.unlinkFree(order, addr)
	delete(p.freeSet, p.key(addr))
	return addr
}
