// Package kmalloc implements the per-process heap allocator of spec.md
// §4.3: a free-list allocator over a sbrk-style break that grows page by
// page from a backing page allocator, with best-fit search, splitting on
// allocation, coalescing on free, and a lazy tail-release policy bounded
// by pages_release_max so a shrinking heap doesn't thrash the page
// allocator on every free.
//
// The segment layout follows the teacher's heap.go directly (a
// doubly-linked list of segment headers, each carrying its own size and
// allocated flag) generalized with a magic word so a stray or repeated
// free is caught rather than corrupting the list.
package kmalloc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// PageAllocator is the backing store a Heap grows its break over —
// satisfied by *pagemap.Map, or by a boot-memory stub before the MMU and
// page map are brought up (spec.md §4.3's no-MMU fallback).
type PageAllocator interface {
	PageAlloc() (uintptr, error)
	PageFree(uintptr) error
}

const (
	liveMagic = uint32(0xDEADC0DE)
	freeMagic = uint32(0xFEEDFACE)
)

// segment is one node of the heap's doubly-linked segment list. As with
// buddy.node, a hosted build has no real memory behind a uintptr, so the
// header lives in Heap.segs rather than being written through the
// block's own address.
type segment struct {
	next, prev uintptr // 0 means "no neighbor"
	size       uintptr // payload size, not including this header
	magic      uint32
}

// DefaultPagesReleaseMax bounds how many trailing free pages a single
// Free call will hand back to the page allocator, per spec.md §4.3's
// "bounded lazy release" — large enough to reclaim a burst of frees
// without turning every kfree into a page-allocator round trip.
const DefaultPagesReleaseMax = 4

// Heap is a process's kernel heap: a break grown page by page from pager,
// carved by a free-list allocator (spec.md §4.3's Heap data model).
type Heap struct {
	mu sync.Mutex

	pager    PageAllocator
	pageSize uintptr
	log      klog.Logger

	base uintptr // first page's address; 0 until the first growth
	brk  uintptr // exclusive end of the mapped region

	head uintptr // address of the first segment, 0 if heap is empty
	segs map[uintptr]*segment

	pagesReleaseMax int

	cancel context.CancelFunc
	wg     *errgroup.Group
}

// New creates a heap with no pages mapped yet; the first Alloc call grows
// the break. pagesReleaseMax <= 0 selects DefaultPagesReleaseMax.
func New(pager PageAllocator, pageSize uintptr, pagesReleaseMax int, log klog.Logger) *Heap {
	if pagesReleaseMax <= 0 {
		pagesReleaseMax = DefaultPagesReleaseMax
	}
	if log == nil {
		log = klog.Discard
	}
	return &Heap{
		pager:           pager,
		pageSize:        pageSize,
		log:             log,
		segs:            make(map[uintptr]*segment),
		pagesReleaseMax: pagesReleaseMax,
	}
}

// headerSize stands in for unsafe.Sizeof(heapSegment{}) in the teacher's
// heap.go: the minimum split granularity below which a remainder segment
// isn't worth carving off.
const headerSize = uintptr(32)

// Alloc reserves size bytes, growing the break by whole pages from pager
// as needed, and returns the payload address. Best-fit search over the
// free list, splitting the chosen segment when the remainder is large
// enough to host its own header (spec.md §4.3 kmalloc()).
func (h *Heap) Alloc(size uintptr) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("kmalloc: %w: zero-size allocation", kerr.ErrInvalidArg)
	}

	for {
		if addr, ok := h.bestFit(size); ok {
			h.carve(addr, size)
			return addr, nil
		}
		if err := h.grow(size); err != nil {
			return 0, err
		}
	}
}

// bestFit scans the segment list for the smallest free segment that can
// hold size, per the teacher's best-fit search in kmalloc().
func (h *Heap) bestFit(size uintptr) (uintptr, bool) {
	var best uintptr
	var bestSize uintptr
	found := false
	for addr := h.head; addr != 0; {
		s := h.segs[addr]
		if s.magic == freeMagic && s.size >= size {
			if !found || s.size < bestSize {
				best, bestSize, found = addr, s.size, true
			}
		}
		addr = s.next
	}
	return best, found
}

// carve marks the segment at addr allocated, splitting off a trailing
// free segment if the remainder is large enough to be useful.
func (h *Heap) carve(addr uintptr, size uintptr) {
	s := h.segs[addr]
	remainder := s.size - size
	if remainder > headerSize {
		newAddr := addr + headerSize + size
		h.segs[newAddr] = &segment{
			next:  s.next,
			prev:  addr,
			size:  remainder - headerSize,
			magic: freeMagic,
		}
		if s.next != 0 {
			h.segs[s.next].prev = newAddr
		}
		s.next = newAddr
		s.size = size
	}
	s.magic = liveMagic
}

// grow extends the break by enough whole pages to satisfy at least size
// bytes plus one header, mapping them from pager and appending a single
// new free segment spanning the growth.
func (h *Heap) grow(size uintptr) error {
	need := headerSize + size
	pages := (need + h.pageSize - 1) / h.pageSize

	first := uintptr(0)
	mapped := uintptr(0)
	for mapped < pages*h.pageSize {
		addr, err := h.pager.PageAlloc()
		if err != nil {
			return fmt.Errorf("kmalloc: grow: %w", err)
		}
		if first == 0 {
			first = addr
		} else if addr != first+mapped {
			// Pager handed back a non-contiguous page; the break must be
			// contiguous, so give it back and fail rather than silently
			// fragmenting the heap's address space.
			_ = h.pager.PageFree(addr)
			return fmt.Errorf("kmalloc: %w: page allocator returned a non-contiguous page", kerr.ErrExhausted)
		}
		mapped += h.pageSize
	}

	if h.base == 0 {
		h.base = first
		h.brk = first
	}
	newAddr := h.brk
	h.segs[newAddr] = &segment{size: mapped - headerSize, magic: freeMagic}
	h.brk += mapped

	if h.head == 0 {
		h.head = newAddr
	} else {
		tail := h.head
		for h.segs[tail].next != 0 {
			tail = h.segs[tail].next
		}
		h.segs[tail].next = newAddr
		h.segs[newAddr].prev = tail
	}
	h.coalesce(newAddr)
	return nil
}

// Free releases a block previously returned by Alloc, coalescing with
// free neighbors and releasing fully-free trailing pages back to pager,
// bounded by pagesReleaseMax (spec.md §4.3 kfree()). A magic mismatch —
// an address kmalloc never handed out, or one already freed — is
// reported rather than corrupting the list.
func (h *Heap) Free(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr == 0 {
		return nil
	}
	s, ok := h.segs[addr]
	if !ok {
		return fmt.Errorf("kmalloc: %w: address %#x is not a segment this heap owns", kerr.ErrInvalidArg, addr)
	}
	if s.magic == freeMagic {
		return fmt.Errorf("kmalloc: %w: address %#x already free", kerr.ErrDoubleFree, addr)
	}
	if s.magic != liveMagic {
		return fmt.Errorf("kmalloc: %w: address %#x has a corrupt segment header", kerr.ErrInvalidArg, addr)
	}
	s.magic = freeMagic
	merged := h.coalesce(addr)
	h.releaseTail(merged)
	return nil
}

// coalesce merges the segment at addr with adjacent free segments and
// returns the address of the (possibly merged) segment.
func (h *Heap) coalesce(addr uintptr) uintptr {
	s := h.segs[addr]
	if next := s.next; next != 0 {
		if ns := h.segs[next]; ns.magic == freeMagic {
			s.size += headerSize + ns.size
			s.next = ns.next
			if ns.next != 0 {
				h.segs[ns.next].prev = addr
			}
			delete(h.segs, next)
		}
	}
	if prev := s.prev; prev != 0 {
		if ps := h.segs[prev]; ps.magic == freeMagic {
			ps.size += headerSize + s.size
			ps.next = s.next
			if s.next != 0 {
				h.segs[s.next].prev = prev
			}
			delete(h.segs, addr)
			return h.coalesce(prev)
		}
	}
	return addr
}

// releaseTail hands trailing, fully-free pages back to pager when the
// free segment at addr reaches the current break, bounded by
// pagesReleaseMax per call so a burst of frees can't stall Free on a
// long run of page-allocator calls (spec.md §4.3's lazy tail release).
func (h *Heap) releaseTail(addr uintptr) {
	s := h.segs[addr]
	if s.next != 0 || s.prev != 0 {
		// Not the sole remaining segment of its mapped run; conservatively
		// skip release rather than reason about partial-page boundaries.
		return
	}
	end := addr + headerSize + s.size
	if end != h.brk {
		return
	}
	// run is the total bytes (header included) this free segment occupies
	// of the tail; releasing a page shrinks the run, not s.size directly,
	// since the header's own bytes may belong to the very last page.
	run := headerSize + s.size
	released := 0
	for released < h.pagesReleaseMax && run >= h.pageSize {
		pageAddr := h.brk - h.pageSize
		if pageAddr < addr {
			break
		}
		if err := h.pager.PageFree(pageAddr); err != nil {
			h.log.Warning("kmalloc: tail page release failed", klog.F("addr", pageAddr), klog.F("err", err))
			break
		}
		h.brk -= h.pageSize
		run -= h.pageSize
		released++
	}
	if run == 0 {
		// The whole run was released; drop the now-empty segment entirely.
		if s.prev != 0 {
			h.segs[s.prev].next = 0
		} else {
			h.head = 0
		}
		delete(h.segs, addr)
		return
	}
	s.size = run - headerSize
}

// StartReleaseWorker launches a background goroutine that periodically
// sweeps for releasable tail pages, matching the teacher's disabled
// scavenger/GC monitor goroutines (scavenger_monitor.go, gc_monitor.go)
// but wired to a real cancellation path via ctx instead of being a stub.
// h.sweepOnce runs once per value received on tick; the worker exits when
// ctx is canceled or tick is closed.
func (h *Heap) StartReleaseWorker(ctx context.Context, tick <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	h.cancel = cancel
	h.wg = g
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case _, ok := <-tick:
				if !ok {
					return nil
				}
				h.sweepOnce()
			}
		}
	})
}

// StopReleaseWorker cancels a previously started release worker and
// waits for it to exit.
func (h *Heap) StopReleaseWorker() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	_ = h.wg.Wait()
	h.cancel = nil
	h.wg = nil
}

// sweepOnce releases the tail if it is currently free, without requiring
// a matching Free call — used by the background release worker.
func (h *Heap) sweepOnce() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.head == 0 {
		return
	}
	tail := h.head
	for h.segs[tail].next != 0 {
		tail = h.segs[tail].next
	}
	if h.segs[tail].magic == freeMagic {
		h.releaseTail(tail)
	}
}

// Stats reports the heap's current break size and live free bytes, for
// the sysctl observer tree (spec.md §6).
type Stats struct {
	BreakBytes uintptr
	FreeBytes  uintptr
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var free uintptr
	for addr := h.head; addr != 0; {
		s := h.segs[addr]
		if s.magic == freeMagic {
			free += s.size
		}
		addr = s.next
	}
	return Stats{BreakBytes: h.brk - h.base, FreeBytes: free}
}
