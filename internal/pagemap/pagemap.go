// Package pagemap composes one or more buddy pools of page granularity
// into the system-wide physical page allocator of spec.md §4.2. Pools are
// classified "full" or "empty" by an availability threshold so the hot
// allocation path never has to walk a pool it knows is depleted.
package pagemap

import (
	"fmt"

	"github.com/flightsw/leoncore/internal/buddy"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/sysctl"
)

// entry associates a physical range with a page-granularity buddy pool,
// per spec.md §3's PageMap entry.
type entry struct {
	start, end uintptr
	pageSize   uint32
	pool       *buddy.Pool
	full       bool
}

// DefaultAvailabilityThreshold is the fraction of a pool's total pages
// that must remain free for it to be classified "full"; below this, an
// allocation may still succeed but the pool moves to "empty" and is
// skipped by future allocations until freed pages push it back over the
// line. 1/8 mirrors conventional low-watermark sizing.
const DefaultAvailabilityThreshold = 0.125

// Map composes multiple page-granularity buddy pools. Entries never
// overlap (spec.md §3).
type Map struct {
	entries   []*entry
	threshold float64
}

// New creates an empty page map with the given availability threshold
// (0 < threshold <= 1).
func New(threshold float64) *Map {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultAvailabilityThreshold
	}
	return &Map{threshold: threshold}
}

// Add registers a new physical range [start, end) of page_size
// granularity, initializing a buddy pool over it and classifying it
// "full" (spec.md §4.2 add()).
func (m *Map) Add(start, end uintptr, pageSize uint32) error {
	if end <= start {
		return fmt.Errorf("pagemap: %w: end <= start", kerr.ErrInvalidArg)
	}
	for _, e := range m.entries {
		if rangesOverlap(start, end, e.start, e.end) {
			return fmt.Errorf("pagemap: %w: [%#x,%#x) overlaps existing entry [%#x,%#x)",
				kerr.ErrInvalidArg, start, end, e.start, e.end)
		}
	}
	pool, err := buddy.Init(start, end-start, uintptr(pageSize))
	if err != nil {
		return fmt.Errorf("pagemap: init pool: %w", err)
	}
	m.entries = append(m.entries, &entry{
		start:    start,
		end:      end,
		pageSize: pageSize,
		pool:     pool,
		full:     true,
	})
	return nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uintptr) bool {
	return aStart < bEnd && bStart < aEnd
}

func (e *entry) totalPages() uint64 {
	return uint64(e.end-e.start) / uint64(e.pageSize)
}

func (e *entry) freePages() uint64 {
	var free uint64
	for order, count := range e.pool.FreeBlockCount() {
		free += uint64(count) * (uint64(1) << order) / uint64(e.pageSize)
	}
	return free
}

// PageAlloc allocates a single page_size-granularity page, per spec.md
// §4.2 page_alloc(): it walks "full" pools first, and reclassifies a pool
// to "empty" once an allocation would push it below the availability
// threshold.
func (m *Map) PageAlloc() (uintptr, error) {
	for _, e := range m.entries {
		if !e.full {
			continue
		}
		addr, err := e.pool.Alloc(uintptr(e.pageSize))
		if err != nil {
			continue
		}
		if addr%uintptr(e.pageSize) != 0 {
			// Post-check per spec.md §4.2: verify page alignment, else
			// fail rather than hand back a misaligned page.
			_ = e.pool.Free(addr)
			return 0, fmt.Errorf("pagemap: %w: pool returned unaligned page %#x", kerr.ErrInvalidArg, addr)
		}
		if e.freePages() < availabilityFloor(e.totalPages(), m.threshold) {
			e.full = false
		}
		return addr, nil
	}
	return 0, fmt.Errorf("pagemap: %w: no pool has a free page", kerr.ErrExhausted)
}

func availabilityFloor(total uint64, threshold float64) uint64 {
	return uint64(float64(total) * threshold)
}

// PageFree frees a page previously returned by PageAlloc, searching
// "empty" pools first (the one most likely to own it, since it was
// recently depleted) before "full" ones, and reclassifies a pool back to
// "full" once its free count rises above the threshold (spec.md §4.2
// page_free()).
func (m *Map) PageFree(addr uintptr) error {
	// empty first, then full, matching spec.md's stated search order.
	for _, wantFull := range []bool{false, true} {
		for _, e := range m.entries {
			if e.full != wantFull {
				continue
			}
			if addr < e.start || addr >= e.end {
				continue
			}
			if err := e.pool.Free(addr); err != nil {
				return err
			}
			if !e.full && e.freePages() >= availabilityFloor(e.totalPages(), m.threshold) {
				e.full = true
			}
			return nil
		}
	}
	return fmt.Errorf("pagemap: %w: address %#x owned by no registered pool", kerr.ErrInvalidArg, addr)
}

// ReserveChunk allocates an arbitrary power-of-two-sized block (not
// necessarily page-sized) from any pool, for reserving the boot image or
// kernel image region before per-page allocation has fragmented the
// initial pool (spec.md §4.2 reserve_chunk()).
func (m *Map) ReserveChunk(size uintptr) (uintptr, error) {
	for _, e := range m.entries {
		addr, err := e.pool.Alloc(size)
		if err == nil {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("pagemap: %w: no pool could satisfy reservation of %d bytes", kerr.ErrExhausted, size)
}

// ReleaseChunk frees a block obtained through ReserveChunk.
func (m *Map) ReleaseChunk(addr uintptr) error {
	for _, e := range m.entries {
		if addr >= e.start && addr < e.end {
			return e.pool.Free(addr)
		}
	}
	return fmt.Errorf("pagemap: %w: address %#x owned by no registered pool", kerr.ErrInvalidArg, addr)
}

// Stats summarizes the page map for the sysctl observer interface
// (spec.md §6): total/used/free pages across all pools.
type Stats struct {
	TotalPages uint64
	FreePages  uint64
	UsedPages  uint64
}

func (m *Map) Stats() Stats {
	var s Stats
	for _, e := range m.entries {
		total := e.totalPages()
		free := e.freePages()
		s.TotalPages += total
		s.FreePages += free
		s.UsedPages += total - free
	}
	return s
}

// RegisterSysctl registers the page map's allocation statistics under
// mm/pagemap in tree (spec.md §6's observer wiring).
func (m *Map) RegisterSysctl(tree *sysctl.Tree) error {
	attrs := []sysctl.Attribute{
		{Name: "total_pages", Get: func() sysctl.Value { return m.Stats().TotalPages }},
		{Name: "free_pages", Get: func() sysctl.Value { return m.Stats().FreePages }},
		{Name: "used_pages", Get: func() sysctl.Value { return m.Stats().UsedPages }},
	}
	for _, a := range attrs {
		if err := tree.Register("mm/pagemap", a); err != nil {
			return err
		}
	}
	return nil
}
