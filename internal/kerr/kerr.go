// Package kerr names the error taxonomy of spec.md §7 as sentinel errors,
// so callers can classify a failure with errors.Is rather than parsing
// strings.
package kerr

import "errors"

var (
	// ErrExhausted is returned by an allocator (buddy, page map, kmalloc)
	// that has no block large enough to satisfy a request. Never a panic.
	ErrExhausted = errors.New("kerr: resource exhausted")

	// ErrInvalidArg marks a contract violation by the caller: an
	// unaligned address, a NULL passed where forbidden, an out-of-range
	// request. Operations return this rather than panicking.
	ErrInvalidArg = errors.New("kerr: invalid argument")

	// ErrDoubleFree marks a free of an address already free, or one
	// that fails magic verification (kmalloc) or the free bitmap
	// (buddy). The operation is a no-op, not a crash.
	ErrDoubleFree = errors.New("kerr: double free")

	// ErrNoSched is returned by sched.Set when a task's policy/attribute
	// combination is rejected, or by an EDF admission test that could
	// not place the task on any CPU (spec.md §4.7a, §7 "Admission").
	ErrNoSched = errors.New("kerr: -ENOSCHED")

	// ErrInvalidAttr mirrors -EINVAL for sched_set_attr (spec.md §7).
	ErrInvalidAttr = errors.New("kerr: -EINVAL")

	// ErrTimeInPast is returned by a tick device asked to program an
	// absolute deadline that has already elapsed (spec.md §4.6).
	ErrTimeInPast = errors.New("kerr: deadline already in the past")

	// ErrQueueFull marks a bounded queue (IRQ deferred queue, pnet
	// tracker FIFO capacity) that has no room; callers apply the
	// back-pressure policy spec.md names for that path.
	ErrQueueFull = errors.New("kerr: queue full")

	// ErrNotFound covers lookups that fail without being a contract
	// violation: an unregistered symbol, an unbound IRQ, a missing
	// sysctl attribute.
	ErrNotFound = errors.New("kerr: not found")
)

// CRC32er is the out-of-scope CRC/string-utility collaborator spec.md §1
// names; memscrub and the RMAP header checksum delegate to it rather than
// bundling a CRC implementation of their own.
type CRC32er interface {
	CRC32(data []byte) uint32
}

// EdacFault describes the double-bit memory fault that armed a critical
// region's reset callback (edac_error's "default" case: report the
// address, then reset if it fell inside a registered region).
type EdacFault struct {
	// Addr is the faulting physical address (ahbstat_get_failing_addr).
	Addr uintptr

	// RegionBegin/RegionEnd bound the registered critical region Addr
	// fell within.
	RegionBegin uintptr
	RegionEnd   uintptr
}
