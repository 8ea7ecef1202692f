// Package srmmu implements the three-level SPARC reference-MMU translator
// of spec.md §4.4: a 256-entry level-1 table (16 MiB span per slot) over
// 64-entry level-2 tables (256 KiB span) over 64-entry level-3 tables
// (4 KiB pages), per-context, with demand-fill on a data-access
// exception.
//
// Entry words follow the teacher's PackPageFlags/UnpackPageFlags
// convention (see internal/bitfield) rather than unsafe struct overlay:
// encode/decode funcs are the only place the big-endian PTE/PTD layout of
// spec.md §6 is spelled out. Table allocation follows the teacher's
// mmu.go bump-allocator idiom (allocatePageTable), generalized with the
// over-allocate-plus-magic-word trick spec.md's table allocator calls
// for, since the backing allocator has no aligned-alloc primitive.
package srmmu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flightsw/leoncore/internal/bitfield"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/kpanic"
)

// Fatal fault classifications of spec.md §4.4's trap handler.
var (
	ErrNullPointer    = errors.New("srmmu: null-pointer access")
	ErrReservedRegion = errors.New("srmmu: reserved-region access")
	ErrHighMemAccess  = errors.New("srmmu: highmem access outside context")
	ErrBreakViolation = errors.New("srmmu: access beyond program break")
	ErrUnhandledFault = errors.New("srmmu: unhandled fault type")
)

// Perm is the 3-bit SPARC v8 access-permission field (bits 4:2 of a PTE).
type Perm uint32

const (
	PermUserRO Perm = iota
	PermUserRW
	PermUserRX
	PermUserRWX
	PermSupervisorRO
	PermSupervisorRW
	PermSupervisorRX
	PermSupervisorRWX
)

// Geometry constants of spec.md §4.4's three-level layout.
const (
	L1Entries = 256
	L2Entries = 64
	L3Entries = 64

	L1Span    = 16 * 1024 * 1024 // 16 MiB: one level-1 slot
	L2Span    = 256 * 1024       // 256 KiB: one level-2 slot
	PageSize  = 4096             // 4 KiB: one level-3 slot / physical page
	idx1Shift = 24
	idx2Shift = 18
	idx3Shift = 12
)

func idx1(va uint32) uint32 { return (va >> idx1Shift) & 0xFF }
func idx2(va uint32) uint32 { return (va >> idx2Shift) & 0x3F }
func idx3(va uint32) uint32 { return (va >> idx3Shift) & 0x3F }

type entryType uint32

const (
	typeInvalid entryType = 0
	typePTD     entryType = 1
	typePTE     entryType = 2
	typeReserved entryType = 3
)

// Bit layout of spec.md §6's "Page-table entry layout (big-endian 32-bit
// word)": 31:8 pointer, 7 cacheable, 6 modified, 5 referenced, 4:2 perm,
// 1:0 type.
var (
	typeField      = bitfield.Bits(0, 1)
	permField      = bitfield.Bits(2, 4)
	referencedField = bitfield.Bit(5)
	modifiedField  = bitfield.Bit(6)
	cacheableField = bitfield.Bit(7)
	ptrField       = bitfield.Bits(8, 31)
)

func entryTypeOf(w uint32) entryType { return entryType(typeField.Get(w)) }

// encodePTE packs a leaf mapping: the physical page frame (PA >> 4 >> 8,
// per spec.md §6) into the pointer field, plus permission and cacheable
// bits.
func encodePTE(pa uint32, perm Perm, cacheable bool) uint32 {
	w := typeField.Set(0, uint32(typePTE))
	w = permField.Set(w, uint32(perm))
	w = bitfield.SetBool(w, cacheableField, cacheable)
	w = ptrField.Set(w, pa>>12)
	return w
}

func decodePTE(w uint32) (pa uint32, perm Perm, cacheable bool) {
	pa = ptrField.Get(w) << 12
	perm = Perm(permField.Get(w))
	cacheable = bitfield.GetBool(w, cacheableField)
	return
}

// ptdPtrField holds a PTD's table pointer in bits 31:2, as on SPARC v8;
// the 24-bit PTE frame field cannot hold tableAddr>>6 for tables at or
// above 1 GiB.
var ptdPtrField = bitfield.Bits(2, 31)

// encodePTD packs a page-table descriptor: the sub-table's address,
// shifted >>4>>2 per spec.md §6, into ptdPtrField.
func encodePTD(tableAddr uint32) uint32 {
	return ptdPtrField.Set(typeField.Set(0, uint32(typePTD)), tableAddr>>6)
}

func decodePTDAddr(w uint32) uint32 { return ptdPtrField.Get(w) << 6 }

// tableMagic is the signature spec.md §4.4 names for the table
// allocator's alignment-offset bookkeeping word. In this hosted build
// there is no adjacent real memory word to pack it into, so it and the
// alignment offset are kept as distinct fields on table rather than
// bit-packed, the same simplification buddy.Pool's shadow map makes for
// free-list linkage.
const tableMagic = uint32(0xDEADDA7A)

// TableAllocator is the byte-granularity allocator the table allocator
// over-allocates from; *kmalloc.Heap satisfies this directly.
type TableAllocator interface {
	Alloc(size uintptr) (uintptr, error)
	Free(addr uintptr) error
}

// PageAllocator supplies the physical frames demand-fill maps in;
// *pagemap.Map satisfies this directly.
type PageAllocator interface {
	PageAlloc() (uintptr, error)
	PageFree(uintptr) error
}

// table is one level-1/2/3 table: entries, a live-entry refcount, and the
// over-allocation bookkeeping spec.md §4.4 describes.
type table struct {
	level       int
	entries     []uint32
	refcount    uint32
	magic       uint32
	rawAddr     uintptr
	alignOffset uintptr
	addr        uint32 // size-aligned address used in parent PTD pointers
}

func entryCount(level int) int {
	switch level {
	case 1:
		return L1Entries
	default:
		return L2Entries // level 2 and 3 are both 64 entries
	}
}

func tableBytes(level int) uintptr { return uintptr(entryCount(level)) * 4 }

// allocTable over-allocates by one table extent from ta, then carves out
// the size-aligned sub-range, per spec.md §4.4's table allocator.
func allocTable(ta TableAllocator, level int) (*table, error) {
	sz := tableBytes(level)
	raw, err := ta.Alloc(sz * 2)
	if err != nil {
		return nil, fmt.Errorf("srmmu: alloc level-%d table: %w", level, err)
	}
	align := sz - (raw % sz)
	if align == sz {
		align = 0
	}
	addr := raw + align
	return &table{
		level:       level,
		entries:     make([]uint32, entryCount(level)),
		magic:       tableMagic,
		rawAddr:     raw,
		alignOffset: align,
		addr:        uint32(addr),
	}, nil
}

// Context is a per-process MMU address space (spec.md §3's Context).
type Context struct {
	Num            uint32
	AddrLo, AddrHi uint32
	Sbrk           uint32
	l1             *table
}

// FaultType classifies the SRMMU fault-status register's decoded type,
// per spec.md §4.4's fault handler.
type FaultType int

const (
	FaultInvalidAddr FaultType = iota
	FaultOther
)

// FaultStatus is the decoded content of the SRMMU fault-status register
// (spec.md §4.4): only the fields the fault handler branches on.
type FaultStatus struct {
	Type      FaultType
	AddrValid bool
}

// Translator is the MMU core: the table allocator, the physical page
// source for demand-fill, and the live context set (spec.md §4.4).
type Translator struct {
	mu sync.Mutex

	tableAlloc   TableAllocator
	pageAlloc    PageAllocator
	highMemStart uint32
	log          klog.Logger

	tables  map[uint32]*table // keyed by a table's size-aligned address
	curCtx  uint32
}

// New creates a Translator. highMemStart is the boundary above which
// spec.md §6's 1:1-mapped supervisor region begins; faults above it are
// fatal highmem accesses rather than demand-fillable.
func New(tableAlloc TableAllocator, pageAlloc PageAllocator, highMemStart uint32, log klog.Logger) *Translator {
	if log == nil {
		log = klog.Discard
	}
	return &Translator{
		tableAlloc:   tableAlloc,
		pageAlloc:    pageAlloc,
		highMemStart: highMemStart,
		log:          log,
		tables:       make(map[uint32]*table),
	}
}

// NewContext allocates a fresh level-1 table and returns a Context over
// [addrLo, addrHi) with the heap cursor starting at sbrk.
func (t *Translator) NewContext(num, addrLo, addrHi, sbrk uint32) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l1, err := allocTable(t.tableAlloc, 1)
	if err != nil {
		return nil, err
	}
	t.tables[l1.addr] = l1
	return &Context{Num: num, AddrLo: addrLo, AddrHi: addrHi, Sbrk: sbrk, l1: l1}, nil
}

// resolveSubTable returns the table a PTD word points to, erroring if the
// word doesn't actually decode to a live table (dangling pointer).
func (t *Translator) resolveSubTable(w uint32) (*table, error) {
	sub, ok := t.tables[decodePTDAddr(w)]
	if !ok {
		return nil, fmt.Errorf("srmmu: %w: dangling page-table descriptor", kerr.ErrInvalidArg)
	}
	return sub, nil
}

// DoSmallMapping maps a single 4 KiB page, allocating level-2/level-3
// tables as needed under ctx's level-1 slot for va (spec.md §4.4).
func (t *Translator) DoSmallMapping(ctx *Context, va, pa uint32, perm Perm, cacheable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i1, i2, i3 := idx1(va), idx2(va), idx3(va)

	l2, err := t.ensureSubTable(ctx.l1, i1, 2)
	if err != nil {
		return err
	}
	l3, err := t.ensureSubTable(l2, i2, 3)
	if err != nil {
		return err
	}

	if entryTypeOf(l3.entries[i3]) != typePTE {
		l3.refcount++
	}
	l3.entries[i3] = encodePTE(pa, perm, cacheable)
	t.flushTLB(va)
	return nil
}

// ensureSubTable returns the table parent's slot i already points to,
// allocating and linking a fresh one of the given level if the slot is
// currently invalid. A slot already holding a large PTE is a contract
// violation: small and large mappings are mutually exclusive at level 1.
func (t *Translator) ensureSubTable(parent *table, i uint32, level int) (*table, error) {
	w := parent.entries[i]
	switch entryTypeOf(w) {
	case typeInvalid:
		sub, err := allocTable(t.tableAlloc, level)
		if err != nil {
			return nil, err
		}
		t.tables[sub.addr] = sub
		parent.entries[i] = encodePTD(sub.addr)
		parent.refcount++
		return sub, nil
	case typePTD:
		return t.resolveSubTable(w)
	case typePTE:
		return nil, fmt.Errorf("srmmu: %w: level-%d slot already holds a large mapping", kerr.ErrInvalidArg, parent.level)
	default:
		return nil, fmt.Errorf("srmmu: %w: reserved page-table entry", kerr.ErrInvalidArg)
	}
}

// DoLargeMapping writes a 16 MiB PTE directly into ctx's level-1 slot for
// va. The slot must not currently be a PTD (spec.md §4.4).
func (t *Translator) DoLargeMapping(ctx *Context, va, pa uint32, perm Perm, cacheable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i1 := idx1(va)
	if entryTypeOf(ctx.l1.entries[i1]) == typePTD {
		return fmt.Errorf("srmmu: %w: level-1 slot already holds a page-table descriptor", kerr.ErrInvalidArg)
	}
	ctx.l1.entries[i1] = encodePTE(pa, perm, cacheable)
	t.flushTLB(va)
	return nil
}

// DoSmallMappingRange maps n consecutive 4 KiB pages starting at va/pa,
// aborting on the first error and reporting the index of the page that
// failed (spec.md §4.4 do_small_mapping_range).
func (t *Translator) DoSmallMappingRange(ctx *Context, va, pa uint32, n int, perm Perm, cacheable bool) (int, error) {
	for i := 0; i < n; i++ {
		if err := t.DoSmallMapping(ctx, va+uint32(i)*PageSize, pa+uint32(i)*PageSize, perm, cacheable); err != nil {
			return i, err
		}
	}
	return n, nil
}

// DoLargeMappingRange is DoSmallMappingRange's 16 MiB counterpart.
func (t *Translator) DoLargeMappingRange(ctx *Context, va, pa uint32, n int, perm Perm, cacheable bool) (int, error) {
	for i := 0; i < n; i++ {
		if err := t.DoLargeMapping(ctx, va+uint32(i)*L1Span, pa+uint32(i)*L1Span, perm, cacheable); err != nil {
			return i, err
		}
	}
	return n, nil
}

// ReleasePages walks [vaStart, vaEnd) a page at a time, invalidating each
// mapped level-3 PTE, calling freePage for its physical frame, and
// freeing a sub-table once its refcount decays to zero, recursively up
// to the level-1 slot (spec.md §4.4 release_pages).
func (t *Translator) ReleasePages(ctx *Context, vaStart, vaEnd uint32, freePage func(pa uint32) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for va := vaStart; va < vaEnd; va += PageSize {
		i1, i2, i3 := idx1(va), idx2(va), idx3(va)

		w1 := ctx.l1.entries[i1]
		if entryTypeOf(w1) != typePTD {
			continue
		}
		l2, err := t.resolveSubTable(w1)
		if err != nil {
			return err
		}

		w2 := l2.entries[i2]
		if entryTypeOf(w2) != typePTD {
			continue
		}
		l3, err := t.resolveSubTable(w2)
		if err != nil {
			return err
		}

		w3 := l3.entries[i3]
		if entryTypeOf(w3) != typePTE {
			continue
		}
		pa, _, _ := decodePTE(w3)
		l3.entries[i3] = 0
		if err := freePage(pa); err != nil {
			return err
		}
		l3.refcount--
		if l3.refcount != 0 {
			continue
		}
		delete(t.tables, l3.addr)
		if err := t.tableAlloc.Free(l3.rawAddr); err != nil {
			return err
		}
		l2.entries[i2] = 0
		l2.refcount--
		if l2.refcount != 0 {
			continue
		}
		delete(t.tables, l2.addr)
		if err := t.tableAlloc.Free(l2.rawAddr); err != nil {
			return err
		}
		ctx.l1.entries[i1] = 0
		ctx.l1.refcount--
	}
	return nil
}

// SelectCtx stores ctx's number to the (simulated) context register and
// flushes caches/TLB, per spec.md §4.4 select_ctx.
func (t *Translator) SelectCtx(ctx *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.curCtx = ctx.Num
	t.log.Debug("srmmu: context switch", klog.F("ctx", ctx.Num))
}

// flushTLB is a logging no-op standing in for the real SPARC ASI flush
// sequence; there is no TLB in this hosted build.
func (t *Translator) flushTLB(va uint32) {
	t.log.Debug("srmmu: flush", klog.F("va", va))
}

// Translate walks ctx's tables for va without allocating, returning the
// mapped physical address and permission. Used by the read/write syscall
// path and by tests that verify a mapping without exercising a real bus.
func (t *Translator) Translate(ctx *Context, va uint32) (pa uint32, perm Perm, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w1 := ctx.l1.entries[idx1(va)]
	switch entryTypeOf(w1) {
	case typePTE:
		base, perm, _ := decodePTE(w1)
		return base | (va & (L1Span - 1)), perm, nil
	case typePTD:
		l2, err := t.resolveSubTable(w1)
		if err != nil {
			return 0, 0, err
		}
		w2 := l2.entries[idx2(va)]
		if entryTypeOf(w2) != typePTD {
			return 0, 0, fmt.Errorf("srmmu: %w: va %#x not mapped", kerr.ErrNotFound, va)
		}
		l3, err := t.resolveSubTable(w2)
		if err != nil {
			return 0, 0, err
		}
		w3 := l3.entries[idx3(va)]
		if entryTypeOf(w3) != typePTE {
			return 0, 0, fmt.Errorf("srmmu: %w: va %#x not mapped", kerr.ErrNotFound, va)
		}
		base, perm, _ := decodePTE(w3)
		return base | (va & (PageSize - 1)), perm, nil
	default:
		return 0, 0, fmt.Errorf("srmmu: %w: va %#x not mapped", kerr.ErrNotFound, va)
	}
}

// HandleFault decodes an SRMMU data-access exception (spec.md §4.4): it
// demand-fills a page within [ctx.AddrLo, ctx.Sbrk) and otherwise
// classifies the access as one of four fatal violations. The caller
// (Trap, or a test) decides what to do with a non-nil return.
func (t *Translator) HandleFault(ctx *Context, faultAddr uint32, fs FaultStatus) error {
	if fs.Type != FaultInvalidAddr || !fs.AddrValid {
		return fmt.Errorf("%w: addr=%#x", ErrUnhandledFault, faultAddr)
	}
	switch {
	case faultAddr == 0:
		return fmt.Errorf("%w: addr=%#x", ErrNullPointer, faultAddr)
	case faultAddr < ctx.AddrLo:
		return fmt.Errorf("%w: addr=%#x", ErrReservedRegion, faultAddr)
	case faultAddr > t.highMemStart:
		return fmt.Errorf("%w: addr=%#x", ErrHighMemAccess, faultAddr)
	case faultAddr < ctx.Sbrk:
		pa, err := t.pageAlloc.PageAlloc()
		if err != nil {
			return fmt.Errorf("srmmu: demand-fill: %w", err)
		}
		pageVA := faultAddr &^ uint32(PageSize-1)
		return t.DoSmallMapping(ctx, pageVA, uint32(pa), PermSupervisorRWX, true)
	default:
		return fmt.Errorf("%w: addr=%#x", ErrBreakViolation, faultAddr)
	}
}

// Trap is the production entry point for trap vector 0x9 (spec.md §6): it
// resumes on a successful demand-fill and halts via kpanic otherwise.
func (t *Translator) Trap(ctx *Context, faultAddr uint32, fs FaultStatus) {
	if err := t.HandleFault(ctx, faultAddr, fs); err != nil {
		kpanic.Fatal(t.log, "srmmu: fatal mmu fault", klog.F("addr", faultAddr), klog.F("err", err))
	}
}
