package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/flightsw/leoncore/internal/kmalloc"
)

// ramRegion is a flat byte-addressable backing store for one physical
// range. Every other subsystem in this build treats allocator addresses
// as opaque tokens (buddy.node and kmalloc.segment keep their bookkeeping
// out of band, the same way buddy's doc comment explains), but memscrub
// needs something to actually read in order to compute a CRC over it, so
// the daemon is the one place a uintptr is backed by real bytes.
type ramRegion struct {
	base uintptr
	buf  []byte
}

// ram satisfies memscrub.Memory over a fixed set of regions, populated
// from the board's mem_region list.
type ram struct {
	regions []ramRegion
}

func newRAM(regions []ramRegion) *ram {
	return &ram{regions: regions}
}

func (r *ram) ReadWord(addr uintptr) (uint32, error) {
	for _, rg := range r.regions {
		if addr < rg.base || addr+4 > rg.base+uintptr(len(rg.buf)) {
			continue
		}
		off := addr - rg.base
		return binary.BigEndian.Uint32(rg.buf[off : off+4]), nil
	}
	return 0, fmt.Errorf("leoncored: no backing memory at %#x", addr)
}

// corrupt flips a bit at addr, used to drive a fault through the scrub
// loop for demonstration/diagnostic purposes (not wired to any syscall).
func (r *ram) corrupt(addr uintptr) {
	for _, rg := range r.regions {
		if addr >= rg.base && addr < rg.base+uintptr(len(rg.buf)) {
			rg.buf[addr-rg.base] ^= 0x01
			return
		}
	}
}

// heap32 narrows a *kmalloc.Heap to the 32-bit Allocator interface
// elfload.Loader wants (module_load_mem's kmalloc call against a SPARC
// v8 32-bit address space).
type heap32 struct {
	h *kmalloc.Heap
}

func (a heap32) Alloc(size uint32) (uint32, error) {
	addr, err := a.h.Alloc(uintptr(size))
	if err != nil {
		return 0, err
	}
	return uint32(addr), nil
}

func (a heap32) Free(addr uint32) error {
	return a.h.Free(uintptr(addr))
}

// ieeeCRC satisfies kerr.CRC32er with the stdlib IEEE table, the same
// stand-in internal/spacewire/rmap and internal/memscrub's tests use;
// spec.md §1 names CRC32er as an out-of-scope collaborator, and the
// IEEE polynomial needs nothing beyond what hash/crc32 already provides.
type ieeeCRC struct{}

func (ieeeCRC) CRC32(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
