// Package memscrub walks page-map-owned physical ranges in bounded
// per-cycle chunks, reading each chunk and checking a CRC against the
// value recorded the previous time that same chunk was visited, to
// surface silent bit-rot between scrub cycles. Grounded on
// original_source/kernel/memscrub.c's mem_do_scrub: a registered list of
// [begin, end) sections, each walked wpc (words per cycle) words at a
// time with wraparound at the section end, yielding cooperatively after
// a full pass over every section rather than running to completion in
// one go (spec.md §5's "the memory scrubber calling sched_maybe_yield").
//
// The original's read (ioread32be) exists to trigger the hardware EDAC
// controller's own check/correct path on real silicon; this hosted build
// has no such side effect on a plain read; the CRC comparison is its
// stand-in, using the out-of-scope CRC collaborator (internal/kerr.CRC32er)
// spec.md §1 names.
package memscrub

import (
	"encoding/binary"
	"fmt"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// wordSize is the granularity memscrub_seg_add's alignment checks and
// mem_do_scrub's word reads both operate on (sizeof(unsigned long) on a
// SPARC v8 target).
const wordSize = 4

// Memory is the narrow read seam scrubbing needs: a word-at-a-time read
// over the physical address space (ioread32be). A real board backs this
// with a window onto actual RAM; tests back it with an address-keyed
// fake.
type Memory interface {
	ReadWord(addr uintptr) (uint32, error)
}

// FaultHandler is invoked when a chunk's CRC no longer matches the value
// recorded the previous time the same chunk was scrubbed.
type FaultHandler func(begin, end uintptr)

// YieldFunc is called once after a full pass over every registered
// section, implementing spec.md §5's cooperative yield point
// (mem_do_scrub's sched_maybe_yield(8), called once per while(1)
// iteration after the per-section loop completes).
type YieldFunc func()

// section tracks one registered scrub range's walk position and the
// last-seen CRC of every chunk address visited so far (memscrub_sec).
type section struct {
	begin, end uintptr // [begin, end), word-aligned
	pos        uintptr
	wpc        uint32
	baseline   map[uintptr]uint32
}

// Scrubber drives scrubbing of every registered section.
type Scrubber struct {
	mem     Memory
	crc     kerr.CRC32er
	onFault FaultHandler
	yield   YieldFunc
	log     klog.Logger

	sections []*section
}

// New builds a Scrubber. crc must not be nil; onFault and yield may be
// nil (no fault reporting / no yield point).
func New(mem Memory, crc kerr.CRC32er, onFault FaultHandler, yield YieldFunc, log klog.Logger) *Scrubber {
	if log == nil {
		log = klog.Discard
	}
	return &Scrubber{mem: mem, crc: crc, onFault: onFault, yield: yield, log: log}
}

// AddSection registers [begin, end) for scrubbing wpc words at a time
// (memscrub_seg_add). begin and end must be word-aligned and the range
// must hold at least wpc words, matching the original's "no
// merry-go-rounds allowed" rejection of a cycle size larger than the
// range itself.
func (s *Scrubber) AddSection(begin, end uintptr, wpc uint32) error {
	if begin%wordSize != 0 || end%wordSize != 0 {
		return fmt.Errorf("memscrub: %w: unaligned range [%#x,%#x)", kerr.ErrInvalidArg, begin, end)
	}
	if begin >= end {
		return fmt.Errorf("memscrub: %w: empty or inverted range", kerr.ErrInvalidArg)
	}
	if uint32((end-begin)/wordSize) < wpc {
		return fmt.Errorf("memscrub: %w: range too small for %d words per cycle", kerr.ErrInvalidArg, wpc)
	}
	s.sections = append(s.sections, &section{
		begin:    begin,
		end:      end,
		pos:      begin,
		wpc:      wpc,
		baseline: make(map[uintptr]uint32),
	})
	return nil
}

// RemoveSection unregisters a previously added [begin, end) range
// (memscrub_seg_rem), returning kerr.ErrNotFound if no exact match
// exists.
func (s *Scrubber) RemoveSection(begin, end uintptr) error {
	for i, sec := range s.sections {
		if sec.begin == begin && sec.end == end {
			s.sections = append(s.sections[:i], s.sections[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memscrub: %w", kerr.ErrNotFound)
}

// Cycle runs one scrubbing pass over every registered section, then
// yields if a YieldFunc was supplied (mem_do_scrub's loop body, minus
// the infinite loop: callers drive Cycle from whatever periodic task the
// scheduler runs it under).
func (s *Scrubber) Cycle() {
	for _, sec := range s.sections {
		s.scrubSection(sec)
	}
	if s.yield != nil {
		s.yield()
	}
}

// scrubSection advances one section by wpc words, wrapping at the
// section end: when fewer than wpc words remain before end, it scrubs
// the remainder, wraps pos back to begin, and scrubs the leftover word
// count from there if it fits (mem_do_scrub's wraparound accounting).
func (s *Scrubber) scrubSection(sec *section) {
	remaining := uint32((sec.end - sec.pos) / wordSize)
	if remaining < sec.wpc {
		s.readChunk(sec, sec.pos, remaining)
		leftover := sec.wpc - remaining
		sec.pos = sec.begin
		if leftover > 0 && sec.pos+uintptr(leftover)*wordSize <= sec.end {
			s.readChunk(sec, sec.pos, leftover)
			sec.pos += uintptr(leftover) * wordSize
		}
		return
	}
	s.readChunk(sec, sec.pos, sec.wpc)
	sec.pos += uintptr(sec.wpc) * wordSize
}

// readChunk reads words contiguous words starting at addr, computes
// their CRC, and compares it against the value recorded the last time
// this exact chunk address was visited.
func (s *Scrubber) readChunk(sec *section, addr uintptr, words uint32) {
	if words == 0 {
		return
	}
	buf := make([]byte, words*wordSize)
	for i := uint32(0); i < words; i++ {
		w, err := s.mem.ReadWord(addr + uintptr(i)*wordSize)
		if err != nil {
			s.log.Err("memscrub: read failed", klog.F("addr", uint64(addr+uintptr(i)*wordSize)))
			return
		}
		binary.BigEndian.PutUint32(buf[i*wordSize:], w)
	}

	sum := s.crc.CRC32(buf)
	if prev, ok := sec.baseline[addr]; ok && prev != sum {
		end := addr + uintptr(words)*wordSize
		s.log.Crit("memscrub: CRC mismatch", klog.F("addr", uint64(addr)), klog.F("end", uint64(end)))
		if s.onFault != nil {
			s.onFault(addr, end)
		}
	}
	sec.baseline[addr] = sum
}
