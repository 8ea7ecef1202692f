// Package elfload implements the kernel/module ELF loader of spec.md
// §4.10: header validation, section placement, relocation against a
// two-tier (kernel-then-module) symbol table, and entry-point resolution
// for both freestanding applications and loadable modules.
//
// Grounded directly on original_source/lib/elf.c (the accessor functions
// this file's Header/parseShdrs/findSectionByName/parseSyms mirror, minus
// the raw-pointer arithmetic: a []byte image plus binary.BigEndian reads
// stands in for "cast the file image to a struct pointer") and
// original_source/kernel/module.c (setup_module/module_load_mem's
// section-placement and allocation-unwind sequence, which loader.go
// follows). There is no teacher analogue (the teacher repo loads no
// binary images at runtime), so the package follows the original's
// shape directly, in the style of the rest of the core's wire-format
// packages (encode/decode funcs, no unsafe struct overlay).
package elfload

import (
	"encoding/binary"

	"github.com/flightsw/leoncore/internal/kerr"
)

// ELF32 identification bytes (e_ident), big-endian SPARC only: this
// kernel never loads a 64-bit or little-endian image.
const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	classNone = 0
	class32   = 1

	dataNone = 0
	data2MSB = 2 // big-endian, as SPARC v8 requires

	evCurrent = 1
)

const machineSparc = 2

// ObjType is e_type: the load strategy selector of spec.md §4.10 step 2.
type ObjType uint16

const (
	TypeNone ObjType = 0
	TypeRel  ObjType = 1 // relocatable: place at a heap-allocated base
	TypeExec ObjType = 2 // must load at its declared entry address
	TypeDyn  ObjType = 3
	TypeCore ObjType = 4
)

// SectionType is sh_type.
type SectionType uint32

const (
	SHTNull     SectionType = 0
	SHTProgbits SectionType = 1
	SHTSymtab   SectionType = 2
	SHTStrtab   SectionType = 3
	SHTRela     SectionType = 4
	SHTHash     SectionType = 5
	SHTDynamic  SectionType = 6
	SHTNote     SectionType = 7
	SHTNobits   SectionType = 8
	SHTRel      SectionType = 9
	SHTShlib    SectionType = 10
	SHTDynsym   SectionType = 11
)

// Section flags (sh_flags).
const (
	SHFWrite     uint32 = 1 << 0
	SHFAlloc     uint32 = 1 << 1
	SHFExecinstr uint32 = 1 << 2
)

// Symbol types (ELF32_ST_TYPE(st_info)), spec.md §4.10 step 5's
// supported set.
const (
	SttNotype  = 0
	SttObject  = 1
	SttFunc    = 2
	SttSection = 3
	SttFile    = 4
	SttCommon  = 5
	SttTLS     = 6
)

const ehdrSize = 52
const shdrSize = 40
const symSize = 16
const relaSize = 12

// Header is the fields of Elf32_Ehdr this loader actually consults; the
// rest (e_ident padding, e_version, e_flags) are neither checked nor kept.
type Header struct {
	Type      ObjType
	Machine   uint16
	Entry     uint32
	PhOff     uint32
	ShOff     uint32
	ShNum     uint16
	ShStrNdx  uint16
	ShEntSize uint16
}

// parseHeader validates e_ident (elf_header_check) and decodes the
// fixed-size Elf32_Ehdr fields.
func parseHeader(raw []byte) (Header, error) {
	if len(raw) < ehdrSize {
		return Header{}, kerr.ErrInvalidArg
	}
	if raw[0] != magic0 || raw[1] != magic1 || raw[2] != magic2 || raw[3] != magic3 {
		return Header{}, kerr.ErrInvalidArg
	}
	if raw[4] != class32 || raw[5] != data2MSB {
		return Header{}, kerr.ErrInvalidArg
	}

	be := binary.BigEndian
	h := Header{
		Type:      ObjType(be.Uint16(raw[16:18])),
		Machine:   be.Uint16(raw[18:20]),
		Entry:     be.Uint32(raw[24:28]),
		PhOff:     be.Uint32(raw[28:32]),
		ShOff:     be.Uint32(raw[32:36]),
		ShEntSize: be.Uint16(raw[46:48]),
		ShNum:     be.Uint16(raw[48:50]),
		ShStrNdx:  be.Uint16(raw[50:52]),
	}
	if h.Machine != machineSparc {
		return Header{}, kerr.ErrInvalidArg
	}
	if h.Type != TypeRel && h.Type != TypeExec {
		return Header{}, kerr.ErrInvalidArg
	}
	return h, nil
}

// shdr is one Elf32_Shdr, decoded in place (elf_get_sec_by_idx).
type shdr struct {
	name      uint32
	typ       SectionType
	flags     uint32
	addr      uint32
	offset    uint32
	size      uint32
	link      uint32
	info      uint32
	addralign uint32
	entsize   uint32
}

func parseShdrs(raw []byte, h Header) ([]shdr, error) {
	if h.ShOff == 0 || h.ShNum == 0 {
		return nil, nil
	}
	end := uint64(h.ShOff) + uint64(h.ShNum)*uint64(shdrSize)
	if end > uint64(len(raw)) {
		return nil, kerr.ErrInvalidArg
	}

	be := binary.BigEndian
	out := make([]shdr, h.ShNum)
	for i := range out {
		b := raw[int(h.ShOff)+i*shdrSize:]
		out[i] = shdr{
			name:      be.Uint32(b[0:4]),
			typ:       SectionType(be.Uint32(b[4:8])),
			flags:     be.Uint32(b[8:12]),
			addr:      be.Uint32(b[12:16]),
			offset:    be.Uint32(b[16:20]),
			size:      be.Uint32(b[20:24]),
			link:      be.Uint32(b[24:28]),
			info:      be.Uint32(b[28:32]),
			addralign: be.Uint32(b[32:36]),
			entsize:   be.Uint32(b[36:40]),
		}
	}
	return out, nil
}

// cstr reads a NUL-terminated string starting at off within raw
// (elf_get_shstrtab_str/elf_get_strtab_str's string-table indexing).
func cstr(raw []byte, off uint32) string {
	if int(off) >= len(raw) {
		return ""
	}
	end := int(off)
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[off:end])
}

// sectionName resolves sh_name against .shstrtab (elf_get_shstrtab_str).
func sectionName(raw []byte, shdrs []shdr, h Header, idx int) string {
	if int(h.ShStrNdx) >= len(shdrs) {
		return ""
	}
	strtab := shdrs[h.ShStrNdx]
	return cstr(raw[strtab.offset:], shdrs[idx].name)
}

// findSectionIdxByType mirrors elf_find_sec_idx_by_type: 0-based index
// search starting at from, -1 if exhausted.
func findSectionIdxByType(shdrs []shdr, typ SectionType, from int) int {
	for i := from; i < len(shdrs); i++ {
		if shdrs[i].typ == typ {
			return i
		}
	}
	return -1
}

// findSectionByName mirrors elf_find_sec.
func findSectionByName(raw []byte, shdrs []shdr, h Header, name string) int {
	for i := range shdrs {
		if sectionName(raw, shdrs, h, i) == name {
			return i
		}
	}
	return -1
}

// sym is one Elf32_Sym.
type sym struct {
	name  uint32
	value uint32
	size  uint32
	info  uint8
	shndx uint16
}

func (s sym) bind() uint8 { return s.info >> 4 }
func (s sym) typ() uint8  { return s.info & 0xf }

func parseSyms(raw []byte, sec shdr) ([]sym, error) {
	if sec.entsize == 0 || sec.entsize != symSize {
		return nil, kerr.ErrInvalidArg
	}
	cnt := sec.size / sec.entsize
	be := binary.BigEndian
	out := make([]sym, cnt)
	for i := range out {
		b := raw[sec.offset+uint32(i)*symSize:]
		out[i] = sym{
			name:  be.Uint32(b[0:4]),
			value: be.Uint32(b[4:8]),
			size:  be.Uint32(b[8:12]),
			info:  b[12],
			shndx: be.Uint16(b[14:16]),
		}
	}
	return out, nil
}

// rela is one Elf32_Rela.
type rela struct {
	offset uint32
	symIdx uint32
	typ    uint32
	addend int32
}

func parseRelas(raw []byte, sec shdr) ([]rela, error) {
	if sec.entsize == 0 || sec.entsize != relaSize {
		return nil, kerr.ErrInvalidArg
	}
	cnt := sec.size / sec.entsize
	be := binary.BigEndian
	out := make([]rela, cnt)
	for i := range out {
		b := raw[sec.offset+uint32(i)*relaSize:]
		info := be.Uint32(b[4:8])
		out[i] = rela{
			offset: be.Uint32(b[0:4]),
			symIdx: info >> 8,
			typ:    info & 0xff,
			addend: int32(be.Uint32(b[8:12])),
		}
	}
	return out, nil
}
