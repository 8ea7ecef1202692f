package elfload

import (
	"encoding/binary"
)

// testELF assembles a minimal big-endian SPARC ELF32 object file in
// memory, mirroring just enough of the layout module_load expects:
// .text, optionally .bss, a .rela.text, a .symtab and its .strtab, and a
// .shstrtab for section names. There is no compiler in this build
// environment to produce a real fixture, so tests construct the byte
// layout directly against the same offsets elf.go's parsers read.
type testSym struct {
	name  string
	value uint32
	info  uint8
	shndx uint16
}

type testRela struct {
	offset uint32
	symIdx uint32
	typ    uint32
	addend int32
}

type testSection struct {
	name      string
	typ       SectionType
	flags     uint32
	data      []byte // nil for NOBITS
	size      uint32 // used when data is nil (NOBITS)
	link      uint32
	info      uint32
	addralign uint32
	entsize   uint32
}

func buildStrtab(names ...string) (buf []byte, offsets map[string]uint32) {
	offsets = make(map[string]uint32)
	buf = append(buf, 0) // index 0 is always the empty string
	for _, n := range names {
		offsets[n] = uint32(len(buf))
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

func buildSymtab(syms []testSym, strOff map[string]uint32) []byte {
	buf := make([]byte, 0, (len(syms)+1)*symSize)
	buf = append(buf, make([]byte, symSize)...) // STN_UNDEF
	for _, s := range syms {
		var rec [symSize]byte
		be := binary.BigEndian
		be.PutUint32(rec[0:4], strOff[s.name])
		be.PutUint32(rec[4:8], s.value)
		be.PutUint32(rec[8:12], 0)
		rec[12] = s.info
		rec[13] = 0
		be.PutUint16(rec[14:16], s.shndx)
		buf = append(buf, rec[:]...)
	}
	return buf
}

func buildRela(relas []testRela) []byte {
	buf := make([]byte, 0, len(relas)*relaSize)
	be := binary.BigEndian
	for _, r := range relas {
		var rec [relaSize]byte
		be.PutUint32(rec[0:4], r.offset)
		be.PutUint32(rec[4:8], (r.symIdx<<8)|(r.typ&0xff))
		be.PutUint32(rec[8:12], uint32(r.addend))
		buf = append(buf, rec[:]...)
	}
	return buf
}

func buildELF(objType ObjType, entry uint32, sections []testSection) []byte {
	be := binary.BigEndian

	// section 0 is always SHT_NULL; shstrtab covers every section name.
	names := make([]string, 0, len(sections))
	for _, s := range sections {
		names = append(names, s.name)
	}
	names = append(names, ".shstrtab")
	shstrtab, shstrOff := buildStrtab(names...)

	type laidOut struct {
		sec    testSection
		offset uint32
	}

	var body []byte
	laid := make([]laidOut, 0, len(sections))
	for _, s := range sections {
		off := uint32(len(body))
		if s.data != nil {
			body = append(body, s.data...)
		}
		laid = append(laid, laidOut{sec: s, offset: off})
	}
	shstrtabOffset := uint32(len(body))
	body = append(body, shstrtab...)

	shnum := len(sections) + 2 // +NULL +shstrtab
	shstrndx := uint16(shnum - 1)

	ehdr := make([]byte, ehdrSize)
	ehdr[0], ehdr[1], ehdr[2], ehdr[3] = magic0, magic1, magic2, magic3
	ehdr[4] = class32
	ehdr[5] = data2MSB
	ehdr[6] = evCurrent
	be.PutUint16(ehdr[16:18], uint16(objType))
	be.PutUint16(ehdr[18:20], machineSparc)
	be.PutUint32(ehdr[20:24], 1)
	be.PutUint32(ehdr[24:28], entry)
	be.PutUint32(ehdr[32:36], uint32(ehdrSize+len(body)))
	be.PutUint16(ehdr[46:48], shdrSize)
	be.PutUint16(ehdr[48:50], uint16(shnum))
	be.PutUint16(ehdr[50:52], shstrndx)

	var shdrTable []byte
	writeShdr := func(name string, typ SectionType, flags, addr, offset, size, link, info, align, entsize uint32) {
		var rec [shdrSize]byte
		be.PutUint32(rec[0:4], shstrOff[name])
		be.PutUint32(rec[4:8], uint32(typ))
		be.PutUint32(rec[8:12], flags)
		be.PutUint32(rec[12:16], addr)
		be.PutUint32(rec[16:20], offset)
		be.PutUint32(rec[20:24], size)
		be.PutUint32(rec[24:28], link)
		be.PutUint32(rec[28:32], info)
		be.PutUint32(rec[32:36], align)
		be.PutUint32(rec[36:40], entsize)
		shdrTable = append(shdrTable, rec[:]...)
	}

	writeShdr("", SHTNull, 0, 0, 0, 0, 0, 0, 0, 0)
	for _, l := range laid {
		size := l.sec.size
		if l.sec.data != nil {
			size = uint32(len(l.sec.data))
		}
		writeShdr(l.sec.name, l.sec.typ, l.sec.flags, 0, ehdrSize+l.offset, size,
			l.sec.link, l.sec.info, l.sec.addralign, l.sec.entsize)
	}
	writeShdr(".shstrtab", SHTStrtab, 0, 0, ehdrSize+shstrtabOffset, uint32(len(shstrtab)), 0, 0, 1, 0)

	out := make([]byte, 0, len(ehdr)+len(body)+len(shdrTable))
	out = append(out, ehdr...)
	out = append(out, body...)
	out = append(out, shdrTable...)
	return out
}
