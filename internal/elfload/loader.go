package elfload

import (
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// Allocator supplies the heap-allocated, aligned base an ET_REL image's
// sections are placed into (module_load_mem's kmalloc(m->size + m->align)
// call). A *kmalloc.Heap satisfies this directly once narrowed to 32-bit
// addresses; tests use a trivial bump allocator.
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(addr uint32) error
}

// SymbolResolver resolves a symbol name against an externally-maintained
// table, returning its absolute value. The kernel's exported symbol
// table is one instance; a loaded module's own .symtab, built from the
// image being loaded, is the other (spec.md §4.10 step 5's "resolve by
// name first against the kernel's ... table, then against the module's
// own").
type SymbolResolver interface {
	ResolveSymbol(name string) (value uint32, ok bool)
}

// SymbolTable is the simplest SymbolResolver: a name-to-value map, used
// both as the kernel's exported symbol table and, internally, as an
// image's own symbol table after Load parses it.
type SymbolTable map[string]uint32

func (t SymbolTable) ResolveSymbol(name string) (uint32, bool) {
	v, ok := t[name]
	return v, ok
}

// Section records one allocated (SHF_ALLOC) section's placement within
// an Image's backing buffer (struct module_section).
type Section struct {
	Name   string
	Offset uint32 // byte offset into Image.Data
	Size   uint32
	Flags  uint32
}

// Image is a loaded ELF object: either a relocatable module placed at a
// heap-allocated base, or a freestanding application whose declared
// entry address is an external concern this loader does not back with
// real memory (spec.md §4.10 step 2's ET_EXEC case).
type Image struct {
	Type ObjType

	// Data backs every SHF_ALLOC section at Base+Section.Offset for an
	// ET_REL image. It is nil for ET_EXEC, whose physical placement is
	// the external concern spec.md names; callers load ET_EXEC bytes
	// through whatever mechanism owns that reserved range.
	Data []byte
	Base uint32 // address Data[0] corresponds to; 0 for ET_EXEC

	allocAddr uint32 // raw Allocator.Alloc return value, for Free

	Sections []Section
	Symbols  SymbolTable

	Entry    uint32 // e_entry, ET_EXEC's declared load/entry address
	StartVA  uint32 // _start, resolved for ET_EXEC images
	InitVA   uint32 // _module_init, ET_REL images only
	ExitVA   uint32 // _module_exit, ET_REL images only
	HasStart bool
	HasInit  bool
	HasExit  bool
}

// SectionByName finds a loaded section by name, or ok=false
// (find_mod_sec).
func (img *Image) SectionByName(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// addrOf returns the absolute runtime address of an offset within a
// loaded section.
func (img *Image) addrOf(off uint32) uint32 { return img.Base + off }

// Loader validates, places, relocates, and resolves entry points for ELF
// images (module_load's top-level sequence). kernelSyms is consulted
// before an image's own .symtab, per spec.md §4.10 step 5.
type Loader struct {
	alloc      Allocator
	kernelSyms SymbolResolver
	log        klog.Logger
}

// New builds a Loader. kernelSyms may be nil (application loads with no
// exported-symbol dependency resolve only against their own table).
func New(alloc Allocator, kernelSyms SymbolResolver, log klog.Logger) *Loader {
	if log == nil {
		log = klog.Discard
	}
	return &Loader{alloc: alloc, kernelSyms: kernelSyms, log: log}
}

// Load runs spec.md §4.10's six steps against raw, an in-memory ELF
// file image. Any failure in steps 1-5 unwinds every allocation this
// call made (the image's own backing buffer) before returning.
func (ld *Loader) Load(raw []byte) (*Image, error) {
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	shdrs, err := parseShdrs(raw, h)
	if err != nil {
		return nil, err
	}

	img := &Image{Type: h.Type, Entry: h.Entry}

	if h.Type == TypeRel {
		if err := ld.loadSections(raw, shdrs, h, img); err != nil {
			return nil, err
		}
	}
	// ET_EXEC: no section placement of our own; the physical image is
	// already resident at its declared address, per spec.md step 2.

	img.Symbols = buildSymbolTable(raw, shdrs, h)

	if err := ld.relocate(raw, shdrs, h, img); err != nil {
		ld.unload(img)
		return nil, err
	}

	resolveEntryPoints(img)

	return img, nil
}

// loadSections implements setup_module + module_load_mem: sum the size
// and max alignment of every SHF_ALLOC section, allocate one backing
// buffer for all of them, then copy or zero each section's bytes in
// turn.
func (ld *Loader) loadSections(raw []byte, shdrs []shdr, h Header, img *Image) error {
	var total uint32
	var align uint32 = 4
	for _, s := range shdrs {
		if s.flags&SHFAlloc == 0 {
			continue
		}
		total += s.size
		if s.addralign > align {
			align = s.addralign
		}
	}

	base, err := ld.alloc.Alloc(total + align)
	if err != nil {
		return err
	}
	img.allocAddr = base
	img.Base = alignUp(base, align)
	img.Data = make([]byte, total)

	var cursor uint32
	for i, s := range shdrs {
		if s.flags&SHFAlloc == 0 || s.size == 0 {
			continue
		}
		name := sectionName(raw, shdrs, h, i)

		if s.typ == SHTNobits {
			// already zero: Data is a fresh make([]byte, total)
		} else {
			if uint64(s.offset)+uint64(s.size) > uint64(len(raw)) {
				ld.alloc.Free(base)
				return kerr.ErrInvalidArg
			}
			copy(img.Data[cursor:cursor+s.size], raw[s.offset:s.offset+s.size])
		}

		img.Sections = append(img.Sections, Section{
			Name:   name,
			Offset: cursor,
			Size:   s.size,
			Flags:  s.flags,
		})
		cursor += s.size
	}

	return nil
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// buildSymbolTable reads a module's own .symtab into a name-keyed table
// of raw st_value entries (section-relative for STT_OBJECT/STT_FUNC);
// the section-relative-to-absolute adjustment module.c's "text->addr +
// symval" performs happens lazily, at the point each value is actually
// used (resolveRelaSymbol, resolveEntryPoints), once the containing
// section's loaded address is known. Anonymous (STT_SECTION) entries are
// skipped here; relocations against them resolve via r_info's section
// index directly (resolveRelaSymbol's anonymous-symbol branch).
func buildSymbolTable(raw []byte, shdrs []shdr, h Header) SymbolTable {
	idx := findSectionByName(raw, shdrs, h, ".symtab")
	if idx < 0 {
		return SymbolTable{}
	}
	syms, err := parseSyms(raw, shdrs[idx])
	if err != nil {
		return SymbolTable{}
	}
	strIdx := int(shdrs[idx].link)
	table := make(SymbolTable, len(syms))
	for _, sy := range syms {
		if sy.name == 0 {
			continue
		}
		name := cstr(raw[shdrs[strIdx].offset:], sy.name)
		if name == "" {
			continue
		}
		table[name] = sy.value
	}
	return table
}

// relocate implements module_relocate: walk every SHT_RELA section,
// resolve each entry's symbol (by section if the symbol table entry
// names none, by the kernel's table, then the module's own table,
// otherwise), and patch the target section in place.
func (ld *Loader) relocate(raw []byte, shdrs []shdr, h Header, img *Image) error {
	if h.Type != TypeRel {
		return nil
	}

	idx := 0
	for {
		idx = findSectionIdxByType(shdrs, SHTRela, idx)
		if idx < 0 {
			break
		}
		sec := shdrs[idx]

		targetName := sectionName(raw, shdrs, h, int(sec.info))
		target, ok := img.SectionByName(targetName)
		if !ok {
			idx++
			continue
		}

		relas, err := parseRelas(raw, sec)
		if err != nil {
			return err
		}

		symSecIdx := findSectionIdxByType(shdrs, SHTSymtab, 0)
		var syms []sym
		var strIdx int
		if symSecIdx >= 0 {
			syms, err = parseSyms(raw, shdrs[symSecIdx])
			if err != nil {
				return err
			}
			strIdx = int(shdrs[symSecIdx].link)
		}

		for _, r := range relas {
			symVal, err := ld.resolveRelaSymbol(raw, shdrs, h, img, syms, strIdx, r)
			if err != nil {
				return err
			}

			siteOff := target.Offset + r.offset
			site := img.addrOf(siteOff)
			if err := applyRelocation(img.Data, siteOff, site, RelocType(r.typ), symVal, r.addend); err != nil {
				return err
			}
		}

		idx++
	}

	return nil
}

func (ld *Loader) resolveRelaSymbol(raw []byte, shdrs []shdr, h Header, img *Image, syms []sym, strIdx int, r rela) (uint32, error) {
	if int(r.symIdx) >= len(syms) {
		return 0, kerr.ErrInvalidArg
	}
	target := syms[r.symIdx]

	if target.name == 0 {
		// Anonymous symtab entry: it names a section (module_relocate's
		// "no string" branch). Resolve to that section's loaded address.
		secName := sectionName(raw, shdrs, h, int(target.shndx))
		sec, ok := img.SectionByName(secName)
		if !ok {
			return 0, kerr.ErrNotFound
		}
		return img.addrOf(sec.Offset), nil
	}

	name := cstr(raw[shdrs[strIdx].offset:], target.name)

	if ld.kernelSyms != nil {
		if v, ok := ld.kernelSyms.ResolveSymbol(name); ok {
			return v, nil
		}
	}

	ld.log.Info("elfload: symbol not found in kernel table, resolving in module", klog.F("symbol", name))

	typ := target.typ()
	if typ != SttObject && typ != SttFunc {
		ld.log.Err("elfload: unresolved symbol", klog.F("symbol", name))
		return 0, kerr.ErrNotFound
	}
	v, ok := img.Symbols.ResolveSymbol(name)
	if !ok {
		ld.log.Err("elfload: unresolved symbol", klog.F("symbol", name))
		return 0, kerr.ErrNotFound
	}

	// buildSymbolTable keeps raw st_value, section-relative for
	// STT_OBJECT/STT_FUNC defined within the image, so as in module.c the
	// loaded .text address is added here (the image base when there is
	// no .text).
	text, ok := img.SectionByName(".text")
	if ok {
		return img.addrOf(text.Offset) + v, nil
	}
	return img.addrOf(0) + v, nil
}

// resolveEntryPoints looks up _start (applications) and
// _module_init/_module_exit (modules), per spec.md §4.10 step 6.
func resolveEntryPoints(img *Image) {
	if img.Type == TypeExec {
		if v, ok := img.Symbols.ResolveSymbol("_start"); ok {
			img.StartVA = v
			img.HasStart = true
		}
		return
	}

	textBase := img.addrOf(0)
	if text, ok := img.SectionByName(".text"); ok {
		textBase = img.addrOf(text.Offset)
	}
	if v, ok := img.Symbols.ResolveSymbol("_module_init"); ok {
		img.InitVA = textBase + v
		img.HasInit = true
	}
	if v, ok := img.Symbols.ResolveSymbol("_module_exit"); ok {
		img.ExitVA = textBase + v
		img.HasExit = true
	}
}

// unload frees every allocation Load made (module_unload's section/base
// teardown, minus the module.exit() call: that belongs to whatever
// owns the running task, not the loader).
func (ld *Loader) unload(img *Image) {
	if img.allocAddr != 0 && ld.alloc != nil {
		ld.alloc.Free(img.allocAddr)
		img.allocAddr = 0
	}
	img.Data = nil
	img.Sections = nil
}

// Unload releases an image's backing allocation (module_unload, the
// success-path counterpart to Load's internal failure unwind).
func (ld *Loader) Unload(img *Image) {
	ld.unload(img)
}
