package elfload

import (
	"encoding/binary"

	"github.com/flightsw/leoncore/internal/bitfield"
	"github.com/flightsw/leoncore/internal/kerr"
)

// RelocType is an Elf32_Rela r_info relocation type, named after the full
// R_SPARC_* enumeration original_source/include/kernel/elf.h declares.
// applyRelocation applies NONE, 8, 16, 32, UA32, DISP8, DISP16, DISP32,
// WDISP30, HI22 and LO10; the rest (WDISP22 included) are declared for
// completeness with the original header and rejected as unsupported.
type RelocType uint32

const (
	RSparcNone     RelocType = 0
	RSparc8        RelocType = 1
	RSparc16       RelocType = 2
	RSparc32       RelocType = 3
	RSparcDisp8    RelocType = 4
	RSparcDisp16   RelocType = 5
	RSparcDisp32   RelocType = 6
	RSparcWdisp30  RelocType = 7
	RSparcWdisp22  RelocType = 8
	RSparcHi22     RelocType = 9
	RSparc22       RelocType = 10
	RSparc13       RelocType = 11
	RSparcLo10     RelocType = 12
	RSparcGot10    RelocType = 13
	RSparcGot13    RelocType = 14
	RSparcGot22    RelocType = 15
	RSparcPc10     RelocType = 16
	RSparcPc22     RelocType = 17
	RSparcWplt30   RelocType = 18
	RSparcCopy     RelocType = 19
	RSparcGlobDat  RelocType = 20
	RSparcJmpSlot  RelocType = 21
	RSparcRelative RelocType = 22
	RSparcUA32     RelocType = 23
)

// SPARC v8 instruction bitfields HI22/LO10/WDISP30 patch (the op/rd bits
// are preserved; only the immediate field is replaced).
var (
	imm22Field  = bitfield.Bits(0, 21)
	lo10Field   = bitfield.Bits(0, 9)
	disp30Field = bitfield.Bits(0, 29)
)

// applyRelocation patches the 4 bytes at image[siteOff:siteOff+4] for one
// relocation entry (apply_relocate_add). site is the absolute runtime
// address of that patch location (needed for the PC-relative forms);
// symVal+addend is the relocated value S+A.
func applyRelocation(image []byte, siteOff uint32, site uint32, typ RelocType, symVal uint32, addend int32) error {
	if uint64(siteOff)+4 > uint64(len(image)) {
		return kerr.ErrInvalidArg
	}
	be := binary.BigEndian
	value := symVal + uint32(addend)

	switch typ {
	case RSparcNone:
		return nil

	case RSparc32, RSparcUA32:
		// UA32 differs from 32 only in alignment requirements, which do
		// not matter for a []byte-backed image: both are a plain
		// unaligned 32-bit store of S+A.
		be.PutUint32(image[siteOff:], value)
		return nil

	case RSparc16:
		if value > 0xFFFF {
			return kerr.ErrInvalidArg
		}
		be.PutUint16(image[siteOff:], uint16(value))
		return nil

	case RSparc8:
		if value > 0xFF {
			return kerr.ErrInvalidArg
		}
		image[siteOff] = byte(value)
		return nil

	case RSparcDisp8, RSparcDisp16, RSparcDisp32:
		disp := int64(value) - int64(site)
		switch typ {
		case RSparcDisp8:
			image[siteOff] = byte(int8(disp))
		case RSparcDisp16:
			be.PutUint16(image[siteOff:], uint16(int16(disp)))
		case RSparcDisp32:
			be.PutUint32(image[siteOff:], uint32(int32(disp)))
		}
		return nil

	case RSparcWdisp30:
		word := be.Uint32(image[siteOff:])
		disp := (int64(value) - int64(site)) >> 2
		word = disp30Field.Set(word, uint32(disp))
		be.PutUint32(image[siteOff:], word)
		return nil

	case RSparcHi22:
		word := be.Uint32(image[siteOff:])
		word = imm22Field.Set(word, value>>10)
		be.PutUint32(image[siteOff:], word)
		return nil

	case RSparcLo10:
		word := be.Uint32(image[siteOff:])
		word = lo10Field.Set(word, value&0x3FF)
		be.PutUint32(image[siteOff:], word)
		return nil

	default:
		return kerr.ErrInvalidArg
	}
}
