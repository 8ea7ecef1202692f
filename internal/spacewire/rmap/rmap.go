// Package rmap encodes and decodes the SpaceWire Remote Memory Access
// Protocol commands spec.md §6 names as the payload carried by a
// spacewire.Core's RMAP-flagged TX/RX descriptors: a write or read
// command header, its header CRC, and (for writes) the data field and
// its own CRC.
//
// There is no RMAP codec in the teacher or in original_source (grspw2.c
// builds and appends these bytes at the call sites spec.md's `add_rmap`
// replaces, rather than in a standalone encoder); the header layout
// below follows the ECSS-E-ST-50-52C command/reply packet the glossary's
// "RMAP" entry names, expressed as a Go struct and a pair of
// Encode/Decode functions in the shape of the teacher's other wire-codec
// packages.
package rmap

import (
	"encoding/binary"

	"github.com/flightsw/leoncore/internal/kerr"
)

// Command is an RMAP write or read command targeting a single contiguous
// address range with incrementing addressing. It does not model RMAP
// path addressing (the variable-length reply address field): every
// target in this build is reachable by logical address alone.
type Command struct {
	TargetAddr    uint8
	TargetKey     uint8
	InitiatorAddr uint8
	TransactionID uint16
	ExtendedAddr  uint8
	Address       uint32
	Write         bool
	AckReply      bool
	Data          []byte // only meaningful when Write is true
}

// instruction byte bit layout (ECSS-E-ST-50-52C table 4).
const (
	instrPacketTypeCommand = 1 << 6
	instrWrite             = 1 << 5
	instrVerify            = 1 << 4
	instrReply             = 1 << 3
	instrIncrement         = 1 << 2
)

const protocolID = 0x01

// headerFixedLen is the command header length in bytes from the target
// address through the 4-byte address field, assuming no reply-address
// field (path addressing is not used in this hosted build's RMAP
// targets).
const headerFixedLen = 12

// Encode lays out cmd as an RMAP command packet starting at the target
// logical address byte; any SpaceWire path-address prefix before it (the
// routing bytes spec.md §4.8's `add_rmap` copies into the TX header
// buffer) is the caller's concern. The header CRC, computed from the
// protocol ID byte onward, is appended per spec.md §6, and the data (plus
// its own CRC) is appended when cmd.Write is set.
func Encode(cmd Command, crc kerr.CRC32er) ([]byte, error) {
	instr := byte(instrPacketTypeCommand | instrIncrement)
	if cmd.Write {
		instr |= instrWrite
	}
	if cmd.AckReply {
		instr |= instrReply
	}

	hdr := make([]byte, 0, headerFixedLen+4)
	hdr = append(hdr, cmd.TargetAddr, protocolID, instr, cmd.TargetKey)
	hdr = append(hdr, cmd.InitiatorAddr)
	var tid [2]byte
	binary.BigEndian.PutUint16(tid[:], cmd.TransactionID)
	hdr = append(hdr, tid[:]...)
	hdr = append(hdr, cmd.ExtendedAddr)
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], cmd.Address)
	hdr = append(hdr, addr[:]...)

	if cmd.Write {
		var dataLen [4]byte
		binary.BigEndian.PutUint32(dataLen[:], uint32(len(cmd.Data)))
		hdr = append(hdr, dataLen[1], dataLen[2], dataLen[3])
	}

	headerCRC := crc.CRC32(hdr[1:]) // CRC covers protocol ID onward, not the target address
	pkt := append(hdr, byte(headerCRC))

	if cmd.Write && len(cmd.Data) > 0 {
		pkt = append(pkt, cmd.Data...)
		dataCRC := crc.CRC32(cmd.Data)
		pkt = append(pkt, byte(dataCRC))
	}
	return pkt, nil
}

// Decode parses an Encode-produced packet back into a Command, verifying
// the header CRC (and the data CRC for writes) with crc.
func Decode(pkt []byte, crc kerr.CRC32er) (Command, error) {
	if len(pkt) < headerFixedLen+1 {
		return Command{}, kerr.ErrInvalidArg
	}
	if pkt[1] != protocolID {
		return Command{}, kerr.ErrInvalidArg
	}
	instr := pkt[2]
	write := instr&instrWrite != 0

	fixedLen := headerFixedLen
	if write {
		fixedLen += 3
	}
	if len(pkt) < fixedLen+1 {
		return Command{}, kerr.ErrInvalidArg
	}

	gotCRC := byte(crc.CRC32(pkt[1:fixedLen]))
	if pkt[fixedLen] != gotCRC {
		return Command{}, kerr.ErrInvalidArg
	}

	cmd := Command{
		TargetAddr:    pkt[0],
		TargetKey:     pkt[3],
		InitiatorAddr: pkt[4],
		TransactionID: binary.BigEndian.Uint16(pkt[5:7]),
		ExtendedAddr:  pkt[7],
		Address:       binary.BigEndian.Uint32(pkt[8:12]),
		Write:         write,
		AckReply:      instr&instrReply != 0,
	}

	rest := pkt[fixedLen+1:]
	if write {
		dataLen := int(pkt[12])<<16 | int(pkt[13])<<8 | int(pkt[14])
		if dataLen > 0 {
			if len(rest) < dataLen+1 {
				return Command{}, kerr.ErrInvalidArg
			}
			data := rest[:dataLen]
			if byte(crc.CRC32(data)) != rest[dataLen] {
				return Command{}, kerr.ErrInvalidArg
			}
			cmd.Data = append([]byte(nil), data...)
		}
	}
	return cmd, nil
}
