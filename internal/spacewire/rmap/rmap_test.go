package rmap

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
)

// fakeCRC satisfies kerr.CRC32er with the stdlib IEEE table; a real board
// build would wire in whatever CRC32er a BSP package provides.
type fakeCRC struct{}

func (fakeCRC) CRC32(data []byte) uint32 { return crc32.ChecksumIEEE(data) }

func TestEncodeDecodeWriteCommandRoundTrip(t *testing.T) {
	cmd := Command{
		TargetAddr:    0x20,
		TargetKey:     0x01,
		InitiatorAddr: 0xFE,
		TransactionID: 0x1234,
		ExtendedAddr:  0x00,
		Address:       0x40000000,
		Write:         true,
		AckReply:      true,
		Data:          []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	pkt, err := Encode(cmd, fakeCRC{})
	require.NoError(t, err)

	got, err := Decode(pkt, fakeCRC{})
	require.NoError(t, err)
	assert.Equal(t, cmd.TargetAddr, got.TargetAddr)
	assert.Equal(t, cmd.TargetKey, got.TargetKey)
	assert.Equal(t, cmd.TransactionID, got.TransactionID)
	assert.Equal(t, cmd.Address, got.Address)
	assert.True(t, got.Write)
	assert.True(t, got.AckReply)
	assert.Equal(t, cmd.Data, got.Data)
}

func TestEncodeDecodeReadCommandHasNoData(t *testing.T) {
	cmd := Command{TargetAddr: 0x10, TargetKey: 0x02, Address: 0x1000, Write: false}
	pkt, err := Encode(cmd, fakeCRC{})
	require.NoError(t, err)

	got, err := Decode(pkt, fakeCRC{})
	require.NoError(t, err)
	assert.False(t, got.Write)
	assert.Nil(t, got.Data)
}

func TestDecodeRejectsCorruptedHeaderCRC(t *testing.T) {
	cmd := Command{TargetAddr: 0x10, TargetKey: 0x02, Address: 0x1000, Write: false}
	pkt, err := Encode(cmd, fakeCRC{})
	require.NoError(t, err)
	pkt[3] ^= 0xFF // corrupt the target key byte, inside the CRC'd range

	_, err = Decode(pkt, fakeCRC{})
	assert.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestDecodeRejectsCorruptedDataCRC(t *testing.T) {
	cmd := Command{TargetAddr: 0x10, TargetKey: 0x02, Address: 0x1000, Write: true, Data: []byte{1, 2, 3}}
	pkt, err := Encode(cmd, fakeCRC{})
	require.NoError(t, err)
	pkt[len(pkt)-2] ^= 0xFF // corrupt a data byte, leave the data CRC byte alone

	_, err = Decode(pkt, fakeCRC{})
	assert.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestDecodeRejectsTruncatedPacket(t *testing.T) {
	_, err := Decode([]byte{0x10, protocolID}, fakeCRC{})
	assert.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestDecodeRejectsWrongProtocolID(t *testing.T) {
	pkt := make([]byte, headerFixedLen+1)
	pkt[1] = 0xEE
	_, err := Decode(pkt, fakeCRC{})
	assert.ErrorIs(t, err, kerr.ErrInvalidArg)
}
