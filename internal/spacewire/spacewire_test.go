package spacewire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/ktime"
	"github.com/flightsw/leoncore/internal/sysctl"
)

func TestAddPktThenDrainRoundTrip(t *testing.T) {
	c := New(2, 2, 0, nil)
	require.NoError(t, c.AddPkt([]byte{0x01}, []byte("payload")))
	assert.True(t, c.DrainTX())
	assert.False(t, c.DrainTX(), "no second transmitted descriptor to drain")
}

func TestAddPktExhaustsPool(t *testing.T) {
	c := New(1, 1, 0, nil)
	require.NoError(t, c.AddPkt(nil, []byte("a")))
	err := c.AddPkt(nil, []byte("b"))
	assert.ErrorIs(t, err, kerr.ErrExhausted)
}

func TestDeliverThenGetPktStripsHeader(t *testing.T) {
	c := New(1, 2, 4, nil)
	require.NoError(t, c.Deliver([]byte("HDR!payload")))
	got, err := c.GetPkt()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestDropPktDiscardsWithoutReturning(t *testing.T) {
	c := New(1, 1, 0, nil)
	require.NoError(t, c.Deliver([]byte("x")))
	require.NoError(t, c.DropPkt())
	_, err := c.GetPkt()
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestRoutingForwardsToPairedCoreTX(t *testing.T) {
	a := New(1, 2, 0, nil)
	b := New(2, 1, 0, nil)
	a.SetRoute(b)

	require.NoError(t, a.Deliver([]byte("routed")))
	assert.True(t, b.DrainTX(), "routed packet must land in b's TX used list")
}

func TestRoutingDisablesRXOnTXExhaustion(t *testing.T) {
	a := New(1, 2, 0, nil)
	b := New(1, 1, 0, nil)
	a.SetRoute(b)

	require.NoError(t, a.Deliver([]byte("first")))
	err := a.Deliver([]byte("second"))
	assert.Error(t, err, "paired core has no free TX descriptor left")
	assert.False(t, a.Enabled())
}

func TestAutoDropDropsOldestAndAdvancesMarker(t *testing.T) {
	c := New(1, 4, 0, nil)
	c.SetAutoDrop(2)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Deliver([]byte{byte(i)}))
	}
	assert.Equal(t, 2, c.DropMarker())
}

func TestLinkErrorHandlerTalliesAndClearsStatus(t *testing.T) {
	c := New(1, 1, 0, nil)
	c.regs.WriteBE32(RegStatus, StatusParityErr|StatusCreditErr)
	ret := c.LinkErrorHandler()(0, nil)
	assert.Equal(t, 0, ret)
	assert.Equal(t, uint64(1), c.LinkErrors().Parity)
	assert.Equal(t, uint64(1), c.LinkErrors().Credit)
	assert.Equal(t, uint32(0), c.regs.ReadBE32(RegStatus))
}

func TestDMAErrorHandlerTalliesAndClearsRegister(t *testing.T) {
	c := New(1, 1, 0, nil)
	c.regs.WriteBE32(RegDMACtrl, DMACtrlRxAHBErr)
	c.DMAErrorHandler()(0, nil)
	assert.Equal(t, uint64(1), c.DMAErrors().RxAHB)
	assert.Equal(t, uint32(0), c.regs.ReadBE32(RegDMACtrl))
}

func TestTickInRecordsBaselineThenDrift(t *testing.T) {
	c := New(1, 1, 0, nil)
	src := ktime.NewFake(1_000_000_000)

	assert.Equal(t, int64(0), c.TickIn(src), "first tick establishes the baseline")

	src.Set(1_000_000_000 + 1_000_000_500) // 500ns late on the second tick
	drift := c.TickIn(src)
	assert.Equal(t, int64(500), drift)
	assert.Equal(t, int64(500), c.LastDriftNs())
}

func TestAddRMAPSetsCRCControlBits(t *testing.T) {
	c := New(1, 1, 0, nil)
	require.NoError(t, c.AddRMAP([]byte{0xAA}, []byte{0xBB, 0xCC}, 1))
	ctrl := c.tx.ReadBE32(txCtrl)
	assert.NotZero(t, ctrl&TXAppendHeaderCRC)
	assert.NotZero(t, ctrl&TXAppendDataCRC)
	assert.Equal(t, Register(1), (ctrl>>8)&0xF)
}

func TestRegisterSysctlExposesLinkErrorCounters(t *testing.T) {
	c := New(1, 1, 0, nil)
	c.linkErr.Parity = 7

	tree := sysctl.New()
	require.NoError(t, c.RegisterSysctl(tree, "spw0"))

	v, err := tree.Get("spacewire/spw0/link_parity")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
}
