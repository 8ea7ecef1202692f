package edac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/kpanic"
)

func TestReportSingleBitCountsAndDoesNotPanic(t *testing.T) {
	c := New(nil)

	c.ReportSingleBit()
	c.ReportSingleBitAt(0x1000)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.SingleFaults)
	assert.EqualValues(t, 0x1000, stats.LastSingleAddr)
	assert.Zero(t, stats.DoubleFaults)
}

func TestReportDoubleBitInsideRegionInvokesReset(t *testing.T) {
	c := New(nil)

	var got kerr.EdacFault
	var called bool
	c.RegisterCriticalRegion(0x40000000, 0x1000, func(f kerr.EdacFault) {
		called = true
		got = f
	})

	c.ReportDoubleBit(0x40000500)

	require.True(t, called)
	assert.EqualValues(t, 0x40000500, got.Addr)
	assert.EqualValues(t, 0x40000000, got.RegionBegin)
	assert.EqualValues(t, 0x40000fff, got.RegionEnd)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.DoubleFaults)
	assert.EqualValues(t, 0x40000500, stats.LastDoubleAddr)
}

func TestReportDoubleBitOutsideRegionPanics(t *testing.T) {
	c := New(nil)
	c.RegisterCriticalRegion(0x40000000, 0x1000, func(kerr.EdacFault) {
		t.Fatal("reset must not be invoked for a fault outside the region")
	})

	defer func() {
		r := recover()
		require.NotNil(t, r)
		reason, ok := r.(kpanic.Reason)
		require.True(t, ok)
		assert.NotEmpty(t, reason.What)
	}()

	c.ReportDoubleBit(0x50000000)
}

func TestReportDoubleBitWithNoRegionsPanics(t *testing.T) {
	c := New(nil)

	defer func() {
		r := recover()
		require.NotNil(t, r)
	}()

	c.ReportDoubleBit(0x1234)
}

func TestUnregisterCriticalRegion(t *testing.T) {
	c := New(nil)
	c.RegisterCriticalRegion(0x1000, 0x100, func(kerr.EdacFault) {})

	require.NoError(t, c.UnregisterCriticalRegion(0x1000, 0x100))
	assert.ErrorIs(t, c.UnregisterCriticalRegion(0x1000, 0x100), kerr.ErrNotFound)

	defer func() {
		require.NotNil(t, recover())
	}()
	c.ReportDoubleBit(0x1050)
}

func TestRegisterCriticalRegionIgnoresZeroSize(t *testing.T) {
	c := New(nil)
	c.RegisterCriticalRegion(0x1000, 0, func(kerr.EdacFault) {
		t.Fatal("zero-size region must never match")
	})

	defer func() {
		require.NotNil(t, recover())
	}()
	c.ReportDoubleBit(0x1000)
}
