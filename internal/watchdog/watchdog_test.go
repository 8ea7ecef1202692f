package watchdog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/clockevent"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/ktime"
	"github.com/flightsw/leoncore/internal/tick"
)

type fakeBackend struct{ lastTicks uint64 }

func (f *fakeBackend) SetNextEvent(ticks uint64) error { f.lastTicks = ticks; return nil }
func (f *fakeBackend) Suspend()                        {}
func (f *fakeBackend) Resume()                         {}

func newTestDevice() (*tick.Device, *clockevent.Device, *ktime.Fake) {
	be := &fakeBackend{}
	ce := clockevent.New("dog0", clockevent.FeatureOneShot, 0, 1_000_000_000, 1, be, nil)
	source := ktime.NewFake(0)
	td := tick.New(0, ce, source)
	return td, ce, source
}

func TestFeedArmsDeviceAndExpiryInvokesFatal(t *testing.T) {
	td, ce, source := newTestDevice()

	var fired bool
	w := New(td, source, 1000, 0, func() { fired = true }, nil)

	require.NoError(t, w.Feed())
	assert.False(t, w.Expired())

	ce.Fire()

	assert.True(t, fired)
	assert.True(t, w.Expired())
}

func TestFeedAfterExpiryIsRejected(t *testing.T) {
	td, ce, source := newTestDevice()
	w := New(td, source, 1000, 0, func() {}, nil)

	require.NoError(t, w.Feed())
	ce.Fire()

	assert.ErrorIs(t, w.Feed(), kerr.ErrInvalidArg)
}

func TestWindowedModeRejectsFeedTooSoon(t *testing.T) {
	td, _, source := newTestDevice()
	w := New(td, source, 1000, 500, func() {}, nil)
	w.SetMode(true)

	require.NoError(t, w.Feed())

	source.Advance(100)
	assert.ErrorIs(t, w.Feed(), kerr.ErrInvalidArg)

	source.Advance(500)
	assert.NoError(t, w.Feed())
}

func TestUnwindowedModeAllowsAnyFeedInterval(t *testing.T) {
	td, _, source := newTestDevice()
	w := New(td, source, 1000, 500, func() {}, nil)

	require.NoError(t, w.Feed())
	source.Advance(1)
	assert.NoError(t, w.Feed())
}
