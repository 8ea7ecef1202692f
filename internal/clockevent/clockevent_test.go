package clockevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
)

type fakeBackend struct {
	lastTicks      uint64
	suspended      bool
	setNextEventFn func(ticks uint64) error
}

func (f *fakeBackend) SetNextEvent(ticks uint64) error {
	f.lastTicks = ticks
	if f.setNextEventFn != nil {
		return f.setNextEventFn(ticks)
	}
	return nil
}
func (f *fakeBackend) Suspend() { f.suspended = true }
func (f *fakeBackend) Resume()  { f.suspended = false }

func TestProgramTimeoutClampsToRange(t *testing.T) {
	be := &fakeBackend{}
	d := New("test0", FeatureOneShot, 1000, 1_000_000, 1, be, nil)

	require.NoError(t, d.ProgramTimeoutNs(10))
	assert.Equal(t, uint64(1000), be.lastTicks, "below MinDeltaNs must clamp up")

	require.NoError(t, d.ProgramTimeoutNs(10_000_000))
	assert.Equal(t, uint64(1_000_000), be.lastTicks, "above MaxDeltaNs must clamp down")
}

func TestProgramEventRejectsPastDeadline(t *testing.T) {
	be := &fakeBackend{}
	d := New("test0", FeatureOneShot|FeatureKTime, 0, 1_000_000_000, 1, be, nil)

	err := d.ProgramEvent(100, 200)
	assert.ErrorIs(t, err, kerr.ErrTimeInPast)
}

func TestSetStateRejectsUnsupportedMode(t *testing.T) {
	be := &fakeBackend{}
	d := New("test0", FeatureOneShot, 0, 1_000_000_000, 1, be, nil)

	assert.Error(t, d.SetState(StatePeriodic))
	assert.NoError(t, d.SetState(StateOneshot))
	assert.Equal(t, StateOneshot, d.State())
}

func TestFireInvokesEventHandler(t *testing.T) {
	be := &fakeBackend{}
	d := New("test0", FeatureOneShot, 0, 1_000_000_000, 1, be, nil)

	fired := false
	d.SetEventHandler(func(dev *Device) { fired = true })
	d.Fire()
	assert.True(t, fired)
}

func TestSuspendResumeForwardToBackend(t *testing.T) {
	be := &fakeBackend{}
	d := New("test0", FeatureOneShot, 0, 1_000_000_000, 1, be, nil)

	d.Suspend()
	assert.True(t, be.suspended)
	d.Resume()
	assert.False(t, be.suspended)
}
