package main

import (
	"sync"
	"time"

	"github.com/flightsw/leoncore/internal/clockevent"
)

// realtimeBackend implements clockevent.Backend over the host's wall
// clock, the hosted-build analogue of the teacher's timer_qemu.go
// register-level backend (CNTV_TVAL/CNTV_CTL programs a countdown that
// fires an IRQ; here time.AfterFunc programs a countdown that calls
// Fire directly, since this build has no interrupt controller of its
// own to route through). Mult is fixed at 1 (one tick per nanosecond) so
// SetNextEvent's tick count is already a time.Duration in nanoseconds.
type realtimeBackend struct {
	mu    sync.Mutex
	timer *time.Timer
	dev   *clockevent.Device
}

func newRealtimeBackend() *realtimeBackend {
	return &realtimeBackend{}
}

// bind installs the device this backend fires once constructed; New
// requires a Backend before the Device it belongs to exists, so binding
// happens after the fact.
func (b *realtimeBackend) bind(dev *clockevent.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dev = dev
}

func (b *realtimeBackend) SetNextEvent(ticks uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(time.Duration(ticks), func() {
		b.mu.Lock()
		dev := b.dev
		b.mu.Unlock()
		if dev != nil {
			dev.Fire()
		}
	})
	return nil
}

func (b *realtimeBackend) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}

func (b *realtimeBackend) Resume() {
	// Next SetNextEvent re-arms; nothing is running between calls.
}
