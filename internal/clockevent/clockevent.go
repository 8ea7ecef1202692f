// Package clockevent implements the clock event device contract of
// spec.md §4.6 and §6: a device declares a feature set and a range of
// deltas it can reliably arm, and exposes set_next_event/set_state/
// suspend/resume as an interface rather than the teacher's raw register
// read/write pairs (timer_qemu.go's CNTV_*/CNTP_* functions) — the
// REDESIGN FLAGS section calls this out explicitly: function-pointer
// policy becomes an interface with a stable vtable in a type-safe
// reimplementation.
package clockevent

import (
	"fmt"
	"sync"

	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
)

// Feature is a bitset of the modes a device supports.
type Feature uint32

const (
	FeaturePeriodic Feature = 1 << iota
	FeatureOneShot
	FeatureKTime
)

// State is the device's current operating mode.
type State int

const (
	StateUnused State = iota
	StateShutdown
	StatePeriodic
	StateOneshot
)

// requiredFeature reports which Feature a State demands, or 0 if the
// state is always available (unused/shutdown).
func requiredFeature(s State) Feature {
	switch s {
	case StatePeriodic:
		return FeaturePeriodic
	case StateOneshot:
		return FeatureOneShot
	default:
		return 0
	}
}

// Backend is the hardware-facing half of a device: the register-level
// operations timer_qemu.go hand-writes per board (CNTV_CTL/TVAL pairs),
// generalized to an interface so a simulated or real backend can be
// plugged in identically.
type Backend interface {
	// SetNextEvent arms the device to fire after the given tick count.
	SetNextEvent(ticks uint64) error
	Suspend()
	Resume()
}

// EventHandler is invoked from interrupt context whenever the device
// fires (spec.md §4.6).
type EventHandler func(dev *Device)

// Device is one clock event source: a feature set, an arming range, a
// tick/ns multiplier, and the backend that actually programs the
// hardware.
type Device struct {
	mu sync.Mutex

	Name     string
	Features Feature

	// MinDeltaNs/MaxDeltaNs bound the timeouts ProgramTimeoutNs will
	// accept without clamping; Mult converts nanoseconds to device
	// ticks (spec.md §3's "mult (ticks per nanosecond)").
	MinDeltaNs uint64
	MaxDeltaNs uint64
	Mult       uint64

	state        State
	eventHandler EventHandler
	backend      Backend
	log          klog.Logger
}

// New builds a Device in state Unused, not yet selected by any tick
// device.
func New(name string, features Feature, minDeltaNs, maxDeltaNs, mult uint64, backend Backend, log klog.Logger) *Device {
	if log == nil {
		log = klog.Discard
	}
	return &Device{
		Name:       name,
		Features:   features,
		MinDeltaNs: minDeltaNs,
		MaxDeltaNs: maxDeltaNs,
		Mult:       mult,
		state:      StateUnused,
		backend:    backend,
		log:        log,
	}
}

// SetEventHandler installs the callback invoked when the device fires.
func (d *Device) SetEventHandler(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventHandler = h
}

// State reports the device's current operating mode.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState transitions the device, rejecting a mode the device's
// feature set does not declare (spec.md §4.6's set_state).
func (d *Device) SetState(state State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req := requiredFeature(state); req != 0 && d.Features&req == 0 {
		return fmt.Errorf("clockevent: %w: device %q does not support state %d", kerr.ErrInvalidArg, d.Name, state)
	}
	d.state = state
	return nil
}

// SetMode is the set_mode(periodic|oneshot) convenience spec.md §4.6
// names.
func (d *Device) SetMode(periodic bool) error {
	if periodic {
		return d.SetState(StatePeriodic)
	}
	return d.SetState(StateOneshot)
}

// ProgramTimeoutNs arms the device to fire after ns nanoseconds,
// clamping silently to [MinDeltaNs, MaxDeltaNs] per spec.md §4.6's
// program_timeout_ns.
func (d *Device) ProgramTimeoutNs(ns uint64) error {
	d.mu.Lock()
	if ns < d.MinDeltaNs {
		ns = d.MinDeltaNs
	}
	if ns > d.MaxDeltaNs {
		ns = d.MaxDeltaNs
	}
	backend := d.backend
	mult := d.Mult
	d.mu.Unlock()

	ticks := ns * mult
	if ticks == 0 {
		ticks = 1
	}
	return backend.SetNextEvent(ticks)
}

// ProgramEvent arms the device for the ktime delta between expires and
// now — spec.md §4.6's program_event(device, expires).
func (d *Device) ProgramEvent(expires, now int64) error {
	if expires <= now {
		return fmt.Errorf("clockevent: %w", kerr.ErrTimeInPast)
	}
	return d.ProgramTimeoutNs(uint64(expires - now))
}

// Suspend/Resume forward to the backend (spec.md §3's device fields).
func (d *Device) Suspend() {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()
	backend.Suspend()
}

func (d *Device) Resume() {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()
	backend.Resume()
}

// Fire is called by the backend (from interrupt context on real
// hardware) when the armed deadline elapses; it invokes the installed
// event handler.
func (d *Device) Fire() {
	d.mu.Lock()
	h := d.eventHandler
	d.mu.Unlock()
	if h != nil {
		h(d)
	}
}
