// Package tick implements the per-CPU tick device of spec.md §4.6: a
// binding to one clockevent.Device plus a calibrated tick_period_min_ns,
// the shortest timeout the device can reliably re-arm for. Grounded on
// the teacher's timer_qemu.go (one generic-timer device per core, a
// countdown re-armed on every interrupt) generalized from a single fixed
// five-second countdown to a calibrated, arbitrary-period device
// contract.
package tick

import (
	"fmt"
	"sort"

	"github.com/flightsw/leoncore/internal/clockevent"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/ktime"
)

// Device is one CPU's tick device: the clock event source it drives and
// the calibrated minimum reliable period.
type Device struct {
	CPU int

	ce     *clockevent.Device
	source ktime.Source

	tickPeriodMinNs uint64
}

// New binds a tick device to cpu's selected clock event source.
func New(cpu int, ce *clockevent.Device, source ktime.Source) *Device {
	return &Device{CPU: cpu, ce: ce, source: source}
}

// TickPeriodMinNs reports the calibrated floor established by Calibrate,
// or 0 before calibration has run.
func (d *Device) TickPeriodMinNs() uint64 { return d.tickPeriodMinNs }

// Probe arms the device for timeoutNs and reports the delta actually
// observed between firing and the arm request, or ok=false if the
// device never fired — the abstraction Calibrate drives; a real boot
// backs it with an actual arm-and-wait, tests back it with a model of
// the simulated hardware's jitter floor.
type Probe func(timeoutNs uint64) (observedNs uint64, ok bool)

// Calibrate arms the device for each of candidates (conventionally
// supplied decreasing) and observes the returned delta, converging on
// the smallest timeout the device reliably fires for, then multiplying
// that minimum by two to leave margin for sampling jitter (spec.md
// §4.6). If probe reports the device stopped firing partway through,
// calibration stops there and keeps the last good reading — "partial
// fallback" per spec.md.
func (d *Device) Calibrate(candidates []uint64, probe Probe) uint64 {
	if len(candidates) == 0 {
		return d.tickPeriodMinNs
	}
	best := candidates[0]
	for _, c := range candidates {
		observed, ok := probe(c)
		if !ok {
			break
		}
		best = observed
	}
	d.tickPeriodMinNs = best * 2
	return d.tickPeriodMinNs
}

// SetNextNs arms the device ns nanoseconds from now, clamping silently
// up to tick_period_min_ns (spec.md §4.6's set_next_ns — a production
// build additionally raises a kernel alarm on clamp, left to the
// caller's logger since this package has none wired by default).
func (d *Device) SetNextNs(ns uint64) error {
	if ns < d.tickPeriodMinNs {
		ns = d.tickPeriodMinNs
	}
	return d.ce.ProgramTimeoutNs(ns)
}

// SetNextKtime programs an absolute deadline, returning
// kerr.ErrTimeInPast if it has already elapsed (spec.md §4.6's
// set_next_ktime).
func (d *Device) SetNextKtime(expires int64) error {
	now := d.source.Now()
	if expires <= now {
		return fmt.Errorf("tick: %w", kerr.ErrTimeInPast)
	}
	return d.ce.ProgramEvent(expires, now)
}

// OnFire installs h as the callback invoked when the underlying clock
// event device's armed deadline elapses, forwarding to
// clockevent.Device.SetEventHandler. Used by collaborators (the
// watchdog) that need to arm a one-shot deadline against a tick device
// and react when it is not re-armed in time.
func (d *Device) OnFire(h clockevent.EventHandler) {
	d.ce.SetEventHandler(h)
}

// SelectPreferred picks one device from candidates, preferring a
// periodic-capable one, per spec.md §4.6: "The ticker selects one
// device per CPU, preferring periodic-capable devices." Returns nil if
// candidates is empty.
func SelectPreferred(candidates []*clockevent.Device) *clockevent.Device {
	if len(candidates) == 0 {
		return nil
	}
	ranked := make([]*clockevent.Device, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		iPeriodic := ranked[i].Features&clockevent.FeaturePeriodic != 0
		jPeriodic := ranked[j].Features&clockevent.FeaturePeriodic != 0
		return iPeriodic && !jPeriodic
	})
	return ranked[0]
}
