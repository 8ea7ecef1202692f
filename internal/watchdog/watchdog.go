// Package watchdog implements the deadline-timer feed/mode syscall
// spec.md §6 lists in the syscall table ("watchdog feed/mode") without
// designing a body for. It arms a one-shot deadline against an
// internal/tick.Device (§4.6): Feed pushes the deadline forward by the
// configured period, and a fatal callback fires if the device's armed
// deadline elapses before the next Feed. SetMode(windowed) additionally
// rejects a Feed that arrives too soon after the previous one, the
// windowed-watchdog behavior real flight software uses to catch a task
// stuck feeding the dog in a tight runaway loop rather than actually
// making progress.
package watchdog

import (
	"github.com/flightsw/leoncore/internal/clockevent"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/ktime"
	"github.com/flightsw/leoncore/internal/tick"
)

// Fatal is invoked, at most once, when the watchdog expires without
// being fed in time. Expiry happens from the tick device's fire path;
// a real board's handler does not return.
type Fatal func()

// Watchdog is one armed deadline timer.
type Watchdog struct {
	td     *tick.Device
	source ktime.Source
	fatal  Fatal
	log    klog.Logger

	periodNs    uint64
	windowMinNs uint64
	windowed    bool

	lastFeedNs int64
	fed        bool // lastFeedNs holds a real feed time
	expired    bool
}

// New builds a Watchdog arming periodNs-nanosecond deadlines against td,
// invoking fatal on expiry. windowMinNs is the minimum interval between
// feeds once SetMode(true) enables windowed checking; it has no effect
// until then.
func New(td *tick.Device, source ktime.Source, periodNs, windowMinNs uint64, fatal Fatal, log klog.Logger) *Watchdog {
	if log == nil {
		log = klog.Discard
	}
	w := &Watchdog{
		td:          td,
		source:      source,
		fatal:       fatal,
		log:         log,
		periodNs:    periodNs,
		windowMinNs: windowMinNs,
	}
	td.OnFire(func(*clockevent.Device) { w.onExpire() })
	return w
}

// SetMode toggles windowed checking: once enabled, a Feed arriving less
// than windowMinNs after the previous one is rejected with
// kerr.ErrInvalidArg instead of re-arming the deadline.
func (w *Watchdog) SetMode(windowed bool) {
	w.windowed = windowed
}

// Feed pushes the deadline forward by periodNs from now, re-arming the
// tick device. It returns kerr.ErrInvalidArg if windowed mode is active
// and the previous feed was less than windowMinNs ago — too soon counts
// as a fault, not a free pass.
func (w *Watchdog) Feed() error {
	if w.expired {
		return kerr.ErrInvalidArg
	}

	now := w.source.Now()
	if w.windowed && w.fed {
		if uint64(now-w.lastFeedNs) < w.windowMinNs {
			w.log.Warning("watchdog: feed arrived inside the minimum window", klog.F("elapsed_ns", uint64(now-w.lastFeedNs)))
			return kerr.ErrInvalidArg
		}
	}

	w.lastFeedNs = now
	w.fed = true
	return w.td.SetNextNs(w.periodNs)
}

// onExpire runs when the armed deadline elapses without a subsequent
// Feed; it latches expired so a post-mortem Feed call fails cleanly
// instead of silently re-arming a dead watchdog, then invokes fatal.
func (w *Watchdog) onExpire() {
	w.expired = true
	w.log.Emerg("watchdog: deadline expired without feed")
	if w.fatal != nil {
		w.fatal()
	}
}

// Expired reports whether the deadline has already elapsed.
func (w *Watchdog) Expired() bool { return w.expired }
