// Command leoncored is the kernel core's boot entry point: it loads a
// board descriptor (internal/bootcfg), brings up every subsystem layer
// in dependency order (buddy pools through page map through kmalloc,
// SRMMU, IRQ dispatch, per-CPU tick/clockevent, scheduler policies,
// SpaceWire links, the packet-processing network, the module loader),
// wires the supplemented EDAC/watchdog/memscrub/sysctl features, and
// then runs until asked to stop.
//
// There is no equivalent of a single assembled binary in the teacher
// repo's bare-metal boot (kernel.go drives hardware bring-up directly,
// one board, no composition of independently testable packages), so the
// staged, logged bring-up sequence below is grounded on kernel.go's
// shape — an ordered list of named stages, each fatal on failure, both
// UART-breadcrumbed and framebuffer-reported there and klog-reported
// here — rather than on any one of its stages' content.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flightsw/leoncore/internal/bootcfg"
	"github.com/flightsw/leoncore/internal/clockevent"
	"github.com/flightsw/leoncore/internal/edac"
	"github.com/flightsw/leoncore/internal/elfload"
	"github.com/flightsw/leoncore/internal/irq"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/kmalloc"
	"github.com/flightsw/leoncore/internal/kpanic"
	"github.com/flightsw/leoncore/internal/ktime"
	"github.com/flightsw/leoncore/internal/memscrub"
	"github.com/flightsw/leoncore/internal/pagemap"
	"github.com/flightsw/leoncore/internal/pnet"
	"github.com/flightsw/leoncore/internal/sched"
	"github.com/flightsw/leoncore/internal/sched/edf"
	"github.com/flightsw/leoncore/internal/sched/rr"
	"github.com/flightsw/leoncore/internal/spacewire"
	"github.com/flightsw/leoncore/internal/srmmu"
	"github.com/flightsw/leoncore/internal/sysctl"
	"github.com/flightsw/leoncore/internal/tick"
	"github.com/flightsw/leoncore/internal/watchdog"
)

const (
	edfPriority = 100
	rrPriority  = 50
	rrQuantumNs = 10_000_000 // 10ms

	watchdogPeriodNs    = 2_000_000_000 // 2s
	watchdogWindowMinNs = 50_000_000    // 50ms

	scrubWPC          = 64
	scrubCycleEveryNs = 500_000_000 // 500ms
)

// core bundles every booted subsystem the run loop and the sysctl tree
// need to reach, in place of a pile of free-standing package-level
// globals (kernel.go's approach, unworkable once more than one of these
// is under test).
type core struct {
	log klog.Logger

	cfg *bootcfg.Config

	pages *pagemap.Map
	heap  *kmalloc.Heap
	mmu   *srmmu.Translator
	irqs  *irq.Dispatcher

	sched *sched.Core
	ticks []*tick.Device // sched tick device, one per CPU
	wdogs []*watchdog.Watchdog

	spw map[string]*spacewire.Core
	net *pnet.Net
	ldr *elfload.Loader

	edac   *edac.Controller
	scrub  *memscrub.Scrubber
	sysctl *sysctl.Tree

	ram *ram
}

func main() {
	configPath := flag.String("config", "", "path to a TOML board descriptor (default: built-in two-CPU board)")
	moduleImage := flag.String("module", "", "path to an ET_REL module image to load at boot (optional)")
	injectFault := flag.Uint64("inject-fault", 0, "flip one bit at this physical address after boot, to exercise memscrub (0 disables)")
	flag.Parse()

	log := klog.New(os.Stdout)

	cfg, err := loadBoardConfig(*configPath)
	if err != nil {
		log.Emerg("leoncored: board config rejected", klog.F("error", err))
		os.Exit(1)
	}

	c, err := boot(cfg, log)
	if err != nil {
		log.Emerg("leoncored: boot sequence failed", klog.F("error", err))
		os.Exit(1)
	}
	log.Notice("leoncored: boot complete", klog.F("cpus", cfg.CPUs), klog.F("spw_links", len(cfg.SpWLinks)))

	if *moduleImage != "" {
		if err := c.loadModule(*moduleImage); err != nil {
			log.Err("leoncored: module load failed", klog.F("error", err), klog.F("path", *moduleImage))
		}
	}

	if *injectFault != 0 {
		addr := uintptr(*injectFault)
		log.Notice("leoncored: injecting fault", klog.F("addr", *injectFault))
		c.ram.corrupt(addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx); err != nil {
		log.Err("leoncored: run loop exited with error", klog.F("error", err))
		os.Exit(1)
	}
	log.Notice("leoncored: shutdown complete")
}

// boot performs the full layered bring-up: L0 buddy (via pagemap.Add)
// through L9 elfload, then the supplemented edac/watchdog/memscrub/
// sysctl features, matching the build order spec.md's module map lists.
func boot(cfg *bootcfg.Config, log klog.Logger) (*core, error) {
	c := &core{cfg: cfg, log: log, spw: make(map[string]*spacewire.Core)}

	// L0/L1: buddy pools composed into the page map.
	log.Info("leoncored: stage mm/pagemap")
	c.pages = pagemap.New(0)
	var ramRegions []ramRegion
	for _, r := range cfg.MemRegions {
		if err := c.pages.Add(uintptr(r.Start), uintptr(r.End), r.PageSize); err != nil {
			return nil, fmt.Errorf("pagemap add %q: %w", r.Name, err)
		}
		ramRegions = append(ramRegions, ramRegion{
			base: uintptr(r.Start),
			buf:  make([]byte, r.End-r.Start),
		})
	}
	c.ram = newRAM(ramRegions)

	// L2: kmalloc heap grown from the page map.
	log.Info("leoncored: stage mm/kmalloc")
	pagesReleaseMax := int(cfg.PagesReleaseMax)
	c.heap = kmalloc.New(c.pages, 4096, pagesReleaseMax, log)

	// L3: SRMMU translator, table storage carved from the same heap.
	log.Info("leoncored: stage mm/srmmu")
	const highMemStart = uint32(0xF0000000)
	c.mmu = srmmu.New(c.heap, c.pages, highMemStart, log)

	// L4: IRQ dispatch.
	log.Info("leoncored: stage irq")
	c.irqs = irq.New(256, 64, log)

	// L5/L6: per-CPU tick/clockevent plus the scheduler core and its
	// policies.
	log.Info("leoncored: stage sched", klog.F("cpus", cfg.CPUs))
	tickMinNs := cfg.TickPeriodMinNs
	if tickMinNs <= 0 {
		tickMinNs = 1_000_000 // 1ms floor until calibrated against real hardware
	}
	c.sched = sched.NewCore(tickMinNs, log)
	c.sched.Register(edf.New(edfPriority, cfg.CPUs, tickMinNs, log))
	c.sched.Register(rr.New(rrPriority, cfg.CPUs, rrQuantumNs, log))

	src := ktime.NewClock()
	c.ticks = make([]*tick.Device, cfg.CPUs)
	c.wdogs = make([]*watchdog.Watchdog, cfg.CPUs)
	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		schedDev := newDevice(fmt.Sprintf("cpu%d.sched-tick", cpu), log)
		td := tick.New(cpu, schedDev, src)
		c.ticks[cpu] = td

		td.OnFire(func(*clockevent.Device) {
			c.sched.Schedule(cpu, src.Now())
		})

		bootTask := &sched.Task{Name: fmt.Sprintf("idle%d", cpu), CPU: cpu}
		c.sched.SetBootTask(cpu, bootTask)

		wdDev := newDevice(fmt.Sprintf("cpu%d.watchdog", cpu), log)
		wtd := tick.New(cpu, wdDev, src)
		c.wdogs[cpu] = watchdog.New(wtd, src, watchdogPeriodNs, watchdogWindowMinNs, func() {
			kpanic.Fatal(log, "leoncored: watchdog expired", klog.F("cpu", cpu))
		}, log)
	}
	c.sched.TickProgram = func(cpu int, ns int64) {
		if err := c.ticks[cpu].SetNextNs(uint64(ns)); err != nil {
			log.Err("leoncored: tick program failed", klog.F("cpu", cpu), klog.F("error", err))
		}
	}

	// L7: SpaceWire link bring-up, wired into the IRQ dispatcher.
	log.Info("leoncored: stage spacewire", klog.F("links", len(cfg.SpWLinks)))
	nextIRQ := 2
	for _, l := range cfg.SpWLinks {
		sc := spacewire.New(32, 32, 0, log)
		sc.SetNodeAddr(l.NodeAddr)
		sc.SetClockDivisors(l.ClockDivR, l.ClockDivS)
		if l.MTU > 0 {
			sc.SetMTU(l.MTU)
		}
		if l.AutoDropN > 0 {
			sc.SetAutoDrop(int(l.AutoDropN))
		}
		c.spw[l.Name] = sc

		if err := c.irqs.Request(nextIRQ, irq.PriorityNow, sc.LinkErrorHandler(), nil); err != nil {
			return nil, fmt.Errorf("spw %q: register link-error irq: %w", l.Name, err)
		}
		nextIRQ++
		if err := c.irqs.Request(nextIRQ, irq.PriorityNow, sc.DMAErrorHandler(), nil); err != nil {
			return nil, fmt.Errorf("spw %q: register dma-error irq: %w", l.Name, err)
		}
		nextIRQ++
	}
	for _, l := range cfg.SpWLinks {
		if l.RouteTo == "" {
			continue
		}
		c.spw[l.Name].SetRoute(c.spw[l.RouteTo])
	}

	// L8: the packet-processing pipeline.
	log.Info("leoncored: stage pnet")
	netBuilder := pnet.NewBuilder(log)
	netBuilder.AddNode(pnet.NodeSpec{
		OpCode: 1,
		Op: func(_ pnet.OpCode, t *pnet.Task) pnet.Status {
			return pnet.Destroy
		},
		Critical: 0,
	})
	netBuilder.Output(func(_ pnet.OpCode, t *pnet.Task) pnet.Status {
		return pnet.Destroy
	})
	n, err := netBuilder.Build()
	if err != nil {
		return nil, fmt.Errorf("pnet build: %w", err)
	}
	c.net = n

	// L9: the module loader, against the kmalloc heap and an initially
	// empty kernel symbol table.
	log.Info("leoncored: stage elfload")
	c.ldr = elfload.New(heap32{c.heap}, elfload.SymbolTable{}, log)

	// Supplemented: EDAC, watchdog arming (Feed is driven from the run
	// loop), memory scrubbing, and the sysctl observer tree.
	log.Info("leoncored: stage edac/memscrub/sysctl")
	c.edac = edac.New(log)
	for _, r := range cfg.MemRegions {
		if r.Reserved {
			continue
		}
		region := r
		c.edac.RegisterCriticalRegion(uintptr(region.Start), uintptr(region.End-region.Start), func(f kerr.EdacFault) {
			log.Crit("leoncored: critical-region reset invoked", klog.F("addr", uint64(f.Addr)))
		})
	}

	c.scrub = memscrub.New(c.ram, ieeeCRC{}, func(begin, end uintptr) {
		log.Crit("leoncored: memscrub detected drift", klog.F("begin", uint64(begin)), klog.F("end", uint64(end)))
		c.edac.ReportDoubleBit(begin)
	}, func() {
		for cpu := 0; cpu < cfg.CPUs; cpu++ {
			c.sched.Schedule(cpu, src.Now())
		}
	}, log)
	for _, r := range ramRegions {
		if err := c.scrub.AddSection(r.base, r.base+uintptr(len(r.buf)), scrubWPC); err != nil {
			return nil, fmt.Errorf("memscrub add section: %w", err)
		}
	}

	c.sysctl = sysctl.New()
	if err := c.pages.RegisterSysctl(c.sysctl); err != nil {
		return nil, fmt.Errorf("register pagemap sysctl: %w", err)
	}
	cpuList := make([]int, cfg.CPUs)
	for i := range cpuList {
		cpuList[i] = i
	}
	if err := c.sched.RegisterSysctl(c.sysctl, cpuList); err != nil {
		return nil, fmt.Errorf("register sched sysctl: %w", err)
	}
	for name, sc := range c.spw {
		if err := sc.RegisterSysctl(c.sysctl, name); err != nil {
			return nil, fmt.Errorf("register spacewire sysctl %q: %w", name, err)
		}
	}

	// Prime the scheduler so the first tick is armed.
	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		c.sched.Schedule(cpu, src.Now())
	}

	return c, nil
}

// newDevice builds a clockevent.Device backed by a realtimeBackend,
// binding the backend to the device once both exist (New requires the
// backend up front, so the circular reference is resolved after the
// fact, same as tick.Device binding a clockevent.Device post-construction
// via OnFire).
func newDevice(name string, log klog.Logger) *clockevent.Device {
	backend := newRealtimeBackend()
	dev := clockevent.New(name, clockevent.FeatureOneShot|clockevent.FeatureKTime,
		100_000, 60_000_000_000, 1, backend, log)
	backend.bind(dev)
	return dev
}

// loadModule reads an ET_REL image from path and loads it through the
// daemon's Loader.
func (c *core) loadModule(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := c.ldr.Load(raw)
	if err != nil {
		return err
	}
	c.log.Notice("leoncored: module loaded", klog.F("base", uint64(img.Base)), klog.F("sections", len(img.Sections)))
	return nil
}

// run drives the daemon's periodic work (watchdog feeding, memory
// scrubbing, SpaceWire TX draining) until ctx is canceled.
func (c *core) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for cpu := range c.wdogs {
		wd := c.wdogs[cpu]
		g.Go(func() error {
			ticker := time.NewTicker(watchdogPeriodNs / 4 * time.Nanosecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := wd.Feed(); err != nil {
						c.log.Warning("leoncored: watchdog feed rejected", klog.F("cpu", cpu), klog.F("error", err))
					}
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(scrubCycleEveryNs * time.Nanosecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.scrub.Cycle()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, sc := range c.spw {
					for sc.DrainTX() {
					}
				}
			}
		}
	})

	<-ctx.Done()
	return g.Wait()
}
