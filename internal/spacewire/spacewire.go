// Package spacewire implements the GRSPW2-style SpaceWire core driver of
// spec.md §4.8: a register-mapped control/status interface, a pair of
// descriptor rings (TX, RX) with intrusive free/used lists, routing
// between paired cores, auto-drop back-pressure, and link/DMA error
// counters.
//
// There is no SpaceWire analogue in the teacher repo; the MMIO-register
// idiom (a const table of byte offsets plus SetBits/ClearBits/TestBits
// helpers over an mmio.Region) is the teacher's gic_qemu.go generalized
// to a second peripheral, and the descriptor-ring mechanics themselves
// are grounded directly on original_source/kernel/grspw2.c, since
// spec.md's prose summarizes the ring protocol without pinning down the
// register layout.
package spacewire

import (
	"fmt"

	"github.com/flightsw/leoncore/internal/irq"
	"github.com/flightsw/leoncore/internal/kerr"
	"github.com/flightsw/leoncore/internal/klog"
	"github.com/flightsw/leoncore/internal/ktime"
	"github.com/flightsw/leoncore/internal/mmio"
	"github.com/flightsw/leoncore/internal/sysctl"
)

// Register byte offsets within a core's control/status block
// (grspw2_regs in the original: ctrl, status, nodeaddr, clkdiv, destkey,
// time, then one dma[0].ctrl_status/rx_max_pkt_len pair).
const (
	RegCtrl       = 0x00
	RegStatus     = 0x04
	RegNodeAddr   = 0x08
	RegClockDiv   = 0x0C
	RegDestKey    = 0x10
	RegTime       = 0x14
	RegDMACtrl    = 0x20
	RegDMAMaxLen  = 0x24
	regBlockBytes = 0x28
)

// Ctrl register bits.
const (
	CtrlLinkStart Register = 1 << iota
	CtrlAutoStart
	CtrlLinkDisable
	CtrlTimeRxEnable
	CtrlTimeTxEnable
	CtrlPromiscuous
	CtrlRMAPEnable
	CtrlSoftReset
)

// Register is a bitmask within one of the core's 32-bit registers.
type Register = uint32

// Status register bits (grspw2_link_error's tmp mask: IA, PE, DE, ER, CE,
// plus TO for tick-out/tick-in).
const (
	StatusInvalidAddr Register = 1 << iota
	StatusParityErr
	StatusDisconnectErr
	StatusEscapeErr
	StatusCreditErr
	StatusTickOut
)

// DMA control register bits (grspw2_dma_error's RA/TA AHB error flags).
const (
	DMACtrlRxAHBErr Register = 1 << iota
	DMACtrlTxAHBErr
	DMACtrlRxEnable
	DMACtrlTxEnable
)

// TX descriptor ctrl bits (spec.md §6).
const (
	TXEnable Register = 1 << iota
	TXWrap
	TXInterruptEnable
	TXAppendHeaderCRC
	TXAppendDataCRC
)

// TX descriptor layout: ctrl(4) hdr_addr(4) hdr_size(4) data_addr(4)
// data_size(4) = 20 bytes.
const (
	txCtrl     = 0
	txHdrAddr  = 4
	txHdrSize  = 8
	txDataAddr = 12
	txDataSize = 16
	txDescSize = 20
)

// RX descriptor ctrl bits (spec.md §6: EN, WR, IE, EP).
const (
	RXEnable Register = 1 << iota
	RXWrap
	RXInterruptEnable
	RXErrorPresent
)

// RX descriptor layout: ctrl(4) pkt_addr(4) pkt_size(4) = 12 bytes.
const (
	rxCtrl    = 0
	rxPktAddr = 4
	rxPktSize = 8
	rxDescSize = 12
)

// LinkErrorCounters tallies the per-link error conditions of spec.md
// §4.8's "parity, escape, disconnect, credit, invalid address".
type LinkErrorCounters struct {
	Parity     uint64
	Escape     uint64
	Disconnect uint64
	Credit     uint64
	InvalidAddr uint64
}

// DMAErrorCounters tallies AHB bus errors on the DMA engine.
type DMAErrorCounters struct {
	RxAHB uint64
	TxAHB uint64
}

// txElem is one TX ring slot: an index into the descriptor table plus its
// own header/data buffers (the hosted simulation's stand-in for the
// pre-allocated DMA-able memory the real ring points into).
type txElem struct {
	idx  int
	hdr  []byte
	data []byte
	next *txElem
}

// rxElem is one RX ring slot.
type rxElem struct {
	idx  int
	pkt  []byte
	next *rxElem
}

// Core is one GRSPW2 SpaceWire core: its register block, TX/RX descriptor
// tables, and the free/used ring bookkeeping (spec.md §4.8).
type Core struct {
	regs mmio.Region
	tx   mmio.Region
	rx   mmio.Region

	txFree, txFreeTail *txElem
	txUsedHead, txUsedTail *txElem
	rxFree, rxFreeTail *rxElem
	rxUsedHead, rxUsedTail *rxElem

	txCap, rxCap int
	headerStrip  int

	nodeAddr uint8
	mtu      uint32

	linkErr LinkErrorCounters
	dmaErr  DMAErrorCounters

	rxEnabled bool
	route     *Core

	autoDrop    bool
	nDrop       int
	dropMarker  int
	rxPending   int

	tickBaseline  int64
	tickCount     int64
	lastDriftNs   int64

	OnRxPacket func()

	log klog.Logger
}

// New allocates a Core with txCap TX descriptors and rxCap RX
// descriptors. headerStrip is the number of leading bytes GetPkt removes
// (spec.md §4.8's "less a configured header strip").
func New(txCap, rxCap, headerStrip int, log klog.Logger) *Core {
	if log == nil {
		log = klog.Discard
	}
	c := &Core{
		regs:        mmio.NewMem(regBlockBytes),
		tx:          mmio.NewMem(padTo1KiB(uint32(txCap * txDescSize))),
		rx:          mmio.NewMem(padTo1KiB(uint32(rxCap * rxDescSize))),
		txCap:       txCap,
		rxCap:       rxCap,
		headerStrip: headerStrip,
		rxEnabled:   true,
		log:         log,
	}
	for i := 0; i < txCap; i++ {
		c.pushTXFree(&txElem{idx: i})
	}
	for i := 0; i < rxCap; i++ {
		c.pushRXFree(&rxElem{idx: i})
	}
	return c
}

func padTo1KiB(n uint32) uint32 {
	const kib = 1024
	if n == 0 {
		n = 4
	}
	if rem := n % kib; rem != 0 {
		n += kib - rem
	}
	return n
}

// SoftReset implements grspw2_spw_softreset: clear ctrl, clear status,
// clear the time register.
func (c *Core) SoftReset() {
	c.regs.WriteBE32(RegCtrl, 0)
	c.regs.WriteBE32(RegStatus, 0)
	c.regs.WriteBE32(RegTime, 0)
}

// SetNodeAddr programs the core's SpaceWire node address.
func (c *Core) SetNodeAddr(addr uint8) {
	c.nodeAddr = addr
	c.regs.WriteBE32(RegNodeAddr, uint32(addr))
}

// SetDestKey programs the RMAP destination key used on outgoing commands.
func (c *Core) SetDestKey(key uint8) {
	c.regs.WriteBE32(RegDestKey, uint32(key))
}

// SetClockDivisors programs the run-state and start-state clock dividers.
func (c *Core) SetClockDivisors(runDiv, startDiv uint8) {
	c.regs.WriteBE32(RegClockDiv, uint32(runDiv)<<8|uint32(startDiv))
}

// SetMTU sets the maximum receive packet length.
func (c *Core) SetMTU(mtu uint32) {
	c.mtu = mtu
	c.regs.WriteBE32(RegDMAMaxLen, mtu)
}

// SetPromiscuous toggles promiscuous reception.
func (c *Core) SetPromiscuous(enable bool) { c.setCtrl(CtrlPromiscuous, enable) }

// SetAutoStart toggles link autostart.
func (c *Core) SetAutoStart(enable bool) { c.setCtrl(CtrlAutoStart, enable) }

// SetLinkStart toggles link start.
func (c *Core) SetLinkStart(enable bool) { c.setCtrl(CtrlLinkStart, enable) }

// SetRMAPEnable toggles RMAP command acceptance.
func (c *Core) SetRMAPEnable(enable bool) { c.setCtrl(CtrlRMAPEnable, enable) }

// SetTimeRx toggles time-code reception (grspw2_set_time_rx).
func (c *Core) SetTimeRx(enable bool) { c.setCtrl(CtrlTimeRxEnable, enable) }

// SetTimeTx toggles time-code transmission (grspw2_set_time_tx).
func (c *Core) SetTimeTx(enable bool) { c.setCtrl(CtrlTimeTxEnable, enable) }

func (c *Core) setCtrl(bit Register, enable bool) {
	if enable {
		mmio.SetBits(c.regs, RegCtrl, bit)
	} else {
		mmio.ClearBits(c.regs, RegCtrl, bit)
	}
}

// CoreInit runs core_init (spec.md §4.8): soft-reset, node address, clock
// divisors, MTU, and installing the AHB/link-error ISRs on disp at
// primaryIRQ.
func (c *Core) CoreInit(nodeAddr uint8, runDiv, startDiv uint8, mtu uint32, disp *irq.Dispatcher, primaryIRQ int) error {
	c.SoftReset()
	c.SetNodeAddr(nodeAddr)
	c.SetClockDivisors(runDiv, startDiv)
	c.SetMTU(mtu)
	if disp == nil {
		return nil
	}
	if err := disp.Request(primaryIRQ, irq.PriorityNow, c.LinkErrorHandler(), nil); err != nil {
		return err
	}
	return disp.Request(primaryIRQ, irq.PriorityNow, c.DMAErrorHandler(), nil)
}

// LinkErrorHandler returns an irq.HandlerFunc equivalent to
// grspw2_link_error: read status, tally each error bit, then clear the
// observed bits. The register block is plain memory (mmio.Mem), so the
// datasheet's write-1-to-clear is modelled by clearing them directly.
func (c *Core) LinkErrorHandler() irq.HandlerFunc {
	return func(int, any) int {
		status := c.regs.ReadBE32(RegStatus)
		if status&StatusInvalidAddr != 0 {
			c.linkErr.InvalidAddr++
		}
		if status&StatusParityErr != 0 {
			c.linkErr.Parity++
		}
		if status&StatusDisconnectErr != 0 {
			c.linkErr.Disconnect++
		}
		if status&StatusEscapeErr != 0 {
			c.linkErr.Escape++
		}
		if status&StatusCreditErr != 0 {
			c.linkErr.Credit++
		}
		mmio.ClearBits(c.regs, RegStatus, status)
		return 0
	}
}

// DMAErrorHandler returns an irq.HandlerFunc equivalent to
// grspw2_dma_error: tally the AHB error bits and clear them, leaving the
// enable bits as they are.
func (c *Core) DMAErrorHandler() irq.HandlerFunc {
	return func(int, any) int {
		dmactrl := c.regs.ReadBE32(RegDMACtrl)
		if dmactrl&DMACtrlRxAHBErr != 0 {
			c.dmaErr.RxAHB++
		}
		if dmactrl&DMACtrlTxAHBErr != 0 {
			c.dmaErr.TxAHB++
		}
		mmio.ClearBits(c.regs, RegDMACtrl, dmactrl&(DMACtrlRxAHBErr|DMACtrlTxAHBErr))
		return 0
	}
}

// LinkErrors returns a snapshot of the link-error counters.
func (c *Core) LinkErrors() LinkErrorCounters { return c.linkErr }

// DMAErrors returns a snapshot of the DMA-error counters.
func (c *Core) DMAErrors() DMAErrorCounters { return c.dmaErr }

// RegisterSysctl registers this core's link/DMA error counters under
// spacewire/<name> in tree (spec.md §6's per-link byte/error counter
// observer wiring).
func (c *Core) RegisterSysctl(tree *sysctl.Tree, name string) error {
	group := fmt.Sprintf("spacewire/%s", name)
	attrs := []sysctl.Attribute{
		{Name: "link_parity", Get: func() sysctl.Value { return c.LinkErrors().Parity }},
		{Name: "link_escape", Get: func() sysctl.Value { return c.LinkErrors().Escape }},
		{Name: "link_disconnect", Get: func() sysctl.Value { return c.LinkErrors().Disconnect }},
		{Name: "link_credit", Get: func() sysctl.Value { return c.LinkErrors().Credit }},
		{Name: "link_invalid_addr", Get: func() sysctl.Value { return c.LinkErrors().InvalidAddr }},
		{Name: "dma_rx_ahb", Get: func() sysctl.Value { return c.DMAErrors().RxAHB }},
		{Name: "dma_tx_ahb", Get: func() sysctl.Value { return c.DMAErrors().TxAHB }},
	}
	for _, a := range attrs {
		if err := tree.Register(group, a); err != nil {
			return err
		}
	}
	return nil
}

// --- TX ring ---

func (c *Core) pushTXFree(e *txElem) {
	e.next = nil
	if c.txFreeTail != nil {
		c.txFreeTail.next = e
	} else {
		c.txFree = e
	}
	c.txFreeTail = e
}

func (c *Core) popTXFree() *txElem {
	e := c.txFree
	if e == nil {
		return nil
	}
	c.txFree = e.next
	if c.txFree == nil {
		c.txFreeTail = nil
	}
	return e
}

func (c *Core) pushTXUsed(e *txElem) {
	e.next = nil
	if c.txUsedTail != nil {
		c.txUsedTail.next = e
	} else {
		c.txUsedHead = e
	}
	c.txUsedTail = e
}

func (c *Core) popTXUsed() *txElem {
	e := c.txUsedHead
	if e == nil {
		return nil
	}
	c.txUsedHead = e.next
	if c.txUsedHead == nil {
		c.txUsedTail = nil
	}
	return e
}

// AddPkt implements add_pkt (spec.md §4.8): pull a free TX element, copy
// header and data, mark EN, append to used, kick the core.
func (c *Core) AddPkt(hdr, data []byte) error {
	return c.addPkt(hdr, data, false, 0)
}

// AddRMAP implements add_rmap: like AddPkt but with the RMAP CRC-append
// control bits set on the descriptor (grspw2_tx_desc_add_pkt's rmap_pkt
// branch).
func (c *Core) AddRMAP(hdr, data []byte, nonCRCBytes uint8) error {
	return c.addPkt(hdr, data, true, nonCRCBytes)
}

func (c *Core) addPkt(hdr, data []byte, rmapPkt bool, nonCRCBytes uint8) error {
	e := c.popTXFree()
	if e == nil {
		return kerr.ErrExhausted
	}
	e.hdr = append([]byte(nil), hdr...)
	e.data = append([]byte(nil), data...)

	ctrl := Register(TXEnable)
	base := uint32(e.idx * txDescSize)
	c.tx.WriteBE32(base+txHdrAddr, uint32(e.idx))
	c.tx.WriteBE32(base+txHdrSize, uint32(len(e.hdr)))
	c.tx.WriteBE32(base+txDataAddr, uint32(e.idx))
	c.tx.WriteBE32(base+txDataSize, uint32(len(e.data)))
	if rmapPkt {
		if len(e.hdr) > 0 {
			ctrl |= TXAppendHeaderCRC
		}
		if len(e.data) > 0 {
			ctrl |= TXAppendDataCRC
		}
		ctrl |= Register(nonCRCBytes&0xF) << 8
	}
	if e.idx == c.txCap-1 {
		ctrl |= TXWrap
	}
	c.tx.WriteBE32(base+txCtrl, ctrl)

	c.pushTXUsed(e)
	c.kick()
	return nil
}

// DrainTX pulls the oldest transmitted descriptor back onto the free
// list, simulating the core finishing transmission (grspw2_tx_desc_move_free).
func (c *Core) DrainTX() bool {
	e := c.popTXUsed()
	if e == nil {
		return false
	}
	c.tx.WriteBE32(uint32(e.idx*txDescSize)+txCtrl, 0)
	e.hdr, e.data = nil, nil
	c.pushTXFree(e)
	return true
}

func (c *Core) kick() {
	// The real core starts DMA transmission as soon as the EN bit is set;
	// the hosted build has no bus to drive, so kick is a no-op hook kept
	// for symmetry with the original driver's call sites.
}

// --- RX ring ---

func (c *Core) pushRXFree(e *rxElem) {
	e.next = nil
	if c.rxFreeTail != nil {
		c.rxFreeTail.next = e
	} else {
		c.rxFree = e
	}
	c.rxFreeTail = e
}

func (c *Core) popRXFree() *rxElem {
	e := c.rxFree
	if e == nil {
		return nil
	}
	c.rxFree = e.next
	if c.rxFree == nil {
		c.rxFreeTail = nil
	}
	return e
}

func (c *Core) pushRXUsed(e *rxElem) {
	e.next = nil
	if c.rxUsedTail != nil {
		c.rxUsedTail.next = e
	} else {
		c.rxUsedHead = e
	}
	c.rxUsedTail = e
	c.rxPending++
}

func (c *Core) popRXUsed() *rxElem {
	e := c.rxUsedHead
	if e == nil {
		return nil
	}
	c.rxUsedHead = e.next
	if c.rxUsedHead == nil {
		c.rxUsedTail = nil
	}
	c.rxPending--
	return e
}

// Deliver simulates a packet arriving on the wire: pull a free RX
// element, store the packet, mark it used, and either route it to a
// paired core or notify OnRxPacket. This stands in for the hardware DMA
// completion the real core signals with an RX interrupt.
func (c *Core) Deliver(pkt []byte) error {
	if !c.rxEnabled {
		return kerr.ErrQueueFull
	}
	if c.autoDrop && c.rxCap-c.freeRXCount() >= c.rxCap-c.nDrop {
		c.dropOldest(c.nDrop)
	}
	e := c.popRXFree()
	if e == nil {
		return kerr.ErrExhausted
	}
	e.pkt = append([]byte(nil), pkt...)
	base := uint32(e.idx * rxDescSize)
	ctrl := Register(RXEnable)
	if e.idx == c.rxCap-1 {
		ctrl |= RXWrap
	}
	c.rx.WriteBE32(base+rxCtrl, ctrl)
	c.rx.WriteBE32(base+rxPktAddr, uint32(e.idx))
	c.rx.WriteBE32(base+rxPktSize, uint32(len(e.pkt)))
	c.pushRXUsed(e)

	if c.route != nil {
		if err := c.forwardToRoute(e); err != nil {
			c.rxEnabled = false
			return err
		}
		return nil
	}
	if c.OnRxPacket != nil {
		c.OnRxPacket()
	}
	return nil
}

func (c *Core) freeRXCount() int {
	n := 0
	for e := c.rxFree; e != nil; e = e.next {
		n++
	}
	return n
}

// forwardToRoute implements spec.md §4.8's routing mode: copy the packet
// just received straight to the paired core's TX ring.
func (c *Core) forwardToRoute(e *rxElem) error {
	pkt, err := c.takeRX(e)
	if err != nil {
		return err
	}
	if err := c.route.AddPkt(nil, pkt); err != nil {
		return err
	}
	return nil
}

func (c *Core) takeRX(e *rxElem) ([]byte, error) {
	// remove e from the used list wherever it sits (routing pulls it
	// immediately rather than waiting for GetPkt).
	if c.rxUsedHead == e {
		c.popRXUsed()
	} else {
		prev := c.rxUsedHead
		for prev != nil && prev.next != e {
			prev = prev.next
		}
		if prev == nil {
			return nil, kerr.ErrNotFound
		}
		prev.next = e.next
		if c.rxUsedTail == e {
			c.rxUsedTail = prev
		}
		c.rxPending--
	}
	pkt := e.pkt
	if len(pkt) > c.headerStrip {
		pkt = pkt[c.headerStrip:]
	} else {
		pkt = nil
	}
	e.pkt = nil
	c.rx.WriteBE32(uint32(e.idx*rxDescSize)+rxCtrl, 0)
	c.pushRXFree(e)
	return pkt, nil
}

// GetPkt implements get_pkt: pull the head of RX used, copy out (less
// the configured header strip), re-arm the descriptor, kick the core.
func (c *Core) GetPkt() ([]byte, error) {
	e := c.rxUsedHead
	if e == nil {
		return nil, kerr.ErrNotFound
	}
	c.popRXUsed()
	pkt := e.pkt
	if len(pkt) > c.headerStrip {
		pkt = pkt[c.headerStrip:]
	} else {
		pkt = nil
	}
	e.pkt = nil
	c.rx.WriteBE32(uint32(e.idx*rxDescSize)+rxCtrl, 0)
	c.pushRXFree(e)
	c.kick()
	return pkt, nil
}

// DropPkt implements drop_pkt: discard the head of RX used without
// returning its payload.
func (c *Core) DropPkt() error {
	_, err := c.GetPkt()
	return err
}

// SetRoute wires this core's RX ring to forward into paired's TX ring
// (spec.md §4.8's routing mode). Pass nil to disable routing.
func (c *Core) SetRoute(paired *Core) { c.route = paired }

// SetAutoDrop enables the auto-drop policy: once the ring is within
// nDrop descriptors of full, the next Deliver drops nDrop of the oldest
// pending RX descriptors before admitting the new one (spec.md §4.8).
func (c *Core) SetAutoDrop(nDrop int) {
	if nDrop <= 0 {
		c.autoDrop = false
		return
	}
	if nDrop >= c.rxCap {
		nDrop = c.rxCap - 1
	}
	c.autoDrop = true
	c.nDrop = nDrop
}

func (c *Core) dropOldest(n int) {
	for i := 0; i < n; i++ {
		e := c.popRXUsed()
		if e == nil {
			break
		}
		e.pkt = nil
		c.rx.WriteBE32(uint32(e.idx*rxDescSize)+rxCtrl, 0)
		c.pushRXFree(e)
	}
	c.dropMarker += n
}

// Enable re-arms RX reception after routing back-pressure disabled it.
func (c *Core) Enable() { c.rxEnabled = true }

// Enabled reports whether RX reception is currently accepting packets.
func (c *Core) Enabled() bool { return c.rxEnabled }

// TickOut transmits a time-code (grspw2_tick_out_interrupt_enable's
// counterpart on the sending side).
func (c *Core) TickOut(timecode uint8, source ktime.Source) {
	c.regs.WriteBE32(RegTime, uint32(timecode))
	if c.tickBaseline == 0 {
		c.tickBaseline = source.Now()
	}
}

// TickIn records an incoming time-code and, once a baseline exists,
// the drift of its arrival from the nominal one-second cadence
// (grspw2_link_error's GRSPW2_STATUS_TO branch). Returns the drift in
// nanoseconds; the first call after a reset establishes the baseline
// and returns 0.
func (c *Core) TickIn(source ktime.Source) int64 {
	now := source.Now()
	if c.tickBaseline == 0 {
		c.tickBaseline = now
		return 0
	}
	const nanosPerSec = int64(1_000_000_000)
	c.tickCount++
	drift := now - c.tickBaseline - c.tickCount*nanosPerSec
	c.lastDriftNs = drift
	return drift
}

// LastDriftNs returns the most recently recorded tick-in drift.
func (c *Core) LastDriftNs() int64 { return c.lastDriftNs }

// DropMarker exposes the auto-drop interrupt marker position, mainly for
// tests.
func (c *Core) DropMarker() int { return c.dropMarker }
