// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-hostctl/hcd/ahci"
	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
	"github.com/go-hostctl/hcd/usbcore/ehci"
	"github.com/go-hostctl/hcd/usbcore/ohci"
	"github.com/go-hostctl/hcd/usbcore/uhci"
)

// ErrClosed is returned by any entry point called after Close.
var ErrClosed = errors.New("hostctl: controller closed")

// IRQResult is the top half's verdict, so a shared IRQ line can keep
// probing other devices when this controller did not raise the
// interrupt.
type IRQResult int

const (
	NotHandled IRQResult = iota
	Handled
)

// Reason bits ORed into Controller.pendingStatus by the top half and
// drained by the bottom half with atomic.SwapUint32.
const (
	reasonCompletion uint32 = 1 << 0
)

// Controller is the shared top/bottom-half driver instance behind one
// PCI function, wiring a family's descriptor-queue module (or, for AHCI,
// one ahci.PortCommandEngine per implemented SATA port) to a
// sched.Scheduler.
type Controller struct {
	cfg Config

	sched   *sched.Scheduler
	manager *usbcore.TransferManager // nil for AHCI

	ports []*ahci.PortCommandEngine // nil for USB families

	mu    sync.Mutex
	stats Stats

	pendingStatus uint32 // atomic, reason bits
	wake          chan struct{}
	stop          chan struct{}
	closed        bool
}

// NewUSB builds a Controller for a UHCI, OHCI or EHCI function. It
// constructs the family's own Queue as the usbcore.QueueHandler, then
// programs the controller's run bits and frame-list base address
// register.
func NewUSB(cfg Config) (*Controller, error) {
	if cfg.Family == AHCI {
		return nil, fmt.Errorf("hostctl: NewUSB: family must be UHCI, OHCI or EHCI")
	}

	s := sched.NewScheduler(cfg.FrameCount, cfg.SubframeCount, cfg.MaxBandwidthPerFrame)

	c := &Controller{
		cfg:   cfg,
		sched: s,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	var handler usbcore.QueueHandler

	switch cfg.Family {
	case UHCI:
		q := uhci.NewQueue(s, cfg.Region, cfg.PoolSizes.TD, cfg.PoolSizes.QH)
		cfg.Regs.Write32(uhciFrameBaseOff, uint32(q.FrameListAddr()))
		handler = q
	case OHCI:
		q := ohci.NewQueue(s, cfg.Region, cfg.PoolSizes.TD, cfg.PoolSizes.QH)
		cfg.Regs.Write32(ohciHCCAOff, uint32(q.HCCAAddr()))
		handler = q
	case EHCI:
		q := ehci.NewQueue(s, cfg.Region, cfg.PoolSizes.TD, cfg.PoolSizes.QH, cfg.PoolSizes.ITD)
		cfg.Regs.Write32(ehciPeriodicListOff, uint32(q.FramelistAddr()))
		handler = q
	default:
		return nil, fmt.Errorf("hostctl: NewUSB: unknown family %v", cfg.Family)
	}

	c.manager = usbcore.NewTransferManager(s, handler, c.onTransferComplete)

	c.startRunBits()
	go c.runLoop()

	return c, nil
}

// NewStorage builds a Controller for an AHCI function, allocating one
// ahci.PortCommandEngine per implemented port and running each engine's
// bring-up sequence.
func NewStorage(cfg Config) (*Controller, error) {
	if cfg.Family != AHCI {
		return nil, fmt.Errorf("hostctl: NewStorage: family must be AHCI")
	}

	c := &Controller{
		cfg:   cfg,
		ports: make([]*ahci.PortCommandEngine, cfg.Ports),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	cfg.Regs.Write32(ahciGlobalHostControlOff, ahciGHCAE)

	for i := 0; i < cfg.Ports; i++ {
		p := ahci.NewPort(cfg.Region, cfg.Regs, i)
		p.Debug = cfg.Debug

		if err := p.Start(); err != nil {
			return nil, fmt.Errorf("hostctl: port %d start: %w", i, err)
		}

		c.ports[i] = p
	}

	cfg.Regs.Write32(ahciGlobalHostControlOff, ahciGHCAE|ahciGHCIE)

	go c.runLoop()

	return c, nil
}

// Per-family run-bit, status and frame-list-base register offsets. The
// AHCI generic offsets duplicate ahci's unexported constants of the
// same name and value, since that package does not export its register
// map across the package boundary.
const (
	uhciCommandOff   = 0x00
	uhciStatusOff    = 0x02
	uhciRunBit       = 0x1
	uhciFrameBaseOff = 0x08

	ohciControlOff         = 0x04
	ohciInterruptStatusOff = 0x0C
	ohciControlPLE         = 1 << 2
	ohciControlCLE         = 1 << 4
	ohciControlBLE         = 1 << 5
	ohciControlUSBRun      = 1 << 7 // HcControl.HostControllerFunctionalState, RUN encoding
	ohciHCCAOff            = 0x18

	ehciUSBCmdOff       = 0x00
	ehciUSBStsOff       = 0x04
	ehciUSBCmdRun       = 0x1
	ehciConfigFlagOff   = 0x40
	ehciConfigFlagCF    = 0x1
	ehciPeriodicListOff = 0x14

	ahciGlobalHostControlOff = 0x04
	ahciInterruptStatusOff   = 0x08
	ahciGHCAE                = 0x80000000
	ahciGHCIE                = 0x2
)

func (c *Controller) startRunBits() {
	switch c.cfg.Family {
	case UHCI:
		c.cfg.Regs.Write32(uhciCommandOff, uhciRunBit)
	case OHCI:
		c.cfg.Regs.Write32(ohciControlOff, ohciControlPLE|ohciControlCLE|ohciControlBLE|ohciControlUSBRun)
	case EHCI:
		c.cfg.Regs.Write32(ehciConfigFlagOff, ehciConfigFlagCF)
		c.cfg.Regs.Write32(ehciUSBCmdOff, ehciUSBCmdRun)
	}
}

// Submit dispatches t through the family's QueueHandler. It returns an
// error for AHCI controllers, which use StorageTransfer instead.
func (c *Controller) Submit(t *usbcore.Transfer) error {
	if c.isClosed() {
		return ErrClosed
	}

	if c.manager == nil {
		return fmt.Errorf("hostctl: Submit: not a USB controller")
	}

	c.mu.Lock()
	c.stats.TransfersSubmitted++
	c.mu.Unlock()

	err := c.manager.Submit(t)
	if err != nil && t.Status == sched.StatusNoBandwidth {
		c.mu.Lock()
		c.stats.BandwidthRejections++
		c.mu.Unlock()
	}

	return err
}

// Dequeue cancels a previously submitted transfer.
func (c *Controller) Dequeue(t *usbcore.Transfer) {
	if c.manager != nil {
		c.manager.Dequeue(t)
	}
}

// ResetEndpoint clears the recorded data toggle and mid-transfer error
// state for addr.
func (c *Controller) ResetEndpoint(addr usbcore.Address) {
	if c.manager != nil {
		c.manager.ResetEndpoint(addr)
	}
}

// StorageTransfer issues one AHCI read or write through the port engine
// for the given SATA port.
func (c *Controller) StorageTransfer(port int, lba uint64, sectors uint32, sectorSize int, sg *dma.SgTable, dir ahci.Direction, useDMA bool, addressing ahci.AddressingMode, done func(*ahci.Transaction)) (*ahci.Transaction, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	if port < 0 || port >= len(c.ports) || c.ports[port] == nil {
		return nil, fmt.Errorf("hostctl: StorageTransfer: no such port %d", port)
	}

	c.mu.Lock()
	c.stats.TransfersSubmitted++
	c.mu.Unlock()

	tx, err := c.ports[port].Dispatch(lba, sectors, sectorSize, sg, dir, useDMA, addressing)
	if err != nil {
		return nil, err
	}

	tx.Done = done

	return tx, nil
}

// PortReset asserts and times out the root-port reset pulse.
func (c *Controller) PortReset(port int) error {
	if c.isClosed() {
		return ErrClosed
	}

	off := portRegOffset(c.cfg.Family, port)
	bit := resetBit(c.cfg.Family)

	v := c.cfg.Regs.Read32(off)
	c.cfg.Regs.Write32(off, v|bit)

	time.Sleep(portResetTimeout)

	v = c.cfg.Regs.Read32(off)
	c.cfg.Regs.Write32(off, v&^bit)

	if !pollPortUntil(c.cfg.Regs, off, bit, false, portResetTimeout) {
		return ErrPortResetTimeout
	}

	return nil
}

// PortStatus decodes the current root-port status register.
func (c *Controller) PortStatus(port int) PortChangeEvent {
	off := portRegOffset(c.cfg.Family, port)
	return decodePortStatus(c.cfg.Family, c.cfg.Regs.Read32(off))
}

// BandwidthSnapshot returns a copy of the scheduler's per-(micro)frame
// bandwidth array in microseconds, or nil for AHCI controllers, which
// have no periodic schedule.
func (c *Controller) BandwidthSnapshot() []int {
	if c.sched == nil {
		return nil
	}

	return c.sched.BandwidthSnapshot()
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// orPendingStatus ORs reason into pendingStatus with a compare-and-swap
// retry loop; sync/atomic has no bitwise-or primitive for plain uint32.
func orPendingStatus(addr *uint32, reason uint32) {
	for {
		cur := atomic.LoadUint32(addr)
		next := cur | reason

		if atomic.CompareAndSwapUint32(addr, cur, next) {
			return
		}
	}
}

// HandleInterrupt is the interrupt top half: it must not allocate and
// must return quickly. It reads and write-1-clears the family's status
// register, ORs a reason into pendingStatus and wakes the bottom half
// through a buffered channel.
func (c *Controller) HandleInterrupt() IRQResult {
	var statusOff uint32

	switch c.cfg.Family {
	case UHCI:
		statusOff = uhciStatusOff
	case OHCI:
		statusOff = ohciInterruptStatusOff
	case EHCI:
		statusOff = ehciUSBStsOff
	default: // AHCI
		statusOff = ahciInterruptStatusOff
	}

	status := c.cfg.Regs.Read32(statusOff)
	if status == 0 {
		return NotHandled
	}

	c.cfg.Regs.Write32(statusOff, status)

	orPendingStatus(&c.pendingStatus, reasonCompletion)

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return Handled
}

func (c *Controller) onTransferComplete(t *usbcore.Transfer) {
	c.mu.Lock()
	c.stats.TransfersCompleted++
	if t.Flags.Short {
		c.stats.ShortPackets++
	}
	switch t.Status {
	case sched.StatusStall:
		c.stats.Stalls++
	case sched.StatusNAK:
		c.stats.NAKs++
	}
	c.mu.Unlock()

	if c.cfg.Debug != nil {
		c.cfg.Debug("hostctl: transfer %d complete status=%v", t.ID, t.Status)
	}
}

// runLoop is the interrupt bottom half: it drains pendingStatus and
// drives one completion/error pass per family. A 1 ms ticker also wakes
// the loop, but a pass runs only when pendingStatus holds a reason set
// by HandleInterrupt; a tick with no pending reason does not scan.
func (c *Controller) runLoop() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		case <-ticker.C:
		}

		if atomic.SwapUint32(&c.pendingStatus, 0) == 0 {
			continue
		}

		if c.manager != nil {
			c.manager.DrainDoorbell()
			c.manager.ScanAll()
		}

		for _, p := range c.ports {
			if p == nil {
				continue
			}

			is := p.IS()
			if is == 0 {
				continue
			}

			if fatal := p.Service(is); fatal {
				err := p.Reset()

				c.mu.Lock()
				c.stats.FatalResets++
				c.mu.Unlock()

				if err != nil && c.cfg.Debug != nil {
					c.cfg.Debug("hostctl: port reset after fatal error failed: %v", err)
				}
			}
		}
	}
}

// Close stops the bottom half and releases the controller's run bits.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)

	switch c.cfg.Family {
	case UHCI:
		c.cfg.Regs.Write32(uhciCommandOff, 0)
	case OHCI:
		c.cfg.Regs.Write32(ohciControlOff, 0)
	case EHCI:
		c.cfg.Regs.Write32(ehciUSBCmdOff, 0)
	case AHCI:
		for _, p := range c.ports {
			if p != nil {
				p.Reset()
			}
		}
		c.cfg.Regs.Write32(ahciGlobalHostControlOff, 0)
	}

	return nil
}
