// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"sync"
	"testing"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// fakeRegs is a map-backed Regs double. Writes to the port CMD register
// mirror ST/FRE into CR/FR, the way a real HBA acknowledges engine
// start/stop, so Start's waitFor polls resolve without a real spin.
type fakeRegs struct {
	mu   sync.Mutex
	regs map[uint32]uint32
	cmd  uint32 // absolute offset of port 0's CMD register
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{
		regs: make(map[uint32]uint32),
		cmd:  portBase(0) + pregCMD,
	}
}

func (f *fakeRegs) Read32(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.regs[off]
}

func (f *fakeRegs) Write32(off uint32, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off == f.cmd {
		if val&cmdST != 0 {
			val |= cmdCR
		} else {
			val &^= cmdCR
		}

		if val&cmdFRE != 0 {
			val |= cmdFR
		} else {
			val &^= cmdFR
		}
	}

	f.regs[off] = val
}

func (f *fakeRegs) set(off uint32, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[off] = val
}

// newStartedPort brings up a single-port engine over fakeRegs with a
// device of sig present at SSTS.DET == 3.
func newStartedPort(t *testing.T, sig uint32) (*PortCommandEngine, *fakeRegs) {
	t.Helper()

	region := newTestRegion(t, 1<<20)
	regs := newFakeRegs()

	regs.set(portBase(0)+pregSSTS, sstsDETEnabled)
	regs.set(portBase(0)+pregSIG, sig)

	p := NewPort(region, regs, 0)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return p, regs
}

func TestStartProgramsRegistersAndClassifiesDevice(t *testing.T) {
	p, regs := newStartedPort(t, sigATA)

	if got := regs.Read32(portBase(0) + pregCLB); got != uint32(p.clbAddr) {
		t.Fatalf("CLB = %#x, want %#x", got, p.clbAddr)
	}

	if got := regs.Read32(portBase(0) + pregFB); got != uint32(p.fbAddr) {
		t.Fatalf("FB = %#x, want %#x", got, p.fbAddr)
	}

	if got := regs.Read32(portBase(0) + pregIE); got != ieMask {
		t.Fatalf("IE = %#x, want %#x", got, uint32(ieMask))
	}

	cmd := regs.Read32(portBase(0) + pregCMD)
	if cmd&cmdST == 0 || cmd&cmdFRE == 0 {
		t.Fatalf("CMD = %#x, want ST and FRE set", cmd)
	}

	if p.Signature() != DeviceATA {
		t.Fatalf("Signature = %v, want DeviceATA", p.Signature())
	}
}

func TestStartLeavesEngineStoppedWithNoDevice(t *testing.T) {
	region := newTestRegion(t, 1<<20)
	regs := newFakeRegs()
	regs.set(portBase(0)+pregSSTS, sstsDETNoDevice)

	p := NewPort(region, regs, 0)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cmd := regs.Read32(portBase(0) + pregCMD)
	if cmd&cmdST != 0 {
		t.Fatalf("CMD = %#x, want ST clear with no device present", cmd)
	}
}

// TestDispatchAndCompleteRetiresTransaction drives a DMA write with
// LBA48 addressing end to end: a single-issue, single-completion
// transfer.
func TestDispatchAndCompleteRetiresTransaction(t *testing.T) {
	p, _ := newStartedPort(t, sigATA)

	sg, err := dma.NewSgTable(0x30000000, 10240)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	tx, err := p.Dispatch(42, 20, 512, sg, Write, true, LBA48)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if tx.Command != ataDMAWriteExt {
		t.Fatalf("Command = %#x, want %#x", tx.Command, ataDMAWriteExt)
	}

	if tx.BytesLeft != 0 {
		t.Fatalf("BytesLeft = %d, want 0 (fully issued in one PRDT)", tx.BytesLeft)
	}

	var done *Transaction
	tx.Done = func(t *Transaction) { done = t }

	header := p.headers[tx.Slot]
	header.PRDByteCount = 10240
	header.Sync(p.region)

	fisBuf := make([]byte, ReceivedFISSize)
	fisBuf[rfisRegisterD2H+0] = fisTypeRegisterD2H
	fisBuf[rfisRegisterD2H+2] = ataSTSDRDY
	p.region.Write(p.fbAddr, 0, fisBuf)

	p.HandleCompletion(1 << uint(tx.Slot))

	if done == nil {
		t.Fatalf("Done callback not invoked")
	}

	if done.Status != sched.StatusOK {
		t.Fatalf("Status = %v, want StatusOK", done.Status)
	}

	if done.SectorsTransferred != 20 {
		t.Fatalf("SectorsTransferred = %d, want 20", done.SectorsTransferred)
	}
}

// TestHandleErrorFatalFailsAllOutstanding injects a fatal host error
// (here, interface fatal error) with a transaction outstanding: every
// in-flight transaction must errored-retire and every slot free.
func TestHandleErrorFatalFailsAllOutstanding(t *testing.T) {
	p, _ := newStartedPort(t, sigATA)

	sg, err := dma.NewSgTable(0x40000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	tx, err := p.Dispatch(0, 1, 512, sg, Read, true, LBA48)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var status sched.Status
	tx.Done = func(t *Transaction) { status = t.Status }

	fatal := p.HandleError(isIFE)
	if !fatal {
		t.Fatalf("HandleError(isIFE) = false, want true")
	}

	if status != sched.StatusUnknown {
		t.Fatalf("Status = %v, want StatusUnknown", status)
	}

	if p.slots != 0 {
		t.Fatalf("slots = %#x, want 0 after failAll", p.slots)
	}

	if _, err := p.allocateSlot(); err != nil {
		t.Fatalf("allocateSlot after failAll: %v", err)
	}
}

// TestHandleErrorTaskFileAbortsOnlyTheCurrentSlot exercises the
// PxCMD.CCS-derived slot lookup for a non-fatal TFEE.
func TestHandleErrorTaskFileAbortsOnlyTheCurrentSlot(t *testing.T) {
	p, regs := newStartedPort(t, sigATA)

	sg, err := dma.NewSgTable(0x50000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	tx, err := p.Dispatch(0, 1, 512, sg, Read, true, LBA48)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var status sched.Status
	tx.Done = func(t *Transaction) { status = t.Status }

	cmd := regs.Read32(portBase(0) + pregCMD)
	regs.set(portBase(0)+pregCMD, cmd|(uint32(tx.Slot)<<cmdCCSShift))

	if fatal := p.HandleError(isTFEE); fatal {
		t.Fatalf("HandleError(isTFEE) = true, want false (non-fatal)")
	}

	if status != sched.StatusUnknown {
		t.Fatalf("Status = %v, want StatusUnknown", status)
	}

	if p.slots != 0 {
		t.Fatalf("slots = %#x, want 0 after abortSlot frees it", p.slots)
	}
}

func TestAllocateSlotExhaustionReturnsErrNoSlot(t *testing.T) {
	p, _ := newStartedPort(t, sigATA)

	sg, err := dma.NewSgTable(0x60000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	for i := 0; i < 32; i++ {
		if _, err := p.Dispatch(uint64(i), 1, 512, sg, Read, true, LBA48); err != nil {
			t.Fatalf("Dispatch #%d: %v", i, err)
		}
	}

	if _, err := p.Dispatch(32, 1, 512, sg, Read, true, LBA48); err != ErrNoSlot {
		t.Fatalf("Dispatch #32 error = %v, want ErrNoSlot", err)
	}
}

func TestDispatchBeforeStartedReturnsErrPortNotReady(t *testing.T) {
	region := newTestRegion(t, 1<<20)
	regs := newFakeRegs()

	p := NewPort(region, regs, 0)

	sg, err := dma.NewSgTable(0x70000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	if _, err := p.Dispatch(0, 1, 512, sg, Read, true, LBA48); err != ErrPortNotReady {
		t.Fatalf("Dispatch error = %v, want ErrPortNotReady", err)
	}
}
