// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// ErrNoSlot is returned by allocateSlot when every command slot is
// currently in use.
var ErrNoSlot = fmt.Errorf("ahci: no free command slot")

// ErrPortNotReady is returned when dispatch is attempted before Start
// has completed the bring-up sequence.
var ErrPortNotReady = fmt.Errorf("ahci: port not ready")

// Transaction tracks one outstanding storage command across its
// (possibly multiple) command-slot submissions.
type Transaction struct {
	Slot      int
	Sector    uint64
	BytesLeft int

	sgTable  *dma.SgTable
	sgIndex  int
	sgOffset int

	Command    uint8
	Direction  Direction
	UseDMA     bool
	Addressing AddressingMode
	SectorSize int

	SectorsTransferred uint64
	Status             sched.Status
	Response           RegisterD2H

	Done func(*Transaction)
}

// PortCommandEngine drives one AHCI port's 32 command slots: bring-up,
// dispatch, completion fanout and error recovery.
type PortCommandEngine struct {
	regs  portRegs
	index int

	region *dma.Region

	clbAddr uint
	fbAddr  uint

	headers [32]*CommandHeader
	tables  [32]*CommandTable

	slots uint32 // atomic bitmap of in-use command slots

	mu           sync.Mutex
	transactions map[int]*Transaction

	deviceType DeviceType

	// Debug, when non-nil, receives a one-line diagnostic string per
	// completion/error event.
	Debug func(string, ...any)
}

// NewPort reserves a port's command list, command tables and
// received-FIS area out of region and wires them to regs at the given
// port index.
func NewPort(region *dma.Region, regs Regs, index int) *PortCommandEngine {
	p := &PortCommandEngine{
		regs:         portRegs{r: regs, base: portBase(index)},
		index:        index,
		region:       region,
		transactions: make(map[int]*Transaction),
	}

	p.clbAddr, _ = region.Reserve(commandListSize, 1024)
	p.fbAddr, _ = region.Reserve(ReceivedFISSize, 256)

	for i := 0; i < 32; i++ {
		p.headers[i] = &CommandHeader{addr: p.clbAddr + uint(i*commandHeaderSize)}

		tableAddr, _ := region.Reserve(commandTableSize, 128)
		p.tables[i] = newCommandTable(tableAddr)
	}

	return p
}

func (p *PortCommandEngine) log(format string, args ...any) {
	if p.Debug != nil {
		p.Debug(fmt.Sprintf("ahci: port %d: ", p.index)+format, args...)
	}
}

// capSSS reports whether the HBA supports staggered spin-up, read from
// the generic Capabilities register (not port-relative).
func (p *PortCommandEngine) capSSS() bool {
	return p.regs.r.Read32(regCapabilities)&capSSS != 0
}

func waitFor(timeout time.Duration, read func() uint32, mask, val uint32) bool {
	start := time.Now()

	for read()&mask != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}

// Start runs the port bring-up sequence: quiesce, COMRESET, spin-up,
// error/interrupt init, command-list programming, and device
// classification.
func (p *PortCommandEngine) Start() error {
	r := p.regs

	// Step 1: clear ST/FRE, spin for CR/FR to clear.
	cmd := r.read(pregCMD)
	cmd &^= cmdST | cmdFRE
	r.write(pregCMD, cmd)

	waitFor(500*time.Millisecond, func() uint32 { return r.read(pregCMD) }, cmdCR|cmdFR, 0)

	// Step 2: COMRESET the PHY.
	r.write(pregSCTL, sctlDETInit|sctlDisablePartialState|sctlDisableSlumberState)
	time.Sleep(50 * time.Millisecond)
	r.write(pregSCTL, r.read(pregSCTL)&^uint32(0xf))

	detReady := waitFor(50*time.Millisecond, func() uint32 { return sstsDET(r.read(pregSSTS)) }, 0xf, sstsDETEnabled)

	// Step 3: spin-up is only requested when the HBA advertises
	// staggered spin-up; whether SUD/POD should also be forced on
	// SSS=0 "cold" devices needs verification against real hardware.
	if p.capSSS() {
		r.write(pregCMD, r.read(pregCMD)|cmdSUD|cmdPOD|(cmdICCActive<<cmdICCShift))
	}

	// Step 4: clear SERR, IS.
	r.write(pregSERR, 0xffffffff)
	r.write(pregIS, 0xffffffff)

	// Step 5: program CLB/FB.
	r.write(pregCLB, uint32(p.clbAddr))
	r.write(pregCLBU, uint32(uint64(p.clbAddr)>>32))
	r.write(pregFB, uint32(p.fbAddr))
	r.write(pregFBU, uint32(uint64(p.fbAddr)>>32))

	// Step 6: enable interrupts.
	r.write(pregIE, ieMask)

	if !detReady {
		// No device on this port: leave ST/FRE clear and report success
		// so the caller can still probe other ports.
		p.log("no device present (SSTS.DET never reached 3)")
		return nil
	}

	// Step 7: wait for CR/FR to drop, wait for BSY/DRQ to clear, start.
	waitFor(500*time.Millisecond, func() uint32 { return r.read(pregCMD) }, cmdCR|cmdFR, 0)
	waitFor(3*time.Second, func() uint32 { return r.read(pregTFD) }, tfdBSY|tfdDRQ, 0)

	r.write(pregCMD, r.read(pregCMD)|cmdST|cmdFRE)
	waitFor(500*time.Millisecond, func() uint32 { return r.read(pregCMD) }, cmdCR, cmdCR)

	// Step 8: classify the attached device from its signature.
	p.deviceType = Classify(r.read(pregSIG))
	p.log("signature %#x classified as %s", r.read(pregSIG), p.deviceType)

	return nil
}

// Signature returns the device type classified at the end of Start.
func (p *PortCommandEngine) Signature() DeviceType { return p.deviceType }

// allocateSlot claims a free command slot via a CAS loop, retrying if
// the chosen bit was set concurrently.
func (p *PortCommandEngine) allocateSlot() (int, error) {
	for {
		cur := atomic.LoadUint32(&p.slots)

		slot := -1
		for i := 0; i < 32; i++ {
			if cur&(1<<i) == 0 {
				slot = i
				break
			}
		}

		if slot < 0 {
			return -1, ErrNoSlot
		}

		next := cur | (1 << uint(slot))
		if atomic.CompareAndSwapUint32(&p.slots, cur, next) {
			return slot, nil
		}
	}
}

func (p *PortCommandEngine) freeSlot(slot int) {
	for {
		cur := atomic.LoadUint32(&p.slots)
		next := cur &^ (1 << uint(slot))

		if atomic.CompareAndSwapUint32(&p.slots, cur, next) {
			return
		}
	}
}

// Dispatch issues a new storage transaction: command selection, slot
// allocation, FIS/PRDT construction and the CI doorbell write.
func (p *PortCommandEngine) Dispatch(sector uint64, sectorCount uint32, sectorSize int, sg *dma.SgTable, dir Direction, useDMA bool, addressing AddressingMode) (*Transaction, error) {
	if p.regs.read(pregCMD)&cmdST == 0 {
		return nil, ErrPortNotReady
	}

	command, maxSectors, ok := SelectCommand(dir, useDMA, addressing)
	if !ok {
		return nil, fmt.Errorf("ahci: no command for direction=%v dma=%v addressing=%v", dir, useDMA, addressing)
	}

	if sectorCount > maxSectors {
		sectorCount = maxSectors
	}

	slot, err := p.allocateSlot()
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		Slot:       slot,
		Sector:     sector,
		BytesLeft:  int(sectorCount) * sectorSize,
		sgTable:    sg,
		Command:    command,
		Direction:  dir,
		UseDMA:     useDMA,
		Addressing: addressing,
		SectorSize: sectorSize,
	}

	p.mu.Lock()
	p.transactions[slot] = t
	p.mu.Unlock()

	if err := p.issue(t, sectorCount); err != nil {
		p.freeSlot(slot)

		p.mu.Lock()
		delete(p.transactions, slot)
		p.mu.Unlock()

		return nil, err
	}

	return t, nil
}

// issue builds the Register-H2D FIS and PRDT for t and rings the
// doorbell.
func (p *PortCommandEngine) issue(t *Transaction, sectorCount uint32) error {
	table := p.tables[t.Slot]
	header := p.headers[t.Slot]

	fis := RegisterH2D{
		Command: t.Command,
		LBA:     t.Sector,
		Device:  1 << 6, // LBA mode
		Count:   uint16(sectorCount),
	}
	enc := fis.Encode()
	copy(table.CFIS[:], enc[:])

	consumed, seg, off, err := table.BuildPRDT(t.sgTable, t.sgIndex, t.sgOffset, t.BytesLeft)
	if err != nil {
		return err
	}

	t.sgIndex, t.sgOffset = seg, off

	header.Fill(uint8(h2dSize/4), t.Direction == Write, false, true, 0, len(table.PRDT), table.addr)

	table.Sync(p.region)
	header.Sync(p.region)

	t.BytesLeft -= consumed

	if t.UseDMA {
		// NCQ would set SACT first; this module targets the non-NCQ DMA
		// command set.
	}

	p.regs.write(pregCI, p.regs.read(pregCI)|(1<<uint(t.Slot)))

	return nil
}

// HandleCompletion drains newly-finished slots. Service computes doneMask
// in the bottom half as the slot bitmap minus the slots the CI register
// still reports outstanding.
func (p *PortCommandEngine) HandleCompletion(doneMask uint32) {
	for i := 0; i < 32; i++ {
		if doneMask&(1<<uint(i)) == 0 {
			continue
		}

		p.mu.Lock()
		t, ok := p.transactions[i]
		if ok {
			delete(p.transactions, i)
		}
		p.mu.Unlock()

		if !ok {
			continue
		}

		p.completeTransaction(t)
	}
}

func (p *PortCommandEngine) completeTransaction(t *Transaction) {
	header := p.headers[t.Slot]
	header.Load(p.region)

	fisBuf := make([]byte, ReceivedFISSize)
	p.region.Read(p.fbAddr, 0, fisBuf)
	t.Response = DecodeRegisterD2H(fisBuf[rfisRegisterD2H:])

	p.freeSlot(t.Slot)

	if t.Response.Status&ataSTSErr != 0 || t.Response.Status&ataSTSDF != 0 {
		t.Status = sched.StatusUnknown
		p.log("transaction slot %d failed: %s", t.Slot, TaskFileErrorString(t.Response.Error))

		if t.Done != nil {
			t.Done(t)
		}

		return
	}

	transferred := int(header.PRDByteCount)
	t.SectorsTransferred += uint64(transferred / t.SectorSize)
	t.Sector += uint64(transferred / t.SectorSize)

	if t.BytesLeft > 0 {
		sectorCount := uint32(t.BytesLeft / t.SectorSize)

		if _, err := p.allocateSlotFor(t); err != nil {
			t.Status = sched.StatusNoBandwidth
			if t.Done != nil {
				t.Done(t)
			}
			return
		}

		if err := p.issue(t, sectorCount); err != nil {
			t.Status = sched.StatusInvalid
			if t.Done != nil {
				t.Done(t)
			}
		}

		return
	}

	t.Status = sched.StatusOK

	if t.Done != nil {
		t.Done(t)
	}
}

// allocateSlotFor re-allocates a slot for a transaction being resubmitted
// after a partial completion (its previous slot has already been freed
// and removed from p.transactions by the caller), updating t.Slot in
// place.
func (p *PortCommandEngine) allocateSlotFor(t *Transaction) (int, error) {
	slot, err := p.allocateSlot()
	if err != nil {
		return -1, err
	}

	t.Slot = slot

	p.mu.Lock()
	p.transactions[slot] = t
	p.mu.Unlock()

	return slot, nil
}

// HandleError processes a port interrupt-status word carrying error
// bits: task-file errors abort the offending slot only, fatal host/
// interface errors fail every outstanding transaction.
func (p *PortCommandEngine) HandleError(is uint32) (fatal bool) {
	if is&isTFEE != 0 {
		tfd := p.regs.read(pregTFD)
		slot := int((p.regs.read(pregCMD) >> cmdCCSShift) & cmdCCSMask)

		p.log("task file error on slot %d: %s", slot, TaskFileErrorString(uint8(tfd>>8)))
		p.abortSlot(slot)
	}

	if is&fatalMask == 0 {
		return false
	}

	p.log("fatal host error, IS=%#x", is)
	p.failAll(sched.StatusUnknown)

	return true
}

func (p *PortCommandEngine) abortSlot(slot int) {
	p.mu.Lock()
	t, ok := p.transactions[slot]
	if ok {
		delete(p.transactions, slot)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	p.freeSlot(slot)
	t.Status = sched.StatusUnknown

	if t.Done != nil {
		t.Done(t)
	}
}

// failAll marks every outstanding transaction with status and frees
// every allocated slot.
func (p *PortCommandEngine) failAll(status sched.Status) {
	p.mu.Lock()
	pending := p.transactions
	p.transactions = make(map[int]*Transaction)
	p.mu.Unlock()

	atomic.StoreUint32(&p.slots, 0)

	for _, t := range pending {
		t.Status = status

		if t.Done != nil {
			t.Done(t)
		}
	}
}

// Reset fails all outstanding transactions and re-runs the bring-up
// sequence, the recovery path for fatal host errors.
func (p *PortCommandEngine) Reset() error {
	p.failAll(sched.StatusUnknown)
	return p.Start()
}

// IS reads and clears this port's interrupt status register, for a
// hostctl bottom half driving one interrupt-service pass.
func (p *PortCommandEngine) IS() uint32 {
	is := p.regs.read(pregIS)
	p.regs.write(pregIS, is)

	return is
}

// Service drains completions and/or processes errors for one interrupt
// pass, given the port's raw PxIS value. doneMask is derived from the
// slots bitmap minus whatever the CI register still reports
// outstanding, since this module targets the non-NCQ DMA command set
// (SACT tracks NCQ only, per the comment in issue).
func (p *PortCommandEngine) Service(is uint32) (fatal bool) {
	if is&fatalMask != 0 || is&isTFEE != 0 {
		return p.HandleError(is)
	}

	if is&(isDHRE|isPSE|isDSE|isSDBE) == 0 {
		return false
	}

	ci := p.regs.read(pregCI)
	doneMask := atomic.LoadUint32(&p.slots) &^ ci
	p.HandleCompletion(doneMask)

	return false
}
