// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ohci

import (
	"encoding/binary"
	"fmt"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

const (
	poolTD sched.PoolIndex = 0
	poolED sched.PoolIndex = 1
)

const pageLimit = 0x1000 // a TD data run may not cross a 4 KiB page per chunk

// Reserved ED pool slots: software-only chain roots, never linked into
// the hardware-visible head pointers themselves.
const (
	rootControl = 0
	rootBulk    = 1
)

// Queue is the OHCI implementation of usbcore.QueueHandler: it owns the
// TD/ED pools, the HCCA interrupt table mirror, and the control/bulk
// queue software roots. The hardware loads the control/bulk head
// registers only while CommandStatus.{CLF,BLF} are clear.
type Queue struct {
	Region *dma.Region
	TDs    *sched.DescriptorPool[*TD]
	EDs    *sched.DescriptorPool[*ED]
	Sched  *sched.Scheduler

	hcca     []uint32 // HCCA interrupt table mirror, NumQueues entries
	hccaAddr uint     // physical address of the pinned HCCA page

	controlRoot uint16
	bulkRoot    uint16

	// ControlDirty/BulkDirty are set whenever the respective queue gains
	// a new head ED and need the controller to set CommandStatus.CLF/BLF
	// so hardware reloads from the (possibly changed) head register.
	ControlDirty bool
	BulkDirty    bool
}

// NewQueue builds the TD/ED pools and reserves the two software-only
// queue roots (ED pool slots 0 and 1).
func NewQueue(s *sched.Scheduler, region *dma.Region, tdCapacity, edCapacity int) *Queue {
	tds := sched.NewDescriptorPool[*TD](poolTD, region, tdCapacity, tdSize, 16, 0, func(addr uint) *TD {
		return NewTD(addr)
	})

	eds := sched.NewDescriptorPool[*ED](poolED, region, edCapacity, qhSize, 16, 2, func(addr uint) *ED {
		return NewED(addr)
	})

	s.RegisterPool(poolTD, tds)
	s.RegisterPool(poolED, eds)

	// The HCCA is a 256-byte structure; the interrupt table occupies its
	// first NumQueues dwords. The full page keeps FrameNumber/DoneHead
	// within the same pinned allocation.
	hccaAddr, _ := region.Reserve(256, 256)

	q := &Queue{
		Region:      region,
		TDs:         tds,
		EDs:         eds,
		Sched:       s,
		hcca:        make([]uint32, NumQueues),
		hccaAddr:    hccaAddr,
		controlRoot: sched.EncodeIndex(poolED, rootControl),
		bulkRoot:    sched.EncodeIndex(poolED, rootBulk),
	}

	for i := range q.hcca {
		q.hcca[i] = linkHalted
		q.writeHCCAEntry(i)
	}

	return q
}

// HCCA returns the HCCA interrupt table mirror.
func (q *Queue) HCCA() []uint32 { return q.hcca }

// HCCAAddr returns the physical address of the pinned HCCA page the
// controller's HcHCCA register should point at.
func (q *Queue) HCCAAddr() uint { return q.hccaAddr }

// writeHCCAEntry publishes one interrupt-table entry to the pinned HCCA
// page the controller walks.
func (q *Queue) writeHCCAEntry(i int) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], q.hcca[i])
	q.Region.Write(q.hccaAddr, i*4, b[:])
}

func physLink(addr uint32) uint32 { return addr }

func edPhysOf(eds *sched.DescriptorPool[*ED], idx uint16) uint32 {
	_, slot := sched.DecodeIndex(idx)
	return uint32(eds.PhysOf(slot))
}

func edSlot(e *ED) uint16 {
	_, slot := sched.DecodeIndex(e.Shadow().Index)
	return slot
}

func tdSlotOf(t *TD) uint16 {
	_, slot := sched.DecodeIndex(t.Shadow().Index)
	return slot
}

// BuildChain implements usbcore.QueueHandler.
func (q *Queue) BuildChain(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	ed, err := q.EDs.Allocate()
	if err != nil {
		return fmt.Errorf("ohci: %w", err)
	}

	lowSpeed := t.Speed == sched.Low

	var tds []*TD

	switch t.Kind {
	case sched.Control:
		ed.Fill(t.Address.Device, t.Address.Endpoint, dirTD, lowSpeed, t.MaxPacketSize, false)
		tds, err = q.buildControl(t, lowSpeed)
	case sched.Isochronous:
		ed.Fill(t.Address.Device, t.Address.Endpoint, dirOf(t), lowSpeed, t.MaxPacketSize, true)
		tds, err = q.buildDataPhase(t, m, lowSpeed)
	default:
		ed.Fill(t.Address.Device, t.Address.Endpoint, dirOf(t), lowSpeed, t.MaxPacketSize, false)
		tds, err = q.buildDataPhase(t, m, lowSpeed)
	}

	if err != nil {
		q.EDs.Free(edSlot(ed))
		return err
	}

	if len(tds) == 0 {
		q.EDs.Free(edSlot(ed))
		return fmt.Errorf("ohci: no descriptors built for transfer %d", t.ID)
	}

	edIdx := ed.Shadow().Index
	firstIdx := q.TDs.IndexOf(tdSlotOf(tds[0]))

	ed.SetCurrent(uint32(tds[0].Addr()))
	ed.Shadow().DepthNext = firstIdx

	prev := tds[0]
	for _, td := range tds[1:] {
		if err := q.Sched.ChainDepth(firstIdx, q.TDs.IndexOf(tdSlotOf(td)), sched.NoIndex); err != nil {
			return fmt.Errorf("ohci: chain: %w", err)
		}

		prev.Link = uint32(td.Addr())
		prev.Sync(q.Region)
		prev = td
	}

	// EndPointer is the chain's tail sentinel: the last TD's Link field
	// points at it so the controller halts (rather than faults) on a
	// badly-timed read, but software never allocates a descriptor there.
	// We use the pool's own halted encoding instead: the last built TD's
	// Link carries the halted bit and the ED's EndPointer mirrors it.
	prev.Link = linkHalted
	prev.Sync(q.Region)
	ed.SetEnd(uint32(prev.Addr()))
	ed.Sync(q.Region)

	t.RootElement = edIdx
	t.ChainLength = len(tds)
	t.ElementsTotal = len(tds)
	t.Priv = tds

	return nil
}

func dirOf(t *usbcore.Transfer) int {
	if t.Direction == sched.Out {
		return dirOut
	}

	return dirIn
}

// buildControl builds a control transfer's SETUP/DATA/STATUS chain:
// SETUP toggle 0, DATA toggle 1 initial, STATUS (ACK) forced toggle 1.
func (q *Queue) buildControl(t *usbcore.Transfer, lowSpeed bool) ([]*TD, error) {
	var tds []*TD

	setup := t.Transactions[0]
	td, err := q.allocTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	td.Fill(dirTD, 0, true, uint32(addrOf(setup.Data)), len(setup.Data), false)
	td.SetPhase(0)
	t.Transactions[0].Toggle = 0
	tds = append(tds, td)

	toggle := uint8(1)
	dataPhase := t.Transactions[1]
	dataDir := dirOut

	if t.Direction == sched.In {
		dataDir = dirIn
	}

	if dataPhase.Length > 0 {
		built, nextToggle, err := q.splitPhase(dataPhase, dataDir, t, toggle, false)
		if err != nil {
			t.Flags.Partial = true
			return tds, nil
		}

		for _, td := range built {
			td.SetPhase(1)
		}

		tds = append(tds, built...)
		toggle = nextToggle
	}

	statusDir := dirIn
	if t.Direction == sched.In {
		statusDir = dirOut
	}

	statusTD, err := q.allocTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	statusTD.Fill(statusDir, 1, true, 0, 0, true)
	statusTD.SetPhase(2)
	t.Transactions[2].Toggle = 1
	tds = append(tds, statusTD)

	return tds, nil
}

func (q *Queue) buildDataPhase(t *usbcore.Transfer, m *usbcore.TransferManager, lowSpeed bool) ([]*TD, error) {
	toggle := m.Toggle(t.Address)
	dir := dirOf(t)

	tds, nextToggle, err := q.splitPhase(t.Transactions[0], dir, t, toggle, t.Direction == sched.Out)
	if err != nil {
		t.Flags.Partial = true
	}

	m.SetToggle(t.Address, nextToggle)

	for _, td := range tds {
		td.SetPhase(0)
	}

	return tds, nil
}

// splitPhase splits phase.SG into TDs bounded by MaxPacketSize and the
// page-length limit, appending a zero-length packet on an exact-multiple
// OUT bulk transfer.
func (q *Queue) splitPhase(phase usbcore.Phase, dir int, t *usbcore.Transfer, toggle uint8, appendZLP bool) ([]*TD, uint8, error) {
	var tds []*TD

	mps := t.MaxPacketSize
	if mps <= 0 {
		mps = 8
	}

	emit := func(addr uint, length int) error {
		td, err := q.allocTD()
		if err != nil {
			return err
		}

		td.Fill(dir, toggle, true, uint32(addr), length, false)
		tds = append(tds, td)
		toggle ^= 1

		return nil
	}

	total := 0

	if phase.SG != nil {
		var walkErr error

		chunk := mps
		if chunk > pageLimit {
			chunk = pageLimit
		}

		phase.SG.Walk(0, 0, chunk, func(addr uint, length int) bool {
			if err := emit(addr, length); err != nil {
				walkErr = err
				return false
			}

			total += length
			return true
		})

		if walkErr != nil {
			return tds, toggle, walkErr
		}
	}

	if appendZLP && total > 0 && total%mps == 0 {
		if err := emit(0, 0); err != nil {
			return tds, toggle, err
		}
	}

	return tds, toggle, nil
}

func (q *Queue) allocTD() (*TD, error) {
	return q.TDs.Allocate()
}

func addrOf(buf []byte) uint {
	if len(buf) == 0 {
		return 0
	}

	return dma.Alloc(buf, 0)
}

// Link implements usbcore.QueueHandler: Control/Bulk EDs splice onto
// their queue's software root breadth chain and the corresponding head
// register is marked dirty for the controller to rewrite; Interrupt and
// Isochronous EDs reserve bandwidth and link into the HCCA tree exactly
// like UHCI's framelist.
func (q *Queue) Link(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	switch t.Kind {
	case sched.Control:
		return q.linkQueue(t, q.controlRoot, &q.ControlDirty)
	case sched.Bulk:
		return q.linkQueue(t, q.bulkRoot, &q.BulkDirty)
	}

	cost := sched.PacketCost(t.Speed, t.Direction, t.Kind, t.MaxPacketSize)

	period, start, mask, err := q.Sched.Reserve(t.Speed, t.IntervalLog2, cost, 1)
	if err != nil {
		return err
	}

	sh := q.Sched.Shadow(t.RootElement)
	sh.Flags |= sched.FlagBandwidth
	sh.Bandwidth = cost
	sh.FrameInterval = period
	sh.StartFrame = start
	sh.FrameMask = mask

	t.Period = period
	t.StartFrame = start
	t.FrameMask = mask

	if err := q.Sched.LinkPeriodic(t.RootElement, start, period); err != nil {
		return err
	}

	q.relinkHCCA(start, period)

	return nil
}

func (q *Queue) linkQueue(t *usbcore.Transfer, root uint16, dirty *bool) error {
	if err := q.Sched.ChainBreadth(root, t.RootElement, sched.NoIndex); err != nil {
		return err
	}

	q.relinkQueue(root)
	*dirty = true

	return nil
}

// Unlink implements usbcore.QueueHandler.
func (q *Queue) Unlink(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	switch t.Kind {
	case sched.Control:
		q.unlinkBreadth(q.controlRoot, t.RootElement)
		q.relinkQueue(q.controlRoot)
		return nil
	case sched.Bulk:
		q.unlinkBreadth(q.bulkRoot, t.RootElement)
		q.relinkQueue(q.bulkRoot)
		return nil
	}

	if err := q.Sched.UnlinkPeriodic(t.RootElement, t.StartFrame, t.Period); err != nil {
		return err
	}

	q.Sched.Free(t.RootElement)
	q.relinkHCCA(t.StartFrame, t.Period)

	return nil
}

func (q *Queue) unlinkBreadth(root, elem uint16) {
	cur := root

	for {
		sh := q.Sched.Shadow(cur)
		if sh == nil {
			return
		}

		if sh.BreadthNext == elem {
			elemSh := q.Sched.Shadow(elem)
			next := uint16(sched.NoIndex)

			if elemSh != nil {
				next = elemSh.BreadthNext
			}

			sh.BreadthNext = next
			return
		}

		if sh.BreadthNext == sched.NoIndex {
			return
		}

		cur = sh.BreadthNext
	}
}

// ControlHeadPhys/BulkHeadPhys return the physical address to be
// programmed into HcControlHeadED/HcBulkHeadED, or 0 if the queue is
// empty.
func (q *Queue) ControlHeadPhys() uint32 { return q.headPhys(q.controlRoot) }
func (q *Queue) BulkHeadPhys() uint32    { return q.headPhys(q.bulkRoot) }

func (q *Queue) headPhys(root uint16) uint32 {
	sh := q.Sched.Shadow(root)
	if sh == nil || sh.BreadthNext == sched.NoIndex {
		return 0
	}

	return edPhysOf(q.EDs, sh.BreadthNext)
}

// relinkQueue rewrites every ED's hardware LinkPointer in root's breadth
// chain to match the current software topology; it never touches the
// root itself (a software-only bookkeeping slot never walked by
// hardware).
func (q *Queue) relinkQueue(root uint16) {
	sh := q.Sched.Shadow(root)
	if sh == nil {
		return
	}

	cur := sh.BreadthNext

	for cur != sched.NoIndex {
		curSh := q.Sched.Shadow(cur)
		if curSh == nil {
			return
		}

		_, slot := sched.DecodeIndex(cur)
		ed := q.EDs.Get(slot)

		if curSh.BreadthNext == sched.NoIndex {
			ed.LinkPointer = 0
		} else {
			ed.LinkPointer = edPhysOf(q.EDs, curSh.BreadthNext)
		}

		ed.Sync(q.Region)
		cur = curSh.BreadthNext
	}
}

// relinkHCCA rewrites the raw HCCA interrupt table mirror for every
// frame touched by a periodic link/unlink, pointing at the Scheduler's
// current per-frame head.
func (q *Queue) relinkHCCA(start, period int) {
	for i := start; i < len(q.hcca); i += period {
		head := q.Sched.FrameHead(i)

		if head == sched.NoIndex {
			q.hcca[i] = linkHalted
		} else {
			q.hcca[i] = edPhysOf(q.EDs, head)
		}

		q.writeHCCAEntry(i)
	}
}
