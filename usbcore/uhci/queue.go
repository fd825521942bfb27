// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"encoding/binary"
	"fmt"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

// poolTD/poolQH are the two sched.PoolIndex values this family registers
// with the Scheduler.
const (
	poolTD sched.PoolIndex = 0
	poolQH sched.PoolIndex = 1
)

const pageLimit = 0x1000 // a TD buffer pointer may not cross a 4 KiB page

// Queue is the UHCI implementation of usbcore.QueueHandler: it owns the
// TD/QH pools, the hardware framelist mirror, and the async anchor QH.
type Queue struct {
	Region *dma.Region
	TDs    *sched.DescriptorPool[*TD]
	QHs    *sched.DescriptorPool[*QH]
	Sched  *sched.Scheduler

	frameList     []uint32 // 1024 (or frameCount) raw hardware link dwords
	frameListAddr uint     // physical address of the DMA-backed framelist
	asyncIdx      uint16   // encoded index of the reserved async anchor QH
}

// NewQueue builds the TD/QH pools and reserves the async anchor QH
// (reserved slot 0 of the QH pool).
func NewQueue(s *sched.Scheduler, region *dma.Region, tdCapacity, qhCapacity int) *Queue {
	tds := sched.NewDescriptorPool[*TD](poolTD, region, tdCapacity, tdSize, 16, 0, func(addr uint) *TD {
		return NewTD(addr)
	})

	qhs := sched.NewDescriptorPool[*QH](poolQH, region, qhCapacity, qhSize, 16, 1, func(addr uint) *QH {
		return NewQH(addr)
	})

	s.RegisterPool(poolTD, tds)
	s.RegisterPool(poolQH, qhs)

	flAddr, _ := region.Reserve(s.FrameCount()*4, 4096)

	q := &Queue{
		Region:        region,
		TDs:           tds,
		QHs:           qhs,
		Sched:         s,
		frameList:     make([]uint32, s.FrameCount()),
		frameListAddr: flAddr,
		asyncIdx:      sched.EncodeIndex(poolQH, 0),
	}

	anchor := qhs.Get(0)
	anchor.Sync(region)

	for i := range q.frameList {
		q.frameList[i] = linkTerminate
		q.writeFrame(i)
	}

	return q
}

// FrameList returns the framelist mirror.
func (q *Queue) FrameList() []uint32 {
	return q.frameList
}

// FrameListAddr returns the physical address of the DMA-backed framelist
// the controller's FRBASEADDR register should point at.
func (q *Queue) FrameListAddr() uint {
	return q.frameListAddr
}

// writeFrame publishes one framelist entry to the DMA-backed table the
// controller walks.
func (q *Queue) writeFrame(i int) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], q.frameList[i])
	q.Region.Write(q.frameListAddr, i*4, b[:])
}

func physLink(addr uint, asQH bool) uint32 {
	v := uint32(addr)

	if asQH {
		v |= linkQH
	}

	return v
}

// BuildChain implements usbcore.QueueHandler.
func (q *Queue) BuildChain(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	qh, err := q.QHs.Allocate()
	if err != nil {
		return fmt.Errorf("uhci: %w", err)
	}

	lowSpeed := t.Speed == sched.Low

	var tds []*TD

	switch t.Kind {
	case sched.Control:
		tds, err = q.buildControl(t, lowSpeed)
	default:
		tds, err = q.buildBulkOrInterrupt(t, m, lowSpeed)
	}

	if err != nil {
		q.QHs.Free(qhSlot(qh))
		return err
	}

	if len(tds) == 0 {
		q.QHs.Free(qhSlot(qh))
		return fmt.Errorf("uhci: no descriptors built for transfer %d", t.ID)
	}

	qhIdx := qh.Shadow().Index
	qh.SetElement(uint32(tds[0].Addr()))

	firstIdx := q.TDs.IndexOf(tdSlotOf(tds[0]))
	qh.Shadow().DepthNext = firstIdx

	prev := tds[0]
	for _, td := range tds[1:] {
		if err := q.Sched.ChainDepth(firstIdx, q.TDs.IndexOf(tdSlotOf(td)), sched.NoIndex); err != nil {
			return fmt.Errorf("uhci: chain: %w", err)
		}

		prev.Link = physLink(td.Addr(), false) | linkDepth
		prev.Sync(q.Region)
		prev = td
	}

	prev.Link = linkTerminate
	prev.Sync(q.Region)
	qh.Sync(q.Region)

	t.RootElement = qhIdx
	t.ChainLength = len(tds)
	t.ElementsTotal = len(tds)
	t.Priv = tds

	return nil
}

func qhSlot(qh *QH) uint16 {
	_, slot := sched.DecodeIndex(qh.Shadow().Index)
	return slot
}

func tdSlotOf(td *TD) uint16 {
	_, slot := sched.DecodeIndex(td.Shadow().Index)
	return slot
}

// buildControl builds a control transfer's SETUP/DATA/STATUS chain:
// SETUP always toggle 0, DATA phase alternates from toggle 1, STATUS
// (ACK) stage forced to toggle 1.
func (q *Queue) buildControl(t *usbcore.Transfer, lowSpeed bool) ([]*TD, error) {
	var tds []*TD

	setup := t.Transactions[0]
	td, err := q.allocTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	td.Fill(pidSetup, t.Address.Device, t.Address.Endpoint, 0, lowSpeed, len(setup.Data), uint32(addrOf(setup.Data)), false)
	td.SetPhase(0)
	t.Transactions[0].Toggle = 0
	tds = append(tds, td)

	toggle := uint8(1)
	dataPhase := t.Transactions[1]
	dataPID := uint8(pidIn)
	if t.Direction == sched.Out {
		dataPID = pidOut
	}

	if dataPhase.Length > 0 {
		built, nextToggle, err := q.buildDataPhase(dataPhase, dataPID, t, lowSpeed, toggle, false)
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

	statusPID := uint8(pidOut)
	if t.Direction == sched.Out {
		statusPID = pidIn
	}

	statusTD, err := q.allocTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	statusTD.Fill(statusPID, t.Address.Device, t.Address.Endpoint, 1, lowSpeed, 0, 0, true)
	statusTD.SetPhase(2)
	t.Transactions[2].Toggle = 1
	tds = append(tds, statusTD)

	return tds, nil
}

func (q *Queue) buildBulkOrInterrupt(t *usbcore.Transfer, m *usbcore.TransferManager, lowSpeed bool) ([]*TD, error) {
	toggle := m.Toggle(t.Address)
	pid := uint8(pidIn)
	if t.Direction == sched.Out {
		pid = pidOut
	}

	tds, nextToggle, err := q.buildDataPhase(t.Transactions[0], pid, t, lowSpeed, toggle, t.Direction == sched.Out)
	if err != nil {
		t.Flags.Partial = true
	}

	m.SetToggle(t.Address, nextToggle)

	return tds, nil
}

// buildDataPhase splits phase.SG into TDs bounded by MaxPacketSize and
// the 0x1000 page-length limit, appending a zero-length packet when
// appendZLP is requested and the total length is an exact multiple of
// MaxPacketSize.
func (q *Queue) buildDataPhase(phase usbcore.Phase, pid uint8, t *usbcore.Transfer, lowSpeed bool, toggle uint8, appendZLP bool) ([]*TD, uint8, error) {
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

		td.Fill(pid, t.Address.Device, t.Address.Endpoint, toggle, lowSpeed, length, uint32(addr), false)
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

	if len(tds) > 0 {
		tds[len(tds)-1].CS |= csIOC
	}

	if appendZLP && total > 0 && total%mps == 0 {
		if err := emit(0, 0); err != nil {
			return tds, toggle, err
		}

		tds[len(tds)-1].CS |= csIOC
		tds[len(tds)-2].CS &^= csIOC
	}

	return tds, toggle, nil
}

func (q *Queue) allocTD() (*TD, error) {
	return q.TDs.Allocate()
}

// addrOf returns the physical address of a client setup/data buffer,
// allocating it into the DMA region if it was not already DMA-backed.
func addrOf(buf []byte) uint {
	if len(buf) == 0 {
		return 0
	}

	return dma.Alloc(buf, 0)
}

// Link implements usbcore.QueueHandler: async transfers splice their QH
// onto the reclamation queue's breadth chain; periodic transfers reserve
// bandwidth and link via sched.Scheduler.LinkPeriodic, then the raw
// framelist mirror is rewritten to match.
func (q *Queue) Link(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	if !t.IsPeriodic() {
		if err := q.Sched.ChainBreadth(q.asyncIdx, t.RootElement, sched.NoIndex); err != nil {
			return err
		}

		q.relinkAsync()
		return nil
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

	q.relinkFrames(start, period)

	return nil
}

// Unlink implements usbcore.QueueHandler.
func (q *Queue) Unlink(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	if !t.IsPeriodic() {
		q.unlinkBreadth(q.asyncIdx, t.RootElement)
		q.relinkAsync()
		return nil
	}

	if err := q.Sched.UnlinkPeriodic(t.RootElement, t.StartFrame, t.Period); err != nil {
		return err
	}

	q.Sched.Free(t.RootElement)
	q.relinkFrames(t.StartFrame, t.Period)

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

		if sh.BreadthNext == sched.NoIndex || sh.BreadthNext == root {
			return
		}

		cur = sh.BreadthNext
	}
}

// relinkAsync rewrites the async anchor's hardware Head link and every
// QH in its breadth chain to match the current software BreadthNext
// topology.
func (q *Queue) relinkAsync() {
	anchor := q.QHs.Get(0)
	cur := q.asyncIdx
	anchorQH := anchor

	for {
		sh := q.Sched.Shadow(cur)
		if sh == nil {
			return
		}

		var qh *QH
		if cur == q.asyncIdx {
			qh = anchorQH
		} else {
			_, slot := sched.DecodeIndex(cur)
			qh = q.QHs.Get(slot)
		}

		if sh.BreadthNext == sched.NoIndex {
			qh.Head = linkTerminate
		} else {
			_, nslot := sched.DecodeIndex(sh.BreadthNext)
			qh.Head = physLink(q.QHs.PhysOf(nslot), true)
		}

		qh.Sync(q.Region)

		if sh.BreadthNext == sched.NoIndex || sh.BreadthNext == q.asyncIdx {
			return
		}

		cur = sh.BreadthNext
	}
}

// relinkFrames rewrites the raw hardware framelist entries for every
// frame in [start, frameCount) stepping by period, to match the
// Scheduler's current per-frame head.
func (q *Queue) relinkFrames(start, period int) {
	for i := start; i < len(q.frameList); i += period {
		head := q.Sched.FrameHead(i)

		if head == sched.NoIndex {
			q.frameList[i] = linkTerminate
		} else {
			_, slot := sched.DecodeIndex(head)
			q.frameList[i] = physLink(q.QHs.PhysOf(slot), true)
		}

		q.writeFrame(i)
	}
}
