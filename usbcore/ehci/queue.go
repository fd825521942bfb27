// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"encoding/binary"
	"fmt"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

const (
	poolQTD sched.PoolIndex = 0
	poolQH  sched.PoolIndex = 1
	poolITD sched.PoolIndex = 2
)

// rootAsync is the reserved QH pool slot hosting the async reclamation
// head.
const rootAsync = 0

// Queue is the EHCI implementation of usbcore.QueueHandler: it owns the
// qTD/QH/iTD pools, the async reclamation ring and the periodic
// framelist.
type Queue struct {
	Region *dma.Region
	QTDs   *sched.DescriptorPool[*QTD]
	QHs    *sched.DescriptorPool[*QH]
	ITDs   *sched.DescriptorPool[*ITD]
	Sched  *sched.Scheduler

	framelist     []uint32 // periodic framelist mirror, FrameCount entries
	framelistAddr uint     // physical address of the DMA-backed framelist

	asyncRoot uint16

	// AsyncAdvanceDoorbell is raised whenever Unlink removes a QH from
	// the async ring: the controller must ring the async-advance
	// doorbell and wait for the interrupt before the manager may call
	// ProcessElement(Cleanup, ...) on the unlinked chain, since hardware
	// may still be mid-fetch.
	AsyncAdvanceDoorbell bool
}

// NewQueue builds the qTD/QH/iTD pools and the async reclamation head.
func NewQueue(s *sched.Scheduler, region *dma.Region, qtdCapacity, qhCapacity, itdCapacity int) *Queue {
	qtds := sched.NewDescriptorPool[*QTD](poolQTD, region, qtdCapacity, qtdSize, 32, 0, func(addr uint) *QTD {
		return NewQTD(addr)
	})

	qhs := sched.NewDescriptorPool[*QH](poolQH, region, qhCapacity, qhSize, 32, 1, func(addr uint) *QH {
		return NewQH(addr)
	})

	itds := sched.NewDescriptorPool[*ITD](poolITD, region, itdCapacity, itdSize, 32, 0, func(addr uint) *ITD {
		return NewITD(addr)
	})

	s.RegisterPool(poolQTD, qtds)
	s.RegisterPool(poolQH, qhs)
	s.RegisterPool(poolITD, itds)

	flAddr, _ := region.Reserve(s.FrameCount()*4, 4096)

	q := &Queue{
		Region:        region,
		QTDs:          qtds,
		QHs:           qhs,
		ITDs:          itds,
		Sched:         s,
		framelist:     make([]uint32, s.FrameCount()),
		framelistAddr: flAddr,
		asyncRoot:     sched.EncodeIndex(poolQH, rootAsync),
	}

	head := qhs.Get(rootAsync)
	head.SetReclamationHead(true)
	head.SetLink(qhPhys(qhs, rootAsync))
	head.Sync(region)

	for i := range q.framelist {
		q.framelist[i] = linkTerminate
		q.writeFrame(i)
	}

	return q
}

// Framelist returns the periodic framelist mirror.
func (q *Queue) Framelist() []uint32 { return q.framelist }

// FramelistAddr returns the physical address of the DMA-backed periodic
// framelist the controller's PERIODICLISTBASE register should point at.
func (q *Queue) FramelistAddr() uint { return q.framelistAddr }

// writeFrame publishes one framelist entry to the DMA-backed table the
// controller walks.
func (q *Queue) writeFrame(i int) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], q.framelist[i])
	q.Region.Write(q.framelistAddr, i*4, b[:])
}

func qhPhys(pool *sched.DescriptorPool[*QH], slot uint16) uint32 { return uint32(pool.PhysOf(slot)) }

func qhSlotOf(h *QH) uint16 {
	_, slot := sched.DecodeIndex(h.Shadow().Index)
	return slot
}

func qtdSlotOf(t *QTD) uint16 {
	_, slot := sched.DecodeIndex(t.Shadow().Index)
	return slot
}

func itdSlotOf(i *ITD) uint16 {
	_, slot := sched.DecodeIndex(i.Shadow().Index)
	return slot
}

// BuildChain implements usbcore.QueueHandler.
func (q *Queue) BuildChain(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	if t.Kind == sched.Isochronous && t.Speed == sched.High {
		return q.buildISO(t, m)
	}

	qh, err := q.QHs.Allocate()
	if err != nil {
		return fmt.Errorf("ehci: %w", err)
	}

	speed := SpeedHigh
	switch t.Speed {
	case sched.Low:
		speed = SpeedLow
	case sched.Full:
		speed = SpeedFull
	}

	qh.Fill(t.Address.Device, t.Address.Endpoint, speed, t.MaxPacketSize, true, 3)

	if speed != SpeedHigh {
		qh.FillSchedule(0x01, 0xfc, t.Address.Hub, t.Address.Port, 1)
	}

	var tds []*QTD

	if t.Kind == sched.Control {
		tds, err = q.buildControl(t)
	} else {
		tds, err = q.buildDataPhase(t, m)
	}

	if err != nil {
		q.QHs.Free(qhSlotOf(qh))
		return err
	}

	if len(tds) == 0 {
		q.QHs.Free(qhSlotOf(qh))
		return fmt.Errorf("ehci: no descriptors built for transfer %d", t.ID)
	}

	firstIdx := q.QTDs.IndexOf(qtdSlotOf(tds[0]))

	prev := tds[0]
	for _, td := range tds[1:] {
		if err := q.Sched.ChainDepth(firstIdx, q.QTDs.IndexOf(qtdSlotOf(td)), sched.NoIndex); err != nil {
			return fmt.Errorf("ehci: chain: %w", err)
		}

		prev.Link = uint32(td.Addr())
		prev.Sync(q.Region)
		prev = td
	}

	prev.Link = linkTerminate
	prev.Sync(q.Region)

	qh.LoadOverlayFrom(tds[0])
	qh.Current = uint32(tds[0].Addr())
	qh.Sync(q.Region)

	qhIdx := qh.Shadow().Index
	qh.Shadow().DepthNext = firstIdx

	t.RootElement = qhIdx
	t.ChainLength = len(tds)
	t.ElementsTotal = len(tds)
	t.Priv = tds

	return nil
}

func dirOf(t *usbcore.Transfer) uint8 {
	if t.Direction == sched.Out {
		return pidOut
	}

	return pidIn
}

// buildControl mirrors UHCI/OHCI's SETUP/DATA/STATUS chain, with
// per-qTD toggles since EPChar.DTC delegates toggle ownership to the
// qTD rather than the QH.
func (q *Queue) buildControl(t *usbcore.Transfer) ([]*QTD, error) {
	var tds []*QTD

	setup := t.Transactions[0]

	td, err := q.allocQTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	td.Fill(pidSetup, 0, 3, uint32(addrOf(setup.Data)), len(setup.Data), false)
	td.SetPhase(0)
	t.Transactions[0].Toggle = 0
	tds = append(tds, td)

	toggle := uint8(1)
	dataPhase := t.Transactions[1]
	dataPID := uint8(pidOut)

	if t.Direction == sched.In {
		dataPID = pidIn
	}

	if dataPhase.Length > 0 {
		built, nextToggle, err := q.splitPhase(dataPhase, dataPID, t, toggle, false)
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

	statusPID := uint8(pidIn)
	if t.Direction == sched.In {
		statusPID = pidOut
	}

	statusTD, err := q.allocQTD()
	if err != nil {
		t.Flags.Partial = true
		return tds, nil
	}

	statusTD.Fill(statusPID, 1, 3, 0, 0, true)
	statusTD.SetPhase(2)
	t.Transactions[2].Toggle = 1
	tds = append(tds, statusTD)

	return tds, nil
}

func (q *Queue) buildDataPhase(t *usbcore.Transfer, m *usbcore.TransferManager) ([]*QTD, error) {
	toggle := m.Toggle(t.Address)
	pid := dirOf(t)

	tds, nextToggle, err := q.splitPhase(t.Transactions[0], pid, t, toggle, t.Direction == sched.Out)
	if err != nil {
		t.Flags.Partial = true
	}

	m.SetToggle(t.Address, nextToggle)

	for _, td := range tds {
		td.SetPhase(0)
	}

	return tds, nil
}

// splitPhase splits phase.SG into qTDs bounded by MaxTransferBytes (5
// buffer pages), appending a zero-length packet on an exact-multiple
// OUT bulk transfer.
func (q *Queue) splitPhase(phase usbcore.Phase, pid uint8, t *usbcore.Transfer, toggle uint8, appendZLP bool) ([]*QTD, uint8, error) {
	var tds []*QTD

	mps := t.MaxPacketSize
	if mps <= 0 {
		mps = 8
	}

	emit := func(addr uint, length int) error {
		td, err := q.allocQTD()
		if err != nil {
			return err
		}

		td.Fill(pid, toggle, 3, uint32(addr), length, false)
		tds = append(tds, td)
		toggle ^= 1

		return nil
	}

	total := 0

	if phase.SG != nil {
		var walkErr error

		phase.SG.Walk(0, 0, MaxTransferBytes, func(addr uint, length int) bool {
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

	if len(tds) > 0 {
		tds[len(tds)-1].Fill(pid, tds[len(tds)-1].Toggle(), 3, tds[len(tds)-1].Buffers[0], tds[len(tds)-1].length, true)
	}

	return tds, toggle, nil
}

func (q *Queue) allocQTD() (*QTD, error) {
	return q.QTDs.Allocate()
}

func addrOf(buf []byte) uint {
	if len(buf) == 0 {
		return 0
	}

	return dma.Alloc(buf, 0)
}

// buildISO builds one iTD per 8-microframe window needed to cover the
// transfer's data.
func (q *Queue) buildISO(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	mps := t.MaxPacketSize
	if mps <= 0 {
		mps = 1
	}

	phase := t.Transactions[0]
	if phase.SG == nil {
		return fmt.Errorf("ehci: isochronous transfer %d has no data", t.ID)
	}

	var itds []*ITD

	windowStart := 0
	var cur *ITD
	n := 0

	flush := func() {
		if cur != nil {
			itds = append(itds, cur)
		}

		cur = nil
		n = 0
	}

	var walkErr error

	phase.SG.Walk(0, 0, mps, func(addr uint, length int) bool {
		if cur == nil {
			td, err := q.ITDs.Allocate()
			if err != nil {
				walkErr = err
				return false
			}

			td.FillIdentity(t.Address.Device, t.Address.Endpoint, t.Direction == sched.In, mps, 1)
			td.SetPhase(windowStart)
			cur = td
		}

		cur.FillTransaction(n, 0, uint16(addr&0xfff), length, n == 7)
		n++
		windowStart++

		if n == 8 {
			flush()
		}

		return true
	})

	flush()

	if walkErr != nil {
		return walkErr
	}

	if len(itds) == 0 {
		return fmt.Errorf("ehci: no descriptors built for transfer %d", t.ID)
	}

	first := itds[0]
	firstIdx := q.ITDs.IndexOf(itdSlotOf(first))

	prev := first
	for _, td := range itds[1:] {
		if err := q.Sched.ChainDepth(firstIdx, q.ITDs.IndexOf(itdSlotOf(td)), sched.NoIndex); err != nil {
			return fmt.Errorf("ehci: chain: %w", err)
		}

		prev.Link = uint32(td.Addr()) | linkTypeITD
		prev.Sync(q.Region)
		prev = td
	}

	prev.Link = linkTerminate
	prev.Sync(q.Region)

	t.RootElement = firstIdx
	t.ChainLength = len(itds)
	t.ElementsTotal = windowStart // total microframe transactions across all iTDs
	t.Priv = itds

	return nil
}

// Link implements usbcore.QueueHandler: Control/Bulk QHs splice onto the
// async reclamation ring; Interrupt QHs and Isochronous iTD chains
// reserve (micro-frame) bandwidth and link into the periodic framelist.
func (q *Queue) Link(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	if t.Kind == sched.Control || t.Kind == sched.Bulk {
		return q.linkAsync(t)
	}

	cost := sched.PacketCost(t.Speed, t.Direction, t.Kind, t.MaxPacketSize)
	txPerInterval := 1

	if t.Kind == sched.Isochronous && t.Speed == sched.High && t.ChainLength > 0 {
		txPerInterval = (t.ElementsTotal + t.ChainLength - 1) / t.ChainLength
		if txPerInterval < 1 {
			txPerInterval = 1
		}

		if txPerInterval > 7 {
			txPerInterval = 7
		}
	}

	period, start, mask, err := q.Sched.Reserve(t.Speed, t.IntervalLog2, cost, txPerInterval)
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

	q.relinkFramelist(start, period)

	return nil
}

func (q *Queue) linkAsync(t *usbcore.Transfer) error {
	if err := q.Sched.ChainBreadth(q.asyncRoot, t.RootElement, sched.NoIndex); err != nil {
		return err
	}

	q.relinkAsync()

	return nil
}

// Unlink implements usbcore.QueueHandler.
func (q *Queue) Unlink(t *usbcore.Transfer, m *usbcore.TransferManager) error {
	if t.Kind == sched.Control || t.Kind == sched.Bulk {
		q.unlinkBreadth(q.asyncRoot, t.RootElement)
		q.relinkAsync()
		q.AsyncAdvanceDoorbell = true

		return nil
	}

	if err := q.Sched.UnlinkPeriodic(t.RootElement, t.StartFrame, t.Period); err != nil {
		return err
	}

	q.Sched.Free(t.RootElement)
	q.relinkFramelist(t.StartFrame, t.Period)

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

// relinkAsync rewrites every QH's hardware LinkPointer in the async
// ring to match the current software topology, closing the ring back
// on the reclamation head.
func (q *Queue) relinkAsync() {
	sh := q.Sched.Shadow(q.asyncRoot)
	if sh == nil {
		return
	}

	cur := q.asyncRoot
	curSh := sh

	for {
		next := curSh.BreadthNext
		if next == sched.NoIndex {
			next = q.asyncRoot
		}

		_, slot := sched.DecodeIndex(cur)
		_, nextSlot := sched.DecodeIndex(next)

		qh := q.QHs.Get(slot)
		qh.SetLink(qhPhys(q.QHs, nextSlot))
		qh.Sync(q.Region)

		if next == q.asyncRoot {
			return
		}

		nextSh := q.Sched.Shadow(next)
		if nextSh == nil {
			return
		}

		cur = next
		curSh = nextSh
	}
}

// relinkFramelist rewrites the raw periodic framelist mirror for every
// frame touched by a periodic link/unlink, pointing at the Scheduler's
// current per-frame head.
func (q *Queue) relinkFramelist(start, period int) {
	for i := start; i < len(q.framelist); i += period {
		head := q.Sched.FrameHead(i)

		if head == sched.NoIndex {
			q.framelist[i] = linkTerminate
			q.writeFrame(i)
			continue
		}

		pool, slot := sched.DecodeIndex(head)

		switch pool {
		case poolQH:
			q.framelist[i] = qhPhys(q.QHs, slot) | linkTypeQH
		case poolITD:
			q.framelist[i] = uint32(q.ITDs.PhysOf(slot)) | linkTypeITD
		default:
			q.framelist[i] = linkTerminate
		}

		q.writeFrame(i)
	}
}
