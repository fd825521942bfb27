// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"testing"
	"unsafe"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

// regionKeepAlive pins every backing buffer handed to dma.NewRegion in a
// hosted test: the region only remembers the buffer's address as a bare
// uint, which is invisible to the garbage collector.
var regionKeepAlive [][]byte

// newTestRegion backs a dma.Region with real, GC-visible memory so that
// Region.Read/Write's unsafe pointer arithmetic targets valid addresses
// under a hosted test build, mirroring how the package is driven on
// tamago with a carved-out physical window.
func newTestRegion(t *testing.T, size int) *dma.Region {
	t.Helper()

	buf := make([]byte, size)
	regionKeepAlive = append(regionKeepAlive, buf)

	addr := uint(uintptr(unsafe.Pointer(&buf[0])))

	r, err := dma.NewRegion(addr, size, false)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	return r
}

func newTestQueue(t *testing.T) (*Queue, *sched.Scheduler) {
	t.Helper()

	region := newTestRegion(t, 1<<20)
	s := sched.NewScheduler(64, 8, 900)
	q := NewQueue(s, region, 32, 8, 16)

	return q, s
}

func TestNewQueueBuildsSelfLoopingReclamationHead(t *testing.T) {
	q, _ := newTestQueue(t)

	head := q.QHs.Get(rootAsync)
	head.Load(q.Region)

	if !head.ReclamationHead() {
		t.Fatalf("reclamation head QH lost H bit after Sync/Load round trip")
	}

	wantLink := uint32(q.QHs.PhysOf(rootAsync)) | linkTypeQH
	if head.LinkPointer != wantLink {
		t.Fatalf("reclamation head LinkPointer = %#x, want self-loop %#x", head.LinkPointer, wantLink)
	}
}

func bulkINTransfer(id uint64, segs []dma.Segment, mps int) *usbcore.Transfer {
	sg := &dma.SgTable{Segments: segs}
	for _, s := range segs {
		sg.Length += s.Len
	}

	return &usbcore.Transfer{
		ID:            id,
		Kind:          sched.Bulk,
		Direction:     sched.In,
		Speed:         sched.High,
		Address:       usbcore.Address{Device: 5, Endpoint: 2},
		MaxPacketSize: mps,
		Transactions:  [3]usbcore.Phase{{SG: sg, Length: sg.Length}},
	}
}

// TestBuildChainSplitsOnSegmentBoundaries submits a multi-page bulk IN
// SG list: each qTD must stay within one SG segment and the last one
// carries IOC.
func TestBuildChainSplitsOnSegmentBoundaries(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	segs := []dma.Segment{
		{Addr: 0x10000000, Len: 4096},
		{Addr: 0x10010000, Len: 8192},
		{Addr: 0x10040000, Len: 8192},
	}

	tr := bulkINTransfer(1, segs, 512)

	if err := q.BuildChain(tr, m); err != nil {
		t.Fatalf("BuildChain: %v", err)
	}

	if tr.ChainLength != len(segs) {
		t.Fatalf("ChainLength = %d, want %d (one qTD per SG segment)", tr.ChainLength, len(segs))
	}

	tds, ok := tr.Priv.([]*QTD)
	if !ok || len(tds) != len(segs) {
		t.Fatalf("Priv = %#v, want %d qTDs", tr.Priv, len(segs))
	}

	for i, td := range tds {
		if td.RequestedLength() != segs[i].Len {
			t.Fatalf("td[%d].RequestedLength() = %d, want %d", i, td.RequestedLength(), segs[i].Len)
		}

		last := i == len(tds)-1
		if (td.Token&tokIOC != 0) != last {
			t.Fatalf("td[%d] IOC = %v, want %v", i, td.Token&tokIOC != 0, last)
		}
	}
}

// TestLinkAsyncClosesHardwareRing submits two bulk transfers and checks
// that relinkAsync wires their QHs into a closed hardware ring anchored
// at the reclamation head.
func TestLinkAsyncClosesHardwareRing(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	segs := []dma.Segment{{Addr: 0x20000000, Len: 64}}

	a := bulkINTransfer(1, segs, 64)
	b := bulkINTransfer(2, segs, 64)
	b.Address.Endpoint = 3

	if err := m.Submit(a); err != nil {
		t.Fatalf("Submit(a): %v", err)
	}

	if err := m.Submit(b); err != nil {
		t.Fatalf("Submit(b): %v", err)
	}

	_, aSlot := sched.DecodeIndex(a.RootElement)
	_, bSlot := sched.DecodeIndex(b.RootElement)

	root := q.QHs.Get(rootAsync)
	root.Load(q.Region)

	bQH := q.QHs.Get(bSlot)
	bQH.Load(q.Region)

	aQH := q.QHs.Get(aSlot)
	aQH.Load(q.Region)

	// ChainBreadth tail-appends onto the root's software chain, so
	// submission order is preserved: root -> a -> b -> root (ring
	// closure).
	if root.LinkPointer != uint32(q.QHs.PhysOf(aSlot))|linkTypeQH {
		t.Fatalf("root.LinkPointer = %#x, want a %#x", root.LinkPointer, q.QHs.PhysOf(aSlot))
	}

	if aQH.LinkPointer != uint32(q.QHs.PhysOf(bSlot))|linkTypeQH {
		t.Fatalf("a.LinkPointer = %#x, want b %#x", aQH.LinkPointer, q.QHs.PhysOf(bSlot))
	}

	if bQH.LinkPointer != uint32(q.QHs.PhysOf(rootAsync))|linkTypeQH {
		t.Fatalf("b.LinkPointer = %#x, want root %#x (ring closure)", bQH.LinkPointer, q.QHs.PhysOf(rootAsync))
	}
}

// TestScanQTDShortPacketResyncsToggle exercises the OHCI/UHCI-mirrored
// short-packet path: a qTD completes with fewer bytes than requested and
// no error status, so the transfer must retire Short with the toggle
// resynced to the qTD's own (flipped) toggle.
func TestScanQTDShortPacketResyncsToggle(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	tr := &usbcore.Transfer{
		ID:            1,
		Kind:          sched.Bulk,
		Direction:     sched.In,
		Address:       usbcore.Address{Device: 5, Endpoint: 2},
		ElementsTotal: 2,
	}

	td, err := q.QTDs.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	td.Fill(pidIn, 0, 3, 0, 1024, false)
	// Hardware reports completion (Active clear) with only 512 of the
	// 1024 requested bytes moved.
	td.Token = (td.Token &^ stActive &^ (uint32(tokLenMask) << tokLenShift)) | (512 << tokLenShift)
	td.Sync(q.Region)

	result := q.scanQTD(td, tr, m)

	if result != usbcore.Remove {
		t.Fatalf("scanQTD result = %v, want Remove", result)
	}

	if !tr.Flags.Short || tr.Status != sched.StatusShort {
		t.Fatalf("Flags.Short = %v, Status = %v, want Short/StatusShort", tr.Flags.Short, tr.Status)
	}

	if tr.BytesTransferred[0] != 512 {
		t.Fatalf("BytesTransferred[0] = %d, want 512", tr.BytesTransferred[0])
	}

	if got := m.Toggle(tr.Address); got != td.Toggle()^1 {
		t.Fatalf("resynced toggle = %d, want %d", got, td.Toggle()^1)
	}
}
