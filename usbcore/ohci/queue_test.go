// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ohci

import (
	"sync"
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

var globalDMAOnce sync.Once

// initGlobalDMA backs the package-global dma region with GC-visible
// memory so that addrOf's dma.Alloc of client setup packets works under
// a hosted test build.
func initGlobalDMA() {
	globalDMAOnce.Do(func() {
		buf := make([]byte, 1<<16)
		regionKeepAlive = append(regionKeepAlive, buf)
		dma.Init(uint(uintptr(unsafe.Pointer(&buf[0]))), uint(len(buf)))
	})
}

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

	initGlobalDMA()

	region := newTestRegion(t, 1<<20)
	s := sched.NewScheduler(NumQueues, 1, 900)
	q := NewQueue(s, region, 32, 8)

	return q, s
}

func sgOf(t *testing.T, segs ...dma.Segment) *dma.SgTable {
	t.Helper()

	sg, err := dma.FromSegments(segs)
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}

	return sg
}

func bulkIN(addr usbcore.Address, sg *dma.SgTable, mps int) *usbcore.Transfer {
	return &usbcore.Transfer{
		Kind:          sched.Bulk,
		Direction:     sched.In,
		Speed:         sched.Full,
		Address:       addr,
		MaxPacketSize: mps,
		Transactions:  [3]usbcore.Phase{{SG: sg, Length: sg.Length}},
	}
}

// retireTD simulates the controller retiring a TD with condition code 0
// and cbp bytes left unwritten (cbp == 0 means the whole buffer moved).
func retireTD(q *Queue, td *TD, cbp uint32) {
	td.Flags &^= 0xf << tdCCShift
	td.Cbp = cbp
	td.Sync(q.Region)
}

// TestShortPacketCancelsTrailAndResyncsToggle submits a bulk IN
// requesting 1024 B over three TDs where the device returns
// 512 B total, short on TD #2. The transfer must report Short with 512
// bytes accounted, TD #3 must stay untouched (cancelled, not re-armed),
// and every other transfer on the endpoint must have its toggles
// rewritten to the resynced value.
func TestShortPacketCancelsTrailAndResyncsToggle(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	addr := usbcore.Address{Device: 3, Endpoint: 1}

	segs := []dma.Segment{
		{Addr: 0x20000000, Len: 384},
		{Addr: 0x20001000, Len: 384},
		{Addr: 0x20002000, Len: 256},
	}

	tr := bulkIN(addr, sgOf(t, segs...), 512)

	if err := m.Submit(tr); err != nil {
		t.Fatalf("Submit(tr): %v", err)
	}

	sibling := bulkIN(addr, sgOf(t, dma.Segment{Addr: 0x20003000, Len: 256}), 512)

	if err := m.Submit(sibling); err != nil {
		t.Fatalf("Submit(sibling): %v", err)
	}

	tds, ok := tr.Priv.([]*TD)
	if !ok || len(tds) != 3 {
		t.Fatalf("Priv = %#v, want 3 TDs", tr.Priv)
	}

	// TD #1 completes in full (Cbp zeroed by hardware), TD #2 ends short
	// after 128 of its 384 bytes, TD #3 is never reached.
	retireTD(q, tds[0], 0)
	retireTD(q, tds[1], uint32(segs[1].Addr)+128)

	m.ScanAll()

	if !tr.Flags.Short || tr.Status != sched.StatusShort {
		t.Fatalf("Flags.Short = %v, Status = %v, want Short/StatusShort", tr.Flags.Short, tr.Status)
	}

	if got := tr.TotalBytesTransferred(); got != 512 {
		t.Fatalf("TotalBytesTransferred = %d, want 512", got)
	}

	// The short TD carried toggle 1, so the endpoint resyncs to 0.
	if got := m.Toggle(addr); got != 0 {
		t.Fatalf("resynced toggle = %d, want 0", got)
	}

	td3 := tds[2]
	td3.Load(q.Region)

	if !td3.Active() {
		t.Fatalf("TD #3 was retired/re-armed, want cancelled (still CC_INIT)")
	}

	sibTDs, ok := sibling.Priv.([]*TD)
	if !ok || len(sibTDs) != 1 {
		t.Fatalf("sibling.Priv = %#v, want 1 TD", sibling.Priv)
	}

	sibTDs[0].Load(q.Region)

	if got := sibTDs[0].Toggle(); got != 0 {
		t.Fatalf("sibling toggle = %d, want resynced 0", got)
	}
}

// TestControlChainTogglesAndHeadRegister checks the control SETUP/DATA/
// STATUS toggle rules and that linking a control transfer marks the
// HcControlHeadED register dirty with the ED's physical address.
func TestControlChainTogglesAndHeadRegister(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	setup := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x08, 0x00}

	tr := &usbcore.Transfer{
		Kind:          sched.Control,
		Direction:     sched.In,
		Speed:         sched.Full,
		Address:       usbcore.Address{Device: 1, Endpoint: 0},
		MaxPacketSize: 8,
		Transactions: [3]usbcore.Phase{
			{Data: setup, Length: len(setup)},
			{SG: sgOf(t, dma.Segment{Addr: 0x20004000, Len: 8}), Length: 8},
			{},
		},
	}

	if err := m.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tds, ok := tr.Priv.([]*TD)
	if !ok || len(tds) != 3 {
		t.Fatalf("Priv = %#v, want 3 TDs", tr.Priv)
	}

	wantToggles := []uint8{0, 1, 1}
	for i, td := range tds {
		if td.Flags&tdToggleSet == 0 {
			t.Fatalf("td[%d] does not override the ED toggle carry", i)
		}

		if td.Toggle() != wantToggles[i] {
			t.Fatalf("td[%d].Toggle() = %d, want %d", i, td.Toggle(), wantToggles[i])
		}
	}

	if !q.ControlDirty {
		t.Fatalf("ControlDirty not set after control link")
	}

	_, slot := sched.DecodeIndex(tr.RootElement)

	if got := q.ControlHeadPhys(); got != uint32(q.EDs.PhysOf(slot)) {
		t.Fatalf("ControlHeadPhys = %#x, want %#x", got, q.EDs.PhysOf(slot))
	}
}

// TestLinkPeriodicRewritesHCCA submits an interrupt IN and checks every
// HCCA interrupt-table entry of its committed period points at the
// transfer's ED.
func TestLinkPeriodicRewritesHCCA(t *testing.T) {
	q, s := newTestQueue(t)
	m := usbcore.NewTransferManager(s, q, func(*usbcore.Transfer) {})

	tr := &usbcore.Transfer{
		Kind:          sched.Interrupt,
		Direction:     sched.In,
		Speed:         sched.Full,
		Address:       usbcore.Address{Device: 2, Endpoint: 2},
		MaxPacketSize: 8,
		IntervalLog2:  8,
		Transactions: [3]usbcore.Phase{
			{SG: sgOf(t, dma.Segment{Addr: 0x20005000, Len: 8}), Length: 8},
		},
	}

	if err := m.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if tr.Period != 8 {
		t.Fatalf("Period = %d, want 8", tr.Period)
	}

	_, slot := sched.DecodeIndex(tr.RootElement)
	want := uint32(q.EDs.PhysOf(slot))

	hcca := q.HCCA()
	for i := tr.StartFrame; i < len(hcca); i += tr.Period {
		if hcca[i] != want {
			t.Fatalf("hcca[%d] = %#x, want %#x", i, hcca[i], want)
		}
	}
}
