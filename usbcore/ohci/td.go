// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ohci implements the OHCI family queue module: ED/TD hardware
// descriptor layouts (OHCI rel 1.0a §4) and the usbcore.QueueHandler
// surface over them. Periodic EDs hang off the 32-entry HCCA interrupt
// table; control and bulk EDs are head-pointed from dedicated HC
// registers.
package ohci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// Link bits shared by ED.LinkPointer/EndPointer/Current and TD.Link.
const (
	linkHalted = 1 << 0
	linkCarry  = 1 << 1
)

// Direction codes packed into ED.Flags bits 11-12.
const (
	dirTD  = 0 // direction left to the TD
	dirOut = 1
	dirIn  = 2
)

// TD is the 16-byte OHCI General Transfer Descriptor.
type TD struct {
	Flags     uint32
	Cbp       uint32 // current buffer pointer, physical
	Link      uint32
	BufferEnd uint32 // physical address of last byte of buffer

	shadow sched.SchedulerObject
	addr   uint

	length int // software-only: requested byte count, for short-packet detection
	phase  int

	// origFlags/origCbp/origBufferEnd mirror the source's "OriginalFlags"/
	// "OriginalCbp" shadow copies, restored by Reset on a periodic
	// restart so the TD is re-armed with its initial buffer pointer
	// rather than wherever Cbp was left after the prior completion.
	origFlags     uint32
	origCbp       uint32
	origBufferEnd uint32
}

const tdSize = 16

// Flags bit positions.
const (
	tdShortOK   = 1 << 18
	tdDirShift  = 19
	tdDirMask   = 0x3
	tdIOCMask   = 0x7 << 21
	tdIOCNone   = 0x7 << 21
	tdToggle    = 1 << 24
	tdToggleSet = 1 << 25
	tdErrShift  = 26
	tdCCShift   = 28
)

func NewTD(addr uint) *TD {
	return &TD{addr: addr}
}

func (t *TD) Shadow() *sched.SchedulerObject { return &t.shadow }
func (t *TD) Addr() uint                     { return t.addr }
func (t *TD) Phase() int                     { return t.phase }
func (t *TD) SetPhase(p int)                 { t.phase = p }

// Fill programs a TD for one data-phase transaction. dir is dirTD (SETUP),
// dirOut or dirIn. toggle is only honored when useLocalToggle is true
// (spec's per-TD toggle override); otherwise the ED's own toggle carry is
// used by the controller.
func (t *TD) Fill(dir int, toggle uint8, useLocalToggle bool, buf uint32, length int, ioc bool) {
	flags := uint32(dir&tdDirMask) << tdDirShift
	flags |= tdShortOK

	if useLocalToggle {
		flags |= tdToggleSet
		flags |= uint32(toggle&1) << 24
	}

	if ioc {
		// IOC delay count 0: interrupt immediately on completion.
	} else {
		flags |= tdIOCNone
	}

	flags |= 0x3 << tdErrShift // not a real field write; error count is hw-owned, kept 0 on fill
	flags &^= 0x3 << tdErrShift
	flags |= 0xf << tdCCShift // CC_INIT: not yet accessed

	t.Flags = flags
	t.Cbp = buf
	t.Link = linkHalted

	if length > 0 {
		t.BufferEnd = buf + uint32(length) - 1
	} else {
		t.BufferEnd = 0
		t.Cbp = 0
	}

	t.length = length
	t.origFlags = t.Flags
	t.origCbp = t.Cbp
	t.origBufferEnd = t.BufferEnd
}

// Reset restores the TD's buffer pointers and condition code to the
// state Fill left them in, so a periodic TD can be re-armed in place for
// its next interval.
func (t *TD) Reset() {
	t.Flags = t.origFlags
	t.Cbp = t.origCbp
	t.BufferEnd = t.origBufferEnd
}

// Active reports whether the hardware has not yet retired this TD (CC
// still CC_INIT/CC_INIT0).
func (t *TD) Active() bool {
	cc := (t.Flags >> tdCCShift) & 0xf
	return cc == 0xe || cc == 0xf
}

// ConditionCode maps the OHCI 4-bit condition code to a sched.Status.
func (t *TD) ConditionCode() sched.Status {
	switch (t.Flags >> tdCCShift) & 0xf {
	case 0x0:
		return sched.StatusOK
	case 0x1, 0x2:
		return sched.StatusBabble
	case 0x3:
		return sched.StatusInvalidToggles
	case 0x4:
		return sched.StatusStall
	case 0x5:
		return sched.StatusNoResponse
	case 0x6, 0x7:
		return sched.StatusBufferError
	default:
		return sched.StatusUnknown
	}
}

// ActualLength derives the bytes actually transferred from Cbp having
// advanced toward BufferEnd; OHCI has no explicit actual-length field.
func (t *TD) ActualLength() int {
	if t.Cbp == 0 {
		return t.length
	}

	if t.BufferEnd < t.Cbp {
		return 0
	}

	return t.length - int(t.BufferEnd-t.Cbp+1)
}

// RequestedLength returns the length programmed by Fill.
func (t *TD) RequestedLength() int { return t.length }

// Toggle returns the TD-local toggle bit, meaningful only when
// tdToggleSet is set.
func (t *TD) Toggle() uint8 { return uint8((t.Flags >> 24) & 1) }

// SetToggle rewrites the TD-local toggle override.
func (t *TD) SetToggle(v uint8) {
	t.Flags |= tdToggleSet
	t.Flags &^= 1 << 24
	t.Flags |= uint32(v&1) << 24
}

func (t *TD) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, t.Flags)
	binary.Write(buf, binary.LittleEndian, t.Cbp)
	binary.Write(buf, binary.LittleEndian, t.Link)
	binary.Write(buf, binary.LittleEndian, t.BufferEnd)
	region.Write(t.addr, 0, buf.Bytes())
}

func (t *TD) Load(region *dma.Region) {
	buf := make([]byte, tdSize)
	region.Read(t.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &t.Flags)
	binary.Read(r, binary.LittleEndian, &t.Cbp)
	binary.Read(r, binary.LittleEndian, &t.Link)
	binary.Read(r, binary.LittleEndian, &t.BufferEnd)
}
