// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ohci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// ED is the OHCI Endpoint Descriptor, the family's queue-head analogue:
// it carries both the horizontal (breadth) link to the next ED on a
// queue and the vertical (depth) TD chain between Current and EndPointer.
type ED struct {
	Flags       uint32
	EndPointer  uint32
	Current     uint32 // physical, bit0 halted, bit1 toggle-carry
	LinkPointer uint32

	shadow sched.SchedulerObject
	addr   uint
}

const qhSize = 16

// ED.Flags bit layout.
const (
	edAddressMask   = 0x7f
	edEndpointMask  = 0xf
	edEndpointShift = 7
	edDirShift      = 11
	edDirMask       = 0x3
	edLowSpeed      = 1 << 13
	edSkip          = 1 << 14
	edIsochronous   = 1 << 15
	edMPSShift      = 16
	edMPSMask       = 0x7ff
)

func NewED(addr uint) *ED {
	return &ED{addr: addr, LinkPointer: 0, Current: linkHalted, EndPointer: 0}
}

func (e *ED) Shadow() *sched.SchedulerObject { return &e.shadow }
func (e *ED) Addr() uint                     { return e.addr }

// Fill programs the endpoint-identity fields of an ED.
func (e *ED) Fill(device, endpoint uint8, dir int, lowSpeed bool, mps int, isochronous bool) {
	flags := uint32(device) & edAddressMask
	flags |= (uint32(endpoint) & edEndpointMask) << edEndpointShift
	flags |= uint32(dir&edDirMask) << edDirShift

	if lowSpeed {
		flags |= edLowSpeed
	}

	if isochronous {
		flags |= edIsochronous
	}

	flags |= (uint32(mps) & edMPSMask) << edMPSShift

	e.Flags = flags
}

// Halted reports whether the ED's Current pointer carries the halted bit
// (set after a TD in its chain retires with an unrecoverable error).
func (e *ED) Halted() bool { return e.Current&linkHalted != 0 }

// SetHalted sets or clears the halted bit on Current.
func (e *ED) SetHalted(v bool) {
	if v {
		e.Current |= linkHalted
	} else {
		e.Current &^= linkHalted
	}
}

// Skip reports/sets the ED's skip bit; a skipped ED is never walked by
// hardware.
func (e *ED) Skip() bool { return e.Flags&edSkip != 0 }
func (e *ED) SetSkip(v bool) {
	if v {
		e.Flags |= edSkip
	} else {
		e.Flags &^= edSkip
	}
}

// SetCurrent points the ED's vertical TD chain at tdAddr (0 clears it,
// matching a halted+terminated ED).
func (e *ED) SetCurrent(tdAddr uint32) {
	carry := e.Current & linkCarry
	if tdAddr == 0 {
		e.Current = linkHalted | carry
		return
	}
	e.Current = tdAddr | carry
}

// SetEnd points the ED's TD chain tail sentinel at tdAddr.
func (e *ED) SetEnd(tdAddr uint32) { e.EndPointer = tdAddr }

func (e *ED) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, e.Flags)
	binary.Write(buf, binary.LittleEndian, e.EndPointer)
	binary.Write(buf, binary.LittleEndian, e.Current)
	binary.Write(buf, binary.LittleEndian, e.LinkPointer)
	region.Write(e.addr, 0, buf.Bytes())
}

func (e *ED) Load(region *dma.Region) {
	buf := make([]byte, qhSize)
	region.Read(e.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &e.Flags)
	binary.Read(r, binary.LittleEndian, &e.EndPointer)
	binary.Read(r, binary.LittleEndian, &e.Current)
	binary.Read(r, binary.LittleEndian, &e.LinkPointer)
}

// NumQueues is the HCCA interrupt table size.
const NumQueues = 32
