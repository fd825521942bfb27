// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// QH is the 48-byte EHCI Queue Head. Overlay mirrors a qTD's fields and
// is the "current TD working area" hardware copies the active qTD into
// before executing it.
type QH struct {
	LinkPointer uint32
	EPChar      uint32
	EPCaps      uint32
	Current     uint32

	// Overlay: the embedded transfer-overlay area, bit-identical to a
	// qTD's Link/AltLink/Token/Buffers but for NextQTD instead of Link.
	NextQTD    uint32
	AltNextQTD uint32
	Token      uint32
	Buffers    [5]uint32

	shadow sched.SchedulerObject
	addr   uint
}

const qhSize = 48

// EPChar bit layout (dword 1).
const (
	epcAddressMask   = 0x7f
	epcEndpointMask  = 0xf
	epcEndpointShift = 8
	epcEPSShift      = 12 // endpoint speed: 0 full, 1 low, 2 high
	epcEPSMask       = 0x3
	epcDTC           = 1 << 14 // data toggle control: 1 = from qTD, 0 = from QH
	epcH             = 1 << 15 // reclamation list head
	epcMPSShift      = 16
	epcMPSMask       = 0x7ff
	epcControl       = 1 << 27 // control endpoint flag (FS control only)
	epcNakRLShift    = 28
)

// EPCaps bit layout (dword 2).
const (
	epcapSMaskMask  = 0xff
	epcapCMaskShift = 8
	epcapCMaskMask  = 0xff
	epcapHubShift   = 16
	epcapHubMask    = 0x7f
	epcapPortShift  = 23
	epcapPortMask   = 0x7f
	epcapMultShift  = 30
	epcapMultMask   = 0x3
)

// Speed codes for EPChar bits 12-13.
const (
	SpeedFull = 0
	SpeedLow  = 1
	SpeedHigh = 2
)

func NewQH(addr uint) *QH {
	return &QH{addr: addr, LinkPointer: linkTerminate, Current: linkTerminate, NextQTD: linkTerminate, AltNextQTD: linkTerminate}
}

func (q *QH) Shadow() *sched.SchedulerObject { return &q.shadow }
func (q *QH) Addr() uint                     { return q.addr }

// Fill programs the endpoint-identity and microframe-schedule fields of
// a QH.
func (q *QH) Fill(device, endpoint uint8, speed int, mps int, dataToggleFromQTD bool, nakReload uint8) {
	ch := uint32(device) & epcAddressMask
	ch |= (uint32(endpoint) & epcEndpointMask) << epcEndpointShift
	ch |= (uint32(speed) & epcEPSMask) << epcEPSShift
	ch |= (uint32(mps) & epcMPSMask) << epcMPSShift
	ch |= (uint32(nakReload) & 0xf) << epcNakRLShift

	if dataToggleFromQTD {
		ch |= epcDTC
	}

	if speed == SpeedFull {
		ch |= epcControl
	}

	q.EPChar = ch
}

// SetReclamationHead sets or clears the H bit marking this QH as the
// head of the async reclamation ring.
func (q *QH) SetReclamationHead(v bool) {
	if v {
		q.EPChar |= epcH
	} else {
		q.EPChar &^= epcH
	}
}

func (q *QH) ReclamationHead() bool { return q.EPChar&epcH != 0 }

// FillSchedule programs the microframe S-mask/C-mask and split-transaction
// hub/port/multiplier fields for a high-speed QH driving a full/low-speed
// endpoint through a transaction translator.
func (q *QH) FillSchedule(sMask, cMask uint8, hubAddr, portAddr uint8, mult uint8) {
	caps := uint32(sMask)
	caps |= uint32(cMask) << epcapCMaskShift
	caps |= (uint32(hubAddr) & epcapHubMask) << epcapHubShift
	caps |= (uint32(portAddr) & epcapPortMask) << epcapPortShift

	m := mult
	if m == 0 {
		m = 1
	}

	caps |= (uint32(m) & epcapMultMask) << epcapMultShift

	q.EPCaps = caps
}

// SetLink points LinkPointer at the next QH in the async/periodic ring.
// A self-loop (addr == q.addr) implements the reclamation head's
// permanent self-reference.
func (q *QH) SetLink(addr uint32) {
	q.LinkPointer = addr | linkTypeQH
}

// Halted reports whether the overlay Token carries the Halted status bit.
func (q *QH) Halted() bool { return q.Token&stHalted != 0 }

func (q *QH) Active() bool { return q.Token&stActive != 0 }

// LoadOverlayFrom copies a qTD's transfer state into the QH overlay, the
// step hardware performs when it advances to a new current qTD; software
// mirrors it when seeding a freshly linked QH.
func (q *QH) LoadOverlayFrom(t *QTD) {
	q.NextQTD = t.Link
	q.AltNextQTD = t.AltLink
	q.Token = t.Token
	q.Buffers = t.Buffers
}

func (q *QH) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, q.LinkPointer)
	binary.Write(buf, binary.LittleEndian, q.EPChar)
	binary.Write(buf, binary.LittleEndian, q.EPCaps)
	binary.Write(buf, binary.LittleEndian, q.Current)
	binary.Write(buf, binary.LittleEndian, q.NextQTD)
	binary.Write(buf, binary.LittleEndian, q.AltNextQTD)
	binary.Write(buf, binary.LittleEndian, q.Token)

	for _, b := range q.Buffers {
		binary.Write(buf, binary.LittleEndian, b)
	}

	region.Write(q.addr, 0, buf.Bytes())
}

func (q *QH) Load(region *dma.Region) {
	buf := make([]byte, qhSize)
	region.Read(q.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &q.LinkPointer)
	binary.Read(r, binary.LittleEndian, &q.EPChar)
	binary.Read(r, binary.LittleEndian, &q.EPCaps)
	binary.Read(r, binary.LittleEndian, &q.Current)
	binary.Read(r, binary.LittleEndian, &q.NextQTD)
	binary.Read(r, binary.LittleEndian, &q.AltNextQTD)
	binary.Read(r, binary.LittleEndian, &q.Token)

	for i := range q.Buffers {
		binary.Read(r, binary.LittleEndian, &q.Buffers[i])
	}
}
