// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uhci implements the UHCI family queue module: TD/QH hardware
// descriptor layouts (UHCI rev 1.1 §3) and the usbcore.QueueHandler
// surface over them. Periodic queues cover intervals 1..128 frames; a
// dedicated anchor QH terminates the async (control/bulk) schedule.
package uhci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// Hardware link-pointer bits, shared by TD.Link and QH's two link words.
const (
	linkTerminate = 1 << 0
	linkQH        = 1 << 1
	linkDepth     = 1 << 2
)

// PID tokens.
const (
	pidIn    = 0x69
	pidOut   = 0xe1
	pidSetup = 0x2d
)

// TD is the 16-byte UHCI Transfer Descriptor (USB 1.1 §3.2).
type TD struct {
	Link   uint32
	CS     uint32
	Token  uint32
	Buffer uint32

	shadow sched.SchedulerObject
	addr   uint

	// phase is a software-only index into Transfer.Transactions/
	// BytesTransferred this TD belongs to (0=SETUP/first data phase,
	// 1=DATA, 2=STATUS); never serialized to hardware.
	phase int
}

const tdSize = 16

// Phase returns the transaction-phase index this TD belongs to.
func (t *TD) Phase() int { return t.phase }

// SetPhase records the transaction-phase index this TD belongs to.
func (t *TD) SetPhase(p int) { t.phase = p }

// NewTD constructs a TD whose hardware fields live at phys addr.
func NewTD(addr uint) *TD {
	return &TD{addr: addr}
}

// Shadow implements sched.Descriptor.
func (t *TD) Shadow() *sched.SchedulerObject { return &t.shadow }

// Addr returns this TD's physical address.
func (t *TD) Addr() uint { return t.addr }

// Control/Status bits.
const (
	csActLenMask  = 0x7ff
	csBitstuff    = 1 << 16
	csCRCTimeout  = 1 << 17
	csNAK         = 1 << 18
	csBabble      = 1 << 19
	csBufferErr   = 1 << 20
	csStalled     = 1 << 21
	csActive      = 1 << 22
	csIOC         = 1 << 23
	csIsochronous = 1 << 24
	csLowSpeed    = 1 << 25
	csErrCounter  = 0x3 << 26
	csShortPacket = 1 << 29
)

// Token field shifts.
const (
	tokPIDShift      = 0
	tokDeviceShift   = 8
	tokEndpointShift = 15
	tokToggleShift   = 19
	tokMaxLenShift   = 21
)

// Fill programs a TD for one packet transaction.
func (t *TD) Fill(pid uint8, device, endpoint uint8, toggle uint8, lowSpeed bool, maxLen int, buf uint32, ioc bool) {
	t.Link = linkTerminate

	cs := uint32(3) << 26 // 3 retries
	cs |= csActive

	if lowSpeed {
		cs |= csLowSpeed
	}

	if ioc {
		cs |= csIOC
	}

	t.CS = cs

	maxLenField := uint32(maxLen-1) & 0x7ff
	if maxLen == 0 {
		maxLenField = 0x7ff
	}

	tok := uint32(pid)
	tok |= uint32(device&0x7f) << tokDeviceShift
	tok |= uint32(endpoint&0xf) << tokEndpointShift
	tok |= uint32(toggle&1) << tokToggleShift
	tok |= maxLenField << tokMaxLenShift

	t.Token = tok
	t.Buffer = buf
}

// Active reports whether the hardware Active bit is still set.
func (t *TD) Active() bool {
	return t.CS&csActive != 0
}

// ActualLength returns the hardware-reported actual transfer length.
func (t *TD) ActualLength() int {
	n := int(t.CS & csActLenMask)
	if n == 0x7ff {
		return 0
	}

	return n + 1
}

// RequestedLength returns the packet length programmed into the token.
func (t *TD) RequestedLength() int {
	n := int((t.Token >> tokMaxLenShift) & 0x7ff)
	if n == 0x7ff {
		return 0
	}

	return n + 1
}

// Toggle returns the data toggle programmed into this TD's token.
func (t *TD) Toggle() uint8 {
	return uint8((t.Token >> tokToggleShift) & 1)
}

// SetToggle rewrites the toggle bit, used by ProcessElement(FixToggle).
func (t *TD) SetToggle(v uint8) {
	t.Token &^= 1 << tokToggleShift
	t.Token |= uint32(v&1) << tokToggleShift
}

// ConditionCode maps the TD's error bits to a sched.Status.
func (t *TD) ConditionCode() sched.Status {
	switch {
	case t.CS&csStalled != 0:
		return sched.StatusStall
	case t.CS&csBabble != 0:
		return sched.StatusBabble
	case t.CS&csBufferErr != 0:
		return sched.StatusBufferError
	case t.CS&csCRCTimeout != 0:
		return sched.StatusNoResponse
	case t.CS&csNAK != 0:
		return sched.StatusNAK
	default:
		return sched.StatusOK
	}
}

// Sync writes this TD's 16-byte hardware image to its DMA-backed
// address. The shadow is never serialized: it lives only in the Go-side
// struct and reaches the controller only via the encoded link fields
// written by BuildChain and the relink paths.
func (t *TD) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, t.Link)
	binary.Write(buf, binary.LittleEndian, t.CS)
	binary.Write(buf, binary.LittleEndian, t.Token)
	binary.Write(buf, binary.LittleEndian, t.Buffer)
	region.Write(t.addr, 0, buf.Bytes())
}

// Load refreshes this TD's hardware fields from its DMA-backed address.
func (t *TD) Load(region *dma.Region) {
	buf := make([]byte, tdSize)
	region.Read(t.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &t.Link)
	binary.Read(r, binary.LittleEndian, &t.CS)
	binary.Read(r, binary.LittleEndian, &t.Token)
	binary.Read(r, binary.LittleEndian, &t.Buffer)
}
