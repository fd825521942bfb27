// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ehci implements the EHCI family queue module: QH/qTD/iTD
// hardware descriptor layouts (EHCI rev 1.0 §3) and the
// usbcore.QueueHandler surface over them. Control/bulk QHs ring-link
// through a self-looping async reclamation head with the H bit set;
// periodic QHs and iTDs hang off the framelist.
package ehci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// Link-pointer type bits, shared by every EHCI hardware link field.
const (
	linkTerminate = 1 << 0
	linkTypeITD   = 0 << 1
	linkTypeQH    = 1 << 1
	linkTypeSiTD  = 2 << 1
	linkTypeFSTN  = 3 << 1
)

// NullIndex16 is the 0xFFFF NULL index sentinel used in EHCI shadow
// structures, distinct from sched.NoIndex only in name.
const NullIndex16 = sched.NoIndex

// QTD is the 32-byte EHCI Queue Element Transfer Descriptor. Token is
// packed bit-exact to the EHCI specification's qTD Token dword: Status
// [0:7], PID [8:9], CERR [10:11], CPage [12:14], IOC [15], Bytes
// [16:30], DataToggle [31].
type QTD struct {
	Link    uint32
	AltLink uint32
	Token   uint32
	Buffers [5]uint32 // page pointers; Buffers[0] low 12 bits carry the byte offset

	shadow sched.SchedulerObject
	addr   uint

	length int
	phase  int

	origToken   uint32
	origBuffers [5]uint32
}

const qtdSize = 32

// Token field bit positions.
const (
	tokStatusMask  = 0xff
	tokStatusShift = 0
	tokPIDShift    = 8
	tokPIDMask     = 0x3
	tokCErrShift   = 10
	tokPageShift   = 12
	tokIOC         = 1 << 15
	tokLenShift    = 16
	tokLenMask     = 0x7fff
	tokToggle      = 1 << 31
)

// Status byte bits (Token bits 0-7).
const (
	stActive      = 1 << 7
	stHalted      = 1 << 6
	stBufferError = 1 << 5
	stBabble      = 1 << 4
	stXact        = 1 << 3
	stIncomplete  = 1 << 2
	stSplitXact   = 1 << 1
	stPing        = 1 << 0
)

// PID tokens (Token bits 8-9).
const (
	pidOut   = 0
	pidIn    = 1
	pidSetup = 2
)

// MaxTransferBytes is the maximum a single qTD can describe: 5 buffer
// pages of 4 KiB each.
const MaxTransferBytes = 0x5000

func NewQTD(addr uint) *QTD {
	return &QTD{addr: addr}
}

func (q *QTD) Shadow() *sched.SchedulerObject { return &q.shadow }
func (q *QTD) Addr() uint                     { return q.addr }
func (q *QTD) Phase() int                     { return q.phase }
func (q *QTD) SetPhase(p int)                 { q.phase = p }

// Fill programs a qTD for a single transaction of up to MaxTransferBytes,
// whose bytes are described by up to 5 page pointers in buffers (each
// page-aligned except buffers[0], which carries addr's low 12 bits as
// the initial offset).
func (q *QTD) Fill(pid uint8, toggle uint8, errCounter uint8, addr uint32, length int, ioc bool) {
	q.Link = linkTerminate
	q.AltLink = linkTerminate

	tok := uint32(stActive)
	tok |= uint32(pid&tokPIDMask) << tokPIDShift
	tok |= uint32(errCounter&0x3) << tokCErrShift
	tok |= uint32(length&tokLenMask) << tokLenShift

	if ioc {
		tok |= tokIOC
	}

	if toggle&1 != 0 {
		tok |= tokToggle
	}

	q.Token = tok
	q.length = length

	q.Buffers[0] = addr
	page := addr &^ (dma.PageSize - 1)

	for i := 1; i < 5; i++ {
		page += dma.PageSize
		q.Buffers[i] = page
	}

	q.origToken = q.Token
	q.origBuffers = q.Buffers
}

// Reset restores the qTD's Token/Buffers to the state Fill left them in
// (status re-armed Active, byte counts restored).
func (q *QTD) Reset() {
	q.Token = q.origToken
	q.Buffers = q.origBuffers
}

func (q *QTD) Active() bool { return q.Token&stActive != 0 }

// ConditionCode maps the qTD status byte to a sched.Status.
func (q *QTD) ConditionCode() sched.Status {
	st := q.Token & tokStatusMask

	switch {
	case st&stBabble != 0:
		return sched.StatusBabble
	case st&stHalted != 0 && st&stXact != 0:
		return sched.StatusStall
	case st&stBufferError != 0:
		return sched.StatusBufferError
	case st&stXact != 0:
		return sched.StatusNoResponse
	case st&stHalted != 0:
		return sched.StatusStall
	default:
		return sched.StatusOK
	}
}

// ActualLength returns the bytes remaining to transfer subtracted from
// the originally requested length (the Length field is decremented by
// hardware as bytes move).
func (q *QTD) ActualLength() int {
	remaining := int((q.Token >> tokLenShift) & tokLenMask)
	if remaining > q.length {
		return 0
	}

	return q.length - remaining
}

func (q *QTD) RequestedLength() int { return q.length }

func (q *QTD) Toggle() uint8 {
	if q.Token&tokToggle != 0 {
		return 1
	}

	return 0
}

func (q *QTD) SetToggle(v uint8) {
	if v&1 != 0 {
		q.Token |= tokToggle
	} else {
		q.Token &^= tokToggle
	}
}

func (q *QTD) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, q.Link)
	binary.Write(buf, binary.LittleEndian, q.AltLink)
	binary.Write(buf, binary.LittleEndian, q.Token)

	for _, b := range q.Buffers {
		binary.Write(buf, binary.LittleEndian, b)
	}

	region.Write(q.addr, 0, buf.Bytes())
}

func (q *QTD) Load(region *dma.Region) {
	buf := make([]byte, qtdSize)
	region.Read(q.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &q.Link)
	binary.Read(r, binary.LittleEndian, &q.AltLink)
	binary.Read(r, binary.LittleEndian, &q.Token)

	for i := range q.Buffers {
		binary.Read(r, binary.LittleEndian, &q.Buffers[i])
	}
}
