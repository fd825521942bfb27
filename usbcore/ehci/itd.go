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

// ITD is the 64-byte EHCI Isochronous Transfer Descriptor: one per
// 125us microframe window within a frame, with Transactions[n]
// describing the n'th microframe's transaction.
type ITD struct {
	Link         uint32
	Transactions [8]uint32
	Buffers      [7]uint32 // Buffers[0]/[1] carry endpoint identity in their low bits

	shadow sched.SchedulerObject
	addr   uint

	lengths [8]int
	phase   int
}

const itdSize = 64

// Transactions[n] bit layout.
const (
	itOffsetMask  = 0xfff
	itPageShift   = 12
	itPageMask    = 0x7
	itIOC         = 1 << 15
	itLenShift    = 16
	itLenMask     = 0xfff
	itStatusShift = 28
)

// Transaction status nibble (bits 28-31).
const (
	itStatusActive      = 1 << 3
	itStatusBufferError = 1 << 2
	itStatusBabble      = 1 << 1
	itStatusXactError   = 1 << 0
)

// Buffers[0]/[1] identity bit layout.
const (
	itBufAddressMask   = 0x7f
	itBufEndpointShift = 8
	itBufEndpointMask  = 0xf
	itBufDirShift      = 11 // Buffers[1] only
	itBufMPSShift      = 0  // Buffers[1] bits 0-10
	itBufMPSMask       = 0x7ff
	itBufMultShift     = 11 // Buffers[2] bits 0-1
	itBufMultMask      = 0x3
)

func NewITD(addr uint) *ITD {
	return &ITD{addr: addr, Link: linkTerminate}
}

func (i *ITD) Shadow() *sched.SchedulerObject { return &i.shadow }
func (i *ITD) Addr() uint                     { return i.addr }
func (i *ITD) Phase() int                     { return i.phase }
func (i *ITD) SetPhase(p int)                 { i.phase = p }

// FillIdentity programs the endpoint-identity fields shared by every
// transaction in this iTD.
func (i *ITD) FillIdentity(device, endpoint uint8, dirIn bool, mps int, mult uint8) {
	b0 := uint32(device) & itBufAddressMask
	b0 |= (uint32(endpoint) & itBufEndpointMask) << itBufEndpointShift
	i.Buffers[0] = b0

	b1 := uint32(mps) & itBufMPSMask
	if dirIn {
		b1 |= 1 << itBufDirShift
	}
	i.Buffers[1] = b1

	m := mult
	if m == 0 {
		m = 1
	}

	i.Buffers[2] = uint32(m) & itBufMultMask
}

// FillTransaction programs the n'th microframe's transaction: a page
// index into Buffers[2:7] (the iTD addresses up to 7 pages total), an
// offset within that page, and a byte count.
func (i *ITD) FillTransaction(n int, page uint8, offset uint16, length int, ioc bool) {
	word := uint32(offset) & itOffsetMask
	word |= (uint32(page) & itPageMask) << itPageShift
	word |= (uint32(length) & itLenMask) << itLenShift
	word |= itStatusActive << itStatusShift

	if ioc {
		word |= itIOC
	}

	i.Transactions[n] = word
	i.lengths[n] = length
}

func (i *ITD) Active(n int) bool {
	return (i.Transactions[n]>>itStatusShift)&itStatusActive != 0
}

// ConditionCode maps the n'th transaction's status nibble to a
// sched.Status.
func (i *ITD) ConditionCode(n int) sched.Status {
	st := (i.Transactions[n] >> itStatusShift) & 0xf

	switch {
	case st&itStatusBabble != 0:
		return sched.StatusBabble
	case st&itStatusXactError != 0:
		return sched.StatusNoResponse
	case st&itStatusBufferError != 0:
		return sched.StatusBufferError
	default:
		return sched.StatusOK
	}
}

// ActualLength returns the bytes transferred in the n'th microframe:
// hardware decrements the length field as bytes complete, exactly as
// in a qTD.
func (i *ITD) ActualLength(n int) int {
	remaining := int((i.Transactions[n] >> itLenShift) & itLenMask)
	if remaining > i.lengths[n] {
		return 0
	}

	return i.lengths[n] - remaining
}

func (i *ITD) RequestedLength(n int) int { return i.lengths[n] }

func (i *ITD) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, i.Link)

	for _, tr := range i.Transactions {
		binary.Write(buf, binary.LittleEndian, tr)
	}

	for _, b := range i.Buffers {
		binary.Write(buf, binary.LittleEndian, b)
	}

	region.Write(i.addr, 0, buf.Bytes())
}

func (i *ITD) Load(region *dma.Region) {
	buf := make([]byte, itdSize)
	region.Read(i.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &i.Link)

	for n := range i.Transactions {
		binary.Read(r, binary.LittleEndian, &i.Transactions[n])
	}

	for n := range i.Buffers {
		binary.Read(r, binary.LittleEndian, &i.Buffers[n])
	}
}
